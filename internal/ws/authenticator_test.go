package ws

import (
	"context"
	"errors"
	"net/url"
	"testing"
	"time"

	"chatgateway/internal/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory map[uint]auth.Identity

func (d fakeDirectory) FindIdentityByID(_ context.Context, id uint) (auth.Identity, error) {
	ident, ok := d[id]
	if !ok {
		return auth.Identity{}, auth.ErrIdentityNotFound
	}
	return ident, nil
}

type brokenDirectory struct{}

func (brokenDirectory) FindIdentityByID(context.Context, uint) (auth.Identity, error) {
	return auth.Identity{}, errors.New("db down")
}

var alice = auth.Identity{ID: 1, Username: "alice"}

func signed(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestTokenFromQuery(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  string
	}{
		{"none", "", ""},
		{"token", "token=a", "a"},
		{"access_token", "access_token=b", "b"},
		{"jwt", "jwt=c", "c"},
		{"token wins", "jwt=c&access_token=b&token=a", "a"},
		{"empty token skipped", "token=&access_token=b", "b"},
		{"unrelated", "foo=bar", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, err := url.ParseQuery(tt.query)
			require.NoError(t, err)
			assert.Equal(t, tt.want, TokenFromQuery(q))
		})
	}
}

func TestAuthenticator(t *testing.T) {
	a := NewAuthenticator(fakeDirectory{alice.ID: alice})
	ctx := context.Background()
	future := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name  string
		query url.Values
		want  auth.Identity
	}{
		{"no token", url.Values{}, auth.Anonymous},
		{"garbage", url.Values{"token": {"not-a-jwt"}}, auth.Anonymous},
		{"valid", url.Values{"token": {signed(t, "secret", jwt.MapClaims{"user_id": 1, "exp": future})}}, alice},
		{"via jwt key", url.Values{"jwt": {signed(t, "secret", jwt.MapClaims{"user_id": 1})}}, alice},
		{"string user_id", url.Values{"token": {signed(t, "secret", jwt.MapClaims{"user_id": "1"})}}, alice},
		{"unknown user", url.Values{"token": {signed(t, "secret", jwt.MapClaims{"user_id": 42})}}, auth.Anonymous},
		{"missing user_id", url.Values{"token": {signed(t, "secret", jwt.MapClaims{"sub": "1"})}}, auth.Anonymous},
		{"fractional user_id", url.Values{"token": {signed(t, "secret", jwt.MapClaims{"user_id": 1.5})}}, auth.Anonymous},
		{"negative user_id", url.Values{"token": {signed(t, "secret", jwt.MapClaims{"user_id": -1})}}, auth.Anonymous},
		// 握手阶段不校验签名与过期时间。
		{"foreign signature", url.Values{"token": {signed(t, "other-secret", jwt.MapClaims{"user_id": 1})}}, alice},
		{"expired", url.Values{"token": {signed(t, "secret", jwt.MapClaims{"user_id": 1, "exp": time.Now().Add(-time.Hour).Unix()})}}, alice},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, a.Authenticate(ctx, tt.query))
		})
	}
}

func TestAuthenticator_LookupFailure(t *testing.T) {
	a := NewAuthenticator(brokenDirectory{})
	q := url.Values{"token": {signed(t, "secret", jwt.MapClaims{"user_id": 1})}}
	assert.Equal(t, auth.Anonymous, a.Authenticate(context.Background(), q))
}

func TestAuthenticator_TokenServiceTokens(t *testing.T) {
	dir := fakeDirectory{alice.ID: alice}
	svc := auth.NewService(auth.Options{Secret: []byte("secret")}, auth.NewMemoryCredentialStore(), auth.NewMemoryRevocationSet(), dir)
	pair, err := svc.Issue(context.Background(), alice)
	require.NoError(t, err)

	a := NewAuthenticator(dir)
	assert.Equal(t, alice, a.Authenticate(context.Background(), url.Values{"access_token": {pair.AccessToken}}))
}
