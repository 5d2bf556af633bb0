package auth

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeDirectory map[uint]Identity

func (d fakeDirectory) FindIdentityByID(_ context.Context, id uint) (Identity, error) {
	ident, ok := d[id]
	if !ok {
		return Identity{}, ErrIdentityNotFound
	}
	return ident, nil
}

type failingRevocations struct{ calls atomic.Int32 }

func (f *failingRevocations) Revoke(context.Context, string, time.Time) error {
	f.calls.Add(1)
	return errors.New("revocation backend down")
}

func (f *failingRevocations) IsRevoked(context.Context, string) (bool, error) {
	return false, errors.New("revocation backend down")
}

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

var alice = Identity{ID: 1, Username: "alice"}

type fixture struct {
	svc     *Service
	creds   *MemoryCredentialStore
	revoked *MemoryRevocationSet
	clock   *testClock
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	clock := &testClock{now: time.Now()}
	creds := NewMemoryCredentialStore()
	revoked := NewMemoryRevocationSet()
	svc := NewService(Options{
		Secret:     []byte("test-secret"),
		AccessTTL:  time.Minute,
		RefreshTTL: time.Hour,
		Now:        clock.Now,
	}, creds, revoked, fakeDirectory{alice.ID: alice})
	return fixture{svc: svc, creds: creds, revoked: revoked, clock: clock}
}

func TestService_IssueAndValidate(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeBearer, pair.TokenType)
	assert.Equal(t, pair.RefreshToken, f.creds.Current(alice.ID))

	claims, err := f.svc.ValidateAccess(pair.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, alice.ID, claims.UserID)
	assert.Equal(t, TokenTypeAccess, claims.TokenType)

	_, err = f.svc.ValidateAccess(pair.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestService_IssueAnonymous(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.Issue(context.Background(), Anonymous)
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestService_IssueReplacesCurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)
	second, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)

	_, err = f.svc.Rotate(ctx, first.RefreshToken)
	assert.ErrorIs(t, err, ErrStaleCredential)
	_, err = f.svc.Rotate(ctx, second.RefreshToken)
	assert.NoError(t, err)
}

func TestService_RotateOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)

	next, err := f.svc.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.RefreshToken, next.RefreshToken)
	assert.Equal(t, next.RefreshToken, f.creds.Current(alice.ID))

	_, err = f.svc.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrStaleCredential)

	// 旧 token 的 jti 已进入吊销集合。
	old, err := f.svc.signer.parse(pair.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)
	revoked, err := f.revoked.IsRevoked(ctx, old.ID)
	require.NoError(t, err)
	assert.True(t, revoked)

	// 新 token 仍然可以继续轮换。
	_, err = f.svc.Rotate(ctx, next.RefreshToken)
	assert.NoError(t, err)
}

func TestService_RotateConcurrent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)

	const workers = 16
	var (
		wg       sync.WaitGroup
		start    = make(chan struct{})
		success  atomic.Int32
		stale    atomic.Int32
		winnerMu sync.Mutex
		winner   TokenPair
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			next, err := f.svc.Rotate(ctx, pair.RefreshToken)
			switch {
			case err == nil:
				success.Add(1)
				winnerMu.Lock()
				winner = next
				winnerMu.Unlock()
			case errors.Is(err, ErrStaleCredential):
				stale.Add(1)
			default:
				t.Errorf("Rotate() unexpected error = %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.EqualValues(t, 1, success.Load())
	assert.EqualValues(t, workers-1, stale.Load())
	assert.Equal(t, winner.RefreshToken, f.creds.Current(alice.ID))
}

func TestService_RotateExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)

	f.clock.Advance(2 * time.Hour)
	_, err = f.svc.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrExpired)
	_, err = f.svc.ValidateAccess(pair.AccessToken)
	assert.ErrorIs(t, err, ErrExpired)
	// 失败的轮换不改变 current。
	assert.Equal(t, pair.RefreshToken, f.creds.Current(alice.ID))
}

func TestService_RotateInvalid(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"access token", pair.AccessToken},
		{"tampered", pair.RefreshToken + "x"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Rotate(ctx, tt.token)
			assert.ErrorIs(t, err, ErrInvalidCredential)
		})
	}

	other := NewService(Options{Secret: []byte("other-secret")}, NewMemoryCredentialStore(), NewMemoryRevocationSet(), fakeDirectory{alice.ID: alice})
	foreign, err := other.Issue(ctx, alice)
	require.NoError(t, err)
	_, err = f.svc.Rotate(ctx, foreign.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidCredential)
}

func TestService_RotateUnknownIdentity(t *testing.T) {
	f := newFixture(t)
	ghost := Identity{ID: 99, Username: "ghost"}
	token, err := f.svc.signer.sign(ghost.ID, TokenTypeRefresh, time.Hour)
	require.NoError(t, err)

	_, err = f.svc.Rotate(context.Background(), token)
	assert.ErrorIs(t, err, ErrIdentityNotFound)
}

func TestService_RotateRevokedJTI(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)
	claims, err := f.svc.signer.parse(pair.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)
	require.NoError(t, f.revoked.Revoke(ctx, claims.ID, claims.ExpiresAt.Time))

	_, err = f.svc.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrStaleCredential)
}

func TestService_RotateSurvivesRevocationFailure(t *testing.T) {
	clock := &testClock{now: time.Now()}
	creds := NewMemoryCredentialStore()
	revocations := &failingRevocations{}
	svc := NewService(Options{Secret: []byte("s"), Now: clock.Now}, creds, revocations, fakeDirectory{alice.ID: alice})
	ctx := context.Background()

	pair, err := svc.Issue(ctx, alice)
	require.NoError(t, err)

	next, err := svc.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.EqualValues(t, 1, revocations.calls.Load())
	assert.Equal(t, next.RefreshToken, creds.Current(alice.ID))

	// current 比对仍然拒绝重放。
	_, err = svc.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrStaleCredential)
}

// flakyCredentials fails the first rotation after the callback has run, as a
// failed database write would.
type flakyCredentials struct {
	*MemoryCredentialStore
	failed atomic.Bool
}

func (f *flakyCredentials) RotateRefresh(ctx context.Context, userID uint, fn RotateFunc) error {
	if f.failed.CompareAndSwap(false, true) {
		if _, err := fn(ctx, f.Current(userID)); err != nil {
			return err
		}
		return errors.New("transient write error")
	}
	return f.MemoryCredentialStore.RotateRefresh(ctx, userID, fn)
}

func TestService_RotateRetryAfterStoreFailure(t *testing.T) {
	creds := &flakyCredentials{MemoryCredentialStore: NewMemoryCredentialStore()}
	revoked := NewMemoryRevocationSet()
	svc := NewService(Options{Secret: []byte("s")}, creds, revoked, fakeDirectory{alice.ID: alice})
	ctx := context.Background()

	pair, err := svc.Issue(ctx, alice)
	require.NoError(t, err)

	_, err = svc.Rotate(ctx, pair.RefreshToken)
	require.Error(t, err)
	assert.Equal(t, pair.RefreshToken, creds.Current(alice.ID))
	claims, err := svc.signer.parse(pair.RefreshToken, TokenTypeRefresh)
	require.NoError(t, err)
	isRevoked, err := revoked.IsRevoked(ctx, claims.ID)
	require.NoError(t, err)
	assert.False(t, isRevoked)

	next, err := svc.Rotate(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.Equal(t, next.RefreshToken, creds.Current(alice.ID))
	_, err = svc.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrStaleCredential)
}

func TestService_Revoke(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	pair, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)

	require.NoError(t, f.svc.Revoke(ctx, pair.RefreshToken))
	assert.Empty(t, f.creds.Current(alice.ID))

	_, err = f.svc.Rotate(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, ErrStaleCredential)

	// 吊销一个非 current 的 token 不影响当前 token。
	fresh, err := f.svc.Issue(ctx, alice)
	require.NoError(t, err)
	require.NoError(t, f.svc.Revoke(ctx, pair.RefreshToken))
	assert.Equal(t, fresh.RefreshToken, f.creds.Current(alice.ID))
}

func TestService_RevokeFailureIsFatal(t *testing.T) {
	creds := NewMemoryCredentialStore()
	svc := NewService(Options{Secret: []byte("s")}, creds, &failingRevocations{}, fakeDirectory{alice.ID: alice})
	ctx := context.Background()

	pair, err := svc.Issue(ctx, alice)
	require.NoError(t, err)

	assert.Error(t, svc.Revoke(ctx, pair.RefreshToken))
	assert.Equal(t, pair.RefreshToken, creds.Current(alice.ID))
}

func TestRotationResult(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, "ok"},
		{ErrStaleCredential, "stale"},
		{ErrExpired, "expired"},
		{ErrInvalidCredential, "invalid"},
		{ErrIdentityNotFound, "unknown_identity"},
		{errors.New("boom"), "error"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, rotationResult(tt.err))
	}
}
