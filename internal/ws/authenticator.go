package ws

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/url"
	"strconv"

	"chatgateway/internal/auth"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog/log"
)

// TokenQueryKeys are the handshake query parameters that may carry the token,
// in lookup order.
var TokenQueryKeys = []string{"token", "access_token", "jwt"}

// TokenFromQuery returns the first non-empty token among TokenQueryKeys.
func TokenFromQuery(q url.Values) string {
	for _, k := range TokenQueryKeys {
		if v := q.Get(k); v != "" {
			return v
		}
	}
	return ""
}

// Authenticator resolves the identity of a connecting client. It never
// rejects a handshake: any failure yields auth.Anonymous.
//
// The token signature is NOT verified here. Claims are only used to extract
// the subject id, which is then resolved against the identity directory;
// full verification happens on the REST token endpoints.
type Authenticator struct {
	users  auth.IdentityLookup
	parser *jwt.Parser
}

func NewAuthenticator(users auth.IdentityLookup) *Authenticator {
	return &Authenticator{users: users, parser: jwt.NewParser()}
}

func (a *Authenticator) Authenticate(ctx context.Context, q url.Values) auth.Identity {
	token := TokenFromQuery(q)
	if token == "" {
		return auth.Anonymous
	}
	claims := jwt.MapClaims{}
	if _, _, err := a.parser.ParseUnverified(token, claims); err != nil {
		log.Debug().Err(err).Msg("ws handshake: undecodable token")
		return auth.Anonymous
	}
	userID, ok := subjectID(claims[auth.UserIDClaim])
	if !ok {
		log.Debug().Msg("ws handshake: token without usable user_id")
		return auth.Anonymous
	}
	ident, err := a.users.FindIdentityByID(ctx, userID)
	if err != nil {
		if !errors.Is(err, auth.ErrIdentityNotFound) {
			log.Warn().Err(err).Uint("user_id", userID).Msg("ws handshake: identity lookup")
		}
		return auth.Anonymous
	}
	return ident
}

func subjectID(v interface{}) (uint, bool) {
	switch id := v.(type) {
	case float64:
		if id <= 0 || id != math.Trunc(id) || id > math.MaxUint32 {
			return 0, false
		}
		return uint(id), true
	case json.Number:
		n, err := strconv.ParseUint(id.String(), 10, 32)
		return uint(n), err == nil && n > 0
	case string:
		n, err := strconv.ParseUint(id, 10, 32)
		return uint(n), err == nil && n > 0
	default:
		return 0, false
	}
}
