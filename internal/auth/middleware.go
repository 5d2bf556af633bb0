package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

const identityKey = "identity"

// Middleware 校验 Bearer access token 并把解析出的 Identity 放入 gin.Context。
func Middleware(svc *Service, users IdentityLookup) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("Bearer "):])
		claims, err := svc.ValidateAccess(tokenStr)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, ErrExpired) {
				msg = "token expired"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
			return
		}
		ident, err := users.FindIdentityByID(c.Request.Context(), claims.UserID)
		if err != nil {
			if !errors.Is(err, ErrIdentityNotFound) {
				log.Error().Err(err).Uint("user_id", claims.UserID).Msg("auth identity lookup")
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user not found"})
			return
		}
		c.Set(identityKey, ident)
		c.Next()
	}
}

// GetIdentity returns the identity set by Middleware, or Anonymous.
func GetIdentity(c *gin.Context) Identity {
	if v, ok := c.Get(identityKey); ok {
		if ident, ok2 := v.(Identity); ok2 {
			return ident
		}
	}
	return Anonymous
}
