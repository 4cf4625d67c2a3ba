package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/togedog/chat-app/internal/authz"
	"github.com/togedog/chat-app/internal/logging"
	"github.com/togedog/chat-app/internal/user"
)

const identityKey = "identity"

// Resolver loads the identity for a user id.
type Resolver interface {
	Resolve(ctx context.Context, userID int64) (authz.Identity, error)
}

// BearerToken extracts the token from an "Authorization: Bearer" header.
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

// Middleware authenticates the request with a Bearer token and stores the
// caller's identity on the context. Failures abort with 401 and a
// {detail} body.
func Middleware(m *Manager, users Resolver) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := BearerToken(c.Request)
		if token == "" {
			abort(c, http.StatusUnauthorized, "authorization required")
			return
		}

		userID, err := m.Parse(token)
		if errors.Is(err, ErrTokenExpired) {
			abort(c, http.StatusUnauthorized, "token expired")
			return
		}
		if err != nil {
			abort(c, http.StatusUnauthorized, "invalid token")
			return
		}

		id, err := users.Resolve(c.Request.Context(), userID)
		if errors.Is(err, user.ErrNotFound) {
			abort(c, http.StatusUnauthorized, "user not found")
			return
		}
		if err != nil {
			log := logging.Ctx(c.Request.Context())
			log.Error().Err(err).Int64(logging.FieldUserID, userID).Msg("resolve user failed")
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"message": "service unavailable"})
			return
		}

		c.Set(identityKey, id)
		c.Set(logging.FieldUserID, id.ID)
		c.Next()
	}
}

// RequireAdmin aborts with 403 unless the authenticated caller is an admin.
// It must run after Middleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		id, ok := IdentityFrom(c)
		if !ok {
			abort(c, http.StatusUnauthorized, "authorization required")
			return
		}
		if err := authz.RequireAdmin(id); err != nil {
			abort(c, http.StatusForbidden, authz.Message(err))
			return
		}
		c.Next()
	}
}

// IdentityFrom returns the identity stored by Middleware.
func IdentityFrom(c *gin.Context) (authz.Identity, bool) {
	v, ok := c.Get(identityKey)
	if !ok {
		return authz.Identity{}, false
	}
	id, ok := v.(authz.Identity)
	return id, ok
}

func abort(c *gin.Context, status int, detail string) {
	c.AbortWithStatusJSON(status, gin.H{"detail": detail})
}
