// Package auth authenticates API requests with the Auth-Token header and
// gates routes on token permissions.
package auth

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-logr/logr"

	"github.com/adrianosela/tecken/internal/db"
)

// HeaderName is the request header carrying the API token key.
const HeaderName = "Auth-Token"

// Permission names tokens can carry.
const (
	PermUploadSymbols    = "upload-symbols"
	PermUploadTrySymbols = "upload-try-symbols"
)

const tokenContextKey = "auth.token"

// TokenStore is the token lookup surface the middleware needs.
type TokenStore interface {
	TokenByKey(ctx context.Context, key string) (*db.Token, error)
	TouchToken(ctx context.Context, id int64) error
}

// Middleware authenticates the request from the Auth-Token header. Requests
// without a valid, unexpired token are rejected with a 403 and a JSON error.
func Middleware(logger logr.Logger, tokens TokenStore) gin.HandlerFunc {
	return func(c *gin.Context) {
		key := c.GetHeader(HeaderName)
		if key == "" {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "This requires an Auth-Token to authenticate the request",
			})
			return
		}

		token, err := tokens.TokenByKey(c.Request.Context(), key)
		if err != nil {
			if errors.Is(err, db.ErrTokenNotFound) {
				c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
					"error": "API Token not matched",
				})
				return
			}

			_ = c.Error(err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"error": "internal server error",
			})
			return
		}

		if token.ExpiresAt.Before(time.Now()) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "API Token found but expired",
			})
			return
		}

		// Usage tracking is best effort.
		if err := tokens.TouchToken(c.Request.Context(), token.ID); err != nil {
			logger.Info("Failed to record token use", "err", err)
		}

		c.Set(tokenContextKey, token)
		c.Next()
	}
}

// RequirePermission rejects requests whose token lacks permission. It must
// run after Middleware.
func RequirePermission(permission string) gin.HandlerFunc {
	return RequireAnyPermission(permission)
}

// RequireAnyPermission rejects requests whose token holds none of the given
// permissions. It must run after Middleware.
func RequireAnyPermission(permissions ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := TokenFrom(c)
		if token != nil {
			for _, p := range permissions {
				if token.HasPermission(p) {
					c.Next()
					return
				}
			}
		}

		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error": "Forbidden",
		})
	}
}

// TokenFrom returns the authenticated token, or nil when the request never
// passed Middleware.
func TokenFrom(c *gin.Context) *db.Token {
	v, ok := c.Get(tokenContextKey)
	if !ok {
		return nil
	}
	token, ok := v.(*db.Token)
	if !ok {
		return nil
	}
	return token
}

// UserEmail returns the authenticated user's email, or "" when anonymous.
func UserEmail(c *gin.Context) string {
	if token := TokenFrom(c); token != nil {
		return token.UserEmail
	}
	return ""
}
