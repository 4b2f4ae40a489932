package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/realty-api/internal/service"
	appErrors "github.com/noah-isme/realty-api/pkg/errors"
	"github.com/noah-isme/realty-api/pkg/response"
)

// Context keys populated by the authorization gate.
const (
	ContextUserKey      = "currentUser"
	ContextPrincipalKey = "currentPrincipal"
	ContextTokenKey     = "currentToken"
)

// Auth protects routes by requiring a valid, non-revoked access token
// belonging to an active principal. On expiry the TOKEN_EXPIRED code is
// surfaced so clients can attempt a refresh instead of hard-failing.
func Auth(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			response.Error(c, appErrors.ErrMissingToken)
			c.Abort()
			return
		}

		claims, user, err := authService.CheckAccessToken(c.Request.Context(), raw)
		if err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Set(ContextPrincipalKey, user)
		c.Set(ContextTokenKey, raw)
		c.Next()
	}
}

// OptionalAuth attaches claims when a valid token is present but never
// blocks the request.
func OptionalAuth(authService *service.AuthService) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw, ok := bearerToken(c)
		if !ok {
			c.Next()
			return
		}

		claims, user, err := authService.CheckAccessToken(c.Request.Context(), raw)
		if err != nil {
			c.Next()
			return
		}

		c.Set(ContextUserKey, claims)
		c.Set(ContextPrincipalKey, user)
		c.Set(ContextTokenKey, raw)
		c.Next()
	}
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	return parts[1], true
}
