package middleware

import (
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/noah-isme/realty-api/internal/models"
	appErrors "github.com/noah-isme/realty-api/pkg/errors"
	"github.com/noah-isme/realty-api/pkg/response"
)

// RBAC enforces role-based access control for routes. Denied attempts
// are logged with the subject, their role, and the requested role set.
func RBAC(logger *zap.Logger, allowed ...models.UserRole) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowedRoles := make(map[models.UserRole]struct{}, len(allowed))
	roleNames := make([]string, 0, len(allowed))
	for _, role := range allowed {
		allowedRoles[role] = struct{}{}
		roleNames = append(roleNames, string(role))
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.Claims)

		if _, ok := allowedRoles[claims.Role]; ok {
			c.Next()
			return
		}

		logger.Warn("access denied",
			zap.String("user_id", claims.UserID),
			zap.String("role", string(claims.Role)),
			zap.Strings("required_roles", roleNames),
			zap.String("path", c.FullPath()))

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}

// SelfOrRoles allows the listed roles, or the subject acting on its own
// `:id` path parameter.
func SelfOrRoles(logger *zap.Logger, allowed ...models.UserRole) gin.HandlerFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	allowedRoles := make(map[models.UserRole]struct{}, len(allowed))
	roleNames := make([]string, 0, len(allowed))
	for _, role := range allowed {
		allowedRoles[role] = struct{}{}
		roleNames = append(roleNames, string(role))
	}

	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims := claimsValue.(*models.Claims)

		if _, ok := allowedRoles[claims.Role]; ok {
			c.Next()
			return
		}
		if targetID := c.Param("id"); targetID != "" && targetID == claims.UserID {
			c.Next()
			return
		}

		logger.Warn("access denied",
			zap.String("user_id", claims.UserID),
			zap.String("role", string(claims.Role)),
			zap.Strings("required_roles", roleNames),
			zap.String("path", c.FullPath()))

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
