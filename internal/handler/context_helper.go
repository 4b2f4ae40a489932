package handler

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/realty-api/internal/middleware"
	"github.com/noah-isme/realty-api/internal/models"
)

func currentClaims(c *gin.Context) (*models.Claims, bool) {
	value, exists := c.Get(middleware.ContextUserKey)
	if !exists {
		return nil, false
	}
	claims, ok := value.(*models.Claims)
	return claims, ok
}

func currentPrincipal(c *gin.Context) (*models.User, bool) {
	value, exists := c.Get(middleware.ContextPrincipalKey)
	if !exists {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok
}

func currentToken(c *gin.Context) string {
	return c.GetString(middleware.ContextTokenKey)
}
