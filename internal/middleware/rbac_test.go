package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/noah-isme/realty-api/internal/models"
)

func perform(r *gin.Engine, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(rec, req)
	return rec
}

func routerWithClaims(claims *models.Claims, handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	chain := []gin.HandlerFunc{func(c *gin.Context) {
		if claims != nil {
			c.Set(ContextUserKey, claims)
		}
		c.Next()
	}}
	chain = append(chain, handlers...)
	chain = append(chain, func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/resource/:id", chain...)
	return r
}

func TestRBACAllowsListedRole(t *testing.T) {
	r := routerWithClaims(&models.Claims{UserID: "u1", Role: models.RoleAdmin}, RBAC(zap.NewNop(), models.RoleAdmin))

	rec := perform(r, "/resource/x")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRBACDeniesOtherRole(t *testing.T) {
	r := routerWithClaims(&models.Claims{UserID: "u1", Role: models.RoleCustomer}, RBAC(zap.NewNop(), models.RoleAdmin, models.RoleAgent))

	rec := perform(r, "/resource/x")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestRBACRequiresClaims(t *testing.T) {
	r := routerWithClaims(nil, RBAC(zap.NewNop(), models.RoleAdmin))

	rec := perform(r, "/resource/x")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestSelfOrRolesAllowsOwner(t *testing.T) {
	r := routerWithClaims(&models.Claims{UserID: "u1", Role: models.RoleCustomer}, SelfOrRoles(zap.NewNop(), models.RoleAdmin))

	rec := perform(r, "/resource/u1")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestSelfOrRolesDeniesOtherSubject(t *testing.T) {
	r := routerWithClaims(&models.Claims{UserID: "u1", Role: models.RoleCustomer}, SelfOrRoles(zap.NewNop(), models.RoleAdmin))

	rec := perform(r, "/resource/u2")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestSelfOrRolesAllowsPrivilegedRole(t *testing.T) {
	r := routerWithClaims(&models.Claims{UserID: "u1", Role: models.RoleAdmin}, SelfOrRoles(zap.NewNop(), models.RoleAdmin))

	rec := perform(r, "/resource/u2")
	assert.Equal(t, http.StatusOK, rec.Code)
}
