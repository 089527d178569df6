package middleware

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"gravity2api/internal/service"
)

const (
	userContextKey  = "auth:user"
	adminContextKey = "auth:admin"
)

func bearerToken(c *gin.Context) string {
	auth := c.GetHeader("Authorization")
	if auth == "" {
		return ""
	}
	if !strings.HasPrefix(auth, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
}

func unauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": gin.H{
		"type":    "authentication_error",
		"message": message,
	}})
}

// UserAuth resolves the bearer token against the user table. The admin token
// also passes and carries admin scope, so operators can exercise the gateway
// surface directly.
func UserAuth(users service.UserRepository, adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" {
			unauthorized(c, "Missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) == 1 {
			c.Set(adminContextKey, true)
			c.Next()
			return
		}
		user, err := users.GetByAPIKey(c.Request.Context(), token)
		if err != nil || user == nil {
			unauthorized(c, "Invalid API key")
			return
		}
		if !user.Enabled {
			unauthorized(c, "User is disabled")
			return
		}
		c.Set(userContextKey, user)
		c.Next()
	}
}

// AdminAuth admits only the reserved admin token.
func AdminAuth(adminToken string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c)
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(adminToken)) != 1 {
			unauthorized(c, "Admin token required")
			return
		}
		c.Set(adminContextKey, true)
		c.Next()
	}
}

// GetUserFromContext returns the authenticated user, nil for admin-token
// callers.
func GetUserFromContext(c *gin.Context) (*service.User, bool) {
	v, ok := c.Get(userContextKey)
	if !ok {
		return nil, false
	}
	user, ok := v.(*service.User)
	return user, ok
}

// IsAdmin reports whether the request authenticated with the admin token.
func IsAdmin(c *gin.Context) bool {
	return c.GetBool(adminContextKey)
}
