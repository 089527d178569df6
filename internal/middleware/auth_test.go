//go:build unit

package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"gravity2api/internal/service"
)

type stubUserRepo struct {
	users map[string]*service.User
}

func (s *stubUserRepo) Create(context.Context, *service.User) error  { return nil }
func (s *stubUserRepo) GetByID(context.Context, int64) (*service.User, error) {
	return nil, service.ErrNotFound
}
func (s *stubUserRepo) GetByAPIKey(_ context.Context, apiKey string) (*service.User, error) {
	if user, ok := s.users[apiKey]; ok {
		return user, nil
	}
	return nil, service.ErrNotFound
}
func (s *stubUserRepo) List(context.Context) ([]service.User, error)       { return nil, nil }
func (s *stubUserRepo) SetEnabled(context.Context, int64, bool) error      { return nil }
func (s *stubUserRepo) SetPreferShared(context.Context, int64, bool) error { return nil }

func authTestRouter(repo service.UserRepository, adminToken string) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/user", UserAuth(repo, adminToken), func(c *gin.Context) {
		user, _ := GetUserFromContext(c)
		c.JSON(http.StatusOK, gin.H{"admin": IsAdmin(c), "has_user": user != nil})
	})
	r.GET("/admin", AdminAuth(adminToken), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true})
	})
	return r
}

func TestUserAuth(t *testing.T) {
	repo := &stubUserRepo{users: map[string]*service.User{
		"sk-valid":    {ID: 1, APIKey: "sk-valid", Enabled: true},
		"sk-disabled": {ID: 2, APIKey: "sk-disabled", Enabled: false},
	}}
	router := authTestRouter(repo, "admin-secret")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"缺 Authorization 头", "", http.StatusUnauthorized},
		{"非 Bearer 格式", "Basic abc", http.StatusUnauthorized},
		{"未知 key", "Bearer sk-unknown", http.StatusUnauthorized},
		{"被禁用的用户", "Bearer sk-disabled", http.StatusUnauthorized},
		{"合法用户", "Bearer sk-valid", http.StatusOK},
		{"管理员令牌也可通过", "Bearer admin-secret", http.StatusOK},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/user", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Code)
		})
	}
}

func TestUserAuth_ErrorEnvelope(t *testing.T) {
	router := authTestRouter(&stubUserRepo{}, "admin-secret")

	req := httptest.NewRequest(http.MethodGet, "/user", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
	require.JSONEq(t, `{"error":{"type":"authentication_error","message":"Missing bearer token"}}`, w.Body.String())
}

func TestAdminAuth(t *testing.T) {
	repo := &stubUserRepo{users: map[string]*service.User{
		"sk-valid": {ID: 1, APIKey: "sk-valid", Enabled: true},
	}}
	router := authTestRouter(repo, "admin-secret")

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"管理员令牌", "Bearer admin-secret", http.StatusOK},
		{"普通用户 key 不能进管理面", "Bearer sk-valid", http.StatusUnauthorized},
		{"无令牌", "", http.StatusUnauthorized},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/admin", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			require.Equal(t, tt.want, w.Code)
		})
	}
}
