package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newAuthRouter(auth *AuthService) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(auth.IdentityMiddleware())
	r.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"user": UserID(c), "admin": IsAdmin(c)})
	})
	r.GET("/admin", auth.RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusNoContent)
	})
	return r
}

func TestIdentityMiddleware(t *testing.T) {
	secret, err := NewAuthService(zap.NewNop(), "").GenerateSecret()
	require.NoError(t, err)
	auth := NewAuthService(zap.NewNop(), secret)
	code, err := totp.GenerateCode(secret, time.Now())
	require.NoError(t, err)

	tests := []struct {
		name   string
		path   string
		user   string
		token  string
		status int
	}{
		{name: "anonymous", path: "/me", status: http.StatusUnauthorized},
		{name: "user", path: "/me", user: "u1", status: http.StatusOK},
		{name: "bad admin token only", path: "/me", token: "000000x", status: http.StatusUnauthorized},
		{name: "user on admin route", path: "/admin", user: "u1", status: http.StatusForbidden},
		{name: "admin", path: "/admin", token: code, status: http.StatusNoContent},
	}

	r := newAuthRouter(auth)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.user != "" {
				req.Header.Set(UserHeader, tt.user)
			}
			if tt.token != "" {
				req.Header.Set(AdminHeader, tt.token)
			}
			w := httptest.NewRecorder()
			r.ServeHTTP(w, req)
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestValidateTokenWithoutSecret(t *testing.T) {
	auth := NewAuthService(zap.NewNop(), "")
	assert.False(t, auth.ValidateToken("123456"))
}

func TestGenerateURL(t *testing.T) {
	auth := NewAuthService(zap.NewNop(), "")
	url, err := auth.GenerateURL("Herald", "admin", "supersecret")
	require.NoError(t, err)
	assert.Contains(t, url, "otpauth://totp/")
	assert.Contains(t, url, "issuer=Herald")
}
