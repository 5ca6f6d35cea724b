package service

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/pquerna/otp/totp"
	"go.uber.org/zap"
)

const (
	UserHeader  = "X-User-ID"
	AdminHeader = "X-Admin-Token"

	ctxUserID  = "user_id"
	ctxIsAdmin = "is_admin"
)

type AuthService struct {
	logger     *zap.Logger
	totpSecret string
}

func NewAuthService(logger *zap.Logger, totpSecret string) *AuthService {
	return &AuthService{
		logger:     logger,
		totpSecret: totpSecret,
	}
}

func (a *AuthService) GenerateSecret() (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      "Herald",
		AccountName: "admin",
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	return key.Secret(), nil
}

// GenerateURL returns the otpauth:// URL for enrolling secret in an authenticator app.
func (a *AuthService) GenerateURL(issuer, accountName, secret string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      issuer,
		AccountName: accountName,
		Secret:      []byte(secret),
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate TOTP key: %w", err)
	}

	return key.URL(), nil
}

func (a *AuthService) ValidateToken(token string) bool {
	if a.totpSecret == "" || token == "" {
		return false
	}
	valid := totp.Validate(token, a.totpSecret)
	if valid {
		a.logger.Info("TOTP token validation successful")
	} else {
		a.logger.Warn("TOTP token validation failed")
	}
	return valid
}

// IdentityMiddleware reads the caller identity set by the upstream gateway.
// A valid admin token grants access to every owner's records.
func (a *AuthService) IdentityMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := strings.TrimSpace(c.GetHeader(UserHeader))
		isAdmin := false
		if token := c.GetHeader(AdminHeader); token != "" {
			isAdmin = a.ValidateToken(token)
		}

		if userID == "" && !isAdmin {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			c.Abort()
			return
		}

		c.Set(ctxUserID, userID)
		c.Set(ctxIsAdmin, isAdmin)
		c.Next()
	}
}

// RequireAdmin rejects requests without a valid admin token.
func (a *AuthService) RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !IsAdmin(c) {
			c.JSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			c.Abort()
			return
		}
		c.Next()
	}
}

func UserID(c *gin.Context) string {
	return c.GetString(ctxUserID)
}

func IsAdmin(c *gin.Context) bool {
	return c.GetBool(ctxIsAdmin)
}
