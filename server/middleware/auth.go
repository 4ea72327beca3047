package middleware

import (
	"crypto/hmac"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const apiTokenHeader = "X-API-Token"

// AuthMiddleware guards the control endpoints with a shared API token.
type AuthMiddleware struct {
	token  []byte
	logger *zap.Logger
}

// NewAuthMiddleware with an empty token lets every request through.
func NewAuthMiddleware(token string, logger *zap.Logger) *AuthMiddleware {
	return &AuthMiddleware{
		token:  []byte(token),
		logger: logger,
	}
}

func (a *AuthMiddleware) Enabled() bool {
	return len(a.token) > 0
}

func (a *AuthMiddleware) RequireToken() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.Enabled() {
			c.Next()
			return
		}

		token := a.extractToken(c)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "API token required"})
			c.Abort()
			return
		}

		if !hmac.Equal([]byte(token), a.token) {
			a.logger.Warn("Invalid API token",
				zap.String("client_ip", c.ClientIP()),
				zap.String("path", c.Request.URL.Path))
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid API token"})
			c.Abort()
			return
		}

		c.Set("authenticated", true)
		c.Next()
	}
}

func (a *AuthMiddleware) extractToken(c *gin.Context) string {
	if token := c.GetHeader(apiTokenHeader); token != "" {
		return token
	}

	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}

	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}

	return strings.TrimSpace(parts[1])
}
