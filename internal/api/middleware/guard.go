package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// RequireConfigured refuses requests with 500 while ready reports false. It
// runs before authentication so a misconfigured server never answers 401.
// The response never says which setting is missing.
func RequireConfigured(ready func() bool, what string, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !ready() {
			logger.Error("Refusing request, server is not configured", zap.String("missing", what), zap.String("path", c.Request.URL.Path))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "server configuration error"})
			return
		}
		c.Next()
	}
}
