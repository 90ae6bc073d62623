// Package server provides the HTTP surface of the gateway.
package server

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/leviathofnoesia/kraken-code-sub001/internal/config"
	"github.com/leviathofnoesia/kraken-code-sub001/internal/utils"
)

// CORSMiddleware handles CORS headers
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// APIKeyAuthMiddleware validates the configured API key for /v1 routes.
// With no key configured every request passes.
func APIKeyAuthMiddleware(cfg *config.Config) gin.HandlerFunc {
	return func(c *gin.Context) {
		if cfg.APIKey == "" {
			c.Next()
			return
		}

		var providedKey string
		if authHeader := c.GetHeader("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			providedKey = strings.TrimPrefix(authHeader, "Bearer ")
		} else {
			providedKey = c.GetHeader("X-API-Key")
		}

		if providedKey != cfg.APIKey {
			utils.Warn("[API] Unauthorized request from %s, invalid API key", c.ClientIP())
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": gin.H{
					"type":    "authentication_error",
					"message": "Invalid or missing API key",
				},
			})
			return
		}
		c.Next()
	}
}

// RequestLoggingMiddleware logs every request with its status and latency
func RequestLoggingMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		latency := time.Since(start).Milliseconds()
		logMsg := "[%s] %s %d (%dms)"

		switch {
		case status >= 500:
			utils.Error(logMsg, c.Request.Method, c.Request.URL.Path, status, latency)
		case status >= 400:
			utils.Warn(logMsg, c.Request.Method, c.Request.URL.Path, status, latency)
		default:
			utils.Info(logMsg, c.Request.Method, c.Request.URL.Path, status, latency)
		}
	}
}
