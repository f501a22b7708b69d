package server

import (
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// SecretHeader carries the shared secret when the API is protected.
const SecretHeader = "X-Studio-Secret"

// Error kinds produced by the API layer itself.
const (
	kindUnauthorized = "unauthorized"
	kindForbidden    = "forbidden"
	kindBadRequest   = "bad_request"
)

// publicPaths are served without the secret.
var publicPaths = map[string]bool{"/ping": true}

// abortJSON stops the chain with the error envelope used by every handler.
func abortJSON(c *gin.Context, code int, kind string, msg string) {
	c.AbortWithStatusJSON(code, gin.H{"ok": false, "kind": kind, "error": msg})
}

// AuthMiddleware rejects requests whose SecretHeader does not match secret.
func AuthMiddleware(secret string) gin.HandlerFunc {
	want := []byte(secret)
	return func(c *gin.Context) {
		if publicPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		switch provided := c.GetHeader(SecretHeader); {
		case provided == "":
			abortJSON(c, http.StatusUnauthorized, kindUnauthorized, "missing "+SecretHeader+" header")
		case subtle.ConstantTimeCompare([]byte(provided), want) != 1:
			abortJSON(c, http.StatusForbidden, kindForbidden, "invalid secret")
		default:
			c.Next()
		}
	}
}

// LoggingMiddleware logs one line per request, at warn level for 5xx.
func LoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		if status >= http.StatusInternalServerError {
			level = slog.LevelWarn
		}

		attrs := []any{
			"method", c.Request.Method,
			"route", c.FullPath(),
			"status", status,
			"duration", time.Since(start).String(),
			"ip", c.ClientIP(),
		}
		if id := c.Param("id"); id != "" {
			attrs = append(attrs, "worker", id)
		}
		logger.Log(c.Request.Context(), level, "api request", attrs...)
	}
}

// RecoveryMiddleware turns a handler panic into a 500 envelope.
func RecoveryMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("api handler panicked", "panic", r, "route", c.FullPath())
				abortJSON(c, http.StatusInternalServerError, string(domain.KindInternal), "internal server error")
			}
		}()
		c.Next()
	}
}
