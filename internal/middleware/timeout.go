package middleware

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
)

// TimeoutConfig bounds how long a plain HTTP request may run before it is
// aborted with 408. The WebSocket upgrade route is always excluded — once
// upgraded, a connection's lifetime is governed by ping/pong, not this
// timeout.
type TimeoutConfig struct {
	Timeout       time.Duration
	ExcludedPaths []string
}

// DefaultTimeoutConfig returns the default 30s timeout, excluding the
// WebSocket upgrade route.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		Timeout:       30 * time.Second,
		ExcludedPaths: []string{"/ws"},
	}
}

// Timeout enforces config.Timeout on every request not under an excluded
// path prefix, guarding against slow-loris-style resource exhaustion on the
// plain HTTP surface.
func Timeout(config TimeoutConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, excluded := range config.ExcludedPaths {
			if strings.HasPrefix(path, excluded) {
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), config.Timeout)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error":   "request timeout",
				"message": "the request took too long to process",
				"timeout": config.Timeout.String(),
			})
		}
	}
}
