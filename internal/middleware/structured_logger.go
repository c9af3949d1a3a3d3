package middleware

import (
	"time"

	"github.com/gin-gonic/gin"

	"github.com/streamroom/streamroom/internal/logger"
)

// StructuredLoggerConfig controls which requests StructuredLogger logs and
// which fields it includes.
type StructuredLoggerConfig struct {
	SkipPaths    []string
	LogQuery     bool
	LogUserAgent bool
}

// DefaultStructuredLoggerConfig skips the health-check route to avoid
// drowning real traffic in liveness-probe noise.
func DefaultStructuredLoggerConfig() StructuredLoggerConfig {
	return StructuredLoggerConfig{
		SkipPaths:    []string{"/health"},
		LogQuery:     true,
		LogUserAgent: true,
	}
}

// StructuredLogger logs one structured line per HTTP request via the
// shared zerolog logger, at a level derived from the response status.
func StructuredLogger() gin.HandlerFunc {
	return StructuredLoggerWithConfig(DefaultStructuredLoggerConfig())
}

// StructuredLoggerWithConfig is StructuredLogger with explicit config.
func StructuredLoggerWithConfig(config StructuredLoggerConfig) gin.HandlerFunc {
	skip := make(map[string]bool, len(config.SkipPaths))
	for _, p := range config.SkipPaths {
		skip[p] = true
	}

	return func(c *gin.Context) {
		path := c.Request.URL.Path
		if skip[path] {
			c.Next()
			return
		}

		start := time.Now()
		raw := c.Request.URL.RawQuery
		c.Next()
		duration := time.Since(start)
		status := c.Writer.Status()

		evt := logger.HTTP().Info()
		if status >= 500 {
			evt = logger.HTTP().Error()
		} else if status >= 400 {
			evt = logger.HTTP().Warn()
		}

		evt = evt.
			Str("request_id", GetRequestID(c)).
			Str("method", c.Request.Method).
			Str("path", path).
			Int("status", status).
			Dur("duration", duration).
			Str("client_ip", c.ClientIP())

		if config.LogQuery && raw != "" {
			evt = evt.Str("query", raw)
		}
		if config.LogUserAgent {
			evt = evt.Str("user_agent", c.Request.UserAgent())
		}
		if len(c.Errors) > 0 {
			evt = evt.Str("errors", c.Errors.String())
		}
		evt.Msg("http request")
	}
}
