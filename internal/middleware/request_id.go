// Package middleware provides HTTP middleware for the small plain-HTTP
// surface (health, metrics, version, and the WebSocket upgrade route) that
// sits alongside the Connection Hub's own per-connection protocol handling.
package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader is the header name used for request correlation.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the Gin context key the request ID is stored under.
	RequestIDKey = "request_id"
)

// RequestID assigns a correlation ID to every request, reusing one supplied
// by an upstream proxy if present, and echoes it back in the response.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader(RequestIDHeader)
		if requestID == "" {
			requestID = uuid.New().String()
		}
		c.Set(RequestIDKey, requestID)
		c.Header(RequestIDHeader, requestID)
		c.Next()
	}
}

// GetRequestID retrieves the request ID set by RequestID.
func GetRequestID(c *gin.Context) string {
	if requestID, exists := c.Get(RequestIDKey); exists {
		if id, ok := requestID.(string); ok {
			return id
		}
	}
	return ""
}
