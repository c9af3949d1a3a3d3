package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// MaxRequestBodySize bounds the plain-HTTP surface's request bodies. The
// WebSocket frame size cap (§4.1/§4.8) is enforced separately, per
// connection, by the Connection Hub.
const MaxRequestBodySize int64 = 1 << 20 // 1 MiB

// RequestSizeLimiter rejects requests whose declared Content-Length exceeds
// maxSize and wraps the body in a MaxBytesReader so a lying Content-Length
// can't be used to smuggle a larger payload past the check.
func RequestSizeLimiter(maxSize int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.Method == http.MethodGet || c.Request.Method == http.MethodHead || c.Request.Method == http.MethodOptions {
			c.Next()
			return
		}

		if c.Request.ContentLength > maxSize {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error":       "request entity too large",
				"message":     "request body exceeds the maximum allowed size",
				"max_size_mb": float64(maxSize) / (1024 * 1024),
			})
			return
		}

		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxSize)
		c.Next()
	}
}

// DefaultSizeLimiter applies MaxRequestBodySize.
func DefaultSizeLimiter() gin.HandlerFunc {
	return RequestSizeLimiter(MaxRequestBodySize)
}
