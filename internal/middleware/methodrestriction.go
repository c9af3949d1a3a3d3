package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// AllowedHTTPMethods rejects any method outside the small set the plain
// HTTP surface needs, closing off TRACE/CONNECT-style abuse vectors.
func AllowedHTTPMethods() gin.HandlerFunc {
	allowed := map[string]bool{
		http.MethodGet:     true,
		http.MethodPost:    true,
		http.MethodOptions: true,
		http.MethodHead:    true,
	}

	return func(c *gin.Context) {
		if !allowed[c.Request.Method] {
			c.Header("Allow", "GET, POST, OPTIONS, HEAD")
			c.AbortWithStatusJSON(http.StatusMethodNotAllowed, gin.H{
				"error":   "method not allowed",
				"message": "the HTTP method " + c.Request.Method + " is not allowed for this resource",
			})
			return
		}
		c.Next()
	}
}
