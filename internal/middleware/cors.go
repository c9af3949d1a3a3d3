package middleware

import "github.com/gin-gonic/gin"

// CORS allows the mobile/web clients (served from their own origins) to
// open the WebSocket upgrade route and call the plain HTTP surface, via an
// explicit allow-list plus the WebSocket-handshake headers carried
// alongside the usual CORS set.
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowed := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		allowed[o] = true
	}
	allowAll := len(allowedOrigins) == 0

	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if origin != "" && (allowAll || allowed[origin] || allowed["*"]) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Credentials", "true")
		}

		c.Header("Access-Control-Allow-Headers",
			"Content-Type, Accept-Encoding, Authorization, X-Request-ID, "+
				"Upgrade, Connection, Sec-WebSocket-Key, Sec-WebSocket-Version, Sec-WebSocket-Extensions, Sec-WebSocket-Protocol")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS, HEAD")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(204)
			return
		}
		c.Next()
	}
}
