package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func TestRateLimiterMiddlewareBlocksAfterLimit(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := &RateLimiter{attempts: make(map[string][]time.Time)}

	router := gin.New()
	router.GET("/ws", rl.Middleware(2, time.Minute), func(c *gin.Context) {
		c.String(http.StatusOK, "upgraded")
	})

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/ws", nil)
		req.RemoteAddr = "10.0.0.5:4321"
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code, "attempt %d should be allowed", i+1)
	}

	req := httptest.NewRequest(http.MethodGet, "/ws", nil)
	req.RemoteAddr = "10.0.0.5:4321"
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
}

func TestRateLimiterMiddlewareKeysByRemoteAddr(t *testing.T) {
	gin.SetMode(gin.TestMode)
	rl := &RateLimiter{attempts: make(map[string][]time.Time)}

	router := gin.New()
	router.GET("/ws", rl.Middleware(1, time.Minute), func(c *gin.Context) {
		c.String(http.StatusOK, "upgraded")
	})

	first := httptest.NewRequest(http.MethodGet, "/ws", nil)
	first.RemoteAddr = "10.0.0.1:1111"
	w1 := httptest.NewRecorder()
	router.ServeHTTP(w1, first)
	assert.Equal(t, http.StatusOK, w1.Code)

	second := httptest.NewRequest(http.MethodGet, "/ws", nil)
	second.RemoteAddr = "10.0.0.2:2222"
	w2 := httptest.NewRecorder()
	router.ServeHTTP(w2, second)
	assert.Equal(t, http.StatusOK, w2.Code, "a different remote address has its own budget")
}
