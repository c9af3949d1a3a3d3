package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serveWith(mw gin.HandlerFunc) *httptest.ResponseRecorder {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(mw)
	router.GET("/test", func(c *gin.Context) { c.String(http.StatusOK, "test") })

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestSecurityHeaders(t *testing.T) {
	tests := []struct {
		name            string
		middleware      gin.HandlerFunc
		expectedHeaders map[string]string
		checkContains   map[string]string
	}{
		{
			name:       "SecurityHeaders sets all required headers",
			middleware: SecurityHeaders(),
			expectedHeaders: map[string]string{
				"X-Content-Type-Options": "nosniff",
				"X-Frame-Options":        "DENY",
				"X-XSS-Protection":       "1; mode=block",
			},
			checkContains: map[string]string{
				"Strict-Transport-Security": "max-age=31536000",
				"Content-Security-Policy":   "default-src 'self'",
				"Referrer-Policy":           "strict-origin-when-cross-origin",
			},
		},
		{
			name:       "SecurityHeadersRelaxed sets relaxed CSP",
			middleware: SecurityHeadersRelaxed(),
			expectedHeaders: map[string]string{
				"X-Content-Type-Options": "nosniff",
				"X-Frame-Options":        "SAMEORIGIN",
			},
			checkContains: map[string]string{
				"Content-Security-Policy": "default-src 'self'",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := serveWith(tt.middleware)
			for header, expected := range tt.expectedHeaders {
				assert.Equal(t, expected, w.Header().Get(header), "header %s should match", header)
			}
			for header, expected := range tt.checkContains {
				assert.Contains(t, w.Header().Get(header), expected, "header %s should contain %s", header, expected)
			}
		})
	}
}

func TestSecurityHeaders_HSTS(t *testing.T) {
	w := serveWith(SecurityHeaders())
	hsts := w.Header().Get("Strict-Transport-Security")
	require.NotEmpty(t, hsts)
	assert.Contains(t, hsts, "max-age=31536000")
	assert.Contains(t, hsts, "includeSubDomains")
}

func TestSecurityHeaders_CSPNonce(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(SecurityHeaders())

	var nonce interface{}
	var exists bool
	router.GET("/test", func(c *gin.Context) {
		nonce, exists = c.Get("csp_nonce")
		c.String(http.StatusOK, "test")
	})

	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	require.True(t, exists)
	require.NotEmpty(t, nonce)
	assert.Contains(t, w.Header().Get("Content-Security-Policy"), "nonce-")
}

func TestSecurityHeaders_NonceUniqueness(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(SecurityHeaders())

	var captured []string
	router.GET("/test", func(c *gin.Context) {
		if nonce, ok := c.Get("csp_nonce"); ok {
			if s, ok := nonce.(string); ok {
				captured = append(captured, s)
			}
		}
		c.String(http.StatusOK, "test")
	})

	for i := 0; i < 10; i++ {
		req := httptest.NewRequest(http.MethodGet, "/test", nil)
		w := httptest.NewRecorder()
		router.ServeHTTP(w, req)
	}

	require.Len(t, captured, 10)
	seen := make(map[string]bool)
	for _, n := range captured {
		assert.False(t, seen[n], "nonce %s should be unique", n)
		seen[n] = true
	}
}

func TestSecurityHeaders_PermissionsPolicy(t *testing.T) {
	w := serveWith(SecurityHeaders())
	pp := w.Header().Get("Permissions-Policy")
	require.NotEmpty(t, pp)
	assert.Contains(t, pp, "geolocation=()")
	assert.Contains(t, pp, "camera=()")
}

func TestSecurityHeaders_XFrameOptions(t *testing.T) {
	assert.Equal(t, "DENY", serveWith(SecurityHeaders()).Header().Get("X-Frame-Options"))
	assert.Equal(t, "SAMEORIGIN", serveWith(SecurityHeadersRelaxed()).Header().Get("X-Frame-Options"))
}
