// Package middleware provides HTTP middleware for the server's plain HTTP
// surface: the WebSocket upgrade route plus health/metrics/version.
package middleware

import (
	"crypto/rand"
	"encoding/base64"

	"github.com/gin-gonic/gin"
)

// generateNonce returns a fresh base64-encoded CSP nonce.
func generateNonce() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// SecurityHeaders sets the standard hardening headers on every response:
// HSTS, no MIME sniffing, no framing, a nonce-based CSP, and a stripped
// Referrer-Policy/Permissions-Policy. The server exposes no HTML surface,
// so the nonce exists for forward compatibility with an embedded dashboard
// rather than for any script tag this server renders itself.
func SecurityHeaders() gin.HandlerFunc {
	return func(c *gin.Context) {
		nonce, err := generateNonce()
		if err != nil {
			nonce = ""
		}
		c.Set("csp_nonce", nonce)

		c.Header("Strict-Transport-Security", "max-age=31536000; includeSubDomains; preload")
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "DENY")
		c.Header("X-XSS-Protection", "1; mode=block")

		csp := "default-src 'self'; connect-src 'self'; frame-ancestors 'none'; base-uri 'self'"
		if nonce != "" {
			csp = "default-src 'self'; script-src 'self' 'nonce-" + nonce + "'; " +
				"connect-src 'self'; frame-ancestors 'none'; base-uri 'self'"
		}
		c.Header("Content-Security-Policy", csp)

		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Header("Permissions-Policy", "geolocation=(), microphone=(), camera=()")

		if c.Request.URL.Path != "/health" && c.Request.URL.Path != "/version" {
			c.Header("Cache-Control", "no-store, no-cache, must-revalidate, private")
		}
		c.Header("Server", "")

		c.Next()
	}
}

// SecurityHeadersRelaxed relaxes framing and CSP for local development
// against a dashboard served from a different origin/port.
func SecurityHeadersRelaxed() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Header("X-XSS-Protection", "1; mode=block")
		c.Header("Content-Security-Policy",
			"default-src 'self' 'unsafe-inline'; connect-src 'self' ws: wss: http: https:")
		c.Header("Referrer-Policy", "strict-origin-when-cross-origin")
		c.Next()
	}
}
