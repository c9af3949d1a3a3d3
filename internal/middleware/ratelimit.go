package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// RateLimiter tracks attempt timestamps per key over a sliding window.
// There is no authenticated-user concept on this server's HTTP surface, so
// the key is typically a remote address; callers decide what to key on.
type RateLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

// NewRateLimiter creates an empty rate limiter and starts its cleanup loop.
func NewRateLimiter() *RateLimiter {
	rl := &RateLimiter{attempts: make(map[string][]time.Time)}
	go rl.cleanupLoop()
	return rl
}

// CheckLimit records an attempt for key and reports whether it is still
// within maxAttempts over the trailing window.
func (rl *RateLimiter) CheckLimit(key string, maxAttempts int, window time.Duration) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-window)
	kept := recentSince(rl.attempts[key], cutoff)

	if len(kept) >= maxAttempts {
		rl.attempts[key] = kept
		return false
	}

	rl.attempts[key] = append(kept, now)
	return true
}

// GetAttempts returns how many attempts for key fall within the trailing
// window, without recording a new one.
func (rl *RateLimiter) GetAttempts(key string, window time.Duration) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-window)
	kept := recentSince(rl.attempts[key], cutoff)
	rl.attempts[key] = kept
	return len(kept)
}

// ResetLimit clears all recorded attempts for key.
func (rl *RateLimiter) ResetLimit(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

func recentSince(attempts []time.Time, cutoff time.Time) []time.Time {
	kept := attempts[:0:0]
	for _, t := range attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}

// cleanupLoop periodically drops keys whose attempts are all older than
// CleanupThreshold, bounding the map's memory footprint.
func (rl *RateLimiter) cleanupLoop() {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()

	for range ticker.C {
		cutoff := time.Now().Add(-CleanupThreshold)
		rl.mu.Lock()
		for key, attempts := range rl.attempts {
			kept := recentSince(attempts, cutoff)
			if len(kept) == 0 {
				delete(rl.attempts, key)
			} else {
				rl.attempts[key] = kept
			}
		}
		rl.mu.Unlock()
	}
}

// Middleware returns a Gin middleware that rate limits requests by remote
// address; the server installs it on the `/ws` upgrade route.
func (rl *RateLimiter) Middleware(maxAttempts int, window time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !rl.CheckLimit(c.ClientIP(), maxAttempts, window) {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "rate limit exceeded",
				"message": "too many requests, please try again later",
			})
			return
		}
		c.Next()
	}
}
