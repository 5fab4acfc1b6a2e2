// Package ratelimit implements a per-client-IP token bucket, applied to
// the callback HTTP server as echo middleware.
package ratelimit

import (
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	echo "github.com/labstack/echo/v5"
)

// staleBucketAge is how long an idle bucket is kept before Cleanup
// evicts it.
const staleBucketAge = 10 * time.Minute

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// Limiter is a token bucket rate limiter keyed by client IP.
type Limiter struct {
	requestsPerSecond float64
	burstSize         float64

	mu      sync.Mutex
	buckets map[string]*bucket
}

// New builds a Limiter allowing requestsPerSecond sustained requests per
// IP with bursts up to burstSize.
func New(requestsPerSecond uint64, burstSize uint32) *Limiter {
	return &Limiter{
		requestsPerSecond: float64(requestsPerSecond),
		burstSize:         float64(burstSize),
		buckets:           make(map[string]*bucket),
	}
}

// Allow reports whether a request from ip may proceed, consuming a
// token if so.
func (l *Limiter) Allow(ip string) bool {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[ip]
	if !ok {
		b = &bucket{tokens: l.burstSize, lastUpdate: now}
		l.buckets[ip] = b
	}

	elapsed := now.Sub(b.lastUpdate).Seconds()
	b.tokens = min(b.tokens+elapsed*l.requestsPerSecond, l.burstSize)
	b.lastUpdate = now

	if b.tokens >= 1.0 {
		b.tokens -= 1.0
		return true
	}
	return false
}

// BucketCount returns the number of IPs currently tracked (for tests and
// metrics).
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Cleanup evicts buckets that haven't been touched in staleBucketAge, to
// bound memory for long-running processes seeing many distinct IPs.
func (l *Limiter) Cleanup() {
	now := time.Now()

	l.mu.Lock()
	defer l.mu.Unlock()
	for ip, b := range l.buckets {
		if now.Sub(b.lastUpdate) >= staleBucketAge {
			delete(l.buckets, ip)
		}
	}
}

// Middleware returns echo middleware enforcing l against each request's
// client IP, extracted from X-Forwarded-For (first hop) or X-Real-IP. A
// request with neither header is allowed through, since this service
// only sits behind a single trusted reverse proxy.
func (l *Limiter) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c *echo.Context) error {
			ip, ok := extractClientIP(c.Request())
			if !ok {
				return next(c)
			}
			if !l.Allow(ip) {
				c.Response().Header().Set("Retry-After", "1")
				return c.String(http.StatusTooManyRequests, "Rate limit exceeded")
			}
			return next(c)
		}
	}
}

// extractClientIP reads the originating client IP from X-Forwarded-For
// (preferring the first, left-most hop) then X-Real-IP.
func extractClientIP(r *http.Request) (string, bool) {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first := strings.TrimSpace(strings.SplitN(forwarded, ",", 2)[0])
		if ip := net.ParseIP(first); ip != nil {
			return ip.String(), true
		}
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		trimmed := strings.TrimSpace(realIP)
		if ip := net.ParseIP(trimmed); ip != nil {
			return ip.String(), true
		}
	}
	return "", false
}
