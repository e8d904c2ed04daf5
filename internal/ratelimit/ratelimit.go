// Package ratelimit caps verification requests per client with a token bucket.
package ratelimit

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter keeps one bucket per key. A bucket holds maxRequests tokens and
// refills completely over one window.
type Limiter struct {
	mu          sync.Mutex
	clients     map[string]*client
	window      time.Duration
	maxRequests int
	every       rate.Limit
	now         func() time.Time
}

// New allows bursts of maxRequests per key, refilled over window
func New(window time.Duration, maxRequests int) *Limiter {
	return &Limiter{
		clients:     make(map[string]*client),
		window:      window,
		maxRequests: maxRequests,
		every:       rate.Every(window / time.Duration(max(maxRequests, 1))),
		now:         time.Now,
	}
}

// Allow takes a token for key and reports whether one was available
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	c, ok := l.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(l.every, l.maxRequests)}
		l.clients[key] = c
	}
	c.lastSeen = now
	return c.limiter.AllowN(now, 1)
}

// Sweep forgets keys idle for a whole window; their buckets are full again
func (l *Limiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	for key, c := range l.clients {
		if !c.lastSeen.After(cutoff) {
			delete(l.clients, key)
		}
	}
}

// Keys returns the number of tracked keys
func (l *Limiter) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.clients)
}

// retryAfter is the time one token takes to refill, in whole seconds
func (l *Limiter) retryAfter() int {
	per := l.window.Seconds() / float64(max(l.maxRequests, 1))
	return max(int(math.Ceil(per)), 1)
}

// Middleware rejects requests over the limit with 429, keyed by client IP
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !l.Allow(clientIP(r)) {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", strconv.Itoa(l.retryAfter()))
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientIP expects RealIP middleware to have normalized RemoteAddr
func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
