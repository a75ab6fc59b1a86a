package httputil

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// RateLimiter is a token bucket per client key. Each bucket holds up to
// PerMinute+Burst tokens and refills at PerMinute tokens a minute.
type RateLimiter struct {
	perMinute int
	burst     int
	now       func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens     float64
	lastUpdate time.Time
}

// NewRateLimiter creates a limiter allowing perMinute requests a minute
// with bursts of up to burst extra requests.
func NewRateLimiter(perMinute, burst int) *RateLimiter {
	return &RateLimiter{
		perMinute: perMinute,
		burst:     burst,
		now:       time.Now,
		buckets:   make(map[string]*bucket),
	}
}

func (rl *RateLimiter) capacity() float64 {
	return float64(rl.perMinute + rl.burst)
}

// Allow takes a token for key and reports whether one was available.
func (rl *RateLimiter) Allow(key string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	b, ok := rl.buckets[key]
	if !ok {
		b = &bucket{tokens: rl.capacity(), lastUpdate: now}
		rl.buckets[key] = b
	}

	b.tokens += now.Sub(b.lastUpdate).Minutes() * float64(rl.perMinute)
	if b.tokens > rl.capacity() {
		b.tokens = rl.capacity()
	}
	b.lastUpdate = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// Remaining returns the whole tokens left for key.
func (rl *RateLimiter) Remaining(key string) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	b, ok := rl.buckets[key]
	if !ok {
		return int(rl.capacity())
	}
	return int(b.tokens)
}

// Cleanup drops buckets idle long enough to have refilled.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, b := range rl.buckets {
		if now.Sub(b.lastUpdate) > 2*time.Minute {
			delete(rl.buckets, key)
		}
	}
}

// StartCleanup runs Cleanup every minute until ctx is done.
func (rl *RateLimiter) StartCleanup(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				rl.Cleanup()
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Middleware rejects requests over the limit with 429, keyed by client IP.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := ClientIP(r)
		allowed := rl.Allow(key)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(rl.perMinute))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(rl.Remaining(key)))
		if !allowed {
			w.Header().Set("Retry-After", strconv.Itoa(rl.retryAfter()))
			WriteErrorMessage(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// retryAfter is the whole seconds until one token refills.
func (rl *RateLimiter) retryAfter() int {
	if rl.perMinute <= 0 {
		return 60
	}
	secs := 60 / rl.perMinute
	if secs < 1 {
		return 1
	}
	return secs
}

// ClientIP returns the first X-Forwarded-For address, X-Real-IP or the
// remote host.
func ClientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	if realIP := r.Header.Get("X-Real-IP"); realIP != "" {
		return realIP
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}
