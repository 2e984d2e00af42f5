package engine

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/selahapp/selah-go/internal/enginemetrics"
)

const (
	defaultRateLimit  = 240
	defaultRateWindow = time.Minute

	// Idle IP buckets older than this are dropped during the periodic sweep
	// so one-off callers do not accumulate forever.
	bucketIdleTimeout = 10 * time.Minute
)

// RateLimiter applies a sliding-window per-IP request limit to one scope of
// the HTTP surface. Scopes are independent: exhausting the webhook budget
// does not touch the API budget.
type RateLimiter struct {
	mu        sync.Mutex
	buckets   map[string]*ipBucket
	scope     string
	limit     int
	window    time.Duration
	lastSweep time.Time
	now       func() time.Time
}

type ipBucket struct {
	hits     []time.Time
	lastSeen time.Time
}

// NewRateLimiter creates a limiter for the named scope with the given
// request budget per window.
func NewRateLimiter(scope string, limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = defaultRateLimit
	}
	if window <= 0 {
		window = defaultRateWindow
	}
	return &RateLimiter{
		buckets: make(map[string]*ipBucket),
		scope:   scope,
		limit:   limit,
		window:  window,
		now:     time.Now,
	}
}

// Allow records a request from the given IP and reports whether it is still
// within budget.
func (rl *RateLimiter) Allow(ip string) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.sweepLocked(now)

	b := rl.buckets[ip]
	if b == nil {
		b = &ipBucket{}
		rl.buckets[ip] = b
	}
	b.lastSeen = now

	cutoff := now.Add(-rl.window)
	valid := b.hits[:0]
	for _, t := range b.hits {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	b.hits = valid

	if len(b.hits) >= rl.limit {
		return false
	}
	b.hits = append(b.hits, now)
	return true
}

// sweepLocked drops buckets whose IP has been silent past the idle timeout.
// Runs at most once per window; callers hold rl.mu.
func (rl *RateLimiter) sweepLocked(now time.Time) {
	if now.Sub(rl.lastSweep) < rl.window {
		return
	}
	rl.lastSweep = now
	idleCutoff := now.Add(-bucketIdleTimeout)
	for ip, b := range rl.buckets {
		if b.lastSeen.Before(idleCutoff) {
			delete(rl.buckets, ip)
		}
	}
}

// Middleware wraps next with the limiter. Rejections get the structured
// error envelope, a Retry-After hint, and a scope-labelled metric.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := clientIP(r)
		if !rl.Allow(ip) {
			enginemetrics.RateLimitedTotal.WithLabelValues(rl.scope).Inc()
			log.Warn().
				Str("scope", rl.scope).
				Str("ip", ip).
				Msg("Rate limit exceeded")
			w.Header().Set("Retry-After", strconv.Itoa(int(rl.window/time.Second)))
			writeJSON(w, http.StatusTooManyRequests, errorEnvelope{
				Error: errorBody{Kind: "rate_limited", Message: "too many requests"},
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func clientIP(r *http.Request) string {
	if xff := strings.TrimSpace(r.Header.Get("X-Forwarded-For")); xff != "" {
		// Use the first IP in the chain.
		if i := strings.IndexByte(xff, ','); i >= 0 {
			return strings.TrimSpace(xff[:i])
		}
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
