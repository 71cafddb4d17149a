package gateway

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// maxTrackedKeys caps the number of per-client limiters kept in memory.
const maxTrackedKeys = 4096

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter applies a token bucket per client key.
// rpm <= 0 disables limiting.
type RateLimiter struct {
	mu      sync.Mutex
	entries map[string]*limiterEntry
	limit   rate.Limit
	burst   int
	enabled bool
	now     func() time.Time
}

// NewRateLimiter allows rpm requests per minute per key with the given burst.
func NewRateLimiter(rpm, burst int) *RateLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &RateLimiter{
		entries: make(map[string]*limiterEntry),
		limit:   rate.Limit(float64(rpm) / 60),
		burst:   burst,
		enabled: rpm > 0,
		now:     time.Now,
	}
}

// Enabled reports whether requests are limited at all.
func (r *RateLimiter) Enabled() bool { return r.enabled }

// Allow reports whether key may make a request now.
func (r *RateLimiter) Allow(key string) bool {
	if !r.enabled {
		return true
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	if len(r.entries) >= maxTrackedKeys {
		r.pruneLocked(now)
	}
	e, ok := r.entries[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.limit, r.burst)}
		r.entries[key] = e
	}
	e.lastSeen = now
	return e.limiter.AllowN(now, 1)
}

// pruneLocked drops idle entries, then evicts arbitrarily while still at cap.
func (r *RateLimiter) pruneLocked(now time.Time) {
	for k, e := range r.entries {
		if now.Sub(e.lastSeen) >= time.Minute {
			delete(r.entries, k)
		}
	}
	for k := range r.entries {
		if len(r.entries) < maxTrackedKeys {
			break
		}
		delete(r.entries, k)
	}
}
