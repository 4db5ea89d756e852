package session

import (
	"sync"
	"time"
)

// rateLimiter enforces Limits.MaxFramesPerSec per connection, per
// spec.md §7's RateLimited error. No pack dependency offers rate
// limiting, so this is a small manually-synchronized token bucket in
// the same style as the adapters' mutex-guarded state, refilled
// lazily on Allow rather than by a background ticker.
type rateLimiter struct {
	mu         sync.Mutex
	rate       float64
	burst      float64
	tokens     float64
	lastRefill time.Time
}

func newRateLimiter(maxPerSec int) *rateLimiter {
	if maxPerSec <= 0 {
		maxPerSec = 1
	}
	return &rateLimiter{
		rate:       float64(maxPerSec),
		burst:      float64(maxPerSec),
		tokens:     float64(maxPerSec),
		lastRefill: time.Now(),
	}
}

// Allow reports whether the caller may proceed now, consuming one
// token if so.
func (r *rateLimiter) Allow() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	elapsed := now.Sub(r.lastRefill).Seconds()
	r.lastRefill = now

	r.tokens += elapsed * r.rate
	if r.tokens > r.burst {
		r.tokens = r.burst
	}

	if r.tokens < 1 {
		return false
	}
	r.tokens--
	return true
}
