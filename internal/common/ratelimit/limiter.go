// internal/common/ratelimit/limiter.go
package ratelimit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"sheetbridge/internal/common/config"
)

// Limiter is a per-client token bucket. Each client gets a bucket of
// capacity Burst refilled at RPS tokens per second; refill is computed from
// elapsed time on each call, there is no background timer.
type Limiter struct {
	enabled bool
	limit   rate.Limit
	burst   int

	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

// New builds a limiter from config. A disabled limiter admits everything and
// keeps no state.
func New(cfg config.RateLimitConfig) *Limiter {
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		enabled: cfg.Enabled,
		limit:   rate.Limit(cfg.RPS),
		burst:   burst,
		buckets: map[string]*bucket{},
		now:     time.Now,
	}
}

// Enabled reports whether admission is being enforced.
func (l *Limiter) Enabled() bool {
	return l != nil && l.enabled
}

// Allow consumes one token from key's bucket if available.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}
	return l.AllowAt(key, l.now())
}

// AllowAt is Allow with an explicit clock reading.
func (l *Limiter) AllowAt(key string, now time.Time) bool {
	if !l.Enabled() {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{lim: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	if now.After(b.lastSeen) {
		b.lastSeen = now
	}
	return b.lim.AllowN(now, 1)
}

// Sweep drops buckets not used for longer than idle and returns how many
// were removed. An idle bucket has long since refilled to capacity, so
// dropping it does not change admission decisions.
func (l *Limiter) Sweep(idle time.Duration) int {
	if !l.Enabled() || idle <= 0 {
		return 0
	}
	cutoff := l.now().Add(-idle)

	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		if b.lastSeen.Before(cutoff) {
			delete(l.buckets, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live buckets.
func (l *Limiter) Len() int {
	if l == nil {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
