// Package ratelimit holds the two flow-control tracks: an in-process token
// bucket per key and a fixed-window counter in an external store.
package ratelimit

import (
	"math"
	"time"

	"golang.org/x/time/rate"
)

// PerSecond smooths permits over duration seconds into a whole number of
// permits per second, rounding up. It reports false for non-positive input.
func PerSecond(permits, duration float64) (int, bool) {
	if permits <= 0 || duration <= 0 || math.IsNaN(permits) || math.IsNaN(duration) {
		return 0, false
	}
	return int(math.Ceil(permits / duration)), true
}

// LocalLimiter is a token bucket refilled at perSecond with an equal burst.
type LocalLimiter struct {
	limiter *rate.Limiter
}

// NewLocalLimiter creates a full bucket.
func NewLocalLimiter(perSecond int) *LocalLimiter {
	return &LocalLimiter{limiter: rate.NewLimiter(rate.Limit(perSecond), perSecond)}
}

// Acquire takes n permits if available. It never waits.
func (l *LocalLimiter) Acquire(n int) bool {
	return l.limiter.AllowN(time.Now(), n)
}

// PerSecond is the refill rate.
func (l *LocalLimiter) PerSecond() int {
	return l.limiter.Burst()
}

func (l *LocalLimiter) reset(perSecond int) {
	l.limiter.SetLimit(rate.Limit(perSecond))
	l.limiter.SetBurst(perSecond)
}

// LocalRegistry lazily creates one LocalLimiter per key and reuses it.
type LocalRegistry struct {
	limiters *shardedMap[*LocalLimiter]
}

// NewLocalRegistry creates an empty registry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{limiters: newShardedMap[*LocalLimiter]()}
}

// Get returns the limiter for key. When the configured rate changed since
// the limiter was created it is adjusted in place.
func (r *LocalRegistry) Get(key string, perSecond int) *LocalLimiter {
	l := r.limiters.getOrCreate(key, func() *LocalLimiter {
		return NewLocalLimiter(perSecond)
	})
	if l.PerSecond() != perSecond {
		l.reset(perSecond)
	}
	return l
}

// Len is the number of limiters created so far.
func (r *LocalRegistry) Len() int {
	return r.limiters.len()
}
