// Package ratelimiter throttles credential attempts per client address.
//
// Each remote host gets its own token bucket (golang.org/x/time/rate).
// Buckets refill at the configured rate; an empty bucket means the attempt
// is rejected immediately rather than queued, so a guessing client gets a
// fast error and no server resources are held.
package ratelimiter

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// AttemptLimiter rate-limits authentication attempts keyed by client host.
//
// All methods are safe for concurrent use.
type AttemptLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	limit    rate.Limit
	burst    int
	lastSeen time.Duration // bucket eviction age
}

type bucket struct {
	limiter *rate.Limiter
	touched time.Time
}

// New creates an AttemptLimiter allowing attemptsPerMinute sustained
// attempts per host with a burst of the same size.
//
// attemptsPerMinute = 0 disables limiting entirely.
func New(attemptsPerMinute uint) *AttemptLimiter {
	if attemptsPerMinute == 0 {
		return &AttemptLimiter{}
	}
	return &AttemptLimiter{
		buckets:  make(map[string]*bucket),
		limit:    rate.Limit(float64(attemptsPerMinute) / 60.0),
		burst:    int(attemptsPerMinute),
		lastSeen: 10 * time.Minute,
	}
}

// Allow reports whether one more attempt from key is permitted now, and
// consumes a token if so.
func (l *AttemptLimiter) Allow(key string) bool {
	if l.buckets == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		l.evictStaleLocked()
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.touched = time.Now()
	return b.limiter.Allow()
}

// evictStaleLocked drops buckets idle longer than the eviction age. Called
// with the mutex held, on the bucket-creation path only, so steady-state
// traffic never pays for it.
func (l *AttemptLimiter) evictStaleLocked() {
	cutoff := time.Now().Add(-l.lastSeen)
	for key, b := range l.buckets {
		if b.touched.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}
