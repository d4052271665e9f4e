// Package ratelimit bounds mutation traffic per origin with sliding-window
// counters. State is process memory only: the threat model is abuse
// mitigation, not hard quota enforcement, so a restart resetting counters
// is acceptable.
package ratelimit

import (
	"sync"
	"time"
)

// Route categories subject to limiting.
const (
	CategorySendMessage = "send-message"
	CategoryInterrupt   = "interrupt"
	CategorySteer       = "steer"
	CategoryApproval    = "approval-decision"
)

type bucketKey struct {
	origin   string
	category string
}

// bucket is one sliding window: a start instant and a count, reset lazily
// when the window elapses.
type bucket struct {
	windowStart time.Time
	count       int
}

// Limiter enforces a maximum mutation count per window per
// (originKey, routeCategory).
type Limiter struct {
	mu      sync.Mutex
	buckets map[bucketKey]*bucket
	window  time.Duration
	max     int
	now     func() time.Time
}

// New creates a limiter allowing max requests per window per key.
func New(window time.Duration, max int) *Limiter {
	return &Limiter{
		buckets: make(map[bucketKey]*bucket),
		window:  window,
		max:     max,
		now:     time.Now,
	}
}

// Allow records one request for (origin, category) and reports whether it
// is within the limit. The (max+1)th request inside a window is rejected;
// once the window elapses the count resets.
func (l *Limiter) Allow(origin, category string) bool {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	k := bucketKey{origin, category}
	b, ok := l.buckets[k]
	if !ok || now.Sub(b.windowStart) >= l.window {
		l.buckets[k] = &bucket{windowStart: now, count: 1}
		return true
	}

	if b.count >= l.max {
		return false
	}
	b.count++
	return true
}

// Prune drops buckets whose window elapsed. The limiter works without it
// (windows reset lazily); pruning only bounds memory for churny origins.
func (l *Limiter) Prune() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for k, b := range l.buckets {
		if now.Sub(b.windowStart) >= l.window {
			delete(l.buckets, k)
		}
	}
}

// SetNow overrides the clock. Test hook.
func (l *Limiter) SetNow(now func() time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.now = now
}
