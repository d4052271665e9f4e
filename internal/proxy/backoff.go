// Package proxy forwards mobile traffic to bridges: request/response
// calls, the streaming event relay, and the coalesced polling fallback.
package proxy

import (
	"math"
	"math/rand"
	"sync"
	"time"
)

var (
	jitterMu     sync.Mutex
	jitterSource = rand.New(rand.NewSource(time.Now().UnixNano()))
)

// Backoff is an explicit reconnect delay policy: base delay, multiplicative
// growth, capped maximum, and proportional jitter. It is a plain value so
// the schedule can be tested independently of any timer.
type Backoff struct {
	Base   time.Duration
	Factor float64
	Cap    time.Duration
	Jitter float64 // proportional, e.g. 0.2 for ±20%
}

// DefaultBackoff matches the hub's default reconnect tuning.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:   500 * time.Millisecond,
		Factor: 2.0,
		Cap:    30 * time.Second,
		Jitter: 0.2,
	}
}

// Nominal returns the un-jittered delay for a zero-based attempt number:
// Base * Factor^attempt, capped. The nominal schedule is non-decreasing.
func (b Backoff) Nominal(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	factor := b.Factor
	if factor < 1 {
		factor = 1
	}

	d := float64(b.Base) * math.Pow(factor, float64(attempt))
	if b.Cap > 0 && d > float64(b.Cap) {
		return b.Cap
	}
	return time.Duration(d)
}

// Delay returns the jittered delay for an attempt: the nominal delay
// perturbed by at most ±Jitter of itself.
func (b Backoff) Delay(attempt int) time.Duration {
	nominal := b.Nominal(attempt)
	if b.Jitter <= 0 || nominal <= 0 {
		return nominal
	}

	jitterMu.Lock()
	f := jitterSource.Float64() // [0, 1)
	jitterMu.Unlock()

	// Spread across [-Jitter, +Jitter).
	offset := (f*2 - 1) * b.Jitter * float64(nominal)
	return nominal + time.Duration(offset)
}
