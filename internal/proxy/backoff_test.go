package proxy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffNominalNonDecreasingUpToCap(t *testing.T) {
	b := Backoff{Base: 500 * time.Millisecond, Factor: 2.0, Cap: 30 * time.Second, Jitter: 0.2}

	prev := time.Duration(0)
	for attempt := 0; attempt < 20; attempt++ {
		d := b.Nominal(attempt)
		assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
		assert.LessOrEqual(t, d, b.Cap, "attempt %d", attempt)
		prev = d
	}
	assert.Equal(t, b.Cap, b.Nominal(19))
}

func TestBackoffNominalSchedule(t *testing.T) {
	b := Backoff{Base: 100 * time.Millisecond, Factor: 2.0, Cap: time.Second}

	assert.Equal(t, 100*time.Millisecond, b.Nominal(0))
	assert.Equal(t, 200*time.Millisecond, b.Nominal(1))
	assert.Equal(t, 400*time.Millisecond, b.Nominal(2))
	assert.Equal(t, 800*time.Millisecond, b.Nominal(3))
	assert.Equal(t, time.Second, b.Nominal(4))
	assert.Equal(t, time.Second, b.Nominal(10))
}

func TestBackoffDelayBoundedByJitter(t *testing.T) {
	b := Backoff{Base: time.Second, Factor: 2.0, Cap: time.Minute, Jitter: 0.2}

	for attempt := 0; attempt < 8; attempt++ {
		nominal := b.Nominal(attempt)
		lo := time.Duration(float64(nominal) * 0.8)
		hi := time.Duration(float64(nominal) * 1.2)
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			assert.GreaterOrEqual(t, d, lo, "attempt %d", attempt)
			assert.LessOrEqual(t, d, hi, "attempt %d", attempt)
		}
	}
}

func TestBackoffNegativeAttemptClamped(t *testing.T) {
	b := DefaultBackoff()
	assert.Equal(t, b.Nominal(0), b.Nominal(-3))
}
