package status

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectBasics(t *testing.T) {
	c := NewCollector(time.Second)
	info := c.Collect()
	require.NotNil(t, info)
	assert.Equal(t, "dev", info.Version)
	assert.NotEmpty(t, info.GoRuntime)
	assert.Greater(t, info.Goroutines, 0)
	assert.Greater(t, info.HeapBytes, uint64(0))
}

func TestCollectCachesWithinTTL(t *testing.T) {
	now := time.Now()
	c := NewCollector(time.Minute)
	c.SetNow(func() time.Time { return now })

	first := c.Collect()
	now = now.Add(30 * time.Second)
	second := c.Collect()
	// Cached result keeps the original uptime reading.
	assert.Equal(t, first.UptimeSeconds, second.UptimeSeconds)

	now = now.Add(2 * time.Minute)
	third := c.Collect()
	assert.Greater(t, third.UptimeSeconds, first.UptimeSeconds)
}

func TestFormatUptime(t *testing.T) {
	tests := []struct {
		seconds float64
		want    string
	}{
		{45, "0m"},
		{125, "2m"},
		{3700, "1h 1m"},
		{90061, "1d 1h 1m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, formatUptime(tt.seconds))
	}
}
