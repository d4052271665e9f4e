// Package status collects hub process information for the status endpoint.
// Collection is cheap (runtime introspection only) but results are still
// cached for CacheTTL to handle rapid polling from dashboards.
package status

import (
	"fmt"
	"runtime"
	"sync"
	"time"
)

// Build-time variables injected via ldflags in the Makefile.
var (
	Version   = "dev"
	BuildDate = "unknown"
)

// Info is the hub process status response.
type Info struct {
	Version       string  `json:"version"`
	BuildDate     string  `json:"buildDate"`
	GoRuntime     string  `json:"goRuntime"`
	Goroutines    int     `json:"goroutines"`
	HeapBytes     uint64  `json:"heapBytes"`
	UptimeSeconds float64 `json:"uptimeSeconds"`
	Uptime        string  `json:"uptime"`
}

// Collector gathers process status.
type Collector struct {
	cacheTTL  time.Duration
	startedAt time.Time

	mu       sync.RWMutex
	cached   *Info
	cachedAt time.Time

	// now is injectable for testing.
	now func() time.Time
}

// NewCollector creates a status collector anchored at the current time.
func NewCollector(cacheTTL time.Duration) *Collector {
	if cacheTTL == 0 {
		cacheTTL = 5 * time.Second
	}
	return &Collector{
		cacheTTL:  cacheTTL,
		startedAt: time.Now(),
		now:       time.Now,
	}
}

// SetNow overrides the clock. Test hook.
func (c *Collector) SetNow(now func() time.Time) {
	c.mu.Lock()
	c.now = now
	c.startedAt = now()
	c.mu.Unlock()
}

// Collect returns process status, served from cache within CacheTTL.
func (c *Collector) Collect() *Info {
	c.mu.RLock()
	if c.cached != nil && c.now().Sub(c.cachedAt) < c.cacheTTL {
		result := *c.cached
		c.mu.RUnlock()
		return &result
	}
	c.mu.RUnlock()

	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	c.mu.Lock()
	defer c.mu.Unlock()
	uptime := c.now().Sub(c.startedAt).Seconds()
	result := &Info{
		Version:       Version,
		BuildDate:     BuildDate,
		GoRuntime:     runtime.Version(),
		Goroutines:    runtime.NumGoroutine(),
		HeapBytes:     memStats.HeapAlloc,
		UptimeSeconds: uptime,
		Uptime:        formatUptime(uptime),
	}
	c.cached = result
	c.cachedAt = c.now()
	out := *result
	return &out
}

// formatUptime formats seconds into a human-readable string like "2d 5h 32m".
func formatUptime(totalSeconds float64) string {
	secs := int(totalSeconds)
	days := secs / 86400
	secs %= 86400
	hours := secs / 3600
	secs %= 3600
	minutes := secs / 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
