package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Snapshot is one cached turn-state read.
type Snapshot struct {
	Data      json.RawMessage `json:"data"`
	FetchedAt time.Time       `json:"fetchedAt"`
	Cached    bool            `json:"cached"`
}

// Coalescer bounds polling load per (bridgeId, turnId): at most one upstream
// snapshot fetch per minimum interval, with calls inside the interval served
// from the last cached result.
type Coalescer struct {
	client      *Client
	minInterval time.Duration

	mu      sync.Mutex
	entries map[streamKey]*pollEntry
}

type pollEntry struct {
	limiter *rate.Limiter
	cached  Snapshot
	valid   bool
}

// NewCoalescer creates a coalescer over the given proxy client.
func NewCoalescer(client *Client, minInterval time.Duration) *Coalescer {
	return &Coalescer{
		client:      client,
		minInterval: minInterval,
		entries:     make(map[streamKey]*pollEntry),
	}
}

// Get returns the turn snapshot, fetching from the bridge at most once per
// minimum interval. Fetch failures with a valid cache fall back to the
// cached snapshot; without one they surface to the caller.
func (c *Coalescer) Get(ctx context.Context, bridgeID, turnID string) (Snapshot, error) {
	key := streamKey{bridgeID: bridgeID, turnID: turnID}

	c.mu.Lock()
	entry, ok := c.entries[key]
	if !ok {
		entry = &pollEntry{limiter: rate.NewLimiter(rate.Every(c.minInterval), 1)}
		c.entries[key] = entry
	}
	allowed := entry.limiter.Allow()
	cached := entry.cached
	valid := entry.valid
	c.mu.Unlock()

	if !allowed && valid {
		cached.Cached = true
		return cached, nil
	}

	data, err := c.client.TurnSnapshot(ctx, bridgeID, turnID)
	if err != nil {
		if valid {
			cached.Cached = true
			return cached, nil
		}
		return Snapshot{}, err
	}

	snap := Snapshot{Data: data, FetchedAt: time.Now().UTC()}
	c.mu.Lock()
	entry.cached = snap
	entry.valid = true
	c.mu.Unlock()
	return snap, nil
}

// Forget discards the cached state for a turn. Used when a bridge is
// removed so stale snapshots do not outlive their source.
func (c *Coalescer) Forget(bridgeID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for key := range c.entries {
		if key.bridgeID == bridgeID {
			delete(c.entries, key)
		}
	}
}
