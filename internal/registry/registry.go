// Package registry tracks known bridges, their health, and TTL pruning.
// It is the single source of truth for routing: every proxied request
// resolves its bridge here first.
package registry

import (
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/workspace/hub/internal/identity"
)

// Health states for a registered bridge.
//
// booting -> registered -> healthy <-> degraded -> disconnected
//
// disconnected is terminal: the entry is removed and a later register call
// creates a fresh one (same id, since the id derives from the root path).
const (
	HealthBooting      = "booting"
	HealthRegistered   = "registered"
	HealthHealthy      = "healthy"
	HealthDegraded     = "degraded"
	HealthDisconnected = "disconnected"
)

var (
	// ErrInvalidRegistration is returned when registration info fails validation.
	ErrInvalidRegistration = errors.New("invalid registration")
	// ErrNotRegistered is returned for heartbeats against an unknown bridge id.
	// The bridge must treat this as "re-register now", not a transient error.
	ErrNotRegistered = errors.New("bridge not registered")
	// ErrNotFound is returned when resolving an unknown bridge id.
	ErrNotFound = errors.New("bridge not found")
)

// Registration describes one connected bridge.
type Registration struct {
	BridgeID        string    `json:"bridgeId"`
	WorkspaceLabel  string    `json:"workspaceLabel"` // display only, never used for routing
	RootPath        string    `json:"rootPath"`
	ListenPort      int       `json:"listenPort"`
	ProcessID       int       `json:"processId"`
	StartedAt       time.Time `json:"startedAt"`
	BridgeVersion   string    `json:"bridgeVersion"`
	LastHeartbeatAt time.Time `json:"lastHeartbeatAt"`
	HealthState     string    `json:"healthState"`

	registeredAt  time.Time
	proxyFailures int
}

// Info is the mutable registration payload supplied by a bridge on
// register and heartbeat. Port and pid may change across a bridge restart
// with the same root.
type Info struct {
	WorkspaceLabel string    `json:"workspaceLabel"`
	RootPath       string    `json:"rootPath"`
	ListenPort     int       `json:"listenPort"`
	ProcessID      int       `json:"processId"`
	StartedAt      time.Time `json:"startedAt"`
	BridgeVersion  string    `json:"bridgeVersion"`
}

// Cache persists registry snapshots so a hub restart can restore them.
// Saves are best-effort; a failing cache never blocks registry mutations.
type Cache interface {
	SaveRegistry(entries []Registration) error
}

// proxyFailureThreshold is the consecutive proxy round-trip failure count
// that degrades a healthy bridge.
const proxyFailureThreshold = 3

// Registry is the authoritative in-memory bridge table. All mutation goes
// through its lock, so a heartbeat racing a sweep eviction can never leave
// a half-updated entry.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Registration

	freshness time.Duration // heartbeat age before healthy -> degraded
	ttl       time.Duration // heartbeat age before removal

	cache Cache
	now   func() time.Time

	sweeping bool
	stopC    chan struct{}
	doneC    chan struct{}
}

// New creates a registry. freshness is the heartbeat age that degrades a
// bridge; ttl is the age that removes it. cache may be nil.
func New(freshness, ttl time.Duration, cache Cache) *Registry {
	return &Registry{
		entries:   make(map[string]*Registration),
		freshness: freshness,
		ttl:       ttl,
		cache:     cache,
		now:       time.Now,
		stopC:     make(chan struct{}),
		doneC:     make(chan struct{}),
	}
}

// Register upserts a registration keyed by the identifier derived from the
// root path and returns the bridge id. A new registration with an existing
// id replaces the prior entry atomically (a reconnect, not a duplicate).
func (r *Registry) Register(info Info) (string, error) {
	if strings.TrimSpace(info.RootPath) == "" {
		return "", errors.Join(ErrInvalidRegistration, errors.New("rootPath is required"))
	}
	if info.ListenPort <= 0 || info.ListenPort > 65535 {
		return "", errors.Join(ErrInvalidRegistration, errors.New("listenPort is out of range"))
	}

	id := identity.BridgeID(info.RootPath)
	now := r.now()

	r.mu.Lock()
	if prior, ok := r.entries[id]; ok {
		slog.Info("Bridge re-registered, replacing prior entry",
			"bridgeId", id, "priorPid", prior.ProcessID, "pid", info.ProcessID)
	}
	r.entries[id] = &Registration{
		BridgeID:        id,
		WorkspaceLabel:  info.WorkspaceLabel,
		RootPath:        info.RootPath,
		ListenPort:      info.ListenPort,
		ProcessID:       info.ProcessID,
		StartedAt:       info.StartedAt,
		BridgeVersion:   info.BridgeVersion,
		LastHeartbeatAt: now,
		HealthState:     HealthRegistered,
		registeredAt:    now,
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	return id, nil
}

// Heartbeat refreshes liveness and mutable fields for a known bridge.
// Returns ErrNotRegistered when no entry exists.
func (r *Registry) Heartbeat(bridgeID string, info Info) error {
	var snapshot []Registration

	r.mu.Lock()
	entry, ok := r.entries[bridgeID]
	if !ok {
		r.mu.Unlock()
		return ErrNotRegistered
	}

	entry.LastHeartbeatAt = r.now()
	entry.proxyFailures = 0
	if info.ListenPort > 0 {
		entry.ListenPort = info.ListenPort
	}
	if info.ProcessID > 0 {
		entry.ProcessID = info.ProcessID
	}
	if info.WorkspaceLabel != "" {
		entry.WorkspaceLabel = info.WorkspaceLabel
	}
	if info.BridgeVersion != "" {
		entry.BridgeVersion = info.BridgeVersion
	}

	switch entry.HealthState {
	case HealthRegistered, HealthDegraded, HealthBooting:
		entry.HealthState = HealthHealthy
	}
	snapshot = r.snapshotLocked()
	r.mu.Unlock()

	r.persist(snapshot)
	return nil
}

// Resolve returns a read-only snapshot of a registration.
func (r *Registry) Resolve(bridgeID string) (Registration, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[bridgeID]
	if !ok {
		return Registration{}, ErrNotFound
	}
	return *entry, nil
}

// List returns snapshots of all registrations ordered by registration
// recency, newest first.
func (r *Registry) List() []Registration {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Unregister removes a bridge explicitly. Removing an unknown id is a no-op.
func (r *Registry) Unregister(bridgeID string) {
	r.mu.Lock()
	_, ok := r.entries[bridgeID]
	delete(r.entries, bridgeID)
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	if ok {
		slog.Info("Bridge unregistered", "bridgeId", bridgeID)
		r.persist(snapshot)
	}
}

// ReportProxyFailure records a failed proxy round trip. Repeated failures
// degrade a healthy bridge without waiting for the heartbeat freshness
// window to lapse.
func (r *Registry) ReportProxyFailure(bridgeID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[bridgeID]
	if !ok {
		return
	}
	entry.proxyFailures++
	if entry.proxyFailures >= proxyFailureThreshold && entry.HealthState == HealthHealthy {
		entry.HealthState = HealthDegraded
		slog.Warn("Bridge degraded after repeated proxy failures",
			"bridgeId", bridgeID, "failures", entry.proxyFailures)
	}
}

// Routable reports whether a bridge may receive proxied traffic.
func Routable(state string) bool {
	switch state {
	case HealthRegistered, HealthHealthy, HealthDegraded:
		return true
	}
	return false
}

// Sweep applies heartbeat-age transitions: past freshness, healthy entries
// degrade; past the TTL, entries are removed entirely (implicitly failing
// any in-flight proxy to them). Returns the ids removed.
func (r *Registry) Sweep() []string {
	now := r.now()
	var removed []string

	r.mu.Lock()
	for id, entry := range r.entries {
		age := now.Sub(entry.LastHeartbeatAt)
		if age > r.ttl {
			delete(r.entries, id)
			removed = append(removed, id)
			continue
		}
		if age > r.freshness && (entry.HealthState == HealthHealthy || entry.HealthState == HealthRegistered) {
			entry.HealthState = HealthDegraded
			slog.Warn("Bridge degraded, heartbeat stale", "bridgeId", id, "age", age.String())
		}
	}
	snapshot := r.snapshotLocked()
	r.mu.Unlock()

	for _, id := range removed {
		slog.Warn("Bridge disconnected, TTL expired", "bridgeId", id)
	}
	if len(removed) > 0 {
		r.persist(snapshot)
	}
	return removed
}

// Restore loads cached registrations from a prior run. Restored entries
// are marked degraded with a fresh heartbeat timestamp: they stay routable
// for one TTL window but must prove liveness before counting as healthy.
func (r *Registry) Restore(entries []Registration) {
	now := r.now()

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, cached := range entries {
		if _, ok := r.entries[cached.BridgeID]; ok {
			continue
		}
		entry := cached
		entry.HealthState = HealthDegraded
		entry.LastHeartbeatAt = now
		entry.registeredAt = now
		entry.proxyFailures = 0
		r.entries[entry.BridgeID] = &entry
	}
}

// StartSweeper runs Sweep on the given interval until Stop. onRemoved, if
// non-nil, is invoked with the ids each sweep evicted.
func (r *Registry) StartSweeper(interval time.Duration, onRemoved func([]string)) {
	r.mu.Lock()
	if r.sweeping {
		r.mu.Unlock()
		return
	}
	r.sweeping = true
	r.mu.Unlock()

	go func() {
		defer close(r.doneC)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-r.stopC:
				return
			case <-ticker.C:
				if removed := r.Sweep(); len(removed) > 0 && onRemoved != nil {
					onRemoved(removed)
				}
			}
		}
	}()
}

// Stop halts the sweeper, if running, and waits for it to exit.
func (r *Registry) Stop() {
	r.mu.Lock()
	running := r.sweeping
	r.mu.Unlock()

	close(r.stopC)
	if running {
		<-r.doneC
	}
}

// SetNow overrides the clock. Test hook.
func (r *Registry) SetNow(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

func (r *Registry) snapshotLocked() []Registration {
	out := make([]Registration, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, *entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].registeredAt.After(out[j].registeredAt)
	})
	return out
}

func (r *Registry) persist(snapshot []Registration) {
	if r.cache == nil {
		return
	}
	if err := r.cache.SaveRegistry(snapshot); err != nil {
		slog.Warn("Registry cache save failed", "error", err)
	}
}
