// Package locks provides per-thread mutual exclusion for turn-mutating
// calls. At most one unreleased lock exists per (bridgeId, threadId) at
// any instant; a second writer is rejected, never queued.
package locks

import (
	"errors"
	"log/slog"
	"sync"
	"time"
)

// PendingOwner marks a lock whose owning turn id is not yet known: the
// acquiring send is still in flight to the bridge.
const PendingOwner = "pending"

var (
	// ErrBusy is returned when a thread already has an active turn.
	ErrBusy = errors.New("thread busy")
	// ErrNotCurrentTurn is returned for interrupt/steer against a turn
	// that no longer owns the thread lock.
	ErrNotCurrentTurn = errors.New("not the current turn")
)

// Lock records the owner of a thread's single writer slot.
type Lock struct {
	BridgeID   string
	ThreadID   string
	TurnID     string
	AcquiredAt time.Time

	lastActivity time.Time
}

type key struct {
	bridgeID string
	threadID string
}

// Table is the thread lock table. Acquisition is an atomic test-and-set
// under one mutex, so two concurrent send-message calls can never both
// believe they won.
type Table struct {
	mu      sync.Mutex
	locks   map[key]*Lock
	timeout time.Duration // no terminal status and no fresh event for this long releases the lock
	now     func() time.Time

	sweeping bool
	stopC    chan struct{}
	doneC    chan struct{}
}

// NewTable creates a lock table with the given stale-lock ceiling.
func NewTable(timeout time.Duration) *Table {
	return &Table{
		locks:   make(map[key]*Lock),
		timeout: timeout,
		now:     time.Now,
		stopC:   make(chan struct{}),
		doneC:   make(chan struct{}),
	}
}

// Acquire takes the lock for (bridgeID, threadID) on behalf of turnID.
// Returns ErrBusy if another turn holds it.
func (t *Table) Acquire(bridgeID, threadID, turnID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{bridgeID, threadID}
	if held, ok := t.locks[k]; ok {
		slog.Debug("Thread lock conflict",
			"bridgeId", bridgeID, "threadId", threadID, "owner", held.TurnID)
		return ErrBusy
	}

	now := t.now()
	t.locks[k] = &Lock{
		BridgeID:     bridgeID,
		ThreadID:     threadID,
		TurnID:       turnID,
		AcquiredAt:   now,
		lastActivity: now,
	}
	return nil
}

// SetOwner reassigns the lock's owning turn. Used when the upstream call
// that acquired the lock learns the real turn id from the bridge response.
func (t *Table) SetOwner(bridgeID, threadID, turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.locks[key{bridgeID, threadID}]; ok {
		held.TurnID = turnID
		held.lastActivity = t.now()
	}
}

// Owner returns the turn currently holding the thread lock.
func (t *Table) Owner(bridgeID, threadID string) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.locks[key{bridgeID, threadID}]
	if !ok {
		return "", false
	}
	return held.TurnID, true
}

// ThreadForTurn returns the thread whose lock turnID currently owns.
// Interrupt and steer requests arrive keyed by turn, not thread, so this
// is how they find (and validate) their target.
func (t *Table) ThreadForTurn(bridgeID, turnID string) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k, held := range t.locks {
		if k.bridgeID == bridgeID && held.TurnID == turnID {
			return k.threadID, nil
		}
	}
	return "", ErrNotCurrentTurn
}

// CheckCurrent verifies turnID owns the lock for (bridgeID, threadID).
// Interrupt and steer are permitted against the current owner only.
func (t *Table) CheckCurrent(bridgeID, threadID, turnID string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	held, ok := t.locks[key{bridgeID, threadID}]
	if !ok || held.TurnID != turnID {
		return ErrNotCurrentTurn
	}
	return nil
}

// ReleaseForTurn releases the lock if turnID still owns it. Called when
// the bridge reports a terminal status for the turn. A release for a
// superseded turn is a no-op. A lock still in the pending state is
// released too: the bridge runs one turn per thread at a time, so a
// terminal status arriving in that window belongs to the turn the
// in-flight send just started.
func (t *Table) ReleaseForTurn(bridgeID, threadID, turnID string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	k := key{bridgeID, threadID}
	held, ok := t.locks[k]
	if !ok || (held.TurnID != turnID && held.TurnID != PendingOwner) {
		return false
	}
	delete(t.locks, k)
	return true
}

// Release unconditionally drops the lock for a thread. Used when the call
// that acquired it failed before a turn ever started upstream.
func (t *Table) Release(bridgeID, threadID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.locks, key{bridgeID, threadID})
}

// ReleaseBridge drops every lock held under a bridge. Called when the
// registry evicts the bridge: its turns can no longer report terminal
// statuses.
func (t *Table) ReleaseBridge(bridgeID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for k := range t.locks {
		if k.bridgeID == bridgeID {
			delete(t.locks, k)
		}
	}
}

// Touch refreshes lock activity when an event for the owning turn flows
// through the relay, keeping live turns out of the watchdog's reach.
func (t *Table) Touch(bridgeID, threadID, turnID string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if held, ok := t.locks[key{bridgeID, threadID}]; ok && held.TurnID == turnID {
		held.lastActivity = t.now()
	}
}

// SweepStale releases locks that have seen neither a terminal status nor
// fresh activity within the ceiling. Timeout release indicates upstream
// state loss and is logged as an anomaly.
func (t *Table) SweepStale() []Lock {
	now := t.now()
	var released []Lock

	t.mu.Lock()
	for k, held := range t.locks {
		if now.Sub(held.lastActivity) > t.timeout {
			released = append(released, *held)
			delete(t.locks, k)
		}
	}
	t.mu.Unlock()

	for _, l := range released {
		slog.Error("Thread lock released by watchdog, upstream state lost",
			"bridgeId", l.BridgeID, "threadId", l.ThreadID, "turnId", l.TurnID,
			"heldFor", now.Sub(l.AcquiredAt).String())
	}
	return released
}

// StartWatchdog runs SweepStale on an interval until Stop.
func (t *Table) StartWatchdog(interval time.Duration) {
	t.mu.Lock()
	if t.sweeping {
		t.mu.Unlock()
		return
	}
	t.sweeping = true
	t.mu.Unlock()

	go func() {
		defer close(t.doneC)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-t.stopC:
				return
			case <-ticker.C:
				t.SweepStale()
			}
		}
	}()
}

// Stop halts the watchdog, if running, and waits for it to exit.
func (t *Table) Stop() {
	t.mu.Lock()
	running := t.sweeping
	t.mu.Unlock()

	close(t.stopC)
	if running {
		<-t.doneC
	}
}

// SetNow overrides the clock. Test hook.
func (t *Table) SetNow(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}
