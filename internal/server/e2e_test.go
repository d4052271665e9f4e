package server

import (
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/hub/internal/envelope"
	"github.com/workspace/hub/internal/locks"
	"github.com/workspace/hub/internal/registry"
)

// terminalStatusEvent builds the turn_status event a bridge emits when a
// turn ends.
func terminalStatusEvent(turnID, threadID, status string) envelope.Event {
	payload, _ := json.Marshal(envelope.TurnStatusPayload{Status: status})
	return envelope.Event{
		V:         envelope.SchemaVersion,
		Type:      envelope.TypeTurnStatus,
		TurnID:    turnID,
		ThreadID:  threadID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}

// Lock lifecycle across an interrupt: send acquires the lock, the
// terminal interrupted status releases it, and the thread is writable
// again.
func TestLockLifecycleAcrossInterrupt(t *testing.T) {
	h := newTestHub(t, nil)
	bridge, id := fullAccessBridge(t, h)

	status, body := doJSON(t, http.MethodPost,
		h.url("/api/bridges/"+id+"/threads/t1/messages"),
		map[string]any{"text": "start work"}, "")
	require.Equal(t, http.StatusOK, status)
	turnID, _ := body["turnId"].(string)
	require.Equal(t, "turn-t1", turnID)

	status, _ = doJSON(t, http.MethodPost,
		h.url("/api/bridges/"+id+"/turns/"+turnID+"/interrupt"), map[string]any{}, "")
	require.Equal(t, http.StatusOK, status)
	require.Equal(t, int32(1), bridge.interrupts.Load())

	// The lock holds until the bridge reports the terminal status on the
	// event stream.
	_, held := h.s.locks.Owner(id, "t1")
	require.True(t, held)

	h.s.observeEvent(id, terminalStatusEvent(turnID, "t1", envelope.StatusInterrupted))

	_, held = h.s.locks.Owner(id, "t1")
	require.False(t, held)

	status, _ = doJSON(t, http.MethodPost,
		h.url("/api/bridges/"+id+"/threads/t1/messages"),
		map[string]any{"text": "next turn"}, "")
	assert.Equal(t, http.StatusOK, status)
}

// TTL decay: a bridge that stops heartbeating degrades, then disappears,
// and proxy calls to it become unreachable.
func TestHeartbeatDecayToUnreachable(t *testing.T) {
	h := newTestHub(t, nil)
	bridge, id := fullAccessBridge(t, h)
	_ = bridge

	status, _ := doJSON(t, http.MethodPost,
		h.url("/internal/bridges/"+id+"/heartbeat"), map[string]any{}, "")
	require.Equal(t, http.StatusOK, status)

	var mu sync.Mutex
	now := time.Now()
	h.s.registry.SetNow(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})
	advance := func(d time.Duration) {
		mu.Lock()
		now = now.Add(d)
		mu.Unlock()
	}

	entry, err := h.s.registry.Resolve(id)
	require.NoError(t, err)
	require.Equal(t, registry.HealthHealthy, entry.HealthState)

	// Past the freshness window: degraded but still routable.
	advance(31 * time.Second)
	h.s.registry.Sweep()
	entry, err = h.s.registry.Resolve(id)
	require.NoError(t, err)
	require.Equal(t, registry.HealthDegraded, entry.HealthState)

	status, _ = doJSON(t, http.MethodPost,
		h.url("/api/bridges/"+id+"/threads/t1/messages"),
		map[string]any{"text": "still works"}, "")
	require.Equal(t, http.StatusOK, status)

	// Past the TTL: removed entirely, calls fail fast.
	advance(2 * time.Minute)
	removed := h.s.registry.Sweep()
	require.Contains(t, removed, id)
	for _, gone := range removed {
		h.s.dropBridge(gone)
	}

	status, body := doJSON(t, http.MethodPost,
		h.url("/api/bridges/"+id+"/threads/t2/messages"),
		map[string]any{"text": "too late"}, "")
	assert.Equal(t, http.StatusBadGateway, status)
	assert.Equal(t, "bridge_unreachable", body["code"])
}

// Eviction drops the bridge's locks so a returning bridge starts clean.
func TestEvictionReleasesLocks(t *testing.T) {
	h := newTestHub(t, nil)
	_, id := fullAccessBridge(t, h)

	status, _ := doJSON(t, http.MethodPost,
		h.url("/api/bridges/"+id+"/threads/t1/messages"),
		map[string]any{"text": "hold the lock"}, "")
	require.Equal(t, http.StatusOK, status)
	_, held := h.s.locks.Owner(id, "t1")
	require.True(t, held)

	h.s.registry.Unregister(id)
	h.s.dropBridge(id)

	_, held = h.s.locks.Owner(id, "t1")
	assert.False(t, held)
}

// A bridge-minted approval request observed on the stream can be decided
// through the API under the same id.
func TestStreamApprovalRoundTrip(t *testing.T) {
	h := newTestHub(t, nil)
	bridge := newFakeBridge(t)
	id := registerFakeBridge(t, h, bridge.srv)

	payload, _ := json.Marshal(map[string]any{
		"approvalId": "ap-77",
		"action":     "write file",
	})
	h.s.observeEvent(id, envelope.Event{
		V:         envelope.SchemaVersion,
		Type:      envelope.TypeApproval,
		TurnID:    "turn-t1",
		ThreadID:  "t1",
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	})

	status, body := doJSON(t, http.MethodPost,
		h.url("/api/bridges/"+id+"/approvals/ap-77"),
		map[string]any{"decision": "approved"}, "")
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "approved", body["decision"])
	assert.Equal(t, "turn-t1", body["turnId"])
}

// A terminal status relayed while the acquiring send is still in flight
// (lock owner not yet settled) releases the lock instead of stranding it
// for the watchdog.
func TestTerminalStatusReleasesInFlightLock(t *testing.T) {
	h := newTestHub(t, nil)
	_, id := fullAccessBridge(t, h)

	require.NoError(t, h.s.locks.Acquire(id, "t1", locks.PendingOwner))

	h.s.observeEvent(id, terminalStatusEvent("turn-t1", "t1", envelope.StatusCompleted))

	_, held := h.s.locks.Owner(id, "t1")
	assert.False(t, held)
}
