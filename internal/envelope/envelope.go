// Package envelope defines the normalized event envelope exchanged with
// bridges and the hub's projection of the turn lifecycle.
package envelope

import (
	"encoding/json"
	"time"
)

// SchemaVersion is the envelope schema version the hub speaks.
const SchemaVersion = 1

// Event types carried over the bridge event stream.
const (
	TypeTurnStatus  = "turn_status"
	TypeAgentOutput = "agent_output"
	TypeApproval    = "approval_request"
	TypeRelayStatus = "relay_status" // hub-originated: reconnecting/disconnected
)

// Turn statuses as reported by the bridge. The hub never owns the turn
// state machine; it only projects enough of it to release thread locks.
const (
	StatusStarted         = "started"
	StatusRunning         = "running"
	StatusApprovalWaiting = "approval_waiting"
	StatusCompleted       = "completed"
	StatusInterrupted     = "interrupted"
	StatusFailed          = "failed"
)

// Event is the normalized envelope for one bridge event.
type Event struct {
	V         int             `json:"v"`
	Type      string          `json:"type"`
	TurnID    string          `json:"turnId"`
	ThreadID  string          `json:"threadId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// TurnStatusPayload is the payload of a turn_status event.
type TurnStatusPayload struct {
	Status string `json:"status"`
}

// RelayStatusPayload is the payload of a hub-originated relay_status event.
type RelayStatusPayload struct {
	State string `json:"state"` // "reconnecting" or "disconnected"
}

// IsTerminal reports whether a turn status ends the turn.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusInterrupted, StatusFailed:
		return true
	}
	return false
}

// TurnStatus extracts the turn status from a turn_status event.
// Returns "" for other event types or malformed payloads.
func TurnStatus(ev Event) string {
	if ev.Type != TypeTurnStatus {
		return ""
	}
	var p TurnStatusPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return ""
	}
	return p.Status
}

// RelayStatus builds a hub-originated status event for a turn's subscribers.
func RelayStatus(turnID, threadID, state string) Event {
	payload, _ := json.Marshal(RelayStatusPayload{State: state})
	return Event{
		V:         SchemaVersion,
		Type:      TypeRelayStatus,
		TurnID:    turnID,
		ThreadID:  threadID,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
}
