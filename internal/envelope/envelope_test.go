package envelope

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTerminal(t *testing.T) {
	for _, status := range []string{StatusCompleted, StatusInterrupted, StatusFailed} {
		assert.True(t, IsTerminal(status), status)
	}
	for _, status := range []string{StatusStarted, StatusRunning, StatusApprovalWaiting, "", "unknown"} {
		assert.False(t, IsTerminal(status), status)
	}
}

func TestTurnStatusProjection(t *testing.T) {
	payload, _ := json.Marshal(TurnStatusPayload{Status: StatusRunning})
	ev := Event{V: SchemaVersion, Type: TypeTurnStatus, TurnID: "turn-1", Payload: payload}
	assert.Equal(t, StatusRunning, TurnStatus(ev))

	// Non-status events project to nothing, whatever their payload says.
	ev.Type = TypeAgentOutput
	assert.Equal(t, "", TurnStatus(ev))

	ev.Type = TypeTurnStatus
	ev.Payload = json.RawMessage(`{broken`)
	assert.Equal(t, "", TurnStatus(ev))
}

func TestRelayStatus(t *testing.T) {
	ev := RelayStatus("turn-1", "t1", "reconnecting")
	assert.Equal(t, SchemaVersion, ev.V)
	assert.Equal(t, TypeRelayStatus, ev.Type)
	assert.Equal(t, "turn-1", ev.TurnID)
	assert.Equal(t, "t1", ev.ThreadID)
	assert.False(t, ev.Timestamp.IsZero())

	var p RelayStatusPayload
	require.NoError(t, json.Unmarshal(ev.Payload, &p))
	assert.Equal(t, "reconnecting", p.State)
}
