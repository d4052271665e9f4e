package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/workspace/hub/internal/registry"
)

// registerBridge points a registry entry at a fake bridge server and
// returns the bridge id.
func registerBridge(t *testing.T, reg *registry.Registry, srv *httptest.Server) string {
	t.Helper()

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(u.Port())
	require.NoError(t, err)

	id, err := reg.Register(registry.Info{
		WorkspaceLabel: "demo",
		RootPath:       t.TempDir(),
		ListenPort:     port,
		ProcessID:      100,
		StartedAt:      time.Now().UTC(),
	})
	require.NoError(t, err)
	return id
}

func TestSendMessageProxiesToBridge(t *testing.T) {
	var gotPath string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_ = json.NewEncoder(w).Encode(SendResult{TurnID: "turn-1", ThreadID: "t1", Status: "started"})
	}))
	defer srv.Close()

	reg := registry.New(30*time.Second, 2*time.Minute, nil)
	id := registerBridge(t, reg, srv)

	c := NewClient(reg, 5*time.Second)
	result, err := c.SendMessage(context.Background(), id, "t1", "hello")
	require.NoError(t, err)

	assert.Equal(t, "/threads/t1/messages", gotPath)
	assert.Equal(t, "hello", gotBody["text"])
	assert.Equal(t, "turn-1", result.TurnID)
	assert.Equal(t, "t1", result.ThreadID)
}

func TestSendMessageRepairRecreatesThreadOnce(t *testing.T) {
	var creates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads/t2/messages":
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(bridgeError{Error: "no such thread", Code: "thread_not_found"})
		case r.Method == http.MethodPost && r.URL.Path == "/threads":
			creates.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"threadId": "t2-new"})
		case r.Method == http.MethodPost && r.URL.Path == "/threads/t2-new/messages":
			_ = json.NewEncoder(w).Encode(SendResult{TurnID: "turn-9", ThreadID: "t2-new"})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	reg := registry.New(30*time.Second, 2*time.Minute, nil)
	id := registerBridge(t, reg, srv)

	c := NewClient(reg, 5*time.Second)
	result, repaired, err := c.SendMessageWithRepair(context.Background(), id, "t2", "retry me")
	require.NoError(t, err)

	assert.True(t, repaired)
	assert.Equal(t, "t2-new", result.ThreadID)
	assert.Equal(t, "turn-9", result.TurnID)
	assert.Equal(t, int32(1), creates.Load())
}

func TestSendMessageRepairNeverLoops(t *testing.T) {
	var creates, sends atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/threads":
			creates.Add(1)
			_ = json.NewEncoder(w).Encode(map[string]string{"threadId": "t-fresh"})
		default:
			// Every send fails, including the one against the fresh thread.
			sends.Add(1)
			w.WriteHeader(http.StatusNotFound)
			_ = json.NewEncoder(w).Encode(bridgeError{Error: "no such thread", Code: "thread_not_found"})
		}
	}))
	defer srv.Close()

	reg := registry.New(30*time.Second, 2*time.Minute, nil)
	id := registerBridge(t, reg, srv)

	c := NewClient(reg, 5*time.Second)
	_, repaired, err := c.SendMessageWithRepair(context.Background(), id, "t2", "doomed")

	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.False(t, repaired)
	assert.Equal(t, int32(1), creates.Load())
	assert.Equal(t, int32(2), sends.Load())
}

func TestUnknownBridgeIsUnreachable(t *testing.T) {
	reg := registry.New(30*time.Second, 2*time.Minute, nil)
	c := NewClient(reg, time.Second)

	_, err := c.ListThreads(context.Background(), "b-0000000000000000")
	assert.ErrorIs(t, err, ErrBridgeUnreachable)
}

func TestSlowBridgeTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	reg := registry.New(30*time.Second, 2*time.Minute, nil)
	id := registerBridge(t, reg, srv)

	c := NewClient(reg, 50*time.Millisecond)
	_, err := c.Interrupt(context.Background(), id, "turn-1")
	assert.ErrorIs(t, err, ErrUpstreamTimeout)
}

func TestRepeatedTransportFailuresDegradeBridge(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	reg := registry.New(30*time.Second, 2*time.Minute, nil)
	id := registerBridge(t, reg, srv)
	require.NoError(t, reg.Heartbeat(id, registry.Info{}))
	srv.Close()

	c := NewClient(reg, time.Second)
	for i := 0; i < 3; i++ {
		_, err := c.ListThreads(context.Background(), id)
		require.Error(t, err)
	}

	entry, err := reg.Resolve(id)
	require.NoError(t, err)
	assert.Equal(t, registry.HealthDegraded, entry.HealthState)
}

func TestThreadNotFoundSurfacesFromReads(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(bridgeError{Error: "gone", Code: "thread_not_found"})
	}))
	defer srv.Close()

	reg := registry.New(30*time.Second, 2*time.Minute, nil)
	id := registerBridge(t, reg, srv)

	c := NewClient(reg, time.Second)
	_, err := c.ReadThread(context.Background(), id, "missing")
	assert.ErrorIs(t, err, ErrThreadNotFound)
	assert.False(t, errors.Is(err, ErrBridgeUnreachable))
}
