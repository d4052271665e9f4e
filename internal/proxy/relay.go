package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/hub/internal/envelope"
	"github.com/workspace/hub/internal/registry"
)

// defaultWriteTimeout is the per-message write deadline for downstream
// subscriber connections when none is configured.
const defaultWriteTimeout = 5 * time.Second

// Relay maintains one upstream event connection per (bridgeId, turnId) and
// fans every received event out to all current downstream subscribers in
// emission order. There is no replay buffer: a late subscriber starts at
// the next event and resynchronizes through snapshot reads.
type Relay struct {
	reg          *registry.Registry
	backoff      Backoff
	writeTimeout time.Duration

	// onEvent observes every relayed event before fan-out. The server wires
	// lock touch/release through it.
	onEvent func(bridgeID string, ev envelope.Event)

	// dial and eventsURL are swappable for tests.
	dial      func(ctx context.Context, url string) (*websocket.Conn, error)
	eventsURL func(entry registry.Registration, turnID string) string

	mu      sync.Mutex
	streams map[streamKey]*stream
	closed  bool
}

type streamKey struct {
	bridgeID string
	turnID   string
}

// stream is one upstream pump plus its downstream subscriber set.
type stream struct {
	key    streamKey
	cancel context.CancelFunc
	done   chan struct{}

	mu           sync.Mutex
	subs         map[*websocket.Conn]struct{}
	lastThreadID string
}

// NewRelay creates a relay. onEvent may be nil.
func NewRelay(reg *registry.Registry, backoff Backoff, onEvent func(string, envelope.Event)) *Relay {
	return &Relay{
		reg:          reg,
		backoff:      backoff,
		writeTimeout: defaultWriteTimeout,
		onEvent:      onEvent,
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
			return conn, err
		},
		eventsURL: func(entry registry.Registration, turnID string) string {
			return fmt.Sprintf("ws://127.0.0.1:%d/turns/%s/events", entry.ListenPort, turnID)
		},
		streams: make(map[streamKey]*stream),
	}
}

// SetWriteTimeout overrides the downstream write deadline. Zero or
// negative values keep the current deadline.
func (r *Relay) SetWriteTimeout(d time.Duration) {
	if d > 0 {
		r.writeTimeout = d
	}
}

// SetDial overrides upstream dialing. Test hook.
func (r *Relay) SetDial(dial func(context.Context, string) (*websocket.Conn, error)) {
	r.dial = dial
}

// SetEventsURL overrides upstream URL derivation. Test hook.
func (r *Relay) SetEventsURL(fn func(registry.Registration, string) string) {
	r.eventsURL = fn
}

// Subscribe registers a downstream connection for a turn's event stream,
// starting the upstream pump if this is the first subscriber. Fails fast
// with ErrBridgeUnreachable when the bridge cannot be routed to.
func (r *Relay) Subscribe(bridgeID, turnID string, conn *websocket.Conn) error {
	entry, err := r.reg.Resolve(bridgeID)
	if err != nil || !registry.Routable(entry.HealthState) {
		return ErrBridgeUnreachable
	}

	key := streamKey{bridgeID: bridgeID, turnID: turnID}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrBridgeUnreachable
	}
	st, ok := r.streams[key]
	if !ok {
		ctx, cancel := context.WithCancel(context.Background())
		st = &stream{
			key:    key,
			cancel: cancel,
			done:   make(chan struct{}),
			subs:   make(map[*websocket.Conn]struct{}),
		}
		r.streams[key] = st
		go r.pump(ctx, st)
	}
	r.mu.Unlock()

	st.mu.Lock()
	st.subs[conn] = struct{}{}
	st.mu.Unlock()
	return nil
}

// Unsubscribe removes a downstream connection. When the last subscriber
// leaves, the upstream pump is stopped and the stream discarded.
func (r *Relay) Unsubscribe(bridgeID, turnID string, conn *websocket.Conn) {
	key := streamKey{bridgeID: bridgeID, turnID: turnID}

	r.mu.Lock()
	st, ok := r.streams[key]
	r.mu.Unlock()
	if !ok {
		return
	}

	st.mu.Lock()
	delete(st.subs, conn)
	empty := len(st.subs) == 0
	st.mu.Unlock()

	if empty {
		r.dropStream(st)
	}
}

// DropBridge tears down every stream for a bridge, notifying subscribers
// of terminal disconnect first. Wired to registry sweep eviction.
func (r *Relay) DropBridge(bridgeID string) {
	r.mu.Lock()
	var doomed []*stream
	for key, st := range r.streams {
		if key.bridgeID == bridgeID {
			doomed = append(doomed, st)
		}
	}
	r.mu.Unlock()

	for _, st := range doomed {
		r.notify(st, "disconnected")
		r.dropStream(st)
	}
}

// Close stops all streams and waits for their pumps to exit.
func (r *Relay) Close() {
	r.mu.Lock()
	r.closed = true
	var all []*stream
	for _, st := range r.streams {
		all = append(all, st)
	}
	r.mu.Unlock()

	for _, st := range all {
		r.dropStream(st)
	}
}

// SubscriberCount reports the current subscriber count for a turn stream.
func (r *Relay) SubscriberCount(bridgeID, turnID string) int {
	r.mu.Lock()
	st, ok := r.streams[streamKey{bridgeID: bridgeID, turnID: turnID}]
	r.mu.Unlock()
	if !ok {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

func (r *Relay) dropStream(st *stream) {
	r.mu.Lock()
	if current, ok := r.streams[st.key]; !ok || current != st {
		r.mu.Unlock()
		return
	}
	delete(r.streams, st.key)
	r.mu.Unlock()

	st.cancel()
	<-st.done

	st.mu.Lock()
	for conn := range st.subs {
		_ = conn.Close()
		delete(st.subs, conn)
	}
	st.mu.Unlock()
}

// pump owns the upstream connection for one stream: dial, read, fan out,
// and reconnect with backoff when the connection drops. A single goroutine
// per stream writes downstream, so per-turn order is preserved.
func (r *Relay) pump(ctx context.Context, st *stream) {
	defer close(st.done)

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}

		entry, err := r.reg.Resolve(st.key.bridgeID)
		if err != nil || !registry.Routable(entry.HealthState) {
			// Bridge is gone from the registry: terminal for the stream.
			slog.Warn("Relay upstream bridge gone, closing stream",
				"bridgeId", st.key.bridgeID, "turnId", st.key.turnID)
			r.notify(st, "disconnected")
			go r.dropStream(st)
			return
		}

		conn, err := r.dial(ctx, r.eventsURL(entry, st.key.turnID))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			r.reg.ReportProxyFailure(st.key.bridgeID)
			if attempt == 0 {
				r.notify(st, "reconnecting")
			}
			slog.Warn("Relay upstream dial failed",
				"bridgeId", st.key.bridgeID, "turnId", st.key.turnID,
				"attempt", attempt, "error", err)
			if !sleepCtx(ctx, r.backoff.Delay(attempt)) {
				return
			}
			attempt++
			continue
		}

		attempt = 0
		r.readLoop(ctx, st, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}
		r.notify(st, "reconnecting")
	}
}

// readLoop relays events from one upstream connection until it fails or
// the stream context is cancelled.
func (r *Relay) readLoop(ctx context.Context, st *stream, conn *websocket.Conn) {
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		var ev envelope.Event
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				slog.Debug("Relay upstream read ended",
					"bridgeId", st.key.bridgeID, "turnId", st.key.turnID, "error", err)
			}
			return
		}

		if ev.ThreadID != "" {
			st.mu.Lock()
			st.lastThreadID = ev.ThreadID
			st.mu.Unlock()
		}
		if r.onEvent != nil {
			r.onEvent(st.key.bridgeID, ev)
		}
		r.broadcast(st, ev)
	}
}

// broadcast fans one event out to the current subscriber snapshot. Writes
// happen outside the subscriber lock; a failed write drops that subscriber
// without affecting the others.
func (r *Relay) broadcast(st *stream, ev envelope.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		slog.Error("Relay event marshal failed", "error", err)
		return
	}

	st.mu.Lock()
	subs := make([]*websocket.Conn, 0, len(st.subs))
	for conn := range st.subs {
		subs = append(subs, conn)
	}
	st.mu.Unlock()

	for _, conn := range subs {
		_ = conn.SetWriteDeadline(time.Now().Add(r.writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			slog.Debug("Relay subscriber write failed, dropping",
				"bridgeId", st.key.bridgeID, "turnId", st.key.turnID, "error", err)
			st.mu.Lock()
			delete(st.subs, conn)
			st.mu.Unlock()
			_ = conn.Close()
		}
	}
}

// notify sends a hub-originated relay_status event to all subscribers.
func (r *Relay) notify(st *stream, state string) {
	st.mu.Lock()
	threadID := st.lastThreadID
	st.mu.Unlock()
	r.broadcast(st, envelope.RelayStatus(st.key.turnID, threadID, state))
}

// sleepCtx waits for d or until ctx is done. Reports false on cancellation.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
