package server

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/workspace/hub/internal/registry"
)

// createUpgrader builds the WebSocket upgrader. Upgrades bypass CORS, so
// origins are validated explicitly here.
func (s *Server) createUpgrader() websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin: func(r *http.Request) bool {
			ok := s.checkOrigin(r)
			if !ok {
				slog.Warn("WebSocket origin rejected",
					"origin", r.Header.Get("Origin"), "remote", r.RemoteAddr)
			}
			return ok
		},
	}
}

// handleTurnStream subscribes the caller to a turn's live event stream.
// No replay: delivery starts at the next event, and a reconnecting client
// resynchronizes through the snapshot endpoint.
func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")
	turnID := r.PathValue("turnId")

	if !s.authenticateWS(r) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "missing or invalid credential")
		return
	}

	// Fail before the upgrade when the bridge cannot be routed to.
	entry, err := s.registry.Resolve(bridgeID)
	if err != nil || !registry.Routable(entry.HealthState) {
		writeError(w, http.StatusBadGateway, "bridge_unreachable", "bridge unreachable")
		return
	}

	upgrader := s.createUpgrader()
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Debug("WebSocket upgrade failed", "error", err)
		return
	}

	if err := s.relay.Subscribe(bridgeID, turnID, conn); err != nil {
		_ = conn.Close()
		return
	}

	slog.Debug("Subscriber attached", "bridgeId", bridgeID, "turnId", turnID,
		"remote", r.RemoteAddr)

	// Drain the downstream side so close frames are seen promptly; the
	// subscriber registration must not outlive the connection.
	go func() {
		defer func() {
			s.relay.Unsubscribe(bridgeID, turnID, conn)
			_ = conn.Close()
			slog.Debug("Subscriber detached", "bridgeId", bridgeID, "turnId", turnID)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}
