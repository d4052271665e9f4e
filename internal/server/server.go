// Package server provides the HTTP/WS surface of the hub.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/workspace/hub/internal/audit"
	"github.com/workspace/hub/internal/config"
	"github.com/workspace/hub/internal/envelope"
	"github.com/workspace/hub/internal/locks"
	"github.com/workspace/hub/internal/persistence"
	"github.com/workspace/hub/internal/policy"
	"github.com/workspace/hub/internal/proxy"
	"github.com/workspace/hub/internal/ratelimit"
	"github.com/workspace/hub/internal/registry"
	"github.com/workspace/hub/internal/status"
)

// Server wires the hub subsystems behind one HTTP listener.
type Server struct {
	config     *config.Config
	httpServer *http.Server

	registry  *registry.Registry
	locks     *locks.Table
	gate      *policy.Gate
	limiter   *ratelimit.Limiter
	client    *proxy.Client
	relay     *proxy.Relay
	coalescer *proxy.Coalescer
	store     *persistence.Store
	auditor   *audit.Recorder
	sessions  *sessionIssuer
	status    *status.Collector
}

// New creates a server instance: opens the persistence store, restores the
// cached registry, and wires the proxy layers together.
func New(cfg *config.Config) (*Server, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}
	store, err := persistence.Open(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open persistence store: %w", err)
	}

	reg := registry.New(cfg.HeartbeatFreshness, cfg.RegistryTTL, store)
	if cached, err := store.LoadRegistry(); err != nil {
		slog.Warn("Registry cache unreadable, starting empty", "error", err)
	} else if len(cached) > 0 {
		reg.Restore(cached)
		slog.Info("Registry restored from cache", "bridges", len(cached))
	}

	sessions, err := newSessionIssuer(cfg.SessionTokenTTL)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create session issuer: %w", err)
	}

	s := &Server{
		config:   cfg,
		registry: reg,
		locks:    locks.NewTable(cfg.LockTimeout),
		gate:     policy.NewGate(cfg.PolicyDocPath),
		limiter:  ratelimit.New(cfg.RateLimitWindow, cfg.RateLimitMax),
		client:   proxy.NewClient(reg, cfg.UpstreamTimeout),
		store:    store,
		sessions: sessions,
		status:   status.NewCollector(0),
		auditor: audit.New(store, audit.Config{
			FlushInterval: cfg.AuditFlushInterval,
			MaxBatchSize:  cfg.AuditMaxBatchSize,
		}),
	}
	s.relay = proxy.NewRelay(reg, proxy.Backoff{
		Base:   cfg.BackoffBase,
		Factor: cfg.BackoffFactor,
		Cap:    cfg.BackoffCap,
		Jitter: cfg.BackoffJitter,
	}, s.observeEvent)
	s.relay.SetWriteTimeout(cfg.WSWriteTimeout)
	s.coalescer = proxy.NewCoalescer(s.client, cfg.PollMinInterval)

	mux := http.NewServeMux()
	s.setupRoutes(mux)

	// WriteTimeout stays 0: it would set a conn deadline before the handler
	// runs and kill long-lived hijacked WebSocket connections.
	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     corsMiddleware(s.logMiddleware(mux), cfg.AllowedOrigins),
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}

	return s, nil
}

// setupRoutes configures the HTTP routes.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Liveness, independent of registry state.
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.requireAuth(s.handleStatus))

	// Bearer to short-lived WS token exchange.
	mux.HandleFunc("POST /api/auth/session", s.requireAuth(s.handleAuthSession))

	// Bridge ingress. Bridges are local processes; this surface never
	// leaves loopback regardless of token configuration.
	mux.HandleFunc("POST /internal/bridges", s.requireLoopback(s.handleRegisterBridge))
	mux.HandleFunc("POST /internal/bridges/{bridgeId}/heartbeat", s.requireLoopback(s.handleHeartbeat))
	mux.HandleFunc("DELETE /internal/bridges/{bridgeId}", s.requireLoopback(s.handleUnregisterBridge))

	// Discovery and policy.
	mux.HandleFunc("GET /api/bridges", s.requireAuth(s.handleListBridges))
	mux.HandleFunc("GET /api/bridges/{bridgeId}", s.requireAuth(s.handleGetBridge))
	mux.HandleFunc("GET /api/bridges/{bridgeId}/policy", s.requireAuth(s.handleGetPolicy))
	mux.HandleFunc("POST /api/bridges/{bridgeId}/policy", s.requireAuth(s.handleSetPolicy))

	// Proxied thread/turn surface.
	mux.HandleFunc("GET /api/bridges/{bridgeId}/threads", s.requireAuth(s.handleListThreads))
	mux.HandleFunc("GET /api/bridges/{bridgeId}/threads/{threadId}", s.requireAuth(s.handleReadThread))
	mux.HandleFunc("POST /api/bridges/{bridgeId}/threads/{threadId}/messages",
		s.requireAuth(s.limit(ratelimit.CategorySendMessage, s.handleSendMessage)))
	mux.HandleFunc("POST /api/bridges/{bridgeId}/turns/{turnId}/interrupt",
		s.requireAuth(s.limit(ratelimit.CategoryInterrupt, s.handleInterrupt)))
	mux.HandleFunc("POST /api/bridges/{bridgeId}/turns/{turnId}/steer",
		s.requireAuth(s.limit(ratelimit.CategorySteer, s.handleSteer)))
	mux.HandleFunc("POST /api/bridges/{bridgeId}/approvals/{approvalId}",
		s.requireAuth(s.limit(ratelimit.CategoryApproval, s.handleDecideApproval)))
	mux.HandleFunc("GET /api/bridges/{bridgeId}/turns/{turnId}/snapshot",
		s.requireAuth(s.handleTurnSnapshot))

	// Streaming subscribe. Authenticates itself (query-param token path).
	mux.HandleFunc("GET /ws/bridges/{bridgeId}/turns/{turnId}", s.handleTurnStream)
}

// observeEvent watches every relayed event: it keeps live locks fresh,
// records bridge-minted approval requests, and releases thread locks on
// terminal turn statuses.
func (s *Server) observeEvent(bridgeID string, ev envelope.Event) {
	if ev.ThreadID != "" && ev.TurnID != "" {
		s.locks.Touch(bridgeID, ev.ThreadID, ev.TurnID)
	}

	switch ev.Type {
	case envelope.TypeApproval:
		var p struct {
			ApprovalID string `json:"approvalId"`
		}
		if err := json.Unmarshal(ev.Payload, &p); err != nil || p.ApprovalID == "" {
			slog.Warn("Approval request event without approvalId",
				"bridgeId", bridgeID, "turnId", ev.TurnID)
			return
		}
		a := s.gate.Register(p.ApprovalID, bridgeID, ev.TurnID, ev.Payload)
		if a.Auto {
			s.auditor.Record(audit.Entry{
				Route:      "event:approval_request",
				BridgeID:   bridgeID,
				Decision:   "auto-approved",
				PolicyMode: s.gate.Mode(bridgeID),
				Detail:     "approvalId=" + a.ApprovalID,
				Timestamp:  time.Now().UTC(),
			})
		}
	case envelope.TypeTurnStatus:
		if status := envelope.TurnStatus(ev); envelope.IsTerminal(status) {
			if s.locks.ReleaseForTurn(bridgeID, ev.ThreadID, ev.TurnID) {
				slog.Debug("Thread lock released on terminal status",
					"bridgeId", bridgeID, "threadId", ev.ThreadID,
					"turnId", ev.TurnID, "status", status)
			}
		}
	}
}

// dropBridge tears down everything tied to an evicted bridge.
func (s *Server) dropBridge(bridgeID string) {
	s.relay.DropBridge(bridgeID)
	s.locks.ReleaseBridge(bridgeID)
	s.gate.EndSession(bridgeID)
	s.coalescer.Forget(bridgeID)
}

// Start runs the background sweepers and serves HTTP until Stop.
func (s *Server) Start() error {
	s.registry.StartSweeper(s.config.SweepInterval, func(removed []string) {
		for _, id := range removed {
			s.dropBridge(id)
		}
	})
	s.locks.StartWatchdog(s.config.LockSweepInterval)
	s.auditor.Start()

	slog.Info("Starting hub", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Stop gracefully stops the server: background loops first, then the
// listener, then the audit flush and the store.
func (s *Server) Stop(ctx context.Context) error {
	s.registry.Stop()
	s.locks.Stop()
	s.relay.Close()

	err := s.httpServer.Shutdown(ctx)

	s.auditor.Shutdown()
	if closeErr := s.store.Close(); closeErr != nil {
		slog.Warn("Persistence store close failed", "error", closeErr)
	}
	return err
}

// Handler exposes the configured handler chain. Test hook.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// logMiddleware logs one line per request at debug level.
func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		slog.Debug("Request handled",
			"method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "durationMs", time.Since(start).Milliseconds())
	})
}

// corsMiddleware adds CORS headers for allowed origins and answers
// preflight requests.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, allowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// originAllowed checks an origin against the allowlist. Supports wildcard
// subdomain patterns like "https://*.example.com".
func originAllowed(origin string, allowed []string) bool {
	for _, o := range allowed {
		if o == "*" || o == origin {
			return true
		}
		if strings.Contains(o, "*") && matchWildcardOrigin(origin, o) {
			return true
		}
	}
	return false
}

// matchWildcardOrigin checks origin against a single wildcard pattern.
// "https://*.example.com" matches "https://foo.example.com".
func matchWildcardOrigin(origin, pattern string) bool {
	parts := strings.SplitN(pattern, "*", 2)
	if len(parts) != 2 {
		return false
	}
	prefix, suffix := parts[0], parts[1]
	if !strings.HasPrefix(origin, prefix) || !strings.HasSuffix(origin, suffix) {
		return false
	}
	middle := origin[len(prefix) : len(origin)-len(suffix)]
	return middle != "" && !strings.Contains(middle, "/")
}
