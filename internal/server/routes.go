package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/workspace/hub/internal/audit"
	"github.com/workspace/hub/internal/locks"
	"github.com/workspace/hub/internal/policy"
	"github.com/workspace/hub/internal/proxy"
	"github.com/workspace/hub/internal/registry"
)

// handleHealth reports process liveness independent of registry state.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"bridges": len(s.registry.List()),
	})
}

// handleStatus reports hub process information alongside registry counts.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"process": s.status.Collect(),
		"bridges": len(s.registry.List()),
	})
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a structured error response.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// writeDomainError maps a sentinel error to its HTTP status and code.
func writeDomainError(w http.ResponseWriter, err error) {
	status, code := statusForError(err)
	writeError(w, status, code, err.Error())
}

// statusForError maps the hub error taxonomy onto HTTP statuses.
func statusForError(err error) (int, string) {
	switch {
	case errors.Is(err, registry.ErrInvalidRegistration):
		return http.StatusBadRequest, "invalid_registration"
	case errors.Is(err, registry.ErrNotRegistered):
		return http.StatusNotFound, "not_registered"
	case errors.Is(err, registry.ErrNotFound):
		return http.StatusNotFound, "not_found"
	case errors.Is(err, proxy.ErrThreadNotFound):
		return http.StatusNotFound, "thread_not_found"
	case errors.Is(err, policy.ErrUnknownApproval):
		return http.StatusNotFound, "approval_not_found"
	case errors.Is(err, policy.ErrApprovalRequired):
		return http.StatusForbidden, "approval_required"
	case errors.Is(err, locks.ErrBusy):
		return http.StatusConflict, "busy"
	case errors.Is(err, locks.ErrNotCurrentTurn):
		return http.StatusConflict, "not_current_turn"
	case errors.Is(err, policy.ErrDecisionConflict):
		return http.StatusConflict, "decision_conflict"
	case errors.Is(err, proxy.ErrUpstreamTimeout):
		return http.StatusGatewayTimeout, "upstream_timeout"
	case errors.Is(err, proxy.ErrBridgeUnreachable):
		return http.StatusBadGateway, "bridge_unreachable"
	default:
		return http.StatusInternalServerError, "internal_error"
	}
}

// auditEntry builds an audit record for a request. The credential value is
// deliberately never part of it.
func auditEntry(r *http.Request, decision, policyMode, detail string) audit.Entry {
	return audit.Entry{
		Route:      r.Method + " " + r.URL.Path,
		BridgeID:   r.PathValue("bridgeId"),
		Decision:   decision,
		PolicyMode: policyMode,
		OriginKey:  originKey(r),
		Detail:     detail,
		Timestamp:  time.Now().UTC(),
	}
}

// proxyRespond forwards an upstream JSON body, or maps the proxy error.
func proxyRespond(w http.ResponseWriter, raw json.RawMessage, err error) {
	if err != nil {
		writeDomainError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(raw)
}
