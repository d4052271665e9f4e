package server

import (
	"encoding/json"
	"net/http"

	"github.com/workspace/hub/internal/registry"
)

// handleRegisterBridge handles bridge registration. The id derives from
// the workspace root path, so a restarted bridge lands on its old entry.
func (s *Server) handleRegisterBridge(w http.ResponseWriter, r *http.Request) {
	var info registry.Info
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_registration", "invalid request body")
		return
	}

	id, err := s.registry.Register(info)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bridgeId":           id,
		"healthState":        registry.HealthRegistered,
		"heartbeatFreshness": s.config.HeartbeatFreshness.String(),
		"registryTTL":        s.config.RegistryTTL.String(),
	})
}

// handleHeartbeat refreshes a bridge's liveness. A heartbeat for an
// unknown id returns not_registered, which the bridge must treat as
// "re-register now".
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")

	var info registry.Info
	if err := json.NewDecoder(r.Body).Decode(&info); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_registration", "invalid request body")
		return
	}

	if err := s.registry.Heartbeat(bridgeID, info); err != nil {
		writeDomainError(w, err)
		return
	}

	entry, err := s.registry.Resolve(bridgeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"bridgeId":    bridgeID,
		"healthState": entry.HealthState,
	})
}

// handleUnregisterBridge removes a bridge explicitly and tears down its
// locks, streams, and session policy state.
func (s *Server) handleUnregisterBridge(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")

	s.registry.Unregister(bridgeID)
	s.dropBridge(bridgeID)

	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

// handleListBridges returns all known bridges, newest registration first.
func (s *Server) handleListBridges(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"bridges": s.registry.List(),
	})
}

// handleGetBridge returns one bridge's registration and policy mode.
func (s *Server) handleGetBridge(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")

	entry, err := s.registry.Resolve(bridgeID)
	if err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bridge":     entry,
		"policyMode": s.gate.Mode(bridgeID),
	})
}

// handleGetPolicy returns the access-mode view for a bridge.
func (s *Server) handleGetPolicy(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")

	if _, err := s.registry.Resolve(bridgeID); err != nil {
		writeDomainError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bridgeId":      bridgeID,
		"mode":          s.gate.Mode(bridgeID),
		"autoApproving": s.gate.AutoApproving(bridgeID),
	})
}

// handleSetPolicy changes a bridge's access mode or resets the session
// auto-approval default. Both are audited.
func (s *Server) handleSetPolicy(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")

	if _, err := s.registry.Resolve(bridgeID); err != nil {
		writeDomainError(w, err)
		return
	}

	var body struct {
		Mode              string `json:"mode"`
		ResetAutoApproval bool   `json:"resetAutoApproval"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	if body.ResetAutoApproval {
		s.gate.ResetAutoApproval(bridgeID)
		s.auditor.Record(auditEntry(r, "auto-approval-reset", s.gate.Mode(bridgeID), ""))
	} else {
		if err := s.gate.SetMode(bridgeID, body.Mode); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request", err.Error())
			return
		}
		s.auditor.Record(auditEntry(r, "mode-set", body.Mode, ""))
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"bridgeId":      bridgeID,
		"mode":          s.gate.Mode(bridgeID),
		"autoApproving": s.gate.AutoApproving(bridgeID),
	})
}
