package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/workspace/hub/internal/locks"
	"github.com/workspace/hub/internal/policy"
)

// handleListThreads proxies the bridge's thread listing.
func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	raw, err := s.client.ListThreads(r.Context(), r.PathValue("bridgeId"))
	proxyRespond(w, raw, err)
}

// handleReadThread proxies a single thread read.
func (s *Server) handleReadThread(w http.ResponseWriter, r *http.Request) {
	raw, err := s.client.ReadThread(r.Context(), r.PathValue("bridgeId"), r.PathValue("threadId"))
	proxyRespond(w, raw, err)
}

// handleSendMessage forwards a message into a thread. The order of gates
// matters: policy first (a blocked caller must not consume the thread
// lock), then the lock, then the upstream call with its single
// thread-recreate repair.
func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")
	threadID := r.PathValue("threadId")

	var body struct {
		Text       string `json:"text"`
		ApprovalID string `json:"approvalId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	approval, err := s.gate.Authorize(bridgeID, threadID, body.ApprovalID)
	if err != nil {
		if errors.Is(err, policy.ErrApprovalRequired) {
			// Hand the caller a pending approval to decide, then retry with.
			meta, _ := json.Marshal(map[string]string{
				"action":   "send-message",
				"threadId": threadID,
			})
			pending := s.gate.CreateApproval(bridgeID, "", meta)
			s.auditor.Record(auditEntry(r, "blocked", s.gate.Mode(bridgeID), "approvalId="+pending.ApprovalID))
			writeJSON(w, http.StatusForbidden, map[string]string{
				"error":      "approval required",
				"code":       "approval_required",
				"approvalId": pending.ApprovalID,
			})
			return
		}
		s.auditor.Record(auditEntry(r, "blocked", s.gate.Mode(bridgeID), err.Error()))
		writeDomainError(w, err)
		return
	}

	if err := s.locks.Acquire(bridgeID, threadID, locks.PendingOwner); err != nil {
		writeDomainError(w, err)
		return
	}

	result, repaired, err := s.client.SendMessageWithRepair(r.Context(), bridgeID, threadID, body.Text)
	if err != nil {
		s.locks.Release(bridgeID, threadID)
		s.auditor.Record(auditEntry(r, "failed", s.gate.Mode(bridgeID), err.Error()))
		writeDomainError(w, err)
		return
	}

	if repaired && result.ThreadID != threadID {
		// The message ran on the replacement thread; move the lock there.
		// When another turn already holds the replacement, that lock stays
		// untouched: overwriting its owner would orphan the other turn.
		s.locks.Release(bridgeID, threadID)
		if err := s.locks.Acquire(bridgeID, result.ThreadID, result.TurnID); err != nil {
			slog.Warn("Replacement thread already locked",
				"bridgeId", bridgeID, "threadId", result.ThreadID)
		}
	} else {
		s.locks.SetOwner(bridgeID, result.ThreadID, result.TurnID)
	}

	s.auditor.Record(auditEntry(r, "allowed", s.gate.Mode(bridgeID),
		"turnId="+result.TurnID+" approvalId="+approval.ApprovalID))

	writeJSON(w, http.StatusOK, map[string]any{
		"turnId":   result.TurnID,
		"threadId": result.ThreadID,
		"status":   result.Status,
		"repaired": repaired,
	})
}

// handleInterrupt stops the current turn. Permitted against the current
// lock owner only; a stale turn id is a conflict, never a silent act.
func (s *Server) handleInterrupt(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")
	turnID := r.PathValue("turnId")

	if _, err := s.locks.ThreadForTurn(bridgeID, turnID); err != nil {
		writeDomainError(w, err)
		return
	}

	raw, err := s.client.Interrupt(r.Context(), bridgeID, turnID)
	if err != nil {
		s.auditor.Record(auditEntry(r, "failed", s.gate.Mode(bridgeID), err.Error()))
		writeDomainError(w, err)
		return
	}
	s.auditor.Record(auditEntry(r, "allowed", s.gate.Mode(bridgeID), "turnId="+turnID))
	proxyRespond(w, raw, nil)
}

// handleSteer injects steering text into the current turn. Same ownership
// rule as interrupt.
func (s *Server) handleSteer(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")
	turnID := r.PathValue("turnId")

	var body struct {
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || strings.TrimSpace(body.Text) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "text is required")
		return
	}

	if _, err := s.locks.ThreadForTurn(bridgeID, turnID); err != nil {
		writeDomainError(w, err)
		return
	}

	raw, err := s.client.Steer(r.Context(), bridgeID, turnID, body.Text)
	if err != nil {
		s.auditor.Record(auditEntry(r, "failed", s.gate.Mode(bridgeID), err.Error()))
		writeDomainError(w, err)
		return
	}
	s.auditor.Record(auditEntry(r, "allowed", s.gate.Mode(bridgeID), "turnId="+turnID))
	proxyRespond(w, raw, nil)
}

// handleDecideApproval settles a pending approval. Idempotent by
// (approvalId, decision); a conflicting repeat is rejected. Decisions on
// turn-scoped approvals are relayed to the bridge so the paused action can
// proceed or abort.
func (s *Server) handleDecideApproval(w http.ResponseWriter, r *http.Request) {
	bridgeID := r.PathValue("bridgeId")
	approvalID := r.PathValue("approvalId")

	var body struct {
		Decision string `json:"decision"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}
	if body.Decision != policy.DecisionApproved && body.Decision != policy.DecisionDenied {
		writeError(w, http.StatusBadRequest, "invalid_request", "decision must be approved or denied")
		return
	}

	approval, err := s.gate.Decide(approvalID, body.Decision)
	if err != nil {
		s.auditor.Record(auditEntry(r, "rejected", s.gate.Mode(bridgeID), err.Error()))
		writeDomainError(w, err)
		return
	}

	s.auditor.Record(auditEntry(r, body.Decision, s.gate.Mode(bridgeID), "approvalId="+approvalID))

	if approval.TurnID != "" {
		if _, err := s.client.ForwardApproval(r.Context(), bridgeID, approval.TurnID, approvalID, approval.Decision); err != nil {
			slog.Warn("Approval decision relay to bridge failed",
				"bridgeId", bridgeID, "approvalId", approvalID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, approval)
}

// handleTurnSnapshot is the polling fallback: a coalesced full-state read
// for clients without a live event attach.
func (s *Server) handleTurnSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.coalescer.Get(r.Context(), r.PathValue("bridgeId"), r.PathValue("turnId"))
	if err != nil {
		writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
