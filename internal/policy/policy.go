// Package policy enforces the access-mode contract for execution-affecting
// calls. The hub blocks on its own view of the policy rather than trusting
// any mode flag the client claims to hold.
package policy

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/workspace/hub/internal/config"
)

// Access modes per bridge session.
const (
	ModePlanOnly   = "plan-only"
	ModeFullAccess = "full-access"
)

// Decisions on an approval request.
const (
	DecisionApproved = "approved"
	DecisionDenied   = "denied"
)

var (
	// ErrApprovalRequired blocks an execution-affecting call that has no
	// approved ApprovalRequest behind it.
	ErrApprovalRequired = errors.New("approval required")
	// ErrDecisionConflict rejects a repeat submission with a different decision.
	ErrDecisionConflict = errors.New("conflicting approval decision")
	// ErrUnknownApproval is returned for decisions against unknown ids.
	ErrUnknownApproval = errors.New("approval not found")
)

// Approval correlates one pending decision.
type Approval struct {
	ApprovalID     string          `json:"approvalId"`
	BridgeID       string          `json:"bridgeId"`
	TurnID         string          `json:"turnId"`
	ActionMetadata json.RawMessage `json:"actionMetadata,omitempty"`
	Decision       string          `json:"decision,omitempty"` // "", approved, denied
	CreatedAt      time.Time       `json:"createdAt"`
	DecidedAt      time.Time       `json:"decidedAt,omitzero"`
	ConsumedAt     time.Time       `json:"consumedAt,omitzero"` // set when the approval authorized its call
	Auto           bool            `json:"auto,omitempty"`      // decided by the full-access session default
}

// policyDoc is the persisted runtime document for per-bridge modes. The
// session auto-approval default is deliberately absent: it never survives
// a restart.
type policyDoc struct {
	Modes map[string]string `yaml:"modes"`
}

// Gate owns per-bridge modes, the approval table, and the full-access
// session auto-approval default.
type Gate struct {
	mu        sync.Mutex
	modes     map[string]string
	autoReset map[string]bool // bridges whose session default was explicitly reset
	approvals map[string]*Approval
	docPath   string
	now       func() time.Time
}

// NewGate creates a gate, restoring persisted per-bridge modes from the
// policy document when one exists. An invalid document falls back to
// defaults with a warning.
func NewGate(docPath string) *Gate {
	g := &Gate{
		modes:     make(map[string]string),
		autoReset: make(map[string]bool),
		approvals: make(map[string]*Approval),
		docPath:   docPath,
		now:       time.Now,
	}
	g.loadDoc()
	return g
}

// Mode returns the access mode for a bridge. Unconfigured bridges default
// to plan-only: the conservative mode must hold until the user widens it.
func (g *Gate) Mode(bridgeID string) string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modeLocked(bridgeID)
}

func (g *Gate) modeLocked(bridgeID string) string {
	if m, ok := g.modes[bridgeID]; ok {
		return m
	}
	return ModePlanOnly
}

// SetMode changes a bridge's access mode and persists the choice. Switching
// modes also restores the session auto-approval default for that bridge.
func (g *Gate) SetMode(bridgeID, mode string) error {
	if mode != ModePlanOnly && mode != ModeFullAccess {
		return fmt.Errorf("unknown access mode %q", mode)
	}

	g.mu.Lock()
	g.modes[bridgeID] = mode
	delete(g.autoReset, bridgeID)
	doc := policyDoc{Modes: make(map[string]string, len(g.modes))}
	for k, v := range g.modes {
		doc.Modes[k] = v
	}
	g.mu.Unlock()

	return g.saveDoc(doc)
}

// ResetAutoApproval disables the full-access session default for a bridge:
// subsequent execution-affecting calls need explicit decisions even in
// full-access mode, until the mode is set again or the session ends.
func (g *Gate) ResetAutoApproval(bridgeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.autoReset[bridgeID] = true
}

// AutoApproving reports whether the full-access session default is active.
func (g *Gate) AutoApproving(bridgeID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.modeLocked(bridgeID) == ModeFullAccess && !g.autoReset[bridgeID]
}

// EndSession clears session-scoped state for a bridge. Called when the
// registry evicts it. The persisted mode survives; the auto-approval
// default is re-armed for the next session.
func (g *Gate) EndSession(bridgeID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.autoReset, bridgeID)
}

// CreateApproval records a pending decision for an action. In full-access
// mode with the session default active the request is created already
// decided, so the audit trail exists either way.
func (g *Gate) CreateApproval(bridgeID, turnID string, actionMetadata json.RawMessage) Approval {
	g.mu.Lock()
	defer g.mu.Unlock()

	a := &Approval{
		ApprovalID:     uuid.NewString(),
		BridgeID:       bridgeID,
		TurnID:         turnID,
		ActionMetadata: actionMetadata,
		CreatedAt:      g.now(),
	}
	if g.modeLocked(bridgeID) == ModeFullAccess && !g.autoReset[bridgeID] {
		a.Decision = DecisionApproved
		a.DecidedAt = a.CreatedAt
		a.Auto = true
	}
	g.approvals[a.ApprovalID] = a
	return *a
}

// Register records an approval observed on a bridge's event stream under
// the bridge-minted id, so decisions from clients correlate with the id
// they saw in the event. Re-observing a known id is a no-op.
func (g *Gate) Register(approvalID, bridgeID, turnID string, actionMetadata json.RawMessage) Approval {
	g.mu.Lock()
	defer g.mu.Unlock()

	if a, ok := g.approvals[approvalID]; ok {
		return *a
	}
	a := &Approval{
		ApprovalID:     approvalID,
		BridgeID:       bridgeID,
		TurnID:         turnID,
		ActionMetadata: actionMetadata,
		CreatedAt:      g.now(),
	}
	if g.modeLocked(bridgeID) == ModeFullAccess && !g.autoReset[bridgeID] {
		a.Decision = DecisionApproved
		a.DecidedAt = a.CreatedAt
		a.Auto = true
	}
	g.approvals[approvalID] = a
	return *a
}

// Get returns a snapshot of an approval.
func (g *Gate) Get(approvalID string) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.approvals[approvalID]
	if !ok {
		return Approval{}, ErrUnknownApproval
	}
	return *a, nil
}

// Decide settles an approval. The decision is settable at most once: a
// repeat with the same value is an idempotent success, a repeat with a
// different value is ErrDecisionConflict.
func (g *Gate) Decide(approvalID, decision string) (Approval, error) {
	if decision != DecisionApproved && decision != DecisionDenied {
		return Approval{}, fmt.Errorf("unknown decision %q", decision)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	a, ok := g.approvals[approvalID]
	if !ok {
		return Approval{}, ErrUnknownApproval
	}
	if a.Decision != "" {
		if a.Decision == decision {
			return *a, nil
		}
		return Approval{}, ErrDecisionConflict
	}

	a.Decision = decision
	a.DecidedAt = g.now()
	return *a, nil
}

// Authorize gates one execution-affecting call for a bridge. approvalID may
// be empty. The call passes only when the referenced approval is decided
// approved, unspent, and minted for the target thread, or the full-access
// session default is active (in which case an auto-approved request is
// created for the audit trail and returned). A passing approval is consumed:
// one decision authorizes exactly one call, never a replay.
func (g *Gate) Authorize(bridgeID, threadID, approvalID string) (Approval, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.modeLocked(bridgeID) == ModeFullAccess && !g.autoReset[bridgeID] {
		meta, _ := json.Marshal(map[string]string{"threadId": threadID})
		a := &Approval{
			ApprovalID:     uuid.NewString(),
			BridgeID:       bridgeID,
			ActionMetadata: meta,
			Decision:       DecisionApproved,
			CreatedAt:      now,
			DecidedAt:      now,
			ConsumedAt:     now,
			Auto:           true,
		}
		g.approvals[a.ApprovalID] = a
		return *a, nil
	}

	if approvalID == "" {
		return Approval{}, ErrApprovalRequired
	}
	a, ok := g.approvals[approvalID]
	if !ok {
		return Approval{}, ErrUnknownApproval
	}
	if a.BridgeID != bridgeID {
		return Approval{}, ErrUnknownApproval
	}
	if a.Decision != DecisionApproved || !a.ConsumedAt.IsZero() {
		return Approval{}, ErrApprovalRequired
	}
	if target := approvalThread(a.ActionMetadata); target != "" && target != threadID {
		return Approval{}, ErrApprovalRequired
	}
	a.ConsumedAt = now
	return *a, nil
}

// approvalThread extracts the thread the approval was minted for, if one
// was recorded. Bridge-minted pause approvals carry their own payload and
// are not thread-scoped.
func approvalThread(meta json.RawMessage) string {
	if len(meta) == 0 {
		return ""
	}
	var p struct {
		ThreadID string `json:"threadId"`
	}
	if err := json.Unmarshal(meta, &p); err != nil {
		return ""
	}
	return p.ThreadID
}

// SetNow overrides the clock. Test hook.
func (g *Gate) SetNow(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}

func (g *Gate) loadDoc() {
	if g.docPath == "" {
		return
	}
	data, err := os.ReadFile(g.docPath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("Policy document unreadable, starting plan-only", "path", g.docPath, "error", err)
		}
		return
	}

	var doc policyDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		slog.Warn("Policy document invalid, starting plan-only", "path", g.docPath, "error", err)
		return
	}
	for id, mode := range doc.Modes {
		if mode == ModePlanOnly || mode == ModeFullAccess {
			g.modes[id] = mode
		} else {
			slog.Warn("Policy document has unknown mode, ignoring entry", "bridgeId", id, "mode", mode)
		}
	}
}

func (g *Gate) saveDoc(doc policyDoc) error {
	if g.docPath == "" {
		return nil
	}
	data, err := yaml.Marshal(doc)
	if err != nil {
		return fmt.Errorf("marshal policy document: %w", err)
	}
	if err := config.WriteDocument(g.docPath, data); err != nil {
		return fmt.Errorf("persist policy document: %w", err)
	}
	return nil
}
