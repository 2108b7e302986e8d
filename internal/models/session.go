package models

import (
	"time"

	"github.com/google/uuid"
)

// Phase represents the conversation state machine phase of a session
type Phase string

const (
	PhaseGreeting   Phase = "greeting"
	PhaseGathering  Phase = "gathering"
	PhaseConfirming Phase = "confirming"
	PhaseComplete   Phase = "complete"
	PhaseAborted    Phase = "aborted"
)

// Terminal reports whether the phase is a terminal phase
func (p Phase) Terminal() bool {
	return p == PhaseComplete || p == PhaseAborted
}

// SessionState represents the terminal disposition of a session
type SessionState string

const (
	SessionOpen      SessionState = "open"
	SessionCompleted SessionState = "completed"
	SessionAbandoned SessionState = "abandoned"
	SessionRejected  SessionState = "rejected"
)

// Verdict is the outcome of a defense-layer check on a single turn
type Verdict string

const (
	VerdictAllow    Verdict = "allow"
	VerdictSanitize Verdict = "sanitize"
	VerdictBlock    Verdict = "block"
	VerdictReject   Verdict = "reject" // output side: candidate reply discarded
)

// PrescreenContext is the record emitted by the static pre-screening form.
// Missing fields are unknown, not errors.
type PrescreenContext struct {
	Name             string `json:"name,omitempty"`
	Email            string `json:"email,omitempty"`
	Company          string `json:"company,omitempty"`
	Category         string `json:"category,omitempty"`
	BriefDescription string `json:"brief_description,omitempty"`
	EstimatedUsers   string `json:"estimated_users,omitempty"`
	PreSelectedTier  Tier   `json:"pre_selected_tier,omitempty"`
}

// TurnRecord is one request/response exchange within a session.
// Append-only; never mutated after creation.
type TurnRecord struct {
	Seq            int       `json:"seq"`
	UserInput      string    `json:"user_input"`
	SanitizedInput string    `json:"sanitized_input,omitempty"`
	InputVerdict   Verdict   `json:"input_verdict"`
	InputRule      string    `json:"input_rule,omitempty"`
	OutputVerdict  Verdict   `json:"output_verdict,omitempty"`
	OutputRule     string    `json:"output_rule,omitempty"`
	AssistantText  string    `json:"assistant_text"`
	ModelTimedOut  bool      `json:"model_timed_out,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
}

// Session is one customer's intake attempt. Owned exclusively by the
// session manager; mutated only by the conversation machine during an
// active turn; immutable once terminal.
type Session struct {
	ID        uuid.UUID        `json:"id"`
	Identity  string           `json:"identity"`
	CreatedAt time.Time        `json:"created_at"`
	Context   PrescreenContext `json:"context"`
	Phase     Phase            `json:"phase"`
	State     SessionState     `json:"state"`
	TurnCount int              `json:"turn_count"`
	Turns     []TurnRecord     `json:"turns"`

	Document      RequirementsDocument `json:"document"`
	SafetySignals SafetySignals        `json:"safety_signals"`
	Flags         []Flag               `json:"flags"`

	PaymentConfirmed bool `json:"payment_confirmed"`
}

// HasFlag reports whether the session already carries the flag
func (s *Session) HasFlag(f Flag) bool {
	for _, existing := range s.Flags {
		if existing == f {
			return true
		}
	}
	return false
}

// RaiseFlag appends a flag if not already present. Flags are append-only
// and never removed once raised.
func (s *Session) RaiseFlag(f Flag) {
	if !s.HasFlag(f) {
		s.Flags = append(s.Flags, f)
	}
}

// SessionSnapshot is an exportable/importable serialization of a session.
// Restoring a snapshot reconstructs identical phase and turn count and
// does not re-run already-applied defense checks.
type SessionSnapshot struct {
	Session    Session   `json:"session"`
	ExportedAt time.Time `json:"exported_at"`
}

// TurnResult is the per-turn response surfaced to the caller
type TurnResult struct {
	Response         string           `json:"response"`
	Turn             int              `json:"turn"`
	Complete         bool             `json:"complete"`
	ApproachingLimit bool             `json:"approaching_limit"`
	AtLimit          bool             `json:"at_limit"`
	Payload          *TerminalPayload `json:"payload,omitempty"`
}
