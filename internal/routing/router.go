// Package routing turns a terminal session into a routing decision. The
// decision table is deterministic: given the same session record and the
// same anomaly verdict it always produces the same outcome, so any decision
// can be re-derived for audit.
package routing

import (
	"context"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/bizmatters/agent-builder/intake-engine/internal/billing"
	"github.com/bizmatters/agent-builder/intake-engine/internal/classify"
	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

var tracer = otel.Tracer("routing-engine")

// rejectionTriggerThreshold: hostile or scope-creep behavior must trigger
// the defenses at least this many times before a paid session is rejected
// outright. Ambiguous cases go to human review instead.
const rejectionTriggerThreshold = 2

// humanContactLanguage detects explicit requests for a person. Checked on
// raw user turns so a sanitized rewrite cannot erase the request.
var humanContactPattern = regexp.MustCompile(`(?i)\b(talk to (?:a|an) (?:human|person|agent)|speak (?:to|with) (?:a|an) (?:human|person)|real person|human review|escalate (?:this|me) to)\b`)

// Input carries everything the decision table reads. AnomalyHold comes
// from the cross-session monitor; the router does not consult it directly.
type Input struct {
	Session        *models.Session
	AnomalyHold    bool
	AnomalyReason  string
	CollectedCents int64
}

// Decide produces the routing decision for a terminal session. Sessions
// still in a live phase are a caller bug.
func Decide(in Input) *models.RoutingDecision {
	_, span := tracer.Start(context.Background(), "routing.decide")
	defer span.End()

	s := in.Session
	decision := &models.RoutingDecision{
		SessionID:    s.ID,
		Requirements: s.Document,
		Signals:      s.SafetySignals,
		Flags:        append([]models.Flag{}, s.Flags...),
		DecidedAt:    time.Now().UTC(),
	}

	assigned := classify.Classify(&s.Document)
	decision.AssignedTier = assigned

	if reasons := rejectionReasons(s); len(reasons) > 0 {
		decision.Outcome = models.RouteRejectWithRefund
		decision.Reasons = reasons
		decision.Ledger = billing.SettleRejection(s.Context.PreSelectedTier, in.CollectedCents, s.TurnCount)
		span.SetAttributes(attribute.String("routing.outcome", string(decision.Outcome)))
		return decision
	}

	var reasons []string
	if err := classify.Validate(&s.Document); err != nil {
		reasons = append(reasons, "validation_incomplete")
	}
	if assigned == models.TierEnterprise {
		reasons = append(reasons, "enterprise_tier")
	}
	if len(s.Flags) > 0 {
		reasons = append(reasons, "flags_raised")
	}
	if in.AnomalyHold {
		reason := "anomaly_hold"
		if in.AnomalyReason != "" {
			reason = "anomaly_hold:" + in.AnomalyReason
		}
		reasons = append(reasons, reason)
	}
	if humanRequested(s) {
		reasons = append(reasons, "human_contact_requested")
	}

	if len(reasons) > 0 {
		decision.Outcome = models.RouteHumanReview
		decision.Reasons = reasons
	} else {
		decision.Outcome = models.RouteAutoBuild
		decision.Reasons = []string{"clean_complete_session"}
	}

	ledger, err := billing.Reconcile(s.Context.PreSelectedTier, assigned, in.CollectedCents)
	if err != nil {
		// The ledger failed its own invariant; never auto-build on broken
		// billing arithmetic.
		decision.Outcome = models.RouteHumanReview
		decision.Reasons = append(decision.Reasons, "ledger_invariant_failure")
	}
	decision.Ledger = ledger

	span.SetAttributes(
		attribute.String("routing.outcome", string(decision.Outcome)),
		attribute.String("routing.tier", string(assigned)),
	)
	return decision
}

// rejectionReasons returns non-empty reasons only when the misuse evidence
// is unambiguous: the defenses fired repeatedly, not once.
func rejectionReasons(s *models.Session) []string {
	var reasons []string

	if s.State == models.SessionRejected {
		reasons = append(reasons, "session_rejected_by_defense")
	}

	blocks := 0
	drifts := 0
	for _, turn := range s.Turns {
		if turn.InputVerdict == models.VerdictBlock {
			blocks++
		}
		if turn.OutputVerdict == models.VerdictReject && turn.OutputRule == "scope-drift" {
			drifts++
		}
	}
	if s.HasFlag(models.FlagHostileInteraction) && blocks >= rejectionTriggerThreshold {
		reasons = append(reasons, "repeated_hostile_interaction")
	}
	if s.HasFlag(models.FlagScopeCreep) && drifts >= rejectionTriggerThreshold {
		reasons = append(reasons, "repeated_scope_drift")
	}
	return reasons
}

// humanRequested scans raw user turns for an explicit request for a person
func humanRequested(s *models.Session) bool {
	for _, turn := range s.Turns {
		if humanContactPattern.MatchString(strings.ToLower(turn.UserInput)) {
			return true
		}
	}
	return false
}
