package models

import (
	"time"

	"github.com/google/uuid"
)

// Tier is one of four fixed complexity/price classes describing both
// customer billing and build effort.
type Tier string

const (
	TierBasic        Tier = "basic"
	TierStandard     Tier = "standard"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
)

// tierRanks fixes the tier ordering: basic < standard < professional < enterprise
var tierRanks = map[Tier]int{
	TierBasic:        0,
	TierStandard:     1,
	TierProfessional: 2,
	TierEnterprise:   3,
}

// Rank returns the tier's position in the fixed ordering, or -1 for an
// unknown tier.
func (t Tier) Rank() int {
	if r, ok := tierRanks[t]; ok {
		return r
	}
	return -1
}

// Valid reports whether t is one of the four known tiers
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// TierPriceCents holds list prices in US cents. Billing arithmetic is done
// in integer cents so the ledger invariant holds to the minimal unit.
var TierPriceCents = map[Tier]int64{
	TierBasic:        9900,
	TierStandard:     24900,
	TierProfessional: 49900,
	TierEnterprise:   99900,
}

// DepositFraction is the fixed percentage of a tier's price collected
// before the conversation begins.
const DepositFraction = 0.30

// DepositCents returns the deposit owed for a tier at the fixed fraction
func DepositCents(t Tier) int64 {
	return int64(float64(TierPriceCents[t])*DepositFraction + 0.5)
}

// DepositLedger records what was collected at the pre-selected tier and
// what is owed or refundable given the actual assigned tier.
//
// Invariant after reconciliation:
//
//	AmountCollected - AmountRefunded + AmountStillDue == price(AssignedTier)
//
// except on reject_with_refund, where AmountStillDue == 0.
type DepositLedger struct {
	PreSelectedTier Tier  `json:"pre_selected_tier"`
	AssignedTier    Tier  `json:"assigned_tier"`
	AmountCollected int64 `json:"amount_collected_cents"`
	AmountRefunded  int64 `json:"amount_refunded_cents"`
	AmountStillDue  int64 `json:"amount_still_due_cents"`
}

// RoutingOutcome is the terminal disposition of a session
type RoutingOutcome string

const (
	RouteAutoBuild        RoutingOutcome = "auto_build"
	RouteHumanReview      RoutingOutcome = "human_review"
	RouteRejectWithRefund RoutingOutcome = "reject_with_refund"
)

// RoutingDecision is the terminal output of the engine for a session,
// consumed by the build pipeline and the human-review queue. The build
// pipeline is never given raw turn records, only the validated document.
type RoutingDecision struct {
	SessionID    uuid.UUID            `json:"session_id"`
	Outcome      RoutingOutcome       `json:"outcome"`
	Reasons      []string             `json:"reasons"`
	Requirements RequirementsDocument `json:"requirements"`
	Signals      SafetySignals        `json:"safety_signals"`
	AssignedTier Tier                 `json:"assigned_tier"`
	Flags        []Flag               `json:"flags"`
	Ledger       DepositLedger        `json:"ledger"`
	DecidedAt    time.Time            `json:"decided_at"`
}
