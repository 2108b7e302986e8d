// Package billing implements deposit/tier reconciliation. All arithmetic is
// in integer cents so the ledger invariant holds to the currency's minimal
// unit.
package billing

import (
	"fmt"

	"github.com/bizmatters/agent-builder/intake-engine/internal/models"
)

// ProcessingCostPerTurnCents is the per-turn cost deducted from a refund
// when a session is rejected: it covers the compute actually spent on the
// conversation before the rejection.
const ProcessingCostPerTurnCents = 15

// Reconcile settles the deposit ledger for a session given the tier the
// customer pre-selected (and paid a deposit on) and the tier the classifier
// actually assigned.
//
// Rules, independent of the routing branch except reject_with_refund:
//   - same tier: the remainder of the price is due at delivery
//   - assigned ranks higher: the full assigned price minus the collected
//     deposit is due
//   - assigned ranks lower: the collected amount is credited toward the due
//     amount; only the excess above the assigned tier's full price is
//     refunded outright
func Reconcile(preSelected, assigned models.Tier, amountCollected int64) (models.DepositLedger, error) {
	if !assigned.Valid() {
		return models.DepositLedger{}, fmt.Errorf("unknown assigned tier %q", assigned)
	}
	if !preSelected.Valid() {
		// No payment stage happened; treat the assignment as the selection.
		preSelected = assigned
	}

	price := models.TierPriceCents[assigned]
	ledger := models.DepositLedger{
		PreSelectedTier: preSelected,
		AssignedTier:    assigned,
		AmountCollected: amountCollected,
	}

	switch {
	case amountCollected <= price:
		ledger.AmountStillDue = price - amountCollected
	default:
		// Collected more than the assigned tier's full price: the overage
		// is refunded outright, the rest fully covers the price.
		ledger.AmountRefunded = amountCollected - price
		ledger.AmountStillDue = 0
	}

	if err := checkInvariant(ledger); err != nil {
		return models.DepositLedger{}, err
	}
	return ledger, nil
}

// SettleRejection settles the ledger for a reject_with_refund outcome: the
// collected deposit is returned minus the processing cost actually incurred,
// and nothing further is due.
func SettleRejection(preSelected models.Tier, amountCollected int64, turnsConsumed int) models.DepositLedger {
	cost := int64(turnsConsumed) * ProcessingCostPerTurnCents
	if cost > amountCollected {
		cost = amountCollected
	}
	return models.DepositLedger{
		PreSelectedTier: preSelected,
		AssignedTier:    preSelected,
		AmountCollected: amountCollected,
		AmountRefunded:  amountCollected - cost,
		AmountStillDue:  0,
	}
}

// checkInvariant enforces collected - refunded + due == price(assigned)
func checkInvariant(ledger models.DepositLedger) error {
	price := models.TierPriceCents[ledger.AssignedTier]
	got := ledger.AmountCollected - ledger.AmountRefunded + ledger.AmountStillDue
	if got != price {
		return fmt.Errorf("ledger invariant violated: collected %d - refunded %d + due %d != price %d",
			ledger.AmountCollected, ledger.AmountRefunded, ledger.AmountStillDue, price)
	}
	return nil
}
