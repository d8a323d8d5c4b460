/*
impact.go - Pre-flight cap-loss analysis

PURPOSE:
  Predicts how much essence an account would lose if a cap-contributing
  buff were removed or expired, WITHOUT mutating anything. Pure functions
  over already-fetched data so the analysis is trivially testable and can
  be shown to a player before they confirm a destructive action.

SCOPE:
  Only capacity-bonus removal can destroy accumulated essence. Reducing
  future generation rate (un-equipping a rate-producing item) never
  retroactively shrinks a balance; AnalyzeUnslot documents that decision.
*/
package essence

import (
	"github.com/shopspring/decimal"
)

// AnalyzeRemoval predicts the loss from removing one buff, assuming that
// buff is the only source of its cap bonus.
//
// Returns nil when there is no balance for the buff's resource type
// (nothing to lose) or when the buff is not among the active set
// (defensive no-op).
func AnalyzeRemoval(balance *BalanceRecord, activeBuffs []BuffSource, removed BuffSource, baseCap decimal.Decimal) *CapChangeImpact {
	if balance == nil {
		return nil
	}

	var match *BuffSource
	for i := range activeBuffs {
		b := &activeBuffs[i]
		if b.Account == removed.Account &&
			b.ResourceTypeID == removed.ResourceTypeID &&
			b.SourceID == removed.SourceID {
			match = b
			break
		}
	}
	if match == nil {
		return nil
	}

	currentCap := baseCap.Add(match.CapBonus)
	newCap := baseCap
	currentAmount := balance.AccumulatedAmount
	newAmount := currentAmount
	if newAmount.GreaterThan(newCap) {
		newAmount = newCap
	}
	loss := currentAmount.Sub(newAmount)
	if loss.IsNegative() {
		loss = decimal.Zero
	}

	return &CapChangeImpact{
		Account:          balance.Account,
		ResourceTypeID:   balance.ResourceTypeID,
		ResourceTypeName: balance.ResourceTypeName,
		SourceID:         match.SourceID,
		CurrentCap:       currentCap,
		NewCap:           newCap,
		CurrentAmount:    currentAmount,
		NewAmount:        newAmount,
		LossAmount:       loss,
		WillLoseEssence:  loss.IsPositive(),
	}
}

// AnalyzeMultipleRemovals applies the single-removal analysis independently
// per buff and concatenates the results. Each buff is evaluated as if it
// were the only one removed, against the same starting balance and base
// cap; when several buffs on one resource expire simultaneously the
// per-buff loss figures are NOT a combined projection. Consumers of the
// report shape depend on this per-buff independence.
//
// Balances are keyed by resource type id; buffs with no balance contribute
// nothing.
func AnalyzeMultipleRemovals(balances map[int64]*BalanceRecord, activeBuffs []BuffSource, removed []BuffSource, baseCap decimal.Decimal) []CapChangeImpact {
	var impacts []CapChangeImpact
	for _, r := range removed {
		impact := AnalyzeRemoval(balances[r.ResourceTypeID], activeBuffs, r, baseCap)
		if impact != nil {
			impacts = append(impacts, *impact)
		}
	}
	return impacts
}

// AnalyzeUnslot always returns an empty result set: removing a generation
// RATE source never destroys already-accumulated essence, so there is
// nothing to warn about.
func AnalyzeUnslot() []CapChangeImpact {
	return nil
}
