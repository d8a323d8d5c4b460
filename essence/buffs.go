/*
buffs.go - Buff aggregation, grant and revoke

PURPOSE:
  Computes the effective rate multiplier and cap bonus for an
  (account, resource-type) pair from its stored buff sources, and owns
  the idempotent grant / revoke lifecycle.

ADDITIVITY:
  effectiveRateMultiplier = 1.0 + sum(contribution - 1.0)
  capBonus                = sum(capBonus)

  Buffs are granted as "this source alone makes the multiplier 1.25x",
  and sources ADD their bonus percentages rather than compounding:
  1.25x and 1.10x together yield 1.35x, not 1.375x. This is a balance
  decision baked into the economy; do not change it to a product.

EXPIRY:
  Aggregation filters expired sources at read time but never mutates
  them - deleting lapsed rows is a lazy administrative concern, not a
  correctness requirement.
*/
package essence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Buffs executes buff operations, each inside one store transaction.
type Buffs struct {
	Runner TxRunner
}

func NewBuffs(runner TxRunner) *Buffs {
	return &Buffs{Runner: runner}
}

// GrantInput carries the parameters of a buff grant.
type GrantInput struct {
	Account        AccountID
	ResourceTypeID int64
	SourceID       string
	SourceType     string

	RateMultiplierContribution decimal.Decimal
	CapBonus                   decimal.Decimal

	ExpiresAt *time.Time
	Metadata  map[string]string
}

// =============================================================================
// TX-SCOPED OPERATIONS
// =============================================================================

// AggregateTx folds all active, unexpired sources for the pair.
// Returns a neutral aggregate (multiplier 1, bonus 0) when none exist.
func AggregateTx(ctx context.Context, s BuffStore, account AccountID, resourceTypeID int64, now time.Time) (BuffAggregate, error) {
	rows, err := s.ActiveBuffs(ctx, account, resourceTypeID)
	if err != nil {
		return BuffAggregate{}, err
	}

	agg := BuffAggregate{
		EffectiveRateMultiplier: decimal.NewFromInt(1),
		CapBonus:                decimal.Zero,
	}
	one := decimal.NewFromInt(1)
	for _, b := range rows {
		if b.Expired(now) {
			continue
		}
		agg.EffectiveRateMultiplier = agg.EffectiveRateMultiplier.Add(b.RateMultiplierContribution.Sub(one))
		agg.CapBonus = agg.CapBonus.Add(b.CapBonus)
		agg.ActiveSources = append(agg.ActiveSources, b)
	}
	// Stacked debuffs can push the additive fold below zero. Accrual
	// bottoms out at a halted rate, never a draining one.
	if agg.EffectiveRateMultiplier.IsNegative() {
		agg.EffectiveRateMultiplier = decimal.Zero
	}
	return agg, nil
}

// GrantTx inserts a source row unless an active row with the same
// (account, resourceTypeID, sourceID) already exists, in which case the
// existing row is returned unchanged with Created=false.
func GrantTx(ctx context.Context, s BuffStore, in GrantInput, now time.Time) (GrantResult, error) {
	if in.Account == "" {
		return GrantResult{}, &InvalidArgumentError{Op: "Grant", Reason: "empty account"}
	}
	if in.SourceID == "" {
		return GrantResult{}, &InvalidArgumentError{Op: "Grant", Reason: "empty source id"}
	}
	if in.RateMultiplierContribution.IsNegative() {
		return GrantResult{}, &InvalidArgumentError{Op: "Grant", Reason: "negative rate multiplier"}
	}
	if in.CapBonus.IsNegative() {
		return GrantResult{}, &InvalidArgumentError{Op: "Grant", Reason: "negative cap bonus"}
	}

	existing, err := s.FindActiveBuff(ctx, in.Account, in.ResourceTypeID, in.SourceID)
	if err != nil {
		return GrantResult{}, err
	}
	if existing != nil {
		return GrantResult{Source: *existing, Created: false}, nil
	}

	b := BuffSource{
		ID:                         uuid.NewString(),
		Account:                    in.Account,
		ResourceTypeID:             in.ResourceTypeID,
		SourceID:                   in.SourceID,
		SourceType:                 in.SourceType,
		RateMultiplierContribution: in.RateMultiplierContribution,
		CapBonus:                   in.CapBonus,
		AppliedAt:                  now,
		ExpiresAt:                  in.ExpiresAt,
		Active:                     true,
		Metadata:                   in.Metadata,
	}
	if err := s.InsertBuff(ctx, b); err != nil {
		return GrantResult{}, err
	}
	return GrantResult{Source: b, Created: true}, nil
}

// RevokeTx deactivates the row for the composite key. An absent key is a
// no-op with Removed=false, not an error.
func RevokeTx(ctx context.Context, s BuffStore, account AccountID, resourceTypeID int64, sourceID string) (RevokeResult, error) {
	removed, err := s.DeactivateBuff(ctx, account, resourceTypeID, sourceID)
	if err != nil {
		return RevokeResult{}, err
	}
	return RevokeResult{Removed: removed}, nil
}

// =============================================================================
// WRAPPER - one transaction per call
// =============================================================================

func (b *Buffs) Aggregate(ctx context.Context, account AccountID, resourceTypeID int64, now time.Time) (agg BuffAggregate, err error) {
	err = b.Runner.WithTx(ctx, func(s Store) error {
		agg, err = AggregateTx(ctx, s, account, resourceTypeID, now)
		return err
	})
	return agg, err
}

func (b *Buffs) Grant(ctx context.Context, in GrantInput, now time.Time) (res GrantResult, err error) {
	err = b.Runner.WithTx(ctx, func(s Store) error {
		res, err = GrantTx(ctx, s, in, now)
		return err
	})
	return res, err
}

func (b *Buffs) Revoke(ctx context.Context, account AccountID, resourceTypeID int64, sourceID string) (res RevokeResult, err error) {
	err = b.Runner.WithTx(ctx, func(s Store) error {
		res, err = RevokeTx(ctx, s, account, resourceTypeID, sourceID)
		return err
	})
	return res, err
}
