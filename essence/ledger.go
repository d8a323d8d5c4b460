/*
ledger.go - Transactional balance operations, keyed by resource-type name

PURPOSE:
  The BalanceLedger owns every mutation of BalanceRecord rows. All three
  write operations are idempotent-by-name: they look up the identity key
  (account, resourceTypeName) inside the same transaction that writes, so
  no sequence of calls - concurrent or not - can produce two rows for one
  name. The numeric resourceTypeId is patched on every write (self-healing
  normalization for out-of-band id migrations).

CENTRAL HAZARD:
  Every write refreshes lastSnapshotTime to "now". That is correct only
  because the write also captures the fully-resolved value as of "now".
  A caller that overwrites accumulatedAmount without first resolving
  pending accrual up to "now" silently discards unaccrued essence. The
  escrow path therefore always goes through ResolveAccrualTx before
  subtracting; see market/escrow.go.

LAYERING:
  Exported *Tx functions operate inside an existing transaction scope and
  are composed by the marketplace. The Ledger struct wraps each one in its
  own TxRunner.WithTx span for standalone callers.
*/
package essence

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Ledger executes balance operations, each inside one store transaction.
type Ledger struct {
	Runner TxRunner
}

func NewLedger(runner TxRunner) *Ledger {
	return &Ledger{Runner: runner}
}

// =============================================================================
// TX-SCOPED OPERATIONS (composed by escrow and by the Ledger wrapper)
// =============================================================================

// GetOrCreateTx finds or creates the record for (account, resourceTypeName).
// Found rows get their cached id and lastUpdated patched; new rows start at
// initial with both timestamps set to now. Reports whether a row was created.
func GetOrCreateTx(ctx context.Context, s BalanceStore, account AccountID, resourceTypeID int64, resourceTypeName string, category ResourceCategory, initial decimal.Decimal, now time.Time) (*BalanceRecord, bool, error) {
	if err := validateKey(account, resourceTypeName, category); err != nil {
		return nil, false, err
	}
	if initial.IsNegative() {
		return nil, false, &InvalidArgumentError{Op: "GetOrCreate", Reason: "negative initial amount"}
	}

	existing, err := s.FindBalance(ctx, account, resourceTypeName)
	if err != nil {
		return nil, false, err
	}
	if existing != nil {
		existing.ResourceTypeID = resourceTypeID
		existing.LastUpdated = now
		if err := s.UpdateBalance(ctx, *existing); err != nil {
			return nil, false, err
		}
		return existing, false, nil
	}

	rec := BalanceRecord{
		ID:                uuid.NewString(),
		Account:           account,
		ResourceTypeID:    resourceTypeID,
		ResourceTypeName:  resourceTypeName,
		Category:          category,
		AccumulatedAmount: initial,
		LastSnapshotTime:  now,
		LastUpdated:       now,
	}
	if err := s.InsertBalance(ctx, rec); err != nil {
		return nil, false, err
	}
	return &rec, true, nil
}

// CreditTx adds a discrete, cap-agnostic amount. Amount must be > 0.
//
// Credit deliberately applies no cap: it is used for transfers (marketplace
// returns, admin grants) where the cap depends on buffs evaluated
// separately. Continuous accrual pre-clamps via ProjectedAmount instead.
func CreditTx(ctx context.Context, s BalanceStore, account AccountID, resourceTypeID int64, resourceTypeName string, category ResourceCategory, amount decimal.Decimal, now time.Time) (*BalanceRecord, error) {
	if err := validateKey(account, resourceTypeName, category); err != nil {
		return nil, err
	}
	if !amount.IsPositive() {
		return nil, &InvalidArgumentError{Op: "Credit", Reason: "amount must be positive"}
	}

	existing, err := s.FindBalance(ctx, account, resourceTypeName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.ResourceTypeID = resourceTypeID
		existing.AccumulatedAmount = existing.AccumulatedAmount.Add(amount)
		existing.LastSnapshotTime = now
		existing.LastUpdated = now
		if err := s.UpdateBalance(ctx, *existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	rec := BalanceRecord{
		ID:                uuid.NewString(),
		Account:           account,
		ResourceTypeID:    resourceTypeID,
		ResourceTypeName:  resourceTypeName,
		Category:          category,
		AccumulatedAmount: amount,
		LastSnapshotTime:  now,
		LastUpdated:       now,
	}
	if err := s.InsertBalance(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// SetAbsoluteTx overwrites the accumulated amount with a fully-resolved
// value the caller has already computed. Amount must be >= 0.
func SetAbsoluteTx(ctx context.Context, s BalanceStore, account AccountID, resourceTypeID int64, resourceTypeName string, category ResourceCategory, amount decimal.Decimal, now time.Time) (*BalanceRecord, error) {
	if err := validateKey(account, resourceTypeName, category); err != nil {
		return nil, err
	}
	if amount.IsNegative() {
		return nil, &InvalidArgumentError{Op: "SetAbsolute", Reason: "amount must not be negative"}
	}

	existing, err := s.FindBalance(ctx, account, resourceTypeName)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		existing.ResourceTypeID = resourceTypeID
		existing.AccumulatedAmount = amount
		existing.LastSnapshotTime = now
		existing.LastUpdated = now
		if err := s.UpdateBalance(ctx, *existing); err != nil {
			return nil, err
		}
		return existing, nil
	}

	rec := BalanceRecord{
		ID:                uuid.NewString(),
		Account:           account,
		ResourceTypeID:    resourceTypeID,
		ResourceTypeName:  resourceTypeName,
		Category:          category,
		AccumulatedAmount: amount,
		LastSnapshotTime:  now,
		LastUpdated:       now,
	}
	if err := s.InsertBalance(ctx, rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ResolveAccrualTx projects the stored snapshot to now under the effective
// (buffed) rate and cap, and persists the projected value. After this call
// an absolute write at the same "now" cannot discard unaccrued essence.
//
// Returns (nil, nil) when no balance exists for the name.
func ResolveAccrualTx(ctx context.Context, s Store, account AccountID, resourceTypeName string, now time.Time) (*BalanceRecord, error) {
	rec, err := s.FindBalance(ctx, account, resourceTypeName)
	if err != nil || rec == nil {
		return nil, err
	}

	cfg, err := LoadConfigOrDefault(ctx, s)
	if err != nil {
		return nil, err
	}
	agg, err := AggregateTx(ctx, s, account, rec.ResourceTypeID, now)
	if err != nil {
		return nil, err
	}

	current, err := ProjectedAmount(rec.AccumulatedAmount, cfg.EffectiveRate(agg), rec.LastSnapshotTime, cfg.EffectiveCap(agg), now)
	if err != nil {
		return nil, err
	}

	rec.AccumulatedAmount = current
	rec.LastSnapshotTime = now
	rec.LastUpdated = now
	if err := s.UpdateBalance(ctx, *rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// ProjectTx computes the read-time view of one record without mutating it.
func ProjectTx(ctx context.Context, s Store, rec BalanceRecord, now time.Time) (ProjectedBalance, error) {
	cfg, err := LoadConfigOrDefault(ctx, s)
	if err != nil {
		return ProjectedBalance{}, err
	}
	agg, err := AggregateTx(ctx, s, rec.Account, rec.ResourceTypeID, now)
	if err != nil {
		return ProjectedBalance{}, err
	}

	rate := cfg.EffectiveRate(agg)
	cap := cfg.EffectiveCap(agg)
	current, err := ProjectedAmount(rec.AccumulatedAmount, rate, rec.LastSnapshotTime, cap, now)
	if err != nil {
		return ProjectedBalance{}, err
	}

	return ProjectedBalance{
		BalanceRecord: rec,
		CurrentAmount: current,
		RatePerDay:    rate,
		Cap:           cap,
		AtCap:         IsAtCap(current, cap),
	}, nil
}

// =============================================================================
// LEDGER WRAPPER - one transaction per call
// =============================================================================

func (l *Ledger) GetOrCreate(ctx context.Context, account AccountID, resourceTypeID int64, resourceTypeName string, category ResourceCategory, initial decimal.Decimal, now time.Time) (rec *BalanceRecord, created bool, err error) {
	err = l.Runner.WithTx(ctx, func(s Store) error {
		rec, created, err = GetOrCreateTx(ctx, s, account, resourceTypeID, resourceTypeName, category, initial, now)
		return err
	})
	return rec, created, err
}

// Credit resolves pending accrual first so the snapshot refresh inside
// CreditTx cannot swallow unaccrued essence.
func (l *Ledger) Credit(ctx context.Context, account AccountID, resourceTypeID int64, resourceTypeName string, category ResourceCategory, amount decimal.Decimal, now time.Time) (rec *BalanceRecord, err error) {
	err = l.Runner.WithTx(ctx, func(s Store) error {
		if _, err := ResolveAccrualTx(ctx, s, account, resourceTypeName, now); err != nil {
			return err
		}
		rec, err = CreditTx(ctx, s, account, resourceTypeID, resourceTypeName, category, amount, now)
		return err
	})
	return rec, err
}

func (l *Ledger) SetAbsolute(ctx context.Context, account AccountID, resourceTypeID int64, resourceTypeName string, category ResourceCategory, amount decimal.Decimal, now time.Time) (rec *BalanceRecord, err error) {
	err = l.Runner.WithTx(ctx, func(s Store) error {
		rec, err = SetAbsoluteTx(ctx, s, account, resourceTypeID, resourceTypeName, category, amount, now)
		return err
	})
	return rec, err
}

// Balances returns every balance for the account projected to now, reading
// from a single consistent snapshot.
func (l *Ledger) Balances(ctx context.Context, account AccountID, now time.Time) ([]ProjectedBalance, error) {
	var out []ProjectedBalance
	err := l.Runner.WithTx(ctx, func(s Store) error {
		recs, err := s.BalancesByAccount(ctx, account)
		if err != nil {
			return err
		}
		out = make([]ProjectedBalance, 0, len(recs))
		for _, rec := range recs {
			pb, err := ProjectTx(ctx, s, rec, now)
			if err != nil {
				return err
			}
			out = append(out, pb)
		}
		return nil
	})
	return out, err
}

// ResolveAccrual resolves one balance's pending accrual to now and persists
// the projected value.
func (l *Ledger) ResolveAccrual(ctx context.Context, account AccountID, resourceTypeName string, now time.Time) (rec *BalanceRecord, err error) {
	err = l.Runner.WithTx(ctx, func(s Store) error {
		rec, err = ResolveAccrualTx(ctx, s, account, resourceTypeName, now)
		return err
	})
	return rec, err
}

// Checkpoint resolves accrual for every balance the account holds. Returns
// the number of records updated. Used by the periodic checkpoint job so
// snapshots never grow stale enough to matter for external consumers.
func (l *Ledger) Checkpoint(ctx context.Context, account AccountID, now time.Time) (int, error) {
	updated := 0
	err := l.Runner.WithTx(ctx, func(s Store) error {
		recs, err := s.BalancesByAccount(ctx, account)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			if _, err := ResolveAccrualTx(ctx, s, account, rec.ResourceTypeName, now); err != nil {
				return err
			}
			updated++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return updated, nil
}

func validateKey(account AccountID, resourceTypeName string, category ResourceCategory) error {
	if account == "" {
		return &InvalidArgumentError{Op: "BalanceLedger", Reason: "empty account"}
	}
	if resourceTypeName == "" {
		return &InvalidArgumentError{Op: "BalanceLedger", Reason: "empty resource type name"}
	}
	if !category.Valid() {
		return &InvalidArgumentError{Op: "BalanceLedger", Reason: "unknown resource category " + string(category)}
	}
	return nil
}
