/*
Package essence provides the core accrual and balance ledger engine.

PURPOSE:
  This package contains the domain types and algorithms for tracking
  per-account balances of typed, continuously-regenerating resources.
  Balances are stored as snapshots and projected to "now" at read time;
  generation rate and capacity are modified by stacked, expiring buffs.

KEY CONCEPTS IN THIS FILE (types.go):
  - AccountID / ResourceCategory: Type-safe identifiers
  - BalanceRecord: One snapshot row per (account, resource-type name)
  - BuffSource: An independent rate/cap modifier with optional expiry
  - BuffAggregate: The folded effect of all active buffs
  - CapChangeImpact: Predicted loss from a capacity-reducing change

DESIGN PRINCIPLES:
  1. Name is identity: balance rows are keyed by resource-type NAME.
     The numeric id is a denormalized cache healed on every write.
  2. Precision: Uses decimal.Decimal to avoid floating-point errors.
  3. Lazy accrual: No ticking clock. Current value is computed from the
     stored snapshot whenever it is read.
  4. Explicit time: every computation takes "now" as a parameter so a
     single transaction never disagrees with itself about the clock.

SEE ALSO:
  - accrual.go: Pure projection math
  - ledger.go:  Transactional balance operations
  - buffs.go:   Buff aggregation, grant and revoke
  - impact.go:  Pre-flight cap-loss analysis
*/
package essence

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

// AccountID identifies the owner of balances and buffs (a wallet address in
// the original deployment, but any stable string works).
type AccountID string

// ResourceCategory is the closed set of resource families. It is validated
// once at the ledger boundary, never re-checked ad hoc downstream.
type ResourceCategory string

const (
	CategoryHead ResourceCategory = "head"
	CategoryBody ResourceCategory = "body"
	CategoryItem ResourceCategory = "item"
)

// ParseCategory validates a category string against the closed set.
func ParseCategory(s string) (ResourceCategory, error) {
	switch c := ResourceCategory(s); c {
	case CategoryHead, CategoryBody, CategoryItem:
		return c, nil
	default:
		return "", &InvalidArgumentError{Op: "ParseCategory", Reason: fmt.Sprintf("unknown resource category %q", s)}
	}
}

// Valid reports whether the category is a member of the closed set.
func (c ResourceCategory) Valid() bool {
	switch c {
	case CategoryHead, CategoryBody, CategoryItem:
		return true
	}
	return false
}

// =============================================================================
// BALANCE RECORD - One snapshot per (account, resource-type name)
// =============================================================================

// BalanceRecord is the persisted snapshot of a single resource balance.
//
// INVARIANT: at most one record per (Account, ResourceTypeName). The name,
// not the numeric id, is the identity key: ids may be renumbered by
// out-of-band reference-data migrations, so ResourceTypeID is only a cache
// that self-heals on every write.
type BalanceRecord struct {
	ID               string
	Account          AccountID
	ResourceTypeID   int64
	ResourceTypeName string
	Category         ResourceCategory

	// AccumulatedAmount is the snapshot value as of LastSnapshotTime.
	// The current value is always AccumulatedAmount projected forward,
	// never this field read raw.
	AccumulatedAmount decimal.Decimal
	LastSnapshotTime  time.Time
	LastUpdated       time.Time
}

// ProjectedBalance is a read-time view: the stored record plus the value
// projected to the requested instant under the effective rate and cap.
type ProjectedBalance struct {
	BalanceRecord

	CurrentAmount decimal.Decimal
	RatePerDay    decimal.Decimal
	Cap           decimal.Decimal
	AtCap         bool
}

// =============================================================================
// BUFF SOURCE - Independent rate/cap modifier
// =============================================================================

// BuffSource is one modifier contributed by an identified source (an
// equipped item, an event reward, an admin grant).
//
// INVARIANT: at most one ACTIVE source per (Account, ResourceTypeID,
// SourceID). Re-granting the same SourceID returns the existing row.
type BuffSource struct {
	ID             string
	Account        AccountID
	ResourceTypeID int64

	// SourceID is the stable identity of the thing granting the buff.
	SourceID   string
	SourceType string

	// RateMultiplierContribution is this source's own multiplier, where
	// 1.0 means "no change". Sources combine additively on the bonus part:
	// 1.25 and 1.10 together yield 1.35, not 1.375.
	RateMultiplierContribution decimal.Decimal
	CapBonus                   decimal.Decimal

	AppliedAt time.Time
	ExpiresAt *time.Time
	Active    bool
	Metadata  map[string]string
}

// Expired reports whether the source has lapsed as of now. Sources without
// an expiry never expire.
func (b BuffSource) Expired(now time.Time) bool {
	return b.ExpiresAt != nil && !b.ExpiresAt.After(now)
}

// BuffAggregate is the folded effect of all active, unexpired sources for
// one (account, resource-type) pair.
type BuffAggregate struct {
	EffectiveRateMultiplier decimal.Decimal
	CapBonus                decimal.Decimal
	ActiveSources           []BuffSource
}

// GrantResult reports the outcome of a Grant call. Created is false when an
// active row with the same SourceID already existed.
type GrantResult struct {
	Source  BuffSource
	Created bool
}

// RevokeResult reports the outcome of a Revoke call.
type RevokeResult struct {
	Removed bool
}

// =============================================================================
// CAP CHANGE IMPACT - Transient, never persisted
// =============================================================================

// CapChangeImpact predicts the effect of removing one cap-contributing buff.
type CapChangeImpact struct {
	Account          AccountID
	ResourceTypeID   int64
	ResourceTypeName string
	SourceID         string

	CurrentCap    decimal.Decimal
	NewCap        decimal.Decimal
	CurrentAmount decimal.Decimal
	NewAmount     decimal.Decimal
	LossAmount    decimal.Decimal

	WillLoseEssence bool
}
