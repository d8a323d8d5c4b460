/*
store.go - Persistence interfaces for balances, buffs and config

PURPOSE:
  Defines the contract between the domain logic and the database.
  Implementations: store/sqlite (production), store/memory (tests/dev).

TRANSACTION MODEL:
  Every mutating ledger operation is a read-modify-write on a single
  (account, resourceTypeName) or (account, resourceTypeID, sourceID) key
  and must run inside one TxRunner.WithTx span. Without that, two
  concurrent Credits can read the same stale snapshot and one increment
  is lost. The store must provide at least per-record serializability
  for the span; a store that cannot must surface ErrConflict so callers
  can retry the whole transaction.

  Find* methods return (nil, nil) when the row is absent - "no data" is
  not an error at this layer.
*/
package essence

import "context"

// =============================================================================
// BALANCE STORE
// =============================================================================

// BalanceStore persists BalanceRecord rows.
type BalanceStore interface {
	// FindBalance looks up by the identity key (account, resourceTypeName).
	// Returns (nil, nil) when absent.
	FindBalance(ctx context.Context, account AccountID, resourceTypeName string) (*BalanceRecord, error)

	// InsertBalance adds a new record. Fails with ErrConflict if a record
	// with the same (account, resourceTypeName) already exists.
	InsertBalance(ctx context.Context, rec BalanceRecord) error

	// UpdateBalance overwrites an existing record, matched by ID.
	UpdateBalance(ctx context.Context, rec BalanceRecord) error

	// BalancesByAccount returns all records for one account, ordered by
	// resource type name.
	BalancesByAccount(ctx context.Context, account AccountID) ([]BalanceRecord, error)

	// AccountsWithBalances returns every account holding at least one
	// record. Used by the periodic checkpoint job.
	AccountsWithBalances(ctx context.Context) ([]AccountID, error)
}

// =============================================================================
// BUFF STORE
// =============================================================================

// BuffStore persists BuffSource rows.
type BuffStore interface {
	// FindActiveBuff looks up the single active row for the composite key.
	// Returns (nil, nil) when absent. Expiry is NOT applied here; callers
	// filter with BuffSource.Expired so reads stay time-explicit.
	FindActiveBuff(ctx context.Context, account AccountID, resourceTypeID int64, sourceID string) (*BuffSource, error)

	// ActiveBuffs returns all active rows for (account, resourceTypeID),
	// including rows whose expiry has lapsed (filtered by the aggregator).
	ActiveBuffs(ctx context.Context, account AccountID, resourceTypeID int64) ([]BuffSource, error)

	// InsertBuff adds a new source row.
	InsertBuff(ctx context.Context, b BuffSource) error

	// DeactivateBuff flips the active flag for the composite key.
	// Returns false when no active row matched.
	DeactivateBuff(ctx context.Context, account AccountID, resourceTypeID int64, sourceID string) (bool, error)
}

// =============================================================================
// CONFIG STORE
// =============================================================================

// ConfigStore persists the single EngineConfig row.
type ConfigStore interface {
	// LoadConfig returns the stored config, or (nil, nil) when none has
	// been saved yet (callers fall back to DefaultConfig).
	LoadConfig(ctx context.Context) (*EngineConfig, error)

	SaveConfig(ctx context.Context, cfg EngineConfig) error
}

// =============================================================================
// COMPOSITE STORE + TRANSACTIONS
// =============================================================================

// Store is the full persistence surface the core engine needs.
type Store interface {
	BalanceStore
	BuffStore
	ConfigStore
}

// TxRunner executes fn within one serializable transaction. If fn returns
// an error the transaction is rolled back and nothing is applied.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(Store) error) error
}

// LoadConfigOrDefault resolves the effective engine config inside a
// transaction scope.
func LoadConfigOrDefault(ctx context.Context, s ConfigStore) (EngineConfig, error) {
	cfg, err := s.LoadConfig(ctx)
	if err != nil {
		return EngineConfig{}, err
	}
	if cfg == nil {
		return DefaultConfig(), nil
	}
	return *cfg, nil
}
