/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements all persistence interfaces (essence.Store, market.Store) plus both
  transaction runners using SQLite. In production, the same patterns apply to
  PostgreSQL - only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  essence.BalanceStore: Balance records keyed by (account, resource_type_name)
  essence.BuffStore:    Active buff sources
  essence.ConfigStore:  Single-row engine tuning
  market.ListingStore:  Escrow listings and purchase history
  essence.TxRunner:     WithTx for balance/buff/config operations
  market.TxRunner:      WithMarketTx spanning balances and listings

KEY TABLES:
  balances:     One row per (account, resource_type_name) - enforced by a
                unique index. The numeric resource_type_id is a denormalized
                cache, never part of the key.
  buff_sources: Buff grants. A partial unique index enforces at most one
                ACTIVE row per (account, resource_type_id, source_id);
                deactivated rows are kept for history.
  engine_config: Single row (id=1) of global accrual tuning.
  listings:     Escrow listings. quantity is the REMAINING quantity.
  purchases:    Append-only purchase history.

DECIMAL STORAGE:
  All quantities are stored as TEXT in canonical decimal form to avoid float
  rounding. They round-trip through shopspring/decimal.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety on top of WAL mode. In production with
  PostgreSQL, database-level concurrency control handles this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/essence.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  ledger := &essence.Ledger{Runner: store}

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - essence/store.go: Interface definitions
  - market/listing.go: Listing store interface
  - store/memory/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"

	"github.com/cogforge/essence-engine/essence"
	"github.com/cogforge/essence-engine/market"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Balances (one row per account + resource type NAME)
	CREATE TABLE IF NOT EXISTS balances (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		resource_type_id INTEGER NOT NULL,
		resource_type_name TEXT NOT NULL,
		category TEXT NOT NULL,
		accumulated_amount TEXT NOT NULL,
		last_snapshot_time TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	-- CRITICAL: identity is the NAME, not the numeric type id.
	-- The numeric id is a cache and may be stale; it must never
	-- participate in uniqueness.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_balances_account_name
		ON balances(account, resource_type_name);
	CREATE INDEX IF NOT EXISTS idx_balances_account
		ON balances(account);

	-- Buff sources
	CREATE TABLE IF NOT EXISTS buff_sources (
		id TEXT PRIMARY KEY,
		account TEXT NOT NULL,
		resource_type_id INTEGER NOT NULL,
		source_id TEXT NOT NULL,
		source_type TEXT NOT NULL,
		rate_multiplier TEXT NOT NULL,
		cap_bonus TEXT NOT NULL,
		applied_at TEXT NOT NULL,
		expires_at TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		metadata_json TEXT
	);

	-- At most one ACTIVE grant per (account, type, source); revoked rows
	-- stay behind for history and don't collide.
	CREATE UNIQUE INDEX IF NOT EXISTS idx_buffs_unique_active
		ON buff_sources(account, resource_type_id, source_id)
		WHERE active = TRUE;
	CREATE INDEX IF NOT EXISTS idx_buffs_account_type
		ON buff_sources(account, resource_type_id);

	-- Engine config (single row)
	CREATE TABLE IF NOT EXISTS engine_config (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		base_rate_per_day TEXT NOT NULL,
		base_cap TEXT NOT NULL,
		last_updated TEXT NOT NULL
	);

	-- Listings (quantity = remaining quantity in escrow)
	CREATE TABLE IF NOT EXISTS listings (
		id TEXT PRIMARY KEY,
		seller TEXT NOT NULL,
		resource_type_id INTEGER NOT NULL,
		resource_type_name TEXT NOT NULL,
		category TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price_per_unit TEXT NOT NULL,
		listing_fee TEXT NOT NULL,
		listed_at TEXT NOT NULL,
		expires_at TEXT,
		status TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_listings_status
		ON listings(status);
	CREATE INDEX IF NOT EXISTS idx_listings_seller
		ON listings(seller);
	CREATE INDEX IF NOT EXISTS idx_listings_status_expiry
		ON listings(status, expires_at);

	-- Purchases (append-only history)
	CREATE TABLE IF NOT EXISTS purchases (
		id TEXT PRIMARY KEY,
		listing_id TEXT NOT NULL,
		buyer TEXT NOT NULL,
		seller TEXT NOT NULL,
		resource_type_name TEXT NOT NULL,
		quantity TEXT NOT NULL,
		price_per_unit TEXT NOT NULL,
		total_cost TEXT NOT NULL,
		purchased_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_purchases_buyer
		ON purchases(buyer);
	CREATE INDEX IF NOT EXISTS idx_purchases_seller
		ON purchases(seller);
	`

	_, err := s.db.Exec(schema)
	return err
}

// dbtx is satisfied by both *sql.DB and *sql.Tx so the same query code
// serves direct calls and transactional calls.
type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// =============================================================================
// TRANSACTION RUNNERS
// =============================================================================

// WithTx executes fn within a database transaction scoped to the
// balance/buff/config surface.
func (s *Store) WithTx(ctx context.Context, fn func(essence.Store) error) error {
	return s.withSQLTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{db: tx})
	})
}

// WithMarketTx executes fn within a database transaction spanning balances
// and listings.
func (s *Store) WithMarketTx(ctx context.Context, fn func(market.Store) error) error {
	return s.withSQLTx(ctx, func(tx *sql.Tx) error {
		return fn(&txStore{db: tx})
	})
}

func (s *Store) withSQLTx(ctx context.Context, fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore binds the query methods to an open transaction.
type txStore struct {
	db dbtx
}

func (ts *txStore) FindBalance(ctx context.Context, account essence.AccountID, name string) (*essence.BalanceRecord, error) {
	return findBalance(ctx, ts.db, account, name)
}

func (ts *txStore) InsertBalance(ctx context.Context, rec essence.BalanceRecord) error {
	return insertBalance(ctx, ts.db, rec)
}

func (ts *txStore) UpdateBalance(ctx context.Context, rec essence.BalanceRecord) error {
	return updateBalance(ctx, ts.db, rec)
}

func (ts *txStore) BalancesByAccount(ctx context.Context, account essence.AccountID) ([]essence.BalanceRecord, error) {
	return balancesByAccount(ctx, ts.db, account)
}

func (ts *txStore) AccountsWithBalances(ctx context.Context) ([]essence.AccountID, error) {
	return accountsWithBalances(ctx, ts.db)
}

func (ts *txStore) FindActiveBuff(ctx context.Context, account essence.AccountID, typeID int64, sourceID string) (*essence.BuffSource, error) {
	return findActiveBuff(ctx, ts.db, account, typeID, sourceID)
}

func (ts *txStore) ActiveBuffs(ctx context.Context, account essence.AccountID, typeID int64) ([]essence.BuffSource, error) {
	return activeBuffs(ctx, ts.db, account, typeID)
}

func (ts *txStore) InsertBuff(ctx context.Context, b essence.BuffSource) error {
	return insertBuff(ctx, ts.db, b)
}

func (ts *txStore) DeactivateBuff(ctx context.Context, account essence.AccountID, typeID int64, sourceID string) (bool, error) {
	return deactivateBuff(ctx, ts.db, account, typeID, sourceID)
}

func (ts *txStore) LoadConfig(ctx context.Context) (*essence.EngineConfig, error) {
	return loadConfig(ctx, ts.db)
}

func (ts *txStore) SaveConfig(ctx context.Context, cfg essence.EngineConfig) error {
	return saveConfig(ctx, ts.db, cfg)
}

func (ts *txStore) GetListing(ctx context.Context, id string) (*market.Listing, error) {
	return getListing(ctx, ts.db, id)
}

func (ts *txStore) InsertListing(ctx context.Context, l market.Listing) error {
	return insertListing(ctx, ts.db, l)
}

func (ts *txStore) UpdateListing(ctx context.Context, l market.Listing) error {
	return updateListing(ctx, ts.db, l)
}

func (ts *txStore) ActiveListings(ctx context.Context, f market.Filter) ([]market.Listing, error) {
	return activeListings(ctx, ts.db, f)
}

func (ts *txStore) ListingsBySeller(ctx context.Context, seller essence.AccountID) ([]market.Listing, error) {
	return listingsBySeller(ctx, ts.db, seller)
}

func (ts *txStore) ExpiredListings(ctx context.Context, now time.Time) ([]market.Listing, error) {
	return expiredListings(ctx, ts.db, now)
}

func (ts *txStore) InsertPurchase(ctx context.Context, p market.PurchaseRecord) error {
	return insertPurchase(ctx, ts.db, p)
}

func (ts *txStore) PurchasesByAccount(ctx context.Context, account essence.AccountID) ([]market.PurchaseRecord, error) {
	return purchasesByAccount(ctx, ts.db, account)
}

// =============================================================================
// BALANCE STORE (essence.BalanceStore interface)
// =============================================================================

// FindBalance returns the balance row for (account, name), or nil when absent.
func (s *Store) FindBalance(ctx context.Context, account essence.AccountID, name string) (*essence.BalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return findBalance(ctx, s.db, account, name)
}

// InsertBalance adds a new balance row.
func (s *Store) InsertBalance(ctx context.Context, rec essence.BalanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertBalance(ctx, s.db, rec)
}

// UpdateBalance overwrites a balance row identified by (account, name).
func (s *Store) UpdateBalance(ctx context.Context, rec essence.BalanceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return updateBalance(ctx, s.db, rec)
}

// BalancesByAccount returns all balance rows for an account.
func (s *Store) BalancesByAccount(ctx context.Context, account essence.AccountID) ([]essence.BalanceRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return balancesByAccount(ctx, s.db, account)
}

// AccountsWithBalances returns every account that has at least one balance row.
func (s *Store) AccountsWithBalances(ctx context.Context) ([]essence.AccountID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return accountsWithBalances(ctx, s.db)
}

const balanceColumns = `id, account, resource_type_id, resource_type_name, category,
	       accumulated_amount, last_snapshot_time, last_updated`

func findBalance(ctx context.Context, db dbtx, account essence.AccountID, name string) (*essence.BalanceRecord, error) {
	query := `
		SELECT ` + balanceColumns + `
		FROM balances
		WHERE account = ? AND resource_type_name = ?
	`

	row := db.QueryRowContext(ctx, query, string(account), name)
	rec, err := scanBalanceRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return rec, nil
}

func insertBalance(ctx context.Context, db dbtx, rec essence.BalanceRecord) error {
	query := `
		INSERT INTO balances
		(id, account, resource_type_id, resource_type_name, category,
		 accumulated_amount, last_snapshot_time, last_updated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		rec.ID,
		string(rec.Account),
		rec.ResourceTypeID,
		rec.ResourceTypeName,
		string(rec.Category),
		rec.AccumulatedAmount.String(),
		rec.LastSnapshotTime.UTC().Format(time.RFC3339Nano),
		rec.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return essence.ErrConflict
		}
		return fmt.Errorf("failed to insert balance: %w", err)
	}
	return nil
}

func updateBalance(ctx context.Context, db dbtx, rec essence.BalanceRecord) error {
	query := `
		UPDATE balances
		SET resource_type_id = ?, category = ?, accumulated_amount = ?,
		    last_snapshot_time = ?, last_updated = ?
		WHERE account = ? AND resource_type_name = ?
	`

	res, err := db.ExecContext(ctx, query,
		rec.ResourceTypeID,
		string(rec.Category),
		rec.AccumulatedAmount.String(),
		rec.LastSnapshotTime.UTC().Format(time.RFC3339Nano),
		rec.LastUpdated.UTC().Format(time.RFC3339Nano),
		string(rec.Account),
		rec.ResourceTypeName,
	)
	if err != nil {
		return fmt.Errorf("failed to update balance: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &essence.NotFoundError{Kind: "balance", Key: rec.ResourceTypeName}
	}
	return nil
}

func balancesByAccount(ctx context.Context, db dbtx, account essence.AccountID) ([]essence.BalanceRecord, error) {
	query := `
		SELECT ` + balanceColumns + `
		FROM balances
		WHERE account = ?
		ORDER BY resource_type_name ASC
	`

	rows, err := db.QueryContext(ctx, query, string(account))
	if err != nil {
		return nil, fmt.Errorf("failed to query balances: %w", err)
	}
	defer rows.Close()

	var records []essence.BalanceRecord
	for rows.Next() {
		rec, err := scanBalanceRow(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func accountsWithBalances(ctx context.Context, db dbtx) ([]essence.AccountID, error) {
	rows, err := db.QueryContext(ctx,
		"SELECT DISTINCT account FROM balances ORDER BY account ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var accounts []essence.AccountID
	for rows.Next() {
		var a string
		if err := rows.Scan(&a); err != nil {
			return nil, err
		}
		accounts = append(accounts, essence.AccountID(a))
	}
	return accounts, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanBalanceRow(row rowScanner) (*essence.BalanceRecord, error) {
	var (
		rec         essence.BalanceRecord
		account     string
		category    string
		accumulated string
		snapshot    string
		updated     string
	)

	err := row.Scan(
		&rec.ID, &account, &rec.ResourceTypeID, &rec.ResourceTypeName,
		&category, &accumulated, &snapshot, &updated,
	)
	if err != nil {
		return nil, err
	}

	rec.Account = essence.AccountID(account)
	rec.Category = essence.ResourceCategory(category)
	rec.AccumulatedAmount, err = decimal.NewFromString(accumulated)
	if err != nil {
		return nil, fmt.Errorf("corrupt accumulated_amount %q: %w", accumulated, err)
	}
	rec.LastSnapshotTime, _ = time.Parse(time.RFC3339Nano, snapshot)
	rec.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
	return &rec, nil
}

// =============================================================================
// BUFF STORE (essence.BuffStore interface)
// =============================================================================

// FindActiveBuff returns the active buff for (account, type, source), or nil.
func (s *Store) FindActiveBuff(ctx context.Context, account essence.AccountID, typeID int64, sourceID string) (*essence.BuffSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return findActiveBuff(ctx, s.db, account, typeID, sourceID)
}

// ActiveBuffs returns all active buffs for (account, type), including any
// whose expiry has passed; expiry filtering happens at the aggregation layer.
func (s *Store) ActiveBuffs(ctx context.Context, account essence.AccountID, typeID int64) ([]essence.BuffSource, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return activeBuffs(ctx, s.db, account, typeID)
}

// InsertBuff adds a buff source row.
func (s *Store) InsertBuff(ctx context.Context, b essence.BuffSource) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertBuff(ctx, s.db, b)
}

// DeactivateBuff marks the matching active buff inactive. Returns whether a
// row was changed.
func (s *Store) DeactivateBuff(ctx context.Context, account essence.AccountID, typeID int64, sourceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return deactivateBuff(ctx, s.db, account, typeID, sourceID)
}

const buffColumns = `id, account, resource_type_id, source_id, source_type,
	       rate_multiplier, cap_bonus, applied_at, expires_at, active, metadata_json`

func findActiveBuff(ctx context.Context, db dbtx, account essence.AccountID, typeID int64, sourceID string) (*essence.BuffSource, error) {
	query := `
		SELECT ` + buffColumns + `
		FROM buff_sources
		WHERE account = ? AND resource_type_id = ? AND source_id = ? AND active = TRUE
	`

	row := db.QueryRowContext(ctx, query, string(account), typeID, sourceID)
	b, err := scanBuffRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return b, nil
}

func activeBuffs(ctx context.Context, db dbtx, account essence.AccountID, typeID int64) ([]essence.BuffSource, error) {
	query := `
		SELECT ` + buffColumns + `
		FROM buff_sources
		WHERE account = ? AND resource_type_id = ? AND active = TRUE
		ORDER BY applied_at ASC
	`

	rows, err := db.QueryContext(ctx, query, string(account), typeID)
	if err != nil {
		return nil, fmt.Errorf("failed to query buffs: %w", err)
	}
	defer rows.Close()

	var buffs []essence.BuffSource
	for rows.Next() {
		b, err := scanBuffRow(rows)
		if err != nil {
			return nil, err
		}
		buffs = append(buffs, *b)
	}
	return buffs, rows.Err()
}

func insertBuff(ctx context.Context, db dbtx, b essence.BuffSource) error {
	metadataJSON, _ := json.Marshal(b.Metadata)

	query := `
		INSERT INTO buff_sources
		(id, account, resource_type_id, source_id, source_type,
		 rate_multiplier, cap_bonus, applied_at, expires_at, active, metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		b.ID,
		string(b.Account),
		b.ResourceTypeID,
		b.SourceID,
		b.SourceType,
		b.RateMultiplierContribution.String(),
		b.CapBonus.String(),
		b.AppliedAt.UTC().Format(time.RFC3339Nano),
		nullTime(b.ExpiresAt),
		b.Active,
		string(metadataJSON),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return essence.ErrConflict
		}
		return fmt.Errorf("failed to insert buff: %w", err)
	}
	return nil
}

func deactivateBuff(ctx context.Context, db dbtx, account essence.AccountID, typeID int64, sourceID string) (bool, error) {
	res, err := db.ExecContext(ctx,
		`UPDATE buff_sources SET active = FALSE
		 WHERE account = ? AND resource_type_id = ? AND source_id = ? AND active = TRUE`,
		string(account), typeID, sourceID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to deactivate buff: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanBuffRow(row rowScanner) (*essence.BuffSource, error) {
	var (
		b            essence.BuffSource
		account      string
		mult         string
		capBonus     string
		appliedAt    string
		expiresAt    sql.NullString
		metadataJSON sql.NullString
	)

	err := row.Scan(
		&b.ID, &account, &b.ResourceTypeID, &b.SourceID, &b.SourceType,
		&mult, &capBonus, &appliedAt, &expiresAt, &b.Active, &metadataJSON,
	)
	if err != nil {
		return nil, err
	}

	b.Account = essence.AccountID(account)
	b.RateMultiplierContribution, err = decimal.NewFromString(mult)
	if err != nil {
		return nil, fmt.Errorf("corrupt rate_multiplier %q: %w", mult, err)
	}
	b.CapBonus, err = decimal.NewFromString(capBonus)
	if err != nil {
		return nil, fmt.Errorf("corrupt cap_bonus %q: %w", capBonus, err)
	}
	b.AppliedAt, _ = time.Parse(time.RFC3339Nano, appliedAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		b.ExpiresAt = &t
	}
	if metadataJSON.Valid && metadataJSON.String != "" && metadataJSON.String != "null" {
		json.Unmarshal([]byte(metadataJSON.String), &b.Metadata)
	}
	return &b, nil
}

// =============================================================================
// CONFIG STORE (essence.ConfigStore interface)
// =============================================================================

// LoadConfig returns the engine config row, or nil when none has been saved.
func (s *Store) LoadConfig(ctx context.Context) (*essence.EngineConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return loadConfig(ctx, s.db)
}

// SaveConfig upserts the single engine config row.
func (s *Store) SaveConfig(ctx context.Context, cfg essence.EngineConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return saveConfig(ctx, s.db, cfg)
}

func loadConfig(ctx context.Context, db dbtx) (*essence.EngineConfig, error) {
	var (
		rate    string
		capStr  string
		updated string
	)

	err := db.QueryRowContext(ctx,
		"SELECT base_rate_per_day, base_cap, last_updated FROM engine_config WHERE id = 1",
	).Scan(&rate, &capStr, &updated)

	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var cfg essence.EngineConfig
	cfg.BaseRatePerDay, err = decimal.NewFromString(rate)
	if err != nil {
		return nil, fmt.Errorf("corrupt base_rate_per_day %q: %w", rate, err)
	}
	cfg.BaseCap, err = decimal.NewFromString(capStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt base_cap %q: %w", capStr, err)
	}
	cfg.LastUpdated, _ = time.Parse(time.RFC3339Nano, updated)
	return &cfg, nil
}

func saveConfig(ctx context.Context, db dbtx, cfg essence.EngineConfig) error {
	query := `
		INSERT INTO engine_config (id, base_rate_per_day, base_cap, last_updated)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			base_rate_per_day = excluded.base_rate_per_day,
			base_cap = excluded.base_cap,
			last_updated = excluded.last_updated
	`

	_, err := db.ExecContext(ctx, query,
		cfg.BaseRatePerDay.String(),
		cfg.BaseCap.String(),
		cfg.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	return err
}

// =============================================================================
// LISTING STORE (market.ListingStore interface)
// =============================================================================

// GetListing returns a listing by ID, or nil when absent.
func (s *Store) GetListing(ctx context.Context, id string) (*market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return getListing(ctx, s.db, id)
}

// InsertListing adds a listing row.
func (s *Store) InsertListing(ctx context.Context, l market.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertListing(ctx, s.db, l)
}

// UpdateListing overwrites a listing's mutable columns.
func (s *Store) UpdateListing(ctx context.Context, l market.Listing) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return updateListing(ctx, s.db, l)
}

// ActiveListings returns active listings matching the filter, newest first.
func (s *Store) ActiveListings(ctx context.Context, f market.Filter) ([]market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return activeListings(ctx, s.db, f)
}

// ListingsBySeller returns all listings for a seller, newest first.
func (s *Store) ListingsBySeller(ctx context.Context, seller essence.AccountID) ([]market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return listingsBySeller(ctx, s.db, seller)
}

// ExpiredListings returns active listings whose expiry is at or before now.
func (s *Store) ExpiredListings(ctx context.Context, now time.Time) ([]market.Listing, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return expiredListings(ctx, s.db, now)
}

// InsertPurchase adds a purchase history row.
func (s *Store) InsertPurchase(ctx context.Context, p market.PurchaseRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return insertPurchase(ctx, s.db, p)
}

// PurchasesByAccount returns purchases where the account was buyer or seller.
func (s *Store) PurchasesByAccount(ctx context.Context, account essence.AccountID) ([]market.PurchaseRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return purchasesByAccount(ctx, s.db, account)
}

const listingColumns = `id, seller, resource_type_id, resource_type_name, category,
	       quantity, price_per_unit, listing_fee, listed_at, expires_at, status`

func getListing(ctx context.Context, db dbtx, id string) (*market.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE id = ?
	`

	row := db.QueryRowContext(ctx, query, id)
	l, err := scanListingRow(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return l, nil
}

func insertListing(ctx context.Context, db dbtx, l market.Listing) error {
	query := `
		INSERT INTO listings
		(id, seller, resource_type_id, resource_type_name, category,
		 quantity, price_per_unit, listing_fee, listed_at, expires_at, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		l.ID,
		string(l.Seller),
		l.ResourceTypeID,
		l.ResourceTypeName,
		string(l.Category),
		l.Quantity.String(),
		l.PricePerUnit.String(),
		l.ListingFee.String(),
		l.ListedAt.UTC().Format(time.RFC3339Nano),
		nullTime(l.ExpiresAt),
		string(l.Status),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return essence.ErrConflict
		}
		return fmt.Errorf("failed to insert listing: %w", err)
	}
	return nil
}

func updateListing(ctx context.Context, db dbtx, l market.Listing) error {
	query := `
		UPDATE listings
		SET quantity = ?, status = ?, expires_at = ?
		WHERE id = ?
	`

	res, err := db.ExecContext(ctx, query,
		l.Quantity.String(),
		string(l.Status),
		nullTime(l.ExpiresAt),
		l.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update listing: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return &essence.NotFoundError{Kind: "listing", Key: l.ID}
	}
	return nil
}

func activeListings(ctx context.Context, db dbtx, f market.Filter) ([]market.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE status = ?
	`
	args := []any{string(market.StatusActive)}

	if f.Category != nil {
		query += " AND category = ?"
		args = append(args, string(*f.Category))
	}
	if f.Search != "" {
		query += " AND LOWER(resource_type_name) LIKE ?"
		args = append(args, "%"+strings.ToLower(f.Search)+"%")
	}
	query += " ORDER BY listed_at DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}

	return queryListings(ctx, db, query, args...)
}

func listingsBySeller(ctx context.Context, db dbtx, seller essence.AccountID) ([]market.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE seller = ?
		ORDER BY listed_at DESC
	`

	return queryListings(ctx, db, query, string(seller))
}

func expiredListings(ctx context.Context, db dbtx, now time.Time) ([]market.Listing, error) {
	query := `
		SELECT ` + listingColumns + `
		FROM listings
		WHERE status = ? AND expires_at IS NOT NULL AND expires_at <= ?
		ORDER BY listed_at ASC
	`

	return queryListings(ctx, db, query,
		string(market.StatusActive), now.UTC().Format(time.RFC3339Nano))
}

func queryListings(ctx context.Context, db dbtx, query string, args ...any) ([]market.Listing, error) {
	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query listings: %w", err)
	}
	defer rows.Close()

	var listings []market.Listing
	for rows.Next() {
		l, err := scanListingRow(rows)
		if err != nil {
			return nil, err
		}
		listings = append(listings, *l)
	}
	return listings, rows.Err()
}

func scanListingRow(row rowScanner) (*market.Listing, error) {
	var (
		l         market.Listing
		seller    string
		category  string
		quantity  string
		price     string
		fee       string
		listedAt  string
		expiresAt sql.NullString
		status    string
	)

	err := row.Scan(
		&l.ID, &seller, &l.ResourceTypeID, &l.ResourceTypeName, &category,
		&quantity, &price, &fee, &listedAt, &expiresAt, &status,
	)
	if err != nil {
		return nil, err
	}

	l.Seller = essence.AccountID(seller)
	l.Category = essence.ResourceCategory(category)
	l.Status = market.ListingStatus(status)
	l.Quantity, err = decimal.NewFromString(quantity)
	if err != nil {
		return nil, fmt.Errorf("corrupt quantity %q: %w", quantity, err)
	}
	l.PricePerUnit, err = decimal.NewFromString(price)
	if err != nil {
		return nil, fmt.Errorf("corrupt price_per_unit %q: %w", price, err)
	}
	l.ListingFee, err = decimal.NewFromString(fee)
	if err != nil {
		return nil, fmt.Errorf("corrupt listing_fee %q: %w", fee, err)
	}
	l.ListedAt, _ = time.Parse(time.RFC3339Nano, listedAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		l.ExpiresAt = &t
	}
	return &l, nil
}

func insertPurchase(ctx context.Context, db dbtx, p market.PurchaseRecord) error {
	query := `
		INSERT INTO purchases
		(id, listing_id, buyer, seller, resource_type_name,
		 quantity, price_per_unit, total_cost, purchased_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.ExecContext(ctx, query,
		p.ID,
		p.ListingID,
		string(p.Buyer),
		string(p.Seller),
		p.ResourceTypeName,
		p.Quantity.String(),
		p.PricePerUnit.String(),
		p.TotalCost.String(),
		p.PurchasedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert purchase: %w", err)
	}
	return nil
}

func purchasesByAccount(ctx context.Context, db dbtx, account essence.AccountID) ([]market.PurchaseRecord, error) {
	query := `
		SELECT id, listing_id, buyer, seller, resource_type_name,
		       quantity, price_per_unit, total_cost, purchased_at
		FROM purchases
		WHERE buyer = ? OR seller = ?
		ORDER BY purchased_at DESC
	`

	rows, err := db.QueryContext(ctx, query, string(account), string(account))
	if err != nil {
		return nil, fmt.Errorf("failed to query purchases: %w", err)
	}
	defer rows.Close()

	var purchases []market.PurchaseRecord
	for rows.Next() {
		var (
			p           market.PurchaseRecord
			buyer       string
			seller      string
			quantity    string
			price       string
			total       string
			purchasedAt string
		)
		if err := rows.Scan(
			&p.ID, &p.ListingID, &buyer, &seller, &p.ResourceTypeName,
			&quantity, &price, &total, &purchasedAt,
		); err != nil {
			return nil, err
		}

		p.Buyer = essence.AccountID(buyer)
		p.Seller = essence.AccountID(seller)
		p.Quantity, err = decimal.NewFromString(quantity)
		if err != nil {
			return nil, fmt.Errorf("corrupt quantity %q: %w", quantity, err)
		}
		p.PricePerUnit, err = decimal.NewFromString(price)
		if err != nil {
			return nil, fmt.Errorf("corrupt price_per_unit %q: %w", price, err)
		}
		p.TotalCost, err = decimal.NewFromString(total)
		if err != nil {
			return nil, fmt.Errorf("corrupt total_cost %q: %w", total, err)
		}
		p.PurchasedAt, _ = time.Parse(time.RFC3339Nano, purchasedAt)

		purchases = append(purchases, p)
	}
	return purchases, rows.Err()
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"balances", "buff_sources", "engine_config", "listings", "purchases"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}

func isUniqueConstraintError(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
