// Package memory provides an in-memory store implementation for tests and
// development. Transactions are simulated with a snapshot taken before the
// function runs and restored on error, matching the all-or-nothing contract
// of the SQLite store.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cogforge/essence-engine/essence"
	"github.com/cogforge/essence-engine/market"
)

type balanceKey struct {
	Account essence.AccountID
	Name    string
}

// Store keeps all records in maps guarded by one RWMutex.
type Store struct {
	mu sync.RWMutex

	balances  map[balanceKey]essence.BalanceRecord
	buffs     []essence.BuffSource
	config    *essence.EngineConfig
	listings  map[string]market.Listing
	purchases []market.PurchaseRecord
}

func New() *Store {
	return &Store{
		balances: make(map[balanceKey]essence.BalanceRecord),
		listings: make(map[string]market.Listing),
	}
}

// Reset drops every record. Used by demo scenario loading.
func (m *Store) Reset(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.balances = make(map[balanceKey]essence.BalanceRecord)
	m.buffs = nil
	m.config = nil
	m.listings = make(map[string]market.Listing)
	m.purchases = nil
	return nil
}

// =============================================================================
// TRANSACTIONS - snapshot + restore on error
// =============================================================================

// WithTx runs fn against the balance/buff/config surface atomically.
func (m *Store) WithTx(ctx context.Context, fn func(essence.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&view{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

// WithMarketTx runs fn against the full surface including listings.
func (m *Store) WithMarketTx(ctx context.Context, fn func(market.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	snap := m.snapshot()
	if err := fn(&view{parent: m}); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

type memSnapshot struct {
	balances  map[balanceKey]essence.BalanceRecord
	buffs     []essence.BuffSource
	config    *essence.EngineConfig
	listings  map[string]market.Listing
	purchases []market.PurchaseRecord
}

func (m *Store) snapshot() memSnapshot {
	s := memSnapshot{
		balances: make(map[balanceKey]essence.BalanceRecord, len(m.balances)),
		buffs:    append([]essence.BuffSource(nil), m.buffs...),
		listings: make(map[string]market.Listing, len(m.listings)),
	}
	for k, v := range m.balances {
		s.balances[k] = v
	}
	for k, v := range m.listings {
		s.listings[k] = v
	}
	s.purchases = append([]market.PurchaseRecord(nil), m.purchases...)
	if m.config != nil {
		cfg := *m.config
		s.config = &cfg
	}
	return s
}

func (m *Store) restore(s memSnapshot) {
	m.balances = s.balances
	m.buffs = s.buffs
	m.config = s.config
	m.listings = s.listings
	m.purchases = s.purchases
}

// view exposes the locked store to a transaction function without
// re-locking.
type view struct {
	parent *Store
}

// =============================================================================
// BALANCE STORE
// =============================================================================

func (v *view) FindBalance(_ context.Context, account essence.AccountID, name string) (*essence.BalanceRecord, error) {
	return v.parent.findBalanceLocked(account, name), nil
}

func (v *view) InsertBalance(_ context.Context, rec essence.BalanceRecord) error {
	k := balanceKey{Account: rec.Account, Name: rec.ResourceTypeName}
	if _, exists := v.parent.balances[k]; exists {
		return essence.ErrConflict
	}
	v.parent.balances[k] = rec
	return nil
}

func (v *view) UpdateBalance(_ context.Context, rec essence.BalanceRecord) error {
	k := balanceKey{Account: rec.Account, Name: rec.ResourceTypeName}
	if _, exists := v.parent.balances[k]; !exists {
		return &essence.NotFoundError{Kind: "balance", Key: rec.ResourceTypeName}
	}
	v.parent.balances[k] = rec
	return nil
}

func (v *view) BalancesByAccount(_ context.Context, account essence.AccountID) ([]essence.BalanceRecord, error) {
	var out []essence.BalanceRecord
	for k, rec := range v.parent.balances {
		if k.Account == account {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceTypeName < out[j].ResourceTypeName })
	return out, nil
}

func (v *view) AccountsWithBalances(_ context.Context) ([]essence.AccountID, error) {
	seen := make(map[essence.AccountID]bool)
	var out []essence.AccountID
	for k := range v.parent.balances {
		if !seen[k.Account] {
			seen[k.Account] = true
			out = append(out, k.Account)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (m *Store) findBalanceLocked(account essence.AccountID, name string) *essence.BalanceRecord {
	if rec, ok := m.balances[balanceKey{Account: account, Name: name}]; ok {
		cp := rec
		return &cp
	}
	return nil
}

// =============================================================================
// BUFF STORE
// =============================================================================

func (v *view) FindActiveBuff(_ context.Context, account essence.AccountID, typeID int64, sourceID string) (*essence.BuffSource, error) {
	for i := range v.parent.buffs {
		b := v.parent.buffs[i]
		if b.Active && b.Account == account && b.ResourceTypeID == typeID && b.SourceID == sourceID {
			cp := b
			return &cp, nil
		}
	}
	return nil, nil
}

func (v *view) ActiveBuffs(_ context.Context, account essence.AccountID, typeID int64) ([]essence.BuffSource, error) {
	var out []essence.BuffSource
	for _, b := range v.parent.buffs {
		if b.Active && b.Account == account && b.ResourceTypeID == typeID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (v *view) InsertBuff(_ context.Context, b essence.BuffSource) error {
	v.parent.buffs = append(v.parent.buffs, b)
	return nil
}

func (v *view) DeactivateBuff(_ context.Context, account essence.AccountID, typeID int64, sourceID string) (bool, error) {
	for i := range v.parent.buffs {
		b := &v.parent.buffs[i]
		if b.Active && b.Account == account && b.ResourceTypeID == typeID && b.SourceID == sourceID {
			b.Active = false
			return true, nil
		}
	}
	return false, nil
}

// =============================================================================
// CONFIG STORE
// =============================================================================

func (v *view) LoadConfig(_ context.Context) (*essence.EngineConfig, error) {
	if v.parent.config == nil {
		return nil, nil
	}
	cfg := *v.parent.config
	return &cfg, nil
}

func (v *view) SaveConfig(_ context.Context, cfg essence.EngineConfig) error {
	v.parent.config = &cfg
	return nil
}

// =============================================================================
// LISTING STORE
// =============================================================================

func (v *view) GetListing(_ context.Context, id string) (*market.Listing, error) {
	if l, ok := v.parent.listings[id]; ok {
		cp := l
		return &cp, nil
	}
	return nil, nil
}

func (v *view) InsertListing(_ context.Context, l market.Listing) error {
	if _, exists := v.parent.listings[l.ID]; exists {
		return essence.ErrConflict
	}
	v.parent.listings[l.ID] = l
	return nil
}

func (v *view) UpdateListing(_ context.Context, l market.Listing) error {
	if _, exists := v.parent.listings[l.ID]; !exists {
		return &essence.NotFoundError{Kind: "listing", Key: l.ID}
	}
	v.parent.listings[l.ID] = l
	return nil
}

func (v *view) ActiveListings(_ context.Context, f market.Filter) ([]market.Listing, error) {
	var out []market.Listing
	for _, l := range v.parent.listings {
		if l.Status != market.StatusActive {
			continue
		}
		if f.Category != nil && l.Category != *f.Category {
			continue
		}
		if f.Search != "" && !strings.Contains(strings.ToLower(l.ResourceTypeName), strings.ToLower(f.Search)) {
			continue
		}
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListedAt.After(out[j].ListedAt) })

	if f.Offset > 0 {
		if f.Offset >= len(out) {
			return nil, nil
		}
		out = out[f.Offset:]
	}
	if f.Limit > 0 && f.Limit < len(out) {
		out = out[:f.Limit]
	}
	return out, nil
}

func (v *view) ListingsBySeller(_ context.Context, seller essence.AccountID) ([]market.Listing, error) {
	var out []market.Listing
	for _, l := range v.parent.listings {
		if l.Seller == seller {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListedAt.After(out[j].ListedAt) })
	return out, nil
}

func (v *view) ExpiredListings(_ context.Context, now time.Time) ([]market.Listing, error) {
	var out []market.Listing
	for _, l := range v.parent.listings {
		if l.Expired(now) {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ListedAt.Before(out[j].ListedAt) })
	return out, nil
}

func (v *view) InsertPurchase(_ context.Context, p market.PurchaseRecord) error {
	v.parent.purchases = append(v.parent.purchases, p)
	return nil
}

func (v *view) PurchasesByAccount(_ context.Context, account essence.AccountID) ([]market.PurchaseRecord, error) {
	var out []market.PurchaseRecord
	for _, p := range v.parent.purchases {
		if p.Buyer == account || p.Seller == account {
			out = append(out, p)
		}
	}
	return out, nil
}

// =============================================================================
// DIRECT ACCESS - same methods outside a transaction
// =============================================================================

func (m *Store) FindBalance(ctx context.Context, account essence.AccountID, name string) (*essence.BalanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).FindBalance(ctx, account, name)
}

func (m *Store) InsertBalance(ctx context.Context, rec essence.BalanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{parent: m}).InsertBalance(ctx, rec)
}

func (m *Store) UpdateBalance(ctx context.Context, rec essence.BalanceRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{parent: m}).UpdateBalance(ctx, rec)
}

func (m *Store) BalancesByAccount(ctx context.Context, account essence.AccountID) ([]essence.BalanceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).BalancesByAccount(ctx, account)
}

func (m *Store) AccountsWithBalances(ctx context.Context) ([]essence.AccountID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).AccountsWithBalances(ctx)
}

func (m *Store) FindActiveBuff(ctx context.Context, account essence.AccountID, typeID int64, sourceID string) (*essence.BuffSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).FindActiveBuff(ctx, account, typeID, sourceID)
}

func (m *Store) ActiveBuffs(ctx context.Context, account essence.AccountID, typeID int64) ([]essence.BuffSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).ActiveBuffs(ctx, account, typeID)
}

func (m *Store) InsertBuff(ctx context.Context, b essence.BuffSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{parent: m}).InsertBuff(ctx, b)
}

func (m *Store) DeactivateBuff(ctx context.Context, account essence.AccountID, typeID int64, sourceID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{parent: m}).DeactivateBuff(ctx, account, typeID, sourceID)
}

func (m *Store) LoadConfig(ctx context.Context) (*essence.EngineConfig, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).LoadConfig(ctx)
}

func (m *Store) SaveConfig(ctx context.Context, cfg essence.EngineConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{parent: m}).SaveConfig(ctx, cfg)
}

func (m *Store) GetListing(ctx context.Context, id string) (*market.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).GetListing(ctx, id)
}

func (m *Store) InsertListing(ctx context.Context, l market.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{parent: m}).InsertListing(ctx, l)
}

func (m *Store) UpdateListing(ctx context.Context, l market.Listing) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{parent: m}).UpdateListing(ctx, l)
}

func (m *Store) ActiveListings(ctx context.Context, f market.Filter) ([]market.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).ActiveListings(ctx, f)
}

func (m *Store) ListingsBySeller(ctx context.Context, seller essence.AccountID) ([]market.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).ListingsBySeller(ctx, seller)
}

func (m *Store) ExpiredListings(ctx context.Context, now time.Time) ([]market.Listing, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).ExpiredListings(ctx, now)
}

func (m *Store) InsertPurchase(ctx context.Context, p market.PurchaseRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return (&view{parent: m}).InsertPurchase(ctx, p)
}

func (m *Store) PurchasesByAccount(ctx context.Context, account essence.AccountID) ([]market.PurchaseRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return (&view{parent: m}).PurchasesByAccount(ctx, account)
}
