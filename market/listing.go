/*
Package market implements the escrow-based marketplace over the essence
ledger.

PURPOSE:
  A listing temporarily owns quantity removed from the seller's ledger:
  List moves quantity out of the balance into the listing, Purchase moves
  it from the listing into the buyer's balance, Cancel returns the
  remainder to the seller. The ledger is the ONLY mutation path - the
  marketplace never constructs or patches balance rows directly.

CONSERVATION:
  Across any List / Purchase / Cancel sequence, seller ledger + listing
  remainder + buyer credits is constant. List resolves pending accrual
  before subtracting so no essence is lost to a stale snapshot.

THIS FILE (listing.go):
  Listing and purchase-history records, fee math, store interfaces.

SEE ALSO:
  - escrow.go:  List / Purchase / Cancel procedures
  - sweeper.go: background expiry of lapsed listings
*/
package market

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cogforge/essence-engine/essence"
)

// =============================================================================
// LISTING - escrowed quantity pending purchase or cancellation
// =============================================================================

type ListingStatus string

const (
	StatusActive    ListingStatus = "active"
	StatusSold      ListingStatus = "sold"
	StatusCancelled ListingStatus = "cancelled"
	StatusExpired   ListingStatus = "expired"
)

// Listing is one marketplace offer. Quantity is the REMAINING quantity;
// the listing, not the seller's ledger, owns that quantity while active.
type Listing struct {
	ID     string
	Seller essence.AccountID

	ResourceTypeID   int64
	ResourceTypeName string
	Category         essence.ResourceCategory

	Quantity     decimal.Decimal
	PricePerUnit decimal.Decimal
	ListingFee   decimal.Decimal

	ListedAt  time.Time
	ExpiresAt *time.Time
	Status    ListingStatus
}

// Expired reports whether an active listing has lapsed as of now.
func (l Listing) Expired(now time.Time) bool {
	return l.Status == StatusActive && l.ExpiresAt != nil && !l.ExpiresAt.After(now)
}

// PurchaseRecord is the immutable history row written for every purchase.
type PurchaseRecord struct {
	ID        string
	ListingID string
	Buyer     essence.AccountID
	Seller    essence.AccountID

	ResourceTypeName string
	Quantity         decimal.Decimal
	PricePerUnit     decimal.Decimal
	TotalCost        decimal.Decimal

	PurchasedAt time.Time
}

// =============================================================================
// FEES
// =============================================================================

// marketFeeRate is the flat percentage charged on the listing's total value.
var marketFeeRate = decimal.NewFromFloat(0.02)

// ListingFee computes the fee charged at List time: 2% of the listing's
// total value, rounded up, plus the optional duration fee. Fee settlement
// is handled by the currency collaborator, not this ledger; the fee is
// recorded on the listing for it.
func ListingFee(quantity, pricePerUnit, durationFee decimal.Decimal) decimal.Decimal {
	return quantity.Mul(pricePerUnit).Mul(marketFeeRate).Ceil().Add(durationFee)
}

// =============================================================================
// STORE
// =============================================================================

// Filter narrows ActiveListings queries for the browse surface.
type Filter struct {
	Category *essence.ResourceCategory
	Search   string // matched against ResourceTypeName, case-insensitive
	Limit    int
	Offset   int
}

// ListingStore persists listings and purchase history.
type ListingStore interface {
	// GetListing returns (nil, nil) when absent.
	GetListing(ctx context.Context, id string) (*Listing, error)

	InsertListing(ctx context.Context, l Listing) error

	// UpdateListing overwrites quantity and status, matched by ID.
	UpdateListing(ctx context.Context, l Listing) error

	// ActiveListings returns active listings newest-first.
	ActiveListings(ctx context.Context, f Filter) ([]Listing, error)

	ListingsBySeller(ctx context.Context, seller essence.AccountID) ([]Listing, error)

	// ExpiredListings returns active listings whose expiry is <= now.
	ExpiredListings(ctx context.Context, now time.Time) ([]Listing, error)

	InsertPurchase(ctx context.Context, p PurchaseRecord) error

	PurchasesByAccount(ctx context.Context, account essence.AccountID) ([]PurchaseRecord, error)
}

// Store is the persistence surface escrow transactions run against: the
// full essence store plus listings, so a single transaction can span the
// ledger write and the listing write.
type Store interface {
	essence.Store
	ListingStore
}

// TxRunner executes fn within one serializable transaction spanning
// balances, buffs, config and listings.
type TxRunner interface {
	WithMarketTx(ctx context.Context, fn func(Store) error) error
}
