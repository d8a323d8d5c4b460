/*
escrow.go - List / Purchase / Cancel over the balance ledger

STATE MACHINE:
  List:     ledger -> listing   (resolve accrual, verify, SetAbsolute)
  Purchase: listing -> buyer    (decrement remaining, Credit buyer)
  Cancel:   listing -> seller   (Credit seller with remainder)

LOCK ORDER:
  Purchase touches two accounts. The seller side (the listing row) is
  always written before the buyer's balance so per-row lock acquisition
  has a fixed order and cannot deadlock.

BOOKKEEPING:
  Post-purchase side effects (trade-pattern analysis, notifications) are
  best-effort: they run after the transaction commits and their failure
  is logged, never propagated. A successful transfer is never rolled
  back or reported as failed because bookkeeping misbehaved.
*/
package market

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cogforge/essence-engine/essence"
)

// Escrow moves quantities between account ledgers and listings.
type Escrow struct {
	Runner TxRunner
	Log    *logrus.Logger

	// AfterPurchase, when set, runs after a purchase commits. Best-effort:
	// errors are logged and swallowed.
	AfterPurchase func(PurchaseRecord) error
}

func NewEscrow(runner TxRunner, log *logrus.Logger) *Escrow {
	return &Escrow{Runner: runner, Log: log}
}

// ListInput carries the parameters of a new listing.
type ListInput struct {
	Seller           essence.AccountID
	ResourceTypeName string
	Quantity         decimal.Decimal
	PricePerUnit     decimal.Decimal

	// Duration bounds the listing's lifetime; zero means no expiry.
	Duration    time.Duration
	DurationFee decimal.Decimal
}

// =============================================================================
// LIST
// =============================================================================

// List reserves quantity out of the seller's ledger into a new listing.
// Pending accrual is resolved to now before the check and subtraction, so
// the reservation never reads a stale snapshot.
func (e *Escrow) List(ctx context.Context, in ListInput, now time.Time) (*Listing, error) {
	if !in.Quantity.IsPositive() {
		return nil, &essence.InvalidArgumentError{Op: "List", Reason: "quantity must be positive"}
	}
	if in.PricePerUnit.IsNegative() {
		return nil, &essence.InvalidArgumentError{Op: "List", Reason: "negative price"}
	}

	var listing *Listing
	err := e.Runner.WithMarketTx(ctx, func(s Store) error {
		rec, err := essence.ResolveAccrualTx(ctx, s, in.Seller, in.ResourceTypeName, now)
		if err != nil {
			return err
		}
		available := decimal.Zero
		if rec != nil {
			available = rec.AccumulatedAmount
		}
		if rec == nil || available.LessThan(in.Quantity) {
			return &essence.InsufficientFundsError{
				Account:          in.Seller,
				ResourceTypeName: in.ResourceTypeName,
				Available:        available,
				Requested:        in.Quantity,
			}
		}

		if _, err := essence.SetAbsoluteTx(ctx, s, in.Seller, rec.ResourceTypeID, rec.ResourceTypeName, rec.Category, available.Sub(in.Quantity), now); err != nil {
			return err
		}

		var expiresAt *time.Time
		if in.Duration > 0 {
			t := now.Add(in.Duration)
			expiresAt = &t
		}

		l := Listing{
			ID:               uuid.NewString(),
			Seller:           in.Seller,
			ResourceTypeID:   rec.ResourceTypeID,
			ResourceTypeName: rec.ResourceTypeName,
			Category:         rec.Category,
			Quantity:         in.Quantity,
			PricePerUnit:     in.PricePerUnit,
			ListingFee:       ListingFee(in.Quantity, in.PricePerUnit, in.DurationFee),
			ListedAt:         now,
			ExpiresAt:        expiresAt,
			Status:           StatusActive,
		}
		if err := s.InsertListing(ctx, l); err != nil {
			return err
		}
		listing = &l
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Log.WithFields(logrus.Fields{
		"listing":  listing.ID,
		"seller":   listing.Seller,
		"resource": listing.ResourceTypeName,
		"quantity": listing.Quantity,
	}).Info("listing created")
	return listing, nil
}

// =============================================================================
// PURCHASE
// =============================================================================

// Purchase moves quantity from a listing into the buyer's ledger. Partial
// purchases leave the remainder listed; consuming the last unit marks the
// listing sold.
func (e *Escrow) Purchase(ctx context.Context, buyer essence.AccountID, listingID string, quantity decimal.Decimal, now time.Time) (*PurchaseRecord, error) {
	if buyer == "" {
		return nil, &essence.InvalidArgumentError{Op: "Purchase", Reason: "empty buyer"}
	}
	if !quantity.IsPositive() {
		return nil, &essence.InvalidArgumentError{Op: "Purchase", Reason: "quantity must be positive"}
	}

	var record *PurchaseRecord
	err := e.Runner.WithMarketTx(ctx, func(s Store) error {
		l, err := s.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l == nil || l.Status != StatusActive {
			return &essence.NotFoundError{Kind: "listing", Key: listingID}
		}
		if quantity.GreaterThan(l.Quantity) {
			return &essence.InsufficientFundsError{
				Account:          l.Seller,
				ResourceTypeName: l.ResourceTypeName,
				Available:        l.Quantity,
				Requested:        quantity,
			}
		}

		// Seller side first: fixed lock order.
		l.Quantity = l.Quantity.Sub(quantity)
		if l.Quantity.IsZero() {
			l.Status = StatusSold
		}
		if err := s.UpdateListing(ctx, *l); err != nil {
			return err
		}

		// Resolve the buyer's pending accrual before the credit stamps a
		// fresh snapshot over it.
		if _, err := essence.ResolveAccrualTx(ctx, s, buyer, l.ResourceTypeName, now); err != nil {
			return err
		}
		if _, err := essence.CreditTx(ctx, s, buyer, l.ResourceTypeID, l.ResourceTypeName, l.Category, quantity, now); err != nil {
			return err
		}

		p := PurchaseRecord{
			ID:               uuid.NewString(),
			ListingID:        l.ID,
			Buyer:            buyer,
			Seller:           l.Seller,
			ResourceTypeName: l.ResourceTypeName,
			Quantity:         quantity,
			PricePerUnit:     l.PricePerUnit,
			TotalCost:        quantity.Mul(l.PricePerUnit),
			PurchasedAt:      now,
		}
		if err := s.InsertPurchase(ctx, p); err != nil {
			return err
		}
		record = &p
		return nil
	})
	if err != nil {
		return nil, err
	}

	if e.AfterPurchase != nil {
		if err := e.AfterPurchase(*record); err != nil {
			e.Log.WithError(err).WithField("purchase", record.ID).
				Warn("post-purchase bookkeeping failed; transfer unaffected")
		}
	}
	return record, nil
}

// =============================================================================
// CANCEL
// =============================================================================

// Cancel returns a listing's remaining quantity to the seller's ledger and
// marks the listing cancelled. Only the seller may cancel.
func (e *Escrow) Cancel(ctx context.Context, seller essence.AccountID, listingID string, now time.Time) (*Listing, error) {
	var cancelled *Listing
	err := e.Runner.WithMarketTx(ctx, func(s Store) error {
		l, err := s.GetListing(ctx, listingID)
		if err != nil {
			return err
		}
		if l == nil {
			return &essence.NotFoundError{Kind: "listing", Key: listingID}
		}
		if l.Seller != seller {
			return &essence.InvalidArgumentError{Op: "Cancel", Reason: "listing belongs to another seller"}
		}
		if l.Status != StatusActive {
			return &essence.InvalidArgumentError{Op: "Cancel", Reason: "listing is no longer active"}
		}

		if err := releaseTx(ctx, s, l, StatusCancelled, now); err != nil {
			return err
		}
		cancelled = l
		return nil
	})
	if err != nil {
		return nil, err
	}

	e.Log.WithFields(logrus.Fields{
		"listing": cancelled.ID,
		"seller":  cancelled.Seller,
	}).Info("listing cancelled")
	return cancelled, nil
}

// releaseTx returns the remaining quantity of an active listing to its
// seller and moves the listing to the terminal status. Shared by Cancel
// and the expiry sweeper.
func releaseTx(ctx context.Context, s Store, l *Listing, terminal ListingStatus, now time.Time) error {
	if l.Quantity.IsPositive() {
		if _, err := essence.ResolveAccrualTx(ctx, s, l.Seller, l.ResourceTypeName, now); err != nil {
			return err
		}
		if _, err := essence.CreditTx(ctx, s, l.Seller, l.ResourceTypeID, l.ResourceTypeName, l.Category, l.Quantity, now); err != nil {
			return err
		}
	}
	l.Quantity = decimal.Zero
	l.Status = terminal
	return s.UpdateListing(ctx, *l)
}

// ReleaseExpired cancels every lapsed active listing, crediting each
// seller with the remainder. Returns the number of listings released.
func (e *Escrow) ReleaseExpired(ctx context.Context, now time.Time) (int, error) {
	released := 0
	err := e.Runner.WithMarketTx(ctx, func(s Store) error {
		expired, err := s.ExpiredListings(ctx, now)
		if err != nil {
			return err
		}
		for i := range expired {
			if err := releaseTx(ctx, s, &expired[i], StatusExpired, now); err != nil {
				return err
			}
			released++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return released, nil
}
