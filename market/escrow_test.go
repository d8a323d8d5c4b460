package market_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogforge/essence-engine/essence"
	"github.com/cogforge/essence-engine/market"
	"github.com/cogforge/essence-engine/store/memory"
)

func quietLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

// newMarketFixture seeds the seller with 20.0 fire_essence under a static
// economy (zero rate, cap 100) so escrow arithmetic is exact.
func newMarketFixture(t *testing.T) (*memory.Store, *market.Escrow, time.Time) {
	t.Helper()
	store := memory.New()
	ctx := context.Background()

	err := store.SaveConfig(ctx, essence.EngineConfig{
		BaseRatePerDay: decimal.Zero,
		BaseCap:        decimal.NewFromInt(100),
	})
	require.NoError(t, err)

	t0 := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	ledger := essence.NewLedger(store)
	_, _, err = ledger.GetOrCreate(ctx, "seller", 7, "fire_essence", essence.CategoryHead, decimal.NewFromInt(20), t0)
	require.NoError(t, err)

	return store, market.NewEscrow(store, quietLogger()), t0
}

func sellerAmount(t *testing.T, store *memory.Store) decimal.Decimal {
	t.Helper()
	rec, err := store.FindBalance(context.Background(), "seller", "fire_essence")
	require.NoError(t, err)
	require.NotNil(t, rec)
	return rec.AccumulatedAmount
}

func TestListReservesQuantity(t *testing.T) {
	store, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)

	assert.Equal(t, market.StatusActive, l.Status)
	assert.True(t, l.Quantity.Equal(decimal.NewFromInt(8)))
	assert.Nil(t, l.ExpiresAt)
	assert.True(t, sellerAmount(t, store).Equal(decimal.NewFromInt(12)),
		"listed quantity must leave the seller's ledger")
}

func TestListFee(t *testing.T) {
	// 2% of 8 * 100 = 16, already integral; plus the 3.0 duration fee.
	_, escrow, t0 := newMarketFixture(t)

	l, err := escrow.List(context.Background(), market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
		Duration:         48 * time.Hour,
		DurationFee:      decimal.NewFromInt(3),
	}, t0)
	require.NoError(t, err)

	assert.True(t, l.ListingFee.Equal(decimal.NewFromInt(19)), "got %s", l.ListingFee)
	require.NotNil(t, l.ExpiresAt)
	assert.Equal(t, t0.Add(48*time.Hour), *l.ExpiresAt)
}

func TestListingFeeRoundsUp(t *testing.T) {
	// 2% of 3 * 7.5 = 0.45 rounds up to a whole unit.
	fee := market.ListingFee(decimal.NewFromInt(3), decimal.NewFromFloat(7.5), decimal.Zero)
	assert.True(t, fee.Equal(decimal.NewFromInt(1)), "got %s", fee)
}

func TestListInsufficientFunds(t *testing.T) {
	store, escrow, t0 := newMarketFixture(t)

	_, err := escrow.List(context.Background(), market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(25),
		PricePerUnit:     decimal.NewFromInt(1),
	}, t0)
	assert.ErrorIs(t, err, essence.ErrInsufficientFunds)

	// The failed transaction must not have touched the ledger.
	assert.True(t, sellerAmount(t, store).Equal(decimal.NewFromInt(20)))
}

func TestListUnknownResource(t *testing.T) {
	_, escrow, t0 := newMarketFixture(t)

	_, err := escrow.List(context.Background(), market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "no_such_resource",
		Quantity:         decimal.NewFromInt(1),
		PricePerUnit:     decimal.NewFromInt(1),
	}, t0)
	assert.ErrorIs(t, err, essence.ErrInsufficientFunds)
}

func TestPartialPurchaseLeavesRemainderListed(t *testing.T) {
	store, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)

	p, err := escrow.Purchase(ctx, "buyer", l.ID, decimal.NewFromInt(3), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, p.TotalCost.Equal(decimal.NewFromInt(300)))

	after, err := store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusActive, after.Status)
	assert.True(t, after.Quantity.Equal(decimal.NewFromInt(5)))

	buyer, err := store.FindBalance(ctx, "buyer", "fire_essence")
	require.NoError(t, err)
	require.NotNil(t, buyer)
	assert.True(t, buyer.AccumulatedAmount.Equal(decimal.NewFromInt(3)))
}

func TestFullPurchaseMarksListingSold(t *testing.T) {
	store, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)

	_, err = escrow.Purchase(ctx, "buyer", l.ID, decimal.NewFromInt(8), t0.Add(time.Hour))
	require.NoError(t, err)

	after, err := store.GetListing(ctx, l.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusSold, after.Status)
	assert.True(t, after.Quantity.IsZero())

	// A sold listing is no longer purchasable.
	_, err = escrow.Purchase(ctx, "buyer", l.ID, decimal.NewFromInt(1), t0.Add(2*time.Hour))
	assert.ErrorIs(t, err, essence.ErrNotFound)
}

func TestPurchaseOverRemainder(t *testing.T) {
	_, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)

	_, err = escrow.Purchase(ctx, "buyer", l.ID, decimal.NewFromInt(9), t0)
	assert.ErrorIs(t, err, essence.ErrInsufficientFunds)
}

func TestCancelReturnsRemainder(t *testing.T) {
	store, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)
	_, err = escrow.Purchase(ctx, "buyer", l.ID, decimal.NewFromInt(3), t0.Add(time.Hour))
	require.NoError(t, err)

	cancelled, err := escrow.Cancel(ctx, "seller", l.ID, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, market.StatusCancelled, cancelled.Status)
	assert.True(t, cancelled.Quantity.IsZero())

	// Conservation: 20 listed down to 12, 5 of the 8 returned -> 17, with
	// the other 3 in the buyer's ledger.
	assert.True(t, sellerAmount(t, store).Equal(decimal.NewFromInt(17)))
}

func TestCancelIsSellerOnly(t *testing.T) {
	_, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)

	_, err = escrow.Cancel(ctx, "somebody-else", l.ID, t0)
	assert.ErrorIs(t, err, essence.ErrInvalidArgument)

	_, err = escrow.Cancel(ctx, "seller", "no-such-listing", t0)
	assert.ErrorIs(t, err, essence.ErrNotFound)
}

func TestCancelTwice(t *testing.T) {
	_, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)

	_, err = escrow.Cancel(ctx, "seller", l.ID, t0)
	require.NoError(t, err)
	_, err = escrow.Cancel(ctx, "seller", l.ID, t0)
	assert.ErrorIs(t, err, essence.ErrInvalidArgument,
		"a second cancel must not double-credit the seller")
}

func TestReleaseExpired(t *testing.T) {
	store, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	short, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(5),
		PricePerUnit:     decimal.NewFromInt(10),
		Duration:         time.Hour,
	}, t0)
	require.NoError(t, err)
	open, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(4),
		PricePerUnit:     decimal.NewFromInt(10),
	}, t0)
	require.NoError(t, err)

	released, err := escrow.ReleaseExpired(ctx, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, released)

	expired, err := store.GetListing(ctx, short.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusExpired, expired.Status)

	still, err := store.GetListing(ctx, open.ID)
	require.NoError(t, err)
	assert.Equal(t, market.StatusActive, still.Status)

	// 20 - 5 - 4 = 11, plus the expired 5 back -> 16.
	assert.True(t, sellerAmount(t, store).Equal(decimal.NewFromInt(16)))
}

func TestPurchaseWritesHistory(t *testing.T) {
	store, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)
	_, err = escrow.Purchase(ctx, "buyer", l.ID, decimal.NewFromInt(3), t0.Add(time.Hour))
	require.NoError(t, err)

	// Both sides of the trade see the record.
	for _, account := range []essence.AccountID{"buyer", "seller"} {
		history, err := store.PurchasesByAccount(ctx, account)
		require.NoError(t, err)
		require.Len(t, history, 1, "history for %s", account)
		assert.Equal(t, l.ID, history[0].ListingID)
		assert.True(t, history[0].TotalCost.Equal(decimal.NewFromInt(300)))
	}
}

func TestAfterPurchaseFailureDoesNotFailTransfer(t *testing.T) {
	store, escrow, t0 := newMarketFixture(t)
	ctx := context.Background()
	escrow.AfterPurchase = func(market.PurchaseRecord) error {
		return assert.AnError
	}

	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	}, t0)
	require.NoError(t, err)

	p, err := escrow.Purchase(ctx, "buyer", l.ID, decimal.NewFromInt(3), t0)
	require.NoError(t, err, "bookkeeping failure must not surface")
	require.NotNil(t, p)

	buyer, err := store.FindBalance(ctx, "buyer", "fire_essence")
	require.NoError(t, err)
	require.NotNil(t, buyer)
	assert.True(t, buyer.AccumulatedAmount.Equal(decimal.NewFromInt(3)))
}
