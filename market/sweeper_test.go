package market_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/cogforge/essence-engine/market"
)

func TestSweeperReleasesLapsedListings(t *testing.T) {
	store, escrow, _ := newMarketFixture(t)
	ctx := context.Background()

	// Listed two hours ago with a one-hour lifetime: lapsed on arrival.
	listedAt := time.Now().UTC().Add(-2 * time.Hour)
	l, err := escrow.List(ctx, market.ListInput{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(5),
		PricePerUnit:     decimal.NewFromInt(10),
		Duration:         time.Hour,
	}, listedAt)
	require.NoError(t, err)

	sweeper := market.NewSweeper(escrow, quietLogger())
	sweeper.Interval = 10 * time.Millisecond
	sweeper.Start()
	defer sweeper.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for {
		after, err := store.GetListing(ctx, l.ID)
		require.NoError(t, err)
		if after.Status == market.StatusExpired {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("listing still %s after waiting for the sweeper", after.Status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSweeperStopIsIdempotent(t *testing.T) {
	_, escrow, _ := newMarketFixture(t)

	sweeper := market.NewSweeper(escrow, quietLogger())
	sweeper.Interval = time.Minute
	sweeper.Start()
	sweeper.Stop()
	sweeper.Stop()
}
