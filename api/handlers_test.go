/*
handlers_test.go - HTTP-level tests over the in-memory store

Exercises the full request path (router, handlers, domain services) the
way a client would: JSON in, JSON out, status codes per the error
contract.
*/
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cogforge/essence-engine/store/memory"
)

func newTestServer(t *testing.T) (*httptest.Server, *memory.Store) {
	t.Helper()
	store := memory.New()
	log := logrus.New()
	log.SetOutput(io.Discard)

	srv := httptest.NewServer(NewRouter(NewHandler(store, log)))
	t.Cleanup(srv.Close)
	return srv, store
}

func doJSON(t *testing.T, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	resp.Body.Close()
	return resp, data
}

func decodeInto(t *testing.T, data []byte, out any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(data, out), "body: %s", data)
}

func creditAccount(t *testing.T, srv *httptest.Server, account, name string, amount int) {
	t.Helper()
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/admin/credit", CreditRequest{
		Account:          account,
		ResourceTypeID:   7,
		ResourceTypeName: name,
		Category:         "head",
		Amount:           decimal.NewFromInt(int64(amount)),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
}

func TestHealth(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/health", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))
}

func TestAdminCreditThenBalances(t *testing.T) {
	srv, _ := newTestServer(t)
	creditAccount(t, srv, "acct-1", "fire_essence", 5)

	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/accounts/acct-1/balances", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var balances []BalanceDTO
	decodeInto(t, body, &balances)
	require.Len(t, balances, 1)
	assert.Equal(t, "fire_essence", balances[0].ResourceTypeName)
	// 5.0 credited plus whatever the default 0.1/day rate accrued between
	// the two requests, which is far below one unit.
	assert.True(t, balances[0].CurrentAmount.GreaterThanOrEqual(decimal.NewFromInt(5)),
		"got %s", balances[0].CurrentAmount)
	assert.True(t, balances[0].CurrentAmount.LessThan(decimal.RequireFromString("5.001")))
	assert.True(t, balances[0].Cap.Equal(decimal.NewFromInt(10)), "default cap applies")
}

func TestAdminCreditRejectsBadCategory(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/admin/credit", CreditRequest{
		Account:          "acct-1",
		ResourceTypeID:   7,
		ResourceTypeName: "fire_essence",
		Category:         "potion",
		Amount:           decimal.NewFromInt(1),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAdminSetOverwrites(t *testing.T) {
	srv, _ := newTestServer(t)
	creditAccount(t, srv, "acct-1", "fire_essence", 5)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/admin/set", SetBalanceRequest{
		Account:          "acct-1",
		ResourceTypeID:   7,
		ResourceTypeName: "fire_essence",
		Category:         "head",
		Amount:           decimal.NewFromInt(2),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	var dto BalanceDTO
	decodeInto(t, body, &dto)
	assert.True(t, dto.CurrentAmount.Equal(decimal.NewFromInt(2)))
}

func TestBuffLifecycleOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)

	grant := GrantBuffRequest{
		ResourceTypeID: 7,
		SourceID:       "helm-9",
		SourceType:     "equipment",
		RateMultiplier: decimal.RequireFromString("1.25"),
		CapBonus:       decimal.NewFromInt(5),
	}

	// First grant creates.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/accounts/acct-1/buffs", grant)
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
	var granted GrantBuffResponse
	decodeInto(t, body, &granted)
	assert.True(t, granted.Created)

	// Second grant finds the existing row.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/accounts/acct-1/buffs", grant)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, body, &granted)
	assert.False(t, granted.Created)

	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/accounts/acct-1/buffs/7", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var agg AggregateDTO
	decodeInto(t, body, &agg)
	assert.True(t, agg.EffectiveRateMultiplier.Equal(decimal.RequireFromString("1.25")))
	assert.Len(t, agg.ActiveSources, 1)

	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/accounts/acct-1/buffs/7/helm-9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var revoked RevokeBuffResponse
	decodeInto(t, body, &revoked)
	assert.True(t, revoked.Removed)

	// Revoking again reports nothing removed, still 200.
	resp, body = doJSON(t, http.MethodDelete, srv.URL+"/api/accounts/acct-1/buffs/7/helm-9", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	decodeInto(t, body, &revoked)
	assert.False(t, revoked.Removed)
}

func TestImpactPreview(t *testing.T) {
	srv, _ := newTestServer(t)
	creditAccount(t, srv, "acct-1", "fire_essence", 12)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/accounts/acct-1/buffs", GrantBuffRequest{
		ResourceTypeID: 7,
		SourceID:       "helm-9",
		SourceType:     "equipment",
		RateMultiplier: decimal.NewFromInt(1),
		CapBonus:       decimal.NewFromInt(5),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	// 12 banked against a base cap of 10: removing the +5 forfeits 2.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/accounts/acct-1/buffs/7/helm-9/impact", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	var impact ImpactDTO
	decodeInto(t, body, &impact)
	assert.True(t, impact.WillLoseEssence)
	// 2.0 plus the sliver accrued between the two requests.
	assert.True(t, impact.LossAmount.GreaterThanOrEqual(decimal.NewFromInt(2)), "got %s", impact.LossAmount)
	assert.True(t, impact.LossAmount.LessThan(decimal.RequireFromString("2.001")))

	// Unknown buff is a 404.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/accounts/acct-1/buffs/7/no-such-buff/impact", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestImpactPreviewDoesNotWrite(t *testing.T) {
	srv, store := newTestServer(t)
	creditAccount(t, srv, "acct-1", "fire_essence", 12)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/accounts/acct-1/buffs", GrantBuffRequest{
		ResourceTypeID: 7,
		SourceID:       "ring-3",
		SourceType:     "equipment",
		RateMultiplier: decimal.NewFromInt(1),
		CapBonus:       decimal.Zero,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	before, err := store.FindBalance(context.Background(), "acct-1", "fire_essence")
	require.NoError(t, err)
	require.NotNil(t, before)

	// The banked 12 sits over the effective cap of 10. Looking at the
	// impact must not clamp or re-stamp the stored row.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/accounts/acct-1/buffs/7/ring-3/impact", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	after, err := store.FindBalance(context.Background(), "acct-1", "fire_essence")
	require.NoError(t, err)
	require.NotNil(t, after)
	assert.True(t, after.AccumulatedAmount.Equal(before.AccumulatedAmount),
		"stored amount changed from %s to %s", before.AccumulatedAmount, after.AccumulatedAmount)
	assert.True(t, after.LastSnapshotTime.Equal(before.LastSnapshotTime))
}

func TestMarketFlowOverHTTP(t *testing.T) {
	srv, _ := newTestServer(t)
	creditAccount(t, srv, "seller", "fire_essence", 9)

	// List 8 of the 9.
	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/market/listings", CreateListingRequest{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(8),
		PricePerUnit:     decimal.NewFromInt(100),
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode, "body: %s", body)
	var listing ListingDTO
	decodeInto(t, body, &listing)
	assert.Equal(t, "active", listing.Status)

	// It shows up in the browse surface.
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/market/listings?search=fire", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var browse []ListingDTO
	decodeInto(t, body, &browse)
	require.Len(t, browse, 1)
	assert.Equal(t, listing.ID, browse[0].ID)

	// Partial purchase.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/"+listing.ID+"/purchase", PurchaseRequest{
		Buyer:    "buyer",
		Quantity: decimal.NewFromInt(3),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	var purchase PurchaseDTO
	decodeInto(t, body, &purchase)
	assert.True(t, purchase.TotalCost.Equal(decimal.NewFromInt(300)))

	// Buying more than the remainder is a conflict.
	resp, _ = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/"+listing.ID+"/purchase", PurchaseRequest{
		Buyer:    "buyer",
		Quantity: decimal.NewFromInt(6),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	// Cancel returns the remainder to the seller.
	resp, body = doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/"+listing.ID+"/cancel", map[string]string{"seller": "seller"})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)
	decodeInto(t, body, &listing)
	assert.Equal(t, "cancelled", listing.Status)

	// 9 - 8 listed + 5 returned = 6 (plus a sliver of accrual at the
	// default 0.1/day rate, far below one unit in this test's runtime).
	resp, body = doJSON(t, http.MethodGet, srv.URL+"/api/accounts/seller/balances", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var balances []BalanceDTO
	decodeInto(t, body, &balances)
	require.Len(t, balances, 1)
	assert.True(t, balances[0].CurrentAmount.GreaterThanOrEqual(decimal.NewFromInt(6)))
	assert.True(t, balances[0].CurrentAmount.LessThan(decimal.RequireFromString("6.001")))

	// Both sides see the purchase in their history.
	for _, account := range []string{"buyer", "seller"} {
		resp, body = doJSON(t, http.MethodGet, fmt.Sprintf("%s/api/accounts/%s/purchases", srv.URL, account), nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		var history []PurchaseDTO
		decodeInto(t, body, &history)
		require.Len(t, history, 1, "history for %s", account)
		assert.Equal(t, purchase.ID, history[0].ID)
	}
}

func TestListingOverdraftIsConflict(t *testing.T) {
	srv, _ := newTestServer(t)
	creditAccount(t, srv, "seller", "fire_essence", 2)

	resp, body := doJSON(t, http.MethodPost, srv.URL+"/api/market/listings", CreateListingRequest{
		Seller:           "seller",
		ResourceTypeName: "fire_essence",
		Quantity:         decimal.NewFromInt(5),
		PricePerUnit:     decimal.NewFromInt(1),
	})
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "body: %s", body)
}

func TestBrowseListingsRejectsBadPagination(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, srv.URL+"/api/market/listings?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = doJSON(t, http.MethodGet, srv.URL+"/api/market/listings?offset=1.5", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPurchaseUnknownListingIs404(t *testing.T) {
	srv, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodPost, srv.URL+"/api/market/listings/nope/purchase", PurchaseRequest{
		Buyer:    "buyer",
		Quantity: decimal.NewFromInt(1),
	})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestConfigRoundTrip(t *testing.T) {
	srv, store := newTestServer(t)

	// Defaults before anything is saved.
	resp, body := doJSON(t, http.MethodGet, srv.URL+"/api/config", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var cfg ConfigDTO
	decodeInto(t, body, &cfg)
	assert.True(t, cfg.BaseCap.Equal(decimal.NewFromInt(10)))

	resp, body = doJSON(t, http.MethodPut, srv.URL+"/api/config", UpdateConfigRequest{
		BaseRatePerDay: decimal.RequireFromString("0.5"),
		BaseCap:        decimal.NewFromInt(50),
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, "body: %s", body)

	saved, err := store.LoadConfig(context.Background())
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.True(t, saved.BaseCap.Equal(decimal.NewFromInt(50)))

	// Negative tuning is rejected.
	resp, _ = doJSON(t, http.MethodPut, srv.URL+"/api/config", UpdateConfigRequest{
		BaseRatePerDay: decimal.NewFromInt(-1),
		BaseCap:        decimal.NewFromInt(50),
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
