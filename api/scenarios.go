/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:

	Provides pre-built scenarios that populate the database with realistic
	data for testing and demos. Each scenario creates accounts, balances,
	buffs and marketplace activity that demonstrate specific features.

AVAILABLE SCENARIOS:

	fresh-forgemaster: One account with half-filled balances, no buffs
	buffed-grinder:    Stacked buffs, one expiring soon, balance near cap
	market-day:        Several sellers, open listings, purchase history

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Save the engine config the scenario assumes
 3. Seed balances with backdated snapshots so accrual is visible
 4. Grant buffs / place listings as the scenario calls for

USAGE VIA API:

	POST /api/scenarios/load
	{"scenario_id": "market-day"}

NOTE:

	Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - server.go: route registration
  - handlers.go: the Handler these loaders hang off
*/
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/cogforge/essence-engine/essence"
	"github.com/cogforge/essence-engine/market"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "fresh-forgemaster",
		Name:        "Fresh Forgemaster",
		Description: "One account, half-filled balances, no buffs",
		Category:    "ledger",
	},
	{
		ID:          "buffed-grinder",
		Name:        "Buffed Grinder",
		Description: "Stacked rate and cap buffs, one expiring within the hour",
		Category:    "buffs",
	},
	{
		ID:          "market-day",
		Name:        "Market Day",
		Description: "Open listings across categories plus settled trades",
		Category:    "market",
	},
}

// resettable is implemented by stores that can wipe themselves for a demo.
type resettable interface {
	Reset(ctx context.Context) error
}

// =============================================================================
// SCENARIO HANDLERS
// =============================================================================

// ListScenarios returns the available demo scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario reports which scenario was loaded last, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	writeJSON(w, http.StatusOK, CurrentScenarioDTO{ScenarioID: current})
}

// LoadScenario wipes the store and seeds it with the named scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	store, ok := h.Store.(resettable)
	if !ok {
		writeError(w, http.StatusNotImplemented, "Backend does not support scenario loading", nil)
		return
	}

	ctx := r.Context()
	if err := store.Reset(ctx); err != nil {
		h.writeDomainError(w, "Failed to reset store", err)
		return
	}

	var err error
	switch req.ScenarioID {
	case "fresh-forgemaster":
		err = h.loadFreshForgemaster(ctx)
	case "buffed-grinder":
		err = h.loadBuffedGrinder(ctx)
	case "market-day":
		err = h.loadMarketDay(ctx)
	default:
		writeError(w, http.StatusNotFound, fmt.Sprintf("Unknown scenario %q", req.ScenarioID), nil)
		return
	}
	if err != nil {
		h.writeDomainError(w, "Failed to load scenario", err)
		return
	}

	h.scenarioMu.Lock()
	h.currentScenario = req.ScenarioID
	h.scenarioMu.Unlock()

	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")
	writeJSON(w, http.StatusOK, CurrentScenarioDTO{ScenarioID: req.ScenarioID})
}

// =============================================================================
// LOADERS
// =============================================================================

// loadFreshForgemaster seeds one account with two balances snapshotted six
// hours ago, so the demo frontend shows them visibly ticking upward.
func (h *Handler) loadFreshForgemaster(ctx context.Context) error {
	if err := h.Store.SaveConfig(ctx, essence.EngineConfig{
		BaseRatePerDay: decimal.NewFromInt(4),
		BaseCap:        decimal.NewFromInt(10),
		LastUpdated:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	snapshot := time.Now().UTC().Add(-6 * time.Hour)
	seeds := []struct {
		typeID   int64
		name     string
		category essence.ResourceCategory
		amount   string
	}{
		{1, "ember_essence", essence.CategoryHead, "5.0"},
		{2, "tide_essence", essence.CategoryBody, "3.5"},
	}
	for _, s := range seeds {
		amount, err := decimal.NewFromString(s.amount)
		if err != nil {
			return err
		}
		if _, _, err := h.Ledger.GetOrCreate(ctx, "demo-forgemaster", s.typeID, s.name, s.category, amount, snapshot); err != nil {
			return err
		}
	}
	return nil
}

// loadBuffedGrinder seeds an account sitting just under its buffed cap,
// with one buff about to lapse so the impact preview has something to warn
// about.
func (h *Handler) loadBuffedGrinder(ctx context.Context) error {
	if err := h.Store.SaveConfig(ctx, essence.EngineConfig{
		BaseRatePerDay: decimal.NewFromInt(2),
		BaseCap:        decimal.NewFromInt(10),
		LastUpdated:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	if _, _, err := h.Ledger.GetOrCreate(ctx, "demo-grinder", 1, "ember_essence", essence.CategoryHead,
		decimal.RequireFromString("13.5"), now.Add(-time.Hour)); err != nil {
		return err
	}

	soon := now.Add(time.Hour)
	grants := []essence.GrantInput{
		{
			Account:                    "demo-grinder",
			ResourceTypeID:             1,
			SourceID:                   "molten-helm",
			SourceType:                 "equipment",
			RateMultiplierContribution: decimal.RequireFromString("1.25"),
			CapBonus:                   decimal.NewFromInt(5),
		},
		{
			Account:                    "demo-grinder",
			ResourceTypeID:             1,
			SourceID:                   "festival-brazier",
			SourceType:                 "event",
			RateMultiplierContribution: decimal.RequireFromString("1.10"),
			CapBonus:                   decimal.NewFromInt(2),
			ExpiresAt:                  &soon,
		},
	}
	for _, g := range grants {
		if _, err := h.Buffs.Grant(ctx, g, now); err != nil {
			return err
		}
	}
	return nil
}

// loadMarketDay seeds two sellers with stock, a spread of open listings,
// one already-lapsed listing for the sweeper, and a settled trade.
func (h *Handler) loadMarketDay(ctx context.Context) error {
	if err := h.Store.SaveConfig(ctx, essence.EngineConfig{
		BaseRatePerDay: decimal.NewFromInt(1),
		BaseCap:        decimal.NewFromInt(50),
		LastUpdated:    time.Now().UTC(),
	}); err != nil {
		return err
	}

	now := time.Now().UTC()
	stock := []struct {
		account  essence.AccountID
		typeID   int64
		name     string
		category essence.ResourceCategory
		amount   int64
	}{
		{"demo-alchemist", 1, "ember_essence", essence.CategoryHead, 30},
		{"demo-alchemist", 3, "void_shard", essence.CategoryItem, 12},
		{"demo-tinker", 2, "tide_essence", essence.CategoryBody, 18},
	}
	for _, s := range stock {
		if _, _, err := h.Ledger.GetOrCreate(ctx, s.account, s.typeID, s.name, s.category,
			decimal.NewFromInt(s.amount), now.Add(-2*time.Hour)); err != nil {
			return err
		}
	}

	listings := []market.ListInput{
		{Seller: "demo-alchemist", ResourceTypeName: "ember_essence", Quantity: decimal.NewFromInt(10), PricePerUnit: decimal.NewFromInt(8)},
		{Seller: "demo-alchemist", ResourceTypeName: "void_shard", Quantity: decimal.NewFromInt(4), PricePerUnit: decimal.NewFromInt(40), Duration: 72 * time.Hour, DurationFee: decimal.NewFromInt(2)},
		{Seller: "demo-tinker", ResourceTypeName: "tide_essence", Quantity: decimal.NewFromInt(6), PricePerUnit: decimal.NewFromInt(12)},
	}
	firstID := ""
	for i, in := range listings {
		l, err := h.Escrow.List(ctx, in, now.Add(-time.Hour))
		if err != nil {
			return err
		}
		if i == 0 {
			firstID = l.ID
		}
	}

	// Lapsed on arrival; the sweeper will release it back to the seller.
	if _, err := h.Escrow.List(ctx, market.ListInput{
		Seller:           "demo-tinker",
		ResourceTypeName: "tide_essence",
		Quantity:         decimal.NewFromInt(3),
		PricePerUnit:     decimal.NewFromInt(15),
		Duration:         30 * time.Minute,
	}, now.Add(-time.Hour)); err != nil {
		return err
	}

	// One settled trade so purchase history is populated.
	_, err := h.Escrow.Purchase(ctx, "demo-tinker", firstID, decimal.NewFromInt(4), now.Add(-30*time.Minute))
	return err
}
