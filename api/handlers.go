/*
handlers.go - HTTP API handlers for the essence engine

PURPOSE:
  Exposes the accrual ledger, buff registry, and escrow marketplace via REST
  API. Handles HTTP request/response, JSON serialization, and delegates to
  domain logic.

ENDPOINTS:
  Accounts:
    GET    /api/accounts/{addr}/balances          Projected balances (now)
    GET    /api/accounts/{addr}/buffs/{typeID}    Aggregated buff effect
    POST   /api/accounts/{addr}/buffs             Grant a buff
    DELETE /api/accounts/{addr}/buffs/{typeID}/{sourceID}  Revoke a buff
    POST   /api/accounts/{addr}/buffs/{typeID}/{sourceID}/impact
                                                  Cap impact preview
    GET    /api/accounts/{addr}/listings          Seller's listings
    GET    /api/accounts/{addr}/purchases         Purchase history

  Market:
    GET    /api/market/listings                   Browse active listings
    POST   /api/market/listings                   Place a listing (escrow)
    POST   /api/market/listings/{id}/purchase     Buy from a listing
    POST   /api/market/listings/{id}/cancel       Cancel own listing

  Admin:
    POST   /api/admin/credit                      Add to a balance
    POST   /api/admin/set                         Overwrite a balance
    GET    /api/config                            Read accrual tuning
    PUT    /api/config                            Change accrual tuning

ARCHITECTURE:
  Handler struct holds all dependencies:
  - Backend: storage plus both transaction runners
  - Ledger/Buffs/Escrow: domain services
  - Log: structured logger

ERROR HANDLING:
  Domain errors map to HTTP status:
  - 400: invalid argument
  - 404: not found
  - 409: insufficient funds
  - 503: write conflict after retries exhausted
  - 500: everything else
  Conflicted writes are retried a few times before giving up; the retry
  lives here so domain code stays oblivious to it.

SECURITY NOTE:
  Currently NO authentication or authorization. All endpoints are public.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
  - checkpoint.go: Background accrual resolution
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/cogforge/essence-engine/essence"
	"github.com/cogforge/essence-engine/market"
)

// conflictRetries bounds how often a handler re-runs a write that lost a
// race before reporting 503.
const conflictRetries = 3

// Backend is the storage surface handlers need: direct reads plus both
// transaction runners. Satisfied by sqlite.Store and memory.Store.
type Backend interface {
	market.Store
	essence.TxRunner
	market.TxRunner
}

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  Backend
	Ledger *essence.Ledger
	Buffs  *essence.Buffs
	Escrow *market.Escrow
	Log    *logrus.Logger

	// currentScenario names the demo scenario loaded last, see scenarios.go.
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a new handler wired to the given backend.
func NewHandler(store Backend, log *logrus.Logger) *Handler {
	return &Handler{
		Store:  store,
		Ledger: essence.NewLedger(store),
		Buffs:  essence.NewBuffs(store),
		Escrow: market.NewEscrow(store, log),
		Log:    log,
	}
}

// =============================================================================
// BALANCE HANDLERS
// =============================================================================

// GetBalances returns all balances for an account, projected to now.
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	account := essence.AccountID(chi.URLParam(r, "addr"))
	if account == "" {
		writeError(w, http.StatusBadRequest, "Account is required", nil)
		return
	}

	balances, err := h.Ledger.Balances(r.Context(), account, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, "Failed to project balances", err)
		return
	}

	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// BUFF HANDLERS
// =============================================================================

// GetBuffAggregate returns the combined buff effect for one resource type.
func (h *Handler) GetBuffAggregate(w http.ResponseWriter, r *http.Request) {
	account := essence.AccountID(chi.URLParam(r, "addr"))
	typeID, err := strconv.ParseInt(chi.URLParam(r, "typeID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid resource type id", err)
		return
	}

	agg, err := h.Buffs.Aggregate(r.Context(), account, typeID, time.Now().UTC())
	if err != nil {
		h.writeDomainError(w, "Failed to aggregate buffs", err)
		return
	}

	writeJSON(w, http.StatusOK, AggregateDTO{
		EffectiveRateMultiplier: agg.EffectiveRateMultiplier,
		CapBonus:                agg.CapBonus,
		ActiveSources:           toBuffDTOs(agg.ActiveSources),
	})
}

// GrantBuff grants a buff; a repeated grant for the same source is a no-op
// that returns the existing buff.
func (h *Handler) GrantBuff(w http.ResponseWriter, r *http.Request) {
	account := essence.AccountID(chi.URLParam(r, "addr"))

	var req GrantBuffRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := essence.GrantInput{
		Account:                    account,
		ResourceTypeID:             req.ResourceTypeID,
		SourceID:                   req.SourceID,
		SourceType:                 req.SourceType,
		RateMultiplierContribution: req.RateMultiplier,
		CapBonus:                   req.CapBonus,
		Metadata:                   req.Metadata,
	}
	if req.ExpiresAt != nil {
		t, err := time.Parse(time.RFC3339, *req.ExpiresAt)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid expires_at format (use RFC 3339)", err)
			return
		}
		in.ExpiresAt = &t
	}

	var res essence.GrantResult
	err := h.withConflictRetry(func() error {
		var err error
		res, err = h.Buffs.Grant(r.Context(), in, time.Now().UTC())
		return err
	})
	if err != nil {
		h.writeDomainError(w, "Failed to grant buff", err)
		return
	}

	status := http.StatusOK
	if res.Created {
		status = http.StatusCreated
	}
	writeJSON(w, status, GrantBuffResponse{
		Created: res.Created,
		Buff:    toBuffDTO(res.Source),
	})
}

// RevokeBuff removes a buff. Revoking an absent buff is not an error; the
// response just reports removed=false.
func (h *Handler) RevokeBuff(w http.ResponseWriter, r *http.Request) {
	account := essence.AccountID(chi.URLParam(r, "addr"))
	typeID, err := strconv.ParseInt(chi.URLParam(r, "typeID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid resource type id", err)
		return
	}
	sourceID := chi.URLParam(r, "sourceID")

	var res essence.RevokeResult
	err = h.withConflictRetry(func() error {
		var err error
		res, err = h.Buffs.Revoke(r.Context(), account, typeID, sourceID)
		return err
	})
	if err != nil {
		h.writeDomainError(w, "Failed to revoke buff", err)
		return
	}

	writeJSON(w, http.StatusOK, RevokeBuffResponse{Removed: res.Removed})
}

// =============================================================================
// IMPACT PREVIEW
// =============================================================================

// PreviewImpact reports what revoking a buff would do to the matching
// balance, without changing anything.
func (h *Handler) PreviewImpact(w http.ResponseWriter, r *http.Request) {
	account := essence.AccountID(chi.URLParam(r, "addr"))
	typeID, err := strconv.ParseInt(chi.URLParam(r, "typeID"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid resource type id", err)
		return
	}
	sourceID := chi.URLParam(r, "sourceID")

	ctx := r.Context()
	now := time.Now().UTC()

	cfg, err := essence.LoadConfigOrDefault(ctx, h.Store)
	if err != nil {
		h.writeDomainError(w, "Failed to load config", err)
		return
	}

	buffs, err := h.Store.ActiveBuffs(ctx, account, typeID)
	if err != nil {
		h.writeDomainError(w, "Failed to load buffs", err)
		return
	}

	var removed *essence.BuffSource
	for i := range buffs {
		if buffs[i].SourceID == sourceID && !buffs[i].Expired(now) {
			removed = &buffs[i]
			break
		}
	}
	if removed == nil {
		writeError(w, http.StatusNotFound, "Buff not found", nil)
		return
	}

	// Project pending accrual on the matching balance so the preview
	// reflects the amount the caller would actually lose. The projection
	// stays in memory; previewing must never write.
	balance, err := h.balanceByTypeID(r, account, typeID, now)
	if err != nil {
		h.writeDomainError(w, "Failed to project balance", err)
		return
	}

	impact := essence.AnalyzeRemoval(balance, buffs, *removed, cfg.BaseCap)
	if impact == nil {
		// No balance accrues this type yet, so nothing can be lost.
		writeJSON(w, http.StatusOK, ImpactDTO{
			Account:        string(account),
			ResourceTypeID: typeID,
			SourceID:       sourceID,
		})
		return
	}

	writeJSON(w, http.StatusOK, toImpactDTO(*impact))
}

func (h *Handler) balanceByTypeID(r *http.Request, account essence.AccountID, typeID int64, now time.Time) (*essence.BalanceRecord, error) {
	records, err := h.Store.BalancesByAccount(r.Context(), account)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if rec.ResourceTypeID == typeID {
			pb, err := essence.ProjectTx(r.Context(), h.Store, rec, now)
			if err != nil {
				return nil, err
			}
			rec.AccumulatedAmount = pb.CurrentAmount
			return &rec, nil
		}
	}
	return nil, nil
}

// =============================================================================
// MARKET HANDLERS
// =============================================================================

// BrowseListings returns active listings matching the query filters.
func (h *Handler) BrowseListings(w http.ResponseWriter, r *http.Request) {
	var f market.Filter
	if c := r.URL.Query().Get("category"); c != "" {
		cat, err := essence.ParseCategory(c)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid category", err)
			return
		}
		f.Category = &cat
	}
	f.Search = r.URL.Query().Get("search")
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid limit", err)
			return
		}
		f.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "Invalid offset", err)
			return
		}
		f.Offset = n
	}

	listings, err := h.Store.ActiveListings(r.Context(), f)
	if err != nil {
		h.writeDomainError(w, "Failed to browse listings", err)
		return
	}
	writeJSON(w, http.StatusOK, toListingDTOs(listings))
}

// CreateListing moves quantity from the seller's balance into escrow.
func (h *Handler) CreateListing(w http.ResponseWriter, r *http.Request) {
	var req CreateListingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	in := market.ListInput{
		Seller:           essence.AccountID(req.Seller),
		ResourceTypeName: req.ResourceTypeName,
		Quantity:         req.Quantity,
		PricePerUnit:     req.PricePerUnit,
		Duration:         time.Duration(req.DurationHours) * time.Hour,
		DurationFee:      req.DurationFee,
	}

	var listing *market.Listing
	err := h.withConflictRetry(func() error {
		var err error
		listing, err = h.Escrow.List(r.Context(), in, time.Now().UTC())
		return err
	})
	if err != nil {
		h.writeDomainError(w, "Failed to create listing", err)
		return
	}

	writeJSON(w, http.StatusCreated, toListingDTO(*listing))
}

// PurchaseListing buys quantity from a listing and credits the buyer.
func (h *Handler) PurchaseListing(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")

	var req PurchaseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var purchase *market.PurchaseRecord
	err := h.withConflictRetry(func() error {
		var err error
		purchase, err = h.Escrow.Purchase(r.Context(),
			essence.AccountID(req.Buyer), listingID, req.Quantity, time.Now().UTC())
		return err
	})
	if err != nil {
		h.writeDomainError(w, "Failed to purchase", err)
		return
	}

	writeJSON(w, http.StatusOK, toPurchaseDTO(*purchase))
}

// CancelListing returns the unsold remainder to the seller.
func (h *Handler) CancelListing(w http.ResponseWriter, r *http.Request) {
	listingID := chi.URLParam(r, "id")

	var req struct {
		Seller string `json:"seller"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	var listing *market.Listing
	err := h.withConflictRetry(func() error {
		var err error
		listing, err = h.Escrow.Cancel(r.Context(),
			essence.AccountID(req.Seller), listingID, time.Now().UTC())
		return err
	})
	if err != nil {
		h.writeDomainError(w, "Failed to cancel listing", err)
		return
	}

	writeJSON(w, http.StatusOK, toListingDTO(*listing))
}

// GetSellerListings returns all listings for an account, any status.
func (h *Handler) GetSellerListings(w http.ResponseWriter, r *http.Request) {
	account := essence.AccountID(chi.URLParam(r, "addr"))

	listings, err := h.Store.ListingsBySeller(r.Context(), account)
	if err != nil {
		h.writeDomainError(w, "Failed to list listings", err)
		return
	}
	writeJSON(w, http.StatusOK, toListingDTOs(listings))
}

// GetPurchaseHistory returns purchases where the account was buyer or seller.
func (h *Handler) GetPurchaseHistory(w http.ResponseWriter, r *http.Request) {
	account := essence.AccountID(chi.URLParam(r, "addr"))

	purchases, err := h.Store.PurchasesByAccount(r.Context(), account)
	if err != nil {
		h.writeDomainError(w, "Failed to load purchase history", err)
		return
	}
	writeJSON(w, http.StatusOK, toPurchaseDTOs(purchases))
}

// =============================================================================
// ADMIN HANDLERS
// =============================================================================

// CreditBalance adds to a balance (resolving pending accrual first).
func (h *Handler) CreditBalance(w http.ResponseWriter, r *http.Request) {
	var req CreditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	category, err := essence.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category", err)
		return
	}

	var rec *essence.BalanceRecord
	err = h.withConflictRetry(func() error {
		var err error
		rec, err = h.Ledger.Credit(r.Context(),
			essence.AccountID(req.Account), req.ResourceTypeID, req.ResourceTypeName,
			category, req.Amount, time.Now().UTC())
		return err
	})
	if err != nil {
		h.writeDomainError(w, "Failed to credit balance", err)
		return
	}

	h.Log.WithFields(logrus.Fields{
		"account":  req.Account,
		"resource": req.ResourceTypeName,
		"amount":   req.Amount.String(),
	}).Info("balance credited")

	writeJSON(w, http.StatusOK, recordToBalanceDTO(*rec))
}

// SetBalance overwrites a balance outright.
func (h *Handler) SetBalance(w http.ResponseWriter, r *http.Request) {
	var req SetBalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	category, err := essence.ParseCategory(req.Category)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid category", err)
		return
	}

	var rec *essence.BalanceRecord
	err = h.withConflictRetry(func() error {
		var err error
		rec, err = h.Ledger.SetAbsolute(r.Context(),
			essence.AccountID(req.Account), req.ResourceTypeID, req.ResourceTypeName,
			category, req.Amount, time.Now().UTC())
		return err
	})
	if err != nil {
		h.writeDomainError(w, "Failed to set balance", err)
		return
	}

	h.Log.WithFields(logrus.Fields{
		"account":  req.Account,
		"resource": req.ResourceTypeName,
		"amount":   req.Amount.String(),
	}).Info("balance overwritten")

	writeJSON(w, http.StatusOK, recordToBalanceDTO(*rec))
}

// =============================================================================
// CONFIG HANDLERS
// =============================================================================

// GetConfig returns the accrual tuning, falling back to defaults when none
// has been saved.
func (h *Handler) GetConfig(w http.ResponseWriter, r *http.Request) {
	cfg, err := essence.LoadConfigOrDefault(r.Context(), h.Store)
	if err != nil {
		h.writeDomainError(w, "Failed to load config", err)
		return
	}

	dto := ConfigDTO{
		BaseRatePerDay: cfg.BaseRatePerDay,
		BaseCap:        cfg.BaseCap,
	}
	if !cfg.LastUpdated.IsZero() {
		dto.LastUpdated = cfg.LastUpdated.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, dto)
}

// UpdateConfig changes the accrual tuning. Existing balances pick up the new
// rate and cap the next time they are read or written.
func (h *Handler) UpdateConfig(w http.ResponseWriter, r *http.Request) {
	var req UpdateConfigRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	cfg := essence.EngineConfig{
		BaseRatePerDay: req.BaseRatePerDay,
		BaseCap:        req.BaseCap,
		LastUpdated:    time.Now().UTC(),
	}
	if err := cfg.Validate(); err != nil {
		h.writeDomainError(w, "Invalid config", err)
		return
	}

	if err := h.Store.SaveConfig(r.Context(), cfg); err != nil {
		h.writeDomainError(w, "Failed to save config", err)
		return
	}

	h.Log.WithFields(logrus.Fields{
		"base_rate_per_day": cfg.BaseRatePerDay.String(),
		"base_cap":          cfg.BaseCap.String(),
	}).Info("engine config updated")

	writeJSON(w, http.StatusOK, ConfigDTO{
		BaseRatePerDay: cfg.BaseRatePerDay,
		BaseCap:        cfg.BaseCap,
		LastUpdated:    cfg.LastUpdated.Format(time.RFC3339),
	})
}

// =============================================================================
// HELPERS
// =============================================================================

// withConflictRetry re-runs fn while it fails with a write conflict.
func (h *Handler) withConflictRetry(fn func() error) error {
	var err error
	for attempt := 0; attempt < conflictRetries; attempt++ {
		err = fn()
		if err == nil || !essence.IsRetryable(err) {
			return err
		}
		time.Sleep(time.Duration(attempt+1) * 10 * time.Millisecond)
	}
	return err
}

func (h *Handler) writeDomainError(w http.ResponseWriter, message string, err error) {
	switch {
	case errors.Is(err, essence.ErrInvalidArgument):
		writeError(w, http.StatusBadRequest, message, err)
	case essence.IsNotFound(err):
		writeError(w, http.StatusNotFound, message, err)
	case errors.Is(err, essence.ErrInsufficientFunds):
		writeError(w, http.StatusConflict, message, err)
	case errors.Is(err, essence.ErrConflict):
		writeError(w, http.StatusServiceUnavailable, message, err)
	default:
		h.Log.WithError(err).Error(message)
		writeError(w, http.StatusInternalServerError, message, err)
	}
}

// recordToBalanceDTO renders a freshly written record. Rate and cap are not
// recomputed here; reads go through GetBalances for the projected view.
func recordToBalanceDTO(rec essence.BalanceRecord) BalanceDTO {
	return BalanceDTO{
		ID:               rec.ID,
		Account:          string(rec.Account),
		ResourceTypeID:   rec.ResourceTypeID,
		ResourceTypeName: rec.ResourceTypeName,
		Category:         string(rec.Category),
		CurrentAmount:    rec.AccumulatedAmount,
		RatePerDay:       decimal.Zero,
		Cap:              decimal.Zero,
		LastSnapshotTime: rec.LastSnapshotTime.UTC().Format(time.RFC3339),
		LastUpdated:      rec.LastUpdated.UTC().Format(time.RFC3339),
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
