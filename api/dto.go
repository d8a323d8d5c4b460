/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the internal domain model from the external API contract, allowing:
  - Field renaming without breaking clients
  - API-specific validation
  - Version evolution

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients

TYPES:
  Balances:
    BalanceDTO, CreditRequest, SetBalanceRequest

  Buffs:
    BuffDTO, GrantBuffRequest, GrantBuffResponse, RevokeBuffResponse,
    AggregateDTO

  Impact:
    ImpactDTO

  Market:
    ListingDTO, CreateListingRequest, PurchaseRequest, PurchaseDTO

  Config:
    ConfigDTO, UpdateConfigRequest

DECIMALS:
  All quantities are shopspring decimals; they marshal as quoted strings so
  clients never see float rounding.

VALIDATION:
  Structural validation is done in handlers; domain validation lives in the
  essence and market packages. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - essence/types.go: Domain records these map from
*/
package api

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/cogforge/essence-engine/essence"
	"github.com/cogforge/essence-engine/market"
)

// =============================================================================
// REQUEST/RESPONSE TYPES
// =============================================================================

// BalanceDTO represents a projected balance in API responses.
type BalanceDTO struct {
	ID               string          `json:"id"`
	Account          string          `json:"account"`
	ResourceTypeID   int64           `json:"resource_type_id"`
	ResourceTypeName string          `json:"resource_type_name"`
	Category         string          `json:"category"`
	CurrentAmount    decimal.Decimal `json:"current_amount"`
	RatePerDay       decimal.Decimal `json:"rate_per_day"`
	Cap              decimal.Decimal `json:"cap"`
	AtCap            bool            `json:"at_cap"`
	LastSnapshotTime string          `json:"last_snapshot_time"`
	LastUpdated      string          `json:"last_updated,omitempty"`
}

// CreditRequest is the admin request to add to a balance.
type CreditRequest struct {
	Account          string          `json:"account"`
	ResourceTypeID   int64           `json:"resource_type_id"`
	ResourceTypeName string          `json:"resource_type_name"`
	Category         string          `json:"category"`
	Amount           decimal.Decimal `json:"amount"`
}

// SetBalanceRequest is the admin request to overwrite a balance.
type SetBalanceRequest struct {
	Account          string          `json:"account"`
	ResourceTypeID   int64           `json:"resource_type_id"`
	ResourceTypeName string          `json:"resource_type_name"`
	Category         string          `json:"category"`
	Amount           decimal.Decimal `json:"amount"`
}

// BuffDTO represents an active buff source.
type BuffDTO struct {
	ID             string            `json:"id"`
	Account        string            `json:"account"`
	ResourceTypeID int64             `json:"resource_type_id"`
	SourceID       string            `json:"source_id"`
	SourceType     string            `json:"source_type"`
	RateMultiplier decimal.Decimal   `json:"rate_multiplier"`
	CapBonus       decimal.Decimal   `json:"cap_bonus"`
	AppliedAt      string            `json:"applied_at"`
	ExpiresAt      *string           `json:"expires_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// GrantBuffRequest is the request to grant a buff.
type GrantBuffRequest struct {
	ResourceTypeID int64             `json:"resource_type_id"`
	SourceID       string            `json:"source_id"`
	SourceType     string            `json:"source_type"`
	RateMultiplier decimal.Decimal   `json:"rate_multiplier"`
	CapBonus       decimal.Decimal   `json:"cap_bonus"`
	ExpiresAt      *string           `json:"expires_at,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// GrantBuffResponse reports whether the grant created a new buff or hit an
// existing one.
type GrantBuffResponse struct {
	Created bool    `json:"created"`
	Buff    BuffDTO `json:"buff"`
}

// RevokeBuffResponse reports whether a buff was actually removed.
type RevokeBuffResponse struct {
	Removed bool `json:"removed"`
}

// AggregateDTO is the combined effect of all live buffs for one
// (account, resource type) pair.
type AggregateDTO struct {
	EffectiveRateMultiplier decimal.Decimal `json:"effective_rate_multiplier"`
	CapBonus                decimal.Decimal `json:"cap_bonus"`
	ActiveSources           []BuffDTO       `json:"active_sources"`
}

// ImpactDTO describes what removing a buff would do to a balance.
type ImpactDTO struct {
	Account          string          `json:"account"`
	ResourceTypeID   int64           `json:"resource_type_id"`
	ResourceTypeName string          `json:"resource_type_name"`
	SourceID         string          `json:"source_id"`
	CurrentCap       decimal.Decimal `json:"current_cap"`
	NewCap           decimal.Decimal `json:"new_cap"`
	CurrentAmount    decimal.Decimal `json:"current_amount"`
	NewAmount        decimal.Decimal `json:"new_amount"`
	LossAmount       decimal.Decimal `json:"loss_amount"`
	WillLoseEssence  bool            `json:"will_lose_essence"`
}

// ListingDTO represents a marketplace listing. Quantity is the REMAINING
// quantity held in escrow.
type ListingDTO struct {
	ID               string          `json:"id"`
	Seller           string          `json:"seller"`
	ResourceTypeID   int64           `json:"resource_type_id"`
	ResourceTypeName string          `json:"resource_type_name"`
	Category         string          `json:"category"`
	Quantity         decimal.Decimal `json:"quantity"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit"`
	ListingFee       decimal.Decimal `json:"listing_fee"`
	ListedAt         string          `json:"listed_at"`
	ExpiresAt        *string         `json:"expires_at,omitempty"`
	Status           string          `json:"status"`
}

// CreateListingRequest is the request to place a listing.
type CreateListingRequest struct {
	Seller           string          `json:"seller"`
	ResourceTypeName string          `json:"resource_type_name"`
	Quantity         decimal.Decimal `json:"quantity"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit"`
	DurationHours    int             `json:"duration_hours,omitempty"`
	DurationFee      decimal.Decimal `json:"duration_fee,omitempty"`
}

// PurchaseRequest is the request to buy from a listing.
type PurchaseRequest struct {
	Buyer    string          `json:"buyer"`
	Quantity decimal.Decimal `json:"quantity"`
}

// PurchaseDTO represents a completed purchase.
type PurchaseDTO struct {
	ID               string          `json:"id"`
	ListingID        string          `json:"listing_id"`
	Buyer            string          `json:"buyer"`
	Seller           string          `json:"seller"`
	ResourceTypeName string          `json:"resource_type_name"`
	Quantity         decimal.Decimal `json:"quantity"`
	PricePerUnit     decimal.Decimal `json:"price_per_unit"`
	TotalCost        decimal.Decimal `json:"total_cost"`
	PurchasedAt      string          `json:"purchased_at"`
}

// ConfigDTO represents the global accrual tuning.
type ConfigDTO struct {
	BaseRatePerDay decimal.Decimal `json:"base_rate_per_day"`
	BaseCap        decimal.Decimal `json:"base_cap"`
	LastUpdated    string          `json:"last_updated,omitempty"`
}

// UpdateConfigRequest is the admin request to change accrual tuning.
type UpdateConfigRequest struct {
	BaseRatePerDay decimal.Decimal `json:"base_rate_per_day"`
	BaseCap        decimal.Decimal `json:"base_cap"`
}

// ScenarioDTO describes one loadable demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Category    string `json:"category"`
}

// LoadScenarioRequest names the scenario to load.
type LoadScenarioRequest struct {
	ScenarioID string `json:"scenario_id"`
}

// CurrentScenarioDTO reports the last loaded scenario, empty when none.
type CurrentScenarioDTO struct {
	ScenarioID string `json:"scenario_id"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

// =============================================================================
// CONVERSION HELPERS
// =============================================================================

func toBalanceDTO(pb essence.ProjectedBalance) BalanceDTO {
	return BalanceDTO{
		ID:               pb.ID,
		Account:          string(pb.Account),
		ResourceTypeID:   pb.ResourceTypeID,
		ResourceTypeName: pb.ResourceTypeName,
		Category:         string(pb.Category),
		CurrentAmount:    pb.CurrentAmount,
		RatePerDay:       pb.RatePerDay,
		Cap:              pb.Cap,
		AtCap:            pb.AtCap,
		LastSnapshotTime: pb.LastSnapshotTime.UTC().Format(time.RFC3339),
		LastUpdated:      pb.LastUpdated.UTC().Format(time.RFC3339),
	}
}

func toBuffDTO(b essence.BuffSource) BuffDTO {
	dto := BuffDTO{
		ID:             b.ID,
		Account:        string(b.Account),
		ResourceTypeID: b.ResourceTypeID,
		SourceID:       b.SourceID,
		SourceType:     b.SourceType,
		RateMultiplier: b.RateMultiplierContribution,
		CapBonus:       b.CapBonus,
		AppliedAt:      b.AppliedAt.UTC().Format(time.RFC3339),
		Metadata:       b.Metadata,
	}
	if b.ExpiresAt != nil {
		s := b.ExpiresAt.UTC().Format(time.RFC3339)
		dto.ExpiresAt = &s
	}
	return dto
}

func toBuffDTOs(buffs []essence.BuffSource) []BuffDTO {
	dtos := make([]BuffDTO, len(buffs))
	for i, b := range buffs {
		dtos[i] = toBuffDTO(b)
	}
	return dtos
}

func toImpactDTO(impact essence.CapChangeImpact) ImpactDTO {
	return ImpactDTO{
		Account:          string(impact.Account),
		ResourceTypeID:   impact.ResourceTypeID,
		ResourceTypeName: impact.ResourceTypeName,
		SourceID:         impact.SourceID,
		CurrentCap:       impact.CurrentCap,
		NewCap:           impact.NewCap,
		CurrentAmount:    impact.CurrentAmount,
		NewAmount:        impact.NewAmount,
		LossAmount:       impact.LossAmount,
		WillLoseEssence:  impact.WillLoseEssence,
	}
}

func toListingDTO(l market.Listing) ListingDTO {
	dto := ListingDTO{
		ID:               l.ID,
		Seller:           string(l.Seller),
		ResourceTypeID:   l.ResourceTypeID,
		ResourceTypeName: l.ResourceTypeName,
		Category:         string(l.Category),
		Quantity:         l.Quantity,
		PricePerUnit:     l.PricePerUnit,
		ListingFee:       l.ListingFee,
		ListedAt:         l.ListedAt.UTC().Format(time.RFC3339),
		Status:           string(l.Status),
	}
	if l.ExpiresAt != nil {
		s := l.ExpiresAt.UTC().Format(time.RFC3339)
		dto.ExpiresAt = &s
	}
	return dto
}

func toListingDTOs(listings []market.Listing) []ListingDTO {
	dtos := make([]ListingDTO, len(listings))
	for i, l := range listings {
		dtos[i] = toListingDTO(l)
	}
	return dtos
}

func toPurchaseDTO(p market.PurchaseRecord) PurchaseDTO {
	return PurchaseDTO{
		ID:               p.ID,
		ListingID:        p.ListingID,
		Buyer:            string(p.Buyer),
		Seller:           string(p.Seller),
		ResourceTypeName: p.ResourceTypeName,
		Quantity:         p.Quantity,
		PricePerUnit:     p.PricePerUnit,
		TotalCost:        p.TotalCost,
		PurchasedAt:      p.PurchasedAt.UTC().Format(time.RFC3339),
	}
}

func toPurchaseDTOs(purchases []market.PurchaseRecord) []PurchaseDTO {
	dtos := make([]PurchaseDTO, len(purchases))
	for i, p := range purchases {
		dtos[i] = toPurchaseDTO(p)
	}
	return dtos
}
