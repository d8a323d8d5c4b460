/*
config.go - Engine configuration: base generation rate and base capacity

The base rate and cap apply to every resource type; buffs modify them per
(account, resource-type). Stored as a single row so admins can retune the
economy without a deploy.
*/
package essence

import (
	"time"

	"github.com/shopspring/decimal"
)

// EngineConfig holds the economy-wide accrual parameters.
type EngineConfig struct {
	// BaseRatePerDay is the unbuffed generation rate for every resource
	// type, in units per 24h day.
	BaseRatePerDay decimal.Decimal

	// BaseCap is the unbuffed maximum a balance may hold.
	BaseCap decimal.Decimal

	LastUpdated time.Time
}

// DefaultConfig returns the shipped economy parameters.
func DefaultConfig() EngineConfig {
	return EngineConfig{
		BaseRatePerDay: decimal.NewFromFloat(0.1),
		BaseCap:        decimal.NewFromInt(10),
	}
}

// EffectiveRate folds a buff aggregate into the per-day generation rate.
func (c EngineConfig) EffectiveRate(agg BuffAggregate) decimal.Decimal {
	return c.BaseRatePerDay.Mul(agg.EffectiveRateMultiplier)
}

// EffectiveCap folds a buff aggregate into the capacity.
func (c EngineConfig) EffectiveCap(agg BuffAggregate) decimal.Decimal {
	return c.BaseCap.Add(agg.CapBonus)
}

// Validate rejects configurations the accrual math cannot accept.
func (c EngineConfig) Validate() error {
	if c.BaseRatePerDay.IsNegative() {
		return &InvalidArgumentError{Op: "EngineConfig", Reason: "negative base rate"}
	}
	if c.BaseCap.IsNegative() {
		return &InvalidArgumentError{Op: "EngineConfig", Reason: "negative base cap"}
	}
	return nil
}
