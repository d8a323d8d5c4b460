/*
accrual.go - Pure accrual math

PURPOSE:
  The single formula that converts a stored snapshot into a current value.
  Every caller - API read path, ledger write path, marketplace escrow -
  goes through these functions, so no two callers can ever disagree on
  "what the balance is right now".

CONTRACT:
  elapsedDays = (now - lastSnapshot) / 86,400,000 ms
  projected   = accumulated + ratePerDay * elapsedDays
  current     = min(projected, cap)

  Monotone non-decreasing in now for ratePerDay >= 0, always <= cap.
  Negative elapsed time (clock skew, backdated reads) is clamped to zero:
  projection never moves a balance backwards.
*/
package essence

import (
	"time"

	"github.com/shopspring/decimal"
)

// millisPerDay is the projection denominator: accrual rates are expressed
// per 24-hour day regardless of calendar or timezone.
const millisPerDay = 86_400_000

var (
	msPerDayDec = decimal.NewFromInt(millisPerDay)

	// capEpsilon absorbs floating-point noise at the cap boundary when
	// inputs originate from float conversions.
	capEpsilon = decimal.New(1, -9) // 1e-9
)

// ProjectedAmount computes the current value of a snapshot at "now".
//
// Returns ErrInvalidArgument for a negative accumulated amount, rate or cap.
// ratePerDay of zero yields the accumulated amount unchanged.
func ProjectedAmount(accumulated, ratePerDay decimal.Decimal, lastSnapshot time.Time, cap decimal.Decimal, now time.Time) (decimal.Decimal, error) {
	if accumulated.IsNegative() {
		return decimal.Zero, &InvalidArgumentError{Op: "ProjectedAmount", Reason: "negative accumulated amount"}
	}
	if ratePerDay.IsNegative() {
		return decimal.Zero, &InvalidArgumentError{Op: "ProjectedAmount", Reason: "negative rate"}
	}
	if cap.IsNegative() {
		return decimal.Zero, &InvalidArgumentError{Op: "ProjectedAmount", Reason: "negative cap"}
	}

	elapsedMs := now.Sub(lastSnapshot).Milliseconds()
	if elapsedMs < 0 {
		elapsedMs = 0
	}

	elapsedDays := decimal.NewFromInt(elapsedMs).Div(msPerDayDec)
	projected := accumulated.Add(ratePerDay.Mul(elapsedDays))
	if projected.GreaterThan(cap) {
		return cap, nil
	}
	return projected, nil
}

// IsAtCap reports whether amount has reached the cap, within epsilon.
// Used to short-circuit further accrual once full.
func IsAtCap(amount, cap decimal.Decimal) bool {
	return amount.GreaterThanOrEqual(cap.Sub(capEpsilon))
}

// ApplyIncrease credits a discrete delta onto a current value, clamped to
// cap. Deltas must be >= 0; decreases use a separate path (SetAbsolute)
// so accidental sign errors cannot silently drain a balance. The ledger's
// own Credit is cap-agnostic; this is for callers that want a capped
// discrete credit.
func ApplyIncrease(current, delta, cap decimal.Decimal) (decimal.Decimal, error) {
	if delta.IsNegative() {
		return decimal.Zero, &InvalidArgumentError{Op: "ApplyIncrease", Reason: "negative delta"}
	}
	next := current.Add(delta)
	if next.GreaterThan(cap) {
		return cap, nil
	}
	return next, nil
}
