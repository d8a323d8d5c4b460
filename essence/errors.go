/*
errors.go - Centralized error types for the essence engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Consumers (API layer, marketplace) wrap these with transport context.

ERROR CATEGORIES:
  1. InvalidArgument - malformed input (non-positive credit, bad category)
  2. NotFound        - addressed listing/buff/record does not exist
  3. InsufficientFunds - requested quantity exceeds the resolved balance
  4. Conflict        - concurrent mutation of the same key; retryable

USAGE:
  if errors.Is(err, essence.ErrInsufficientFunds) { ... }

  var insuf *essence.InsufficientFundsError
  if errors.As(err, &insuf) {
      fmt.Println(insuf.Available, insuf.Requested)
  }
*/
package essence

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidArgument is returned for malformed inputs: non-positive
	// credit amounts, negative absolute targets, negative rates, unknown
	// resource categories.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotFound is returned when an operation addresses a listing, buff
	// or record that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInsufficientFunds is returned when a listing or purchase requests
	// more quantity than is available after accrual resolution.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrConflict is returned on a transaction-level write conflict from
	// concurrent mutation of the same key. Callers retry the whole
	// transaction from scratch, not just the write.
	ErrConflict = errors.New("write conflict")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidArgumentError names the operation and what was wrong with its input.
type InvalidArgumentError struct {
	Op     string
	Reason string
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Reason)
}

func (e *InvalidArgumentError) Unwrap() error { return ErrInvalidArgument }

// InsufficientFundsError provides details about a quantity shortage.
type InsufficientFundsError struct {
	Account          AccountID
	ResourceTypeName string
	Available        decimal.Decimal
	Requested        decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("insufficient %s: available %s, requested %s",
		e.ResourceTypeName, e.Available, e.Requested)
}

func (e *InsufficientFundsError) Unwrap() error { return ErrInsufficientFunds }

// NotFoundError identifies what was missing.
type NotFoundError struct {
	Kind string // "listing", "buff", "balance", "config"
	Key  string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %s not found", e.Kind, e.Key)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsClientError returns true if the error is due to invalid client input
// rather than a system failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidArgument) ||
		errors.Is(err, ErrInsufficientFunds)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
