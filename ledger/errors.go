/*
errors.go - Centralized error types for the punch ledger

PURPOSE:
  Every engine operation either succeeds or fails with one of the errors
  below. Callers branch with errors.Is / errors.As; the API layer maps them
  to HTTP status codes in one place.

ERROR CATEGORIES:
  1. Client errors - InvalidInput, InvalidAmount, InvalidTier, Conflict,
     InsufficientPunches (surfaced, never retried)
  2. Lookup errors - NotFound, AmbiguousIdentifier
  3. Infrastructure - StoreUnavailable (transient, caller may retry)
  4. Internal - ConcurrentModification (retried inside the engine)

SEE ALSO:
  - engine.go: Retry loop for ErrConcurrentModification
  - api/handlers.go: Error to HTTP status mapping
*/
package ledger

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidInput is returned for malformed or missing required fields.
	ErrInvalidInput = errors.New("invalid input")

	// ErrConflict is returned when a phone or email already belongs to a customer.
	ErrConflict = errors.New("conflict")

	// ErrNotFound is returned when a customer id or identifier does not resolve.
	ErrNotFound = errors.New("customer not found")

	// ErrAmbiguousIdentifier is returned when one identifier matches several customers.
	ErrAmbiguousIdentifier = errors.New("ambiguous identifier")

	// ErrInvalidAmount is returned when a purchase amount does not qualify.
	ErrInvalidAmount = errors.New("invalid amount")

	// ErrInvalidTier is returned when a redemption names an unconfigured tier.
	ErrInvalidTier = errors.New("invalid reward tier")

	// ErrInsufficientPunches is returned when the balance is below the tier threshold.
	ErrInsufficientPunches = errors.New("insufficient punches")

	// ErrStoreUnavailable is returned for transient storage failures and timeouts.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrConcurrentModification is returned by stores when the compare-and-swap
	// on Customer.Version fails. The engine retries it before giving up.
	ErrConcurrentModification = errors.New("concurrent modification detected")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// ValidationError names the offending field of an invalid request.
type ValidationError struct {
	Field   string
	Message string
	kind    error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.kind, e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return e.kind }

func invalidInput(field, msg string) error {
	return &ValidationError{Field: field, Message: msg, kind: ErrInvalidInput}
}

func invalidAmount(msg string) error {
	return &ValidationError{Field: "amount", Message: msg, kind: ErrInvalidAmount}
}

// ConflictError reports which unique field collided on signup.
type ConflictError struct {
	Field string // "phone" or "email"
	Value string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("customer with this %s already exists", e.Field)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// InsufficientPunchesError provides details about a punch shortage.
type InsufficientPunchesError struct {
	CustomerID CustomerID
	Available  int
	Required   int
}

func (e *InsufficientPunchesError) Error() string {
	return fmt.Sprintf("not enough punches: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientPunchesError) Unwrap() error { return ErrInsufficientPunches }

// InvalidTierError carries the rejected threshold.
type InvalidTierError struct {
	Threshold int
}

func (e *InvalidTierError) Error() string {
	return fmt.Sprintf("invalid reward tier: %d", e.Threshold)
}

func (e *InvalidTierError) Unwrap() error { return ErrInvalidTier }

// StoreUnavailableError wraps the infrastructure failure behind ErrStoreUnavailable.
// It matches both ErrStoreUnavailable and its cause with errors.Is.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, ErrStoreUnavailable)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, ErrStoreUnavailable, e.Err)
}

func (e *StoreUnavailableError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrStoreUnavailable}
	}
	return []error{ErrStoreUnavailable, e.Err}
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the caller may retry with backoff.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable) || errors.Is(err, ErrConcurrentModification)
}

// IsClientError returns true if the error is due to the request itself.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrInvalidTier) ||
		errors.Is(err, ErrConflict) ||
		errors.Is(err, ErrInsufficientPunches)
}

// IsNotFound returns true if the error indicates a missing customer.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// Code returns a stable machine-readable code for err.
func Code(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrInvalidAmount):
		return "invalid_amount"
	case errors.Is(err, ErrInvalidTier):
		return "invalid_tier"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrAmbiguousIdentifier):
		return "ambiguous_identifier"
	case errors.Is(err, ErrInsufficientPunches):
		return "insufficient_punches"
	case errors.Is(err, ErrStoreUnavailable), errors.Is(err, ErrConcurrentModification):
		return "store_unavailable"
	default:
		return "internal"
	}
}
