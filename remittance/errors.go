/*
errors.go - Centralized error types for the remittance engine

PURPOSE:

	All error types in one place so callers (the HTTP layer in particular)
	can map every failure to one of the outcome classes:

	  Invariant violation  - fatal for this attempt, requires a Repair (422)
	  Lock contention      - transient, caller backs off and retries (409)
	  Payload validation   - rejected before any write (400)
	  Authorization        - permission class, never retried (401/403)

	An idempotent replay is NOT an error. It is a successful Result with
	Idempotent set.

USAGE:

	if remittance.IsLockError(err) {
	    // retry later
	}
	var inv *remittance.InvariantError
	if errors.As(err, &inv) && inv.Code == remittance.CodeSum { ... }

SEE ALSO:
  - invariants.go: Produces InvariantError
  - lock.go: Produces LockError
  - api/handlers.go: Maps errors to HTTP status codes
*/
package remittance

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrParentNotFound is returned when the parent transaction does not exist
	// in the caller's organization.
	ErrParentNotFound = errors.New("parent transaction not found")

	// ErrRecordNotFound is returned when a parent has never been processed.
	ErrRecordNotFound = errors.New("remittance record not found")

	// ErrNotInbound is returned when Process/Repair target a parent whose
	// declared type, direction or sign is not an inbound collection.
	ErrNotInbound = errors.New("parent transaction is not an inbound remittance")

	// ErrInvalidTransition is returned when an operation is not allowed from
	// the remittance's current status.
	ErrInvalidTransition = errors.New("operation not allowed in current remittance status")

	// ErrUnauthenticated is returned when no verified identity is present.
	ErrUnauthenticated = errors.New("unauthenticated")

	// ErrPermissionDenied is returned when the caller is not an admin of the org.
	ErrPermissionDenied = errors.New("permission denied")

	// ErrLockHeld is returned when another operation holds the lease.
	ErrLockHeld = errors.New("remittance is locked by another operation")

	// ErrLeaseLost is returned when the lease expired or was stolen while the
	// operation was still running. The final status write is skipped.
	ErrLeaseLost = errors.New("remittance lease lost during operation")

	// ErrInvalidPayload is returned for missing or non-finite fields.
	ErrInvalidPayload = errors.New("invalid payload")

	// ErrDuplicateChild is returned when a child id already exists.
	ErrDuplicateChild = errors.New("duplicate child transaction id")

	// ErrInvariantViolation is returned when R-SUM-1 or R-COUNT-1 fails.
	ErrInvariantViolation = errors.New("remittance invariant violated")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvariantCode is the stable identifier of a financial invariant.
type InvariantCode string

const (
	CodeSum   InvariantCode = "R-SUM-1"
	CodeCount InvariantCode = "R-COUNT-1"
)

// InvariantError reports a financial inconsistency.
type InvariantError struct {
	Code     InvariantCode
	Expected int64
	Actual   int64
	Message  string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s (expected %d, got %d)", e.Code, e.Message, e.Expected, e.Actual)
}

func (e *InvariantError) Unwrap() error {
	return ErrInvariantViolation
}

// LockError reports that the lease for Key could not be acquired.
type LockError struct {
	Key string
}

func (e *LockError) Error() string {
	return fmt.Sprintf("lock %q is held by another operation", e.Key)
}

func (e *LockError) Unwrap() error {
	return ErrLockHeld
}

// ValidationError reports a rejected payload field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidPayload
}

// TransitionError reports an operation attempted from a status that does not
// allow it.
type TransitionError struct {
	Operation Operation
	From      Status
	Hint      string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("cannot %s a remittance in status %q", e.Operation, e.From)
	if e.Hint != "" {
		msg += ": " + e.Hint
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsLockError returns true if the lease was held by someone else.
func IsLockError(err error) bool {
	var lockErr *LockError
	return errors.As(err, &lockErr) || errors.Is(err, ErrLockHeld)
}

// IsRetryable returns true if the error might succeed on retry.
func IsRetryable(err error) bool {
	return IsLockError(err) || errors.Is(err, ErrLeaseLost)
}

// IsInvariantViolation returns true for R-SUM-1 / R-COUNT-1 failures.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}

// IsPermission returns true for authentication and authorization failures.
func IsPermission(err error) bool {
	return errors.Is(err, ErrPermissionDenied) || errors.Is(err, ErrUnauthenticated)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidPayload) ||
		errors.Is(err, ErrInvalidTransition) ||
		errors.Is(err, ErrNotInbound)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrParentNotFound) || errors.Is(err, ErrRecordNotFound)
}
