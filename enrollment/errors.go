/*
errors.go - Centralized error types for the enrollment engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Callers branch on these with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Expected business outcomes - Full, CapacityExceeded, AlreadyActive,
     InvalidState, NotFound, ListingClosed. Safe to retry after re-reading.
  2. Authorization - Forbidden. Never retryable with the same identity.
  3. Infrastructure - ErrStorage. The atomic section has rolled back.

USAGE:
  p, err := engine.Join(ctx, "L1", "alice")
  switch {
  case errors.Is(err, enrollment.ErrFull):
      // "slot no longer available, please refresh"
  case errors.Is(err, enrollment.ErrAlreadyActive):
      // already joined, treat as a no-op
  }

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP status codes
*/
package enrollment

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrFull is returned when a self-service join finds no free slot.
	ErrFull = errors.New("listing is full")

	// ErrCapacityExceeded is returned when approving a pending request would
	// exceed capacity. The request stays pending.
	ErrCapacityExceeded = errors.New("capacity exceeded")

	// ErrAlreadyActive is returned when the participant already holds a
	// pending or approved participation for the listing.
	ErrAlreadyActive = errors.New("participation already active")

	// ErrInvalidState is returned when a transition is not legal from the
	// participation's current state.
	ErrInvalidState = errors.New("invalid participation state")

	// ErrNotFound is returned when no active participation exists.
	ErrNotFound = errors.New("participation not found")

	// ErrListingNotFound is returned when the listing store has no such listing.
	ErrListingNotFound = errors.New("listing not found")

	// ErrListingExists is returned when creating a listing whose ID is taken.
	ErrListingExists = errors.New("listing already exists")

	// ErrListingClosed is returned when the listing is expired or closed.
	ErrListingClosed = errors.New("listing closed")

	// ErrForbidden is returned when the caller is not the listing owner.
	ErrForbidden = errors.New("forbidden")

	// ErrStorage wraps every failure coming from a store.
	ErrStorage = errors.New("storage failure")

	// ErrInvalidInput is returned for malformed arguments.
	ErrInvalidInput = errors.New("invalid input")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// CapacityError reports a refused reservation. It unwraps to ErrFull for
// joins and to ErrCapacityExceeded for approvals.
type CapacityError struct {
	ListingID ListingID
	Capacity  int
	Approved  int
	kind      error
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%v: listing %s has %d/%d approved",
		e.kind, e.ListingID, e.Approved, e.Capacity)
}

func (e *CapacityError) Unwrap() error {
	return e.kind
}

// TransitionError reports an illegal state machine move.
type TransitionError struct {
	ID   ParticipationID
	From State
	To   State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("participation %s: cannot move from %s to %s", e.ID, e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidState
}

// ValidationError reports a malformed field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error {
	return ErrInvalidInput
}

// StorageError wraps a store failure with the operation that hit it.
func StorageError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrStorage) {
		return err
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the call might succeed after re-reading state.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrFull) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrInvalidState)
}

// IsClientError returns true if the error is an expected business outcome
// or bad input rather than an infrastructure failure.
func IsClientError(err error) bool {
	return errors.Is(err, ErrFull) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, ErrAlreadyActive) ||
		errors.Is(err, ErrInvalidState) ||
		errors.Is(err, ErrListingClosed) ||
		errors.Is(err, ErrListingExists) ||
		errors.Is(err, ErrInvalidInput)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, ErrListingNotFound)
}

func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

func IsInfrastructure(err error) bool {
	return errors.Is(err, ErrStorage)
}

// Code returns a stable machine token for an error, used by API clients.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrFull):
		return "full"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	case errors.Is(err, ErrAlreadyActive):
		return "already_active"
	case errors.Is(err, ErrInvalidState):
		return "invalid_state"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrListingNotFound):
		return "listing_not_found"
	case errors.Is(err, ErrListingClosed):
		return "listing_closed"
	case errors.Is(err, ErrListingExists):
		return "listing_exists"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrInvalidInput):
		return "invalid_input"
	case errors.Is(err, ErrStorage):
		return "storage"
	default:
		return "internal"
	}
}
