package model

import "errors"

// Error taxonomy for the engine. Services wrap these with context via
// fmt.Errorf("...: %w", err); the API layer dispatches on errors.Is.
var (
	// ErrValidation marks a malformed order, amount, or request.
	ErrValidation = errors.New("validation failed")

	// ErrUnauthorized marks an action attempted by the wrong actor.
	ErrUnauthorized = errors.New("not authorized for this operation")

	// ErrInvalidState marks a transition that is not legal from the
	// record's current state.
	ErrInvalidState = errors.New("invalid state for this operation")

	// ErrConcurrentModification marks a lost compare-and-swap race.
	// Callers re-read current state and retry; it is never surfaced to
	// end users as a failure.
	ErrConcurrentModification = errors.New("concurrent modification")

	// ErrInsufficientFunds marks a failed custody lock.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAlreadyResolved marks a second resolution attempt on a dispute.
	ErrAlreadyResolved = errors.New("dispute already resolved")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")
)
