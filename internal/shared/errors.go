package shared

import "errors"

var (
	// ErrNotFound indicates the resource does not exist within the caller's scope.
	ErrNotFound = errors.New("not found")
	// ErrValidation indicates malformed or inconsistent input.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthenticated indicates a missing or invalid session or tenant.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrInvalidTransition indicates a status change not permitted from the current status.
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrConflict indicates a duplicate or replayed request.
	ErrConflict = errors.New("conflict")
)
