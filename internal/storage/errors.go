package storage

import "errors"

// Sentinel errors shared by the ride store and the rating ledger. Callers
// wrap them with detail and match with errors.Is.
var (
	// ErrInvalidInput means a required field was missing or malformed.
	ErrInvalidInput = errors.New("invalid input")
	// ErrNotFound means the referenced ride does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInvalidState means the ride is not in a state that allows the
	// requested transition.
	ErrInvalidState = errors.New("invalid state")
	// ErrForbidden means the actor is not a participant allowed to act on
	// the ride.
	ErrForbidden = errors.New("forbidden")
	// ErrDuplicate means the rater already rated this ride.
	ErrDuplicate = errors.New("duplicate")
)
