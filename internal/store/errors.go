package store

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrRevisionConflict means an optimistic write lost the race; the
	// caller re-reads and retries.
	ErrRevisionConflict = errors.New("revision conflict")

	// ErrValidation covers out-of-range values rejected before they reach
	// the database. Trust writes outside [0,1] surface this rather than
	// being silently clamped.
	ErrValidation = errors.New("validation failed")
)
