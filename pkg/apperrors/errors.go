// Package apperrors defines the sentinel errors shared across the storage
// stack. Store implementations wrap them with context via fmt.Errorf and %w;
// callers branch with errors.Is.
package apperrors

import "errors"

var (
	// ErrNotFound indicates the requested entity has no index entry.
	ErrNotFound = errors.New("entity not found")

	// ErrStaleEntity indicates an optimistic-concurrency loss: the submitted
	// version is behind the currently stored version. Callers may re-fetch
	// and re-apply; the engine never retries on its own.
	ErrStaleEntity = errors.New("stale entity version")

	// ErrVersionSequence indicates a submitted version that is neither
	// current nor current+1 (a skipped or repeated version). This is an
	// integration error, not an expected race.
	ErrVersionSequence = errors.New("non-sequential entity version")

	// ErrDuplicateKey indicates a create for an id, property name, or
	// association key that already exists.
	ErrDuplicateKey = errors.New("duplicate key")

	// ErrValidation indicates a malformed entity or property value, rejected
	// before any store is touched.
	ErrValidation = errors.New("validation failed")

	// ErrDataAccess wraps transport and backend failures so that callers do
	// not need to know which physical storage technology misbehaved.
	ErrDataAccess = errors.New("data access failure")
)
