package cache

import "errors"

// Sentinel errors returned by the cache manager. Callers match them with errors.Is.
var (
	// ErrManagerClosed is returned when an operation is attempted on a closed manager.
	ErrManagerClosed = errors.New("cache manager is closed")

	// ErrSequenceNotFound is returned when the named sequence is not registered.
	ErrSequenceNotFound = errors.New("sequence not found")

	// ErrSequenceExists is returned by CreateSequence when the id is already taken.
	ErrSequenceExists = errors.New("sequence already exists")
)
