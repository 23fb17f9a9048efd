package closet

import "errors"

// Closet error types.
var (
	// ErrIntegrity indicates a blob or range-fetch response failed
	// validation (wrong status, malformed Content-Range, bad length,
	// or a content hash mismatch). Data that trips this error is never
	// cached.
	ErrIntegrity = errors.New("integrity check failed")

	// ErrTransport indicates a manifest or blob fetch failed at the
	// HTTP layer. Retry policy belongs to the caller.
	ErrTransport = errors.New("transport failure")

	// ErrBlobNotFound is returned when the vault has no payload for a hash.
	ErrBlobNotFound = errors.New("blob not found")

	// ErrMetaNotFound is returned when the closet DB has no row for a hash.
	ErrMetaNotFound = errors.New("blob metadata not found")

	// ErrLockOverlap is raised by the strict lock provider when two
	// critical sections for the same name are observed overlapping.
	// It only exists to fail tests; the FIFO provider never returns it.
	ErrLockOverlap = errors.New("lock serialization violated")
)
