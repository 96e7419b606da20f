package blobcache

import "errors"

var (
	// ErrReferenceMalformed is returned by ParseReference for values that are
	// not blob references. It is never fatal: callers treat the value as
	// literal inline data.
	ErrReferenceMalformed = errors.New("malformed blob reference")

	// ErrPersistentTimeout is recorded when a persistent write does not
	// complete within the configured timeout. It triggers the fallback tier.
	ErrPersistentTimeout = errors.New("persistent store write timed out")

	// ErrPersistentException wraps any other persistent store failure. It
	// triggers the fallback tier.
	ErrPersistentException = errors.New("persistent store write failed")

	// ErrStorageFull is the only failure surfaced by a save: both the
	// persistent and fallback tiers rejected the payload.
	ErrStorageFull = errors.New("storage full")

	// ErrUnsupportedPayload is returned when a payload cannot be turned into
	// bytes (for example an inline value that is not a data URL).
	ErrUnsupportedPayload = errors.New("unsupported payload")
)
