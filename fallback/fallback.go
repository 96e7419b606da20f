// Package fallback provides the degraded local key/value tier used when the
// persistent store is unavailable. Values are data URL strings keyed by
// blobcache.FallbackKey; the tier is synchronous and capacity bounded.
package fallback

import (
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("fallback: not found")

	// ErrCapacityExceeded is returned when a write would take the store over
	// its capacity. The store is left unchanged.
	ErrCapacityExceeded = errors.New("fallback: capacity exceeded")
)

// Store is a synchronous string key/value store.
// Implementations must be safe for concurrent use.
type Store interface {
	// GetItem returns the value for key. Returns ErrNotFound if it does not exist.
	GetItem(key string) (string, error)

	// SetItem stores value at key, replacing any previous value.
	// Returns ErrCapacityExceeded if the value does not fit.
	SetItem(key, value string) error

	// RemoveItem deletes key. Returns nil if it does not exist.
	RemoveItem(key string) error

	// Keys returns every key with the given prefix in lexical order.
	Keys(prefix string) ([]string, error)
}

// itemSize is the number of bytes an entry counts against capacity.
func itemSize(key, value string) int64 {
	return int64(len(key) + len(value))
}
