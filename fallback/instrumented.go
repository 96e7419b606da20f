package fallback

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/blobcache/telemetry"
)

// InstrumentedStore wraps a Store with metrics recording.
type InstrumentedStore struct {
	store Store
}

// NewInstrumentedStore creates a new instrumented store wrapper.
func NewInstrumentedStore(s Store) *InstrumentedStore {
	return &InstrumentedStore{store: s}
}

func (is *InstrumentedStore) GetItem(key string) (string, error) {
	start := time.Now()
	v, err := is.store.GetItem(key)
	record("get", err, time.Since(start), int64(len(v)))
	return v, err
}

func (is *InstrumentedStore) SetItem(key, value string) error {
	start := time.Now()
	err := is.store.SetItem(key, value)
	record("set", err, time.Since(start), int64(len(value)))
	return err
}

func (is *InstrumentedStore) RemoveItem(key string) error {
	start := time.Now()
	err := is.store.RemoveItem(key)
	record("remove", err, time.Since(start), 0)
	return err
}

func (is *InstrumentedStore) Keys(prefix string) ([]string, error) {
	start := time.Now()
	keys, err := is.store.Keys(prefix)
	record("keys", err, time.Since(start), 0)
	return keys, err
}

// Unwrap returns the underlying store.
func (is *InstrumentedStore) Unwrap() Store {
	return is.store
}

// The fallback API carries no context; metrics are recorded against the
// background context.
func record(op string, err error, d time.Duration, bytes int64) {
	telemetry.RecordStoreOp(context.Background(), telemetry.TierFallback, op, outcomeFromError(err), d, bytes)
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrCapacityExceeded):
		return "capacity_exceeded"
	default:
		return "error"
	}
}

var _ Store = (*InstrumentedStore)(nil)
