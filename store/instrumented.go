package store

import (
	"context"
	"errors"
	"time"

	"github.com/wolfeidau/blobcache"
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

func (is *InstrumentedStore) Get(ctx context.Context, table, id string) (*Record, error) {
	start := time.Now()
	rec, err := is.store.Get(ctx, table, id)
	telemetry.RecordStoreOp(ctx, telemetry.TierPersistent, "get", outcomeFromError(err), time.Since(start), 0)
	return rec, err
}

func (is *InstrumentedStore) Put(ctx context.Context, table string, rec *Record) error {
	start := time.Now()
	err := is.store.Put(ctx, table, rec)
	telemetry.RecordStoreOp(ctx, telemetry.TierPersistent, "put", outcomeFromError(err), time.Since(start), recordSize(rec.Fields))
	return err
}

func (is *InstrumentedStore) Update(ctx context.Context, table, id string, patch Patch) error {
	start := time.Now()
	err := is.store.Update(ctx, table, id, patch)
	telemetry.RecordStoreOp(ctx, telemetry.TierPersistent, "update", outcomeFromError(err), time.Since(start), recordSize(patch.Fields))
	return err
}

func (is *InstrumentedStore) ScanAll(ctx context.Context, table string) ([]*Record, error) {
	start := time.Now()
	recs, err := is.store.ScanAll(ctx, table)
	telemetry.RecordStoreOp(ctx, telemetry.TierPersistent, "scan", outcomeFromError(err), time.Since(start), 0)
	return recs, err
}

func (is *InstrumentedStore) Delete(ctx context.Context, table, id string) error {
	start := time.Now()
	err := is.store.Delete(ctx, table, id)
	telemetry.RecordStoreOp(ctx, telemetry.TierPersistent, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStaleRevision):
		return "stale"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "error"
	}
}

func recordSize(fields map[string]blobcache.Payload) int64 {
	var n int64
	for _, p := range fields {
		n += int64(len(p.Data()))
	}
	return n
}

var _ Store = (*InstrumentedStore)(nil)
