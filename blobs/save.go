package blobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/handle"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/telemetry"
)

// Save outcomes recorded in telemetry.
const (
	outcomePersisted   = "persisted"
	outcomeFallback    = "fallback"
	outcomeStorageFull = "storage_full"
	outcomeStale       = "stale"
)

// SaveBlob stores a payload under (table, id) and returns a handle to it.
//
// The cache is updated and subscribers notified before any I/O, so the new
// value is visible at once. The persistent write then races
// Config.PersistTimeout; if it fails or is too slow the payload is written
// to the fallback store as a data URL and the cached handle becomes that
// inline value, which survives a restart. A write that finishes after its
// timeout still lands and purges the fallback entry if no newer save for
// the key has started.
//
// field names the record field holding the payload. The default field
// "data" replaces the whole record; any other field is merged into the
// existing record.
//
// The only storage error returned is blobcache.ErrStorageFull, when both
// tiers rejected the payload; the cache entry is removed in that case. A
// save overtaken by a newer save for the same key returns the newer handle.
func (m *Manager) SaveBlob(ctx context.Context, table, id string, p blobcache.Payload, field string) (handle.Handle, error) {
	if err := m.begin(); err != nil {
		return "", err
	}
	defer m.wg.Done()

	if field == "" {
		field = store.DefaultPayloadField
	}
	start := time.Now()

	data, mimeType, err := m.payloadBytes(ctx, p)
	if err != nil {
		return "", err
	}

	k := key{table, id}
	gen := m.nextGeneration(k)
	m.rememberField(table, field)
	// Readers must not join a load that started before this write.
	m.loads.Forget(k.String())

	logger := m.logger.With("table", table, "id", id, "generation", gen)

	h := m.cache.Registry().Create(data, mimeType)
	if !m.commitOptimistic(k, gen, h) {
		m.settle(k)
		telemetry.RecordStaleCompletion(ctx, "optimistic")
		telemetry.RecordSave(ctx, table, outcomeStale, int64(len(data)), time.Since(start))
		return m.current(k), nil
	}
	m.broadcast(ctx)

	done := make(chan error, 1)
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		done <- m.persist(context.WithoutCancel(ctx), k, field, gen, data, mimeType)
	}()

	timer := time.NewTimer(m.config.PersistTimeout)
	defer timer.Stop()

	var (
		cause    error
		timedOut bool
	)
	select {
	case err := <-done:
		m.settle(k)
		switch {
		case err == nil:
			out, stale := m.commitPersisted(ctx, k, gen, h, logger)
			telemetry.RecordSave(ctx, table, saveOutcome(outcomePersisted, stale), int64(len(data)), time.Since(start))
			return out, nil
		case errors.Is(err, store.ErrStaleRevision):
			// A newer write already reached the persistent tier.
			telemetry.RecordStaleCompletion(ctx, "persist")
			telemetry.RecordSave(ctx, table, outcomeStale, int64(len(data)), time.Since(start))
			return m.current(k), nil
		default:
			cause = fmt.Errorf("%w: %w", blobcache.ErrPersistentException, err)
		}
	case <-timer.C:
		cause = blobcache.ErrPersistentTimeout
		timedOut = true
	}

	logger.WarnContext(ctx, "persistent write failed, using fallback", "error", cause)

	out, stale, err := m.commitFallback(ctx, k, gen, data, mimeType, logger)
	if timedOut {
		m.wg.Add(1)
		go m.awaitLate(context.WithoutCancel(ctx), k, gen, done, logger)
	}
	if err != nil {
		telemetry.RecordSave(ctx, table, outcomeStorageFull, int64(len(data)), time.Since(start))
		return "", err
	}
	telemetry.RecordSave(ctx, table, saveOutcome(outcomeFallback, stale), int64(len(data)), time.Since(start))
	return out, nil
}

func saveOutcome(outcome string, stale bool) string {
	if stale {
		return outcomeStale
	}
	return outcome
}

// payloadBytes turns any payload variant into bytes. References are read
// through the cache, one level deep.
func (m *Manager) payloadBytes(ctx context.Context, p blobcache.Payload) ([]byte, string, error) {
	switch p.Kind() {
	case blobcache.KindRaw, blobcache.KindInline:
		return p.Bytes()
	case blobcache.KindReference:
		ref := p.Reference()
		h, ok := m.GetBlob(ctx, ref.Table, ref.ID)
		if !ok {
			return nil, "", fmt.Errorf("%w: %s not found", blobcache.ErrUnsupportedPayload, ref)
		}
		data, mimeType, err := m.Open(h)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %s: %w", blobcache.ErrUnsupportedPayload, ref, err)
		}
		return data, mimeType, nil
	default:
		return nil, "", fmt.Errorf("%w: empty payload", blobcache.ErrUnsupportedPayload)
	}
}

// commitOptimistic publishes the new handle if gen is still current. On
// false the handle has been released.
func (m *Manager) commitOptimistic(k key, gen int64, h handle.Handle) bool {
	ks := m.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !m.isLatest(k, gen) {
		m.cache.Registry().Release(h)
		return false
	}
	m.cache.Set(k.table, k.id, h)
	return true
}

// persist writes the payload to the persistent tier with gen as revision.
func (m *Manager) persist(ctx context.Context, k key, field string, gen int64, data []byte, mimeType string) error {
	p := blobcache.Raw(data, mimeType)
	if field == store.DefaultPayloadField {
		return m.persistent.Put(ctx, k.table, &store.Record{
			ID:       k.id,
			Fields:   map[string]blobcache.Payload{field: p},
			MimeType: mimeType,
			Revision: gen,
		})
	}
	return m.persistent.Update(ctx, k.table, k.id, store.Patch{
		Fields:   map[string]blobcache.Payload{field: p},
		Revision: gen,
	})
}

// commitPersisted purges the fallback entry after a timely persistent write.
func (m *Manager) commitPersisted(ctx context.Context, k key, gen int64, h handle.Handle, logger *slog.Logger) (handle.Handle, bool) {
	ks := m.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !m.isLatest(k, gen) {
		telemetry.RecordStaleCompletion(ctx, "persist")
		return m.current(k), true
	}
	if err := m.fallback.RemoveItem(fallbackKey(k)); err != nil {
		logger.WarnContext(ctx, "failed to purge fallback entry", "error", err)
	}
	return h, false
}

// commitFallback writes the payload to the fallback store and swaps the
// cached handle for the inline one. If the fallback store rejects the write
// the cache entry is removed and ErrStorageFull returned.
func (m *Manager) commitFallback(ctx context.Context, k key, gen int64, data []byte, mimeType string, logger *slog.Logger) (handle.Handle, bool, error) {
	ks := m.state(k)
	ks.mu.Lock()
	if !m.isLatest(k, gen) {
		ks.mu.Unlock()
		telemetry.RecordStaleCompletion(ctx, "fallback")
		return m.current(k), true, nil
	}

	inline := blobcache.EncodeDataURL(mimeType, data)
	if err := m.fallback.SetItem(fallbackKey(k), inline); err != nil {
		m.cache.Delete(k.table, k.id)
		ks.mu.Unlock()
		logger.ErrorContext(ctx, "fallback write failed, blob not stored", "error", err)
		m.broadcast(ctx)
		return "", false, fmt.Errorf("%w: %w", blobcache.ErrStorageFull, err)
	}

	h := handle.Handle(inline)
	m.cache.Set(k.table, k.id, h)
	ks.mu.Unlock()
	m.broadcast(ctx)
	return h, false, nil
}

// awaitLate settles a persistent write that outlived its timeout. If no
// newer save has started, the persistent copy is now authoritative and the
// fallback entry is purged; otherwise the result is discarded.
func (m *Manager) awaitLate(ctx context.Context, k key, gen int64, done <-chan error, logger *slog.Logger) {
	defer m.wg.Done()
	err := <-done
	defer m.settle(k)

	if err != nil {
		logger.InfoContext(ctx, "late persistent write failed", "error", err)
		return
	}

	ks := m.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !m.isLatest(k, gen) {
		telemetry.RecordStaleCompletion(ctx, "late_persist")
		logger.DebugContext(ctx, "discarding late persistent write for superseded generation")
		return
	}
	if err := m.fallback.RemoveItem(fallbackKey(k)); err != nil {
		logger.WarnContext(ctx, "failed to purge fallback entry after late write", "error", err)
		return
	}
	logger.InfoContext(ctx, "late persistent write landed, fallback entry purged")
}
