package blobs

import (
	"context"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/handle"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/telemetry"
)

// PreloadTable warms the cache with every blob in a table so later reads
// need no I/O. Each table is scanned at most once per Manager; later calls
// return 0 without touching either store.
//
// Records whose field holds raw bytes are cached unless the key already has
// a handle. Fallback entries for the table are overlaid on top, and stand in
// for the persistent tier entirely when its scan fails. Subscribers are
// notified once if anything was added. It returns the number of keys added.
func (m *Manager) PreloadTable(ctx context.Context, table, field string) int {
	if field == "" {
		field = store.DefaultPayloadField
	}

	m.mu.Lock()
	if m.preloaded[table] || m.closed {
		m.mu.Unlock()
		return 0
	}
	// Marked before the scan so a failed scan is not retried this session.
	m.preloaded[table] = true
	m.mu.Unlock()
	m.rememberField(table, field)

	start := time.Now()
	logger := m.logger.With("table", table)
	source := telemetry.TierPersistent

	inserted := make(map[string]handle.Handle)

	recs, err := m.persistent.ScanAll(ctx, table)
	if err != nil {
		logger.WarnContext(ctx, "table scan failed, preloading from fallback only", "error", err)
		source = telemetry.TierFallback
	}
	for _, rec := range recs {
		p, ok := rec.Payload(field)
		if !ok || p.Kind() != blobcache.KindRaw {
			continue
		}
		h := m.cache.Registry().Create(p.Data(), p.MimeType())
		if m.insertPreloaded(key{table, rec.ID}, h) {
			inserted[rec.ID] = h
		}
	}

	overlaid := m.overlayFallback(ctx, table, inserted)
	added := len(inserted) + overlaid

	telemetry.RecordPreload(ctx, table, source, added, time.Since(start))
	logger.DebugContext(ctx, "preloaded table", "source", source, "entries", added, "duration", time.Since(start))

	if added > 0 {
		m.broadcast(ctx)
	}
	return added
}

// insertPreloaded caches h unless the key already has a handle or a save is
// in progress for it. On false the handle has been released.
func (m *Manager) insertPreloaded(k key, h handle.Handle) bool {
	ks := m.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if m.pending(k) {
		m.cache.Registry().Release(h)
		return false
	}
	return m.cache.SetIfAbsent(k.table, k.id, h)
}

// overlayFallback caches the table's fallback entries, replacing handles
// this preload inserted from the persistent tier. It returns how many keys
// were newly added.
func (m *Manager) overlayFallback(ctx context.Context, table string, inserted map[string]handle.Handle) int {
	keys, err := m.fallback.Keys(blobcache.FallbackTablePrefix(table))
	if err != nil {
		m.logger.WarnContext(ctx, "listing fallback entries failed", "table", table, "error", err)
		return 0
	}

	added := 0
	for _, fk := range keys {
		id, ok := blobcache.ParseFallbackKey(table, fk)
		if !ok {
			continue
		}
		k := key{table, id}
		h, err := m.loadFallback(k)
		if err != nil {
			m.logger.WarnContext(ctx, "skipping unreadable fallback entry", "table", table, "id", id, "error", err)
			continue
		}

		ks := m.state(k)
		ks.mu.Lock()
		switch prev, ours := inserted[id]; {
		case m.pending(k):
		case ours:
			if cur, ok := m.cache.Get(table, id); ok && cur == prev {
				m.cache.Set(table, id, h)
			}
		default:
			if m.cache.SetIfAbsent(table, id, h) {
				added++
			}
		}
		ks.mu.Unlock()
	}
	return added
}

// pending reports whether a save for k has not settled yet.
func (m *Manager) pending(k key) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(k).pending > 0
}
