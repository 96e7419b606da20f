package blobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/fallback"
	"github.com/wolfeidau/blobcache/handle"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/telemetry"
)

// errMiss marks a load that found nothing in either tier.
var errMiss = errors.New("blob not found")

// GetBlob returns the handle for (table, id). A cached handle is returned
// without I/O. On a miss the persistent tier is read, then the fallback
// tier; a fallback entry takes precedence over a persistent record because
// it only exists while the persistent copy is behind. The result is cached.
//
// GetBlob never fails: a blob that cannot be found or read reports false.
// Concurrent misses for the same key share one load.
func (m *Manager) GetBlob(ctx context.Context, table, id string) (handle.Handle, bool) {
	if h, ok := m.cache.Get(table, id); ok {
		telemetry.RecordCacheLookup(ctx, telemetry.TierMemory, telemetry.ResultHit)
		return h, true
	}
	telemetry.RecordCacheLookup(ctx, telemetry.TierMemory, telemetry.ResultMiss)

	k := key{table, id}
	h, shared, err := m.loads.Do(ctx, k.String(), func(ctx context.Context) (handle.Handle, error) {
		return m.load(ctx, k)
	})
	if err != nil {
		m.loads.ForgetOnError(k.String(), err)
		if errors.Is(err, errMiss) {
			m.logger.DebugContext(ctx, "blob not found", "table", table, "id", id)
		} else {
			m.logger.WarnContext(ctx, "blob load failed", "table", table, "id", id, "shared", shared, "error", err)
		}
		return "", false
	}
	return h, true
}

// GetReference decodes a "blobref:table:id" string and gets the blob.
// Anything that is not a reference reports false.
func (m *Manager) GetReference(ctx context.Context, ref string) (handle.Handle, bool) {
	r, ok := blobcache.DecodeReference(ref)
	if !ok {
		return "", false
	}
	return m.GetBlob(ctx, r.Table, r.ID)
}

// ResolvePayload turns any payload into a handle: references are looked up,
// raw bytes and data URLs become inline handles. Other inline strings are
// not blobs and report false.
func (m *Manager) ResolvePayload(ctx context.Context, p blobcache.Payload) (handle.Handle, bool) {
	switch p.Kind() {
	case blobcache.KindReference:
		return m.GetBlob(ctx, p.Reference().Table, p.Reference().ID)
	case blobcache.KindInline:
		if !blobcache.IsDataURL(p.InlineValue()) {
			return "", false
		}
		return handle.Handle(p.InlineValue()), true
	case blobcache.KindRaw:
		return handle.Handle(blobcache.EncodeDataURL(p.MimeType(), p.Data())), true
	default:
		return "", false
	}
}

// maxLoadAttempts bounds how often a load re-reads the tiers when writes
// for the key keep starting underneath it.
const maxLoadAttempts = 3

// load reads k from the tiers and caches the result. A save that starts
// while the load is in flight wins: its handle is returned instead. If a
// write started but has not cached anything yet (a promotion, or a save
// before its optimistic commit) the tiers are read again.
func (m *Manager) load(ctx context.Context, k key) (handle.Handle, error) {
	for attempt := 1; ; attempt++ {
		gen := m.generation(k)

		h, err := m.fetch(ctx, k, true)
		if err != nil {
			return "", err
		}

		h, retry, err := m.commitLoad(ctx, k, gen, h, attempt < maxLoadAttempts)
		if !retry {
			return h, err
		}
	}
}

// commitLoad caches a loaded handle. It reports retry when a write for k
// started after gen and left the cache empty; the handle has then been
// released. On the last attempt the handle is cached regardless: a pending
// save replaces it unconditionally when it commits.
func (m *Manager) commitLoad(ctx context.Context, k key, gen int64, h handle.Handle, canRetry bool) (handle.Handle, bool, error) {
	ks := m.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if cur, ok := m.cache.Get(k.table, k.id); ok {
		m.cache.Registry().Release(h)
		if m.generation(k) != gen {
			telemetry.RecordStaleCompletion(ctx, "load")
		}
		return cur, false, nil
	}
	if m.generation(k) != gen && canRetry {
		m.cache.Registry().Release(h)
		telemetry.RecordStaleCompletion(ctx, "load")
		return "", true, nil
	}
	if !m.cache.SetIfAbsent(k.table, k.id, h) {
		// Only a closed cache refuses an empty slot.
		return "", false, ErrClosed
	}
	return h, false, nil
}

// fetch reads k from the persistent tier and overlays the fallback tier.
// The returned handle is owned by the caller.
func (m *Manager) fetch(ctx context.Context, k key, follow bool) (handle.Handle, error) {
	h, err := m.loadPersistent(ctx, k, follow)
	if err != nil && !errors.Is(err, errMiss) {
		m.logger.WarnContext(ctx, "persistent read failed, trying fallback", "table", k.table, "id", k.id, "error", err)
	}

	fh, ferr := m.loadFallback(k)
	switch {
	case ferr == nil:
		// The fallback entry is newer than any persistent copy.
		m.cache.Registry().Release(h)
		return fh, nil
	case !errors.Is(ferr, errMiss):
		m.logger.WarnContext(ctx, "fallback read failed", "table", k.table, "id", k.id, "error", ferr)
	}
	if err != nil {
		return "", err
	}
	return h, nil
}

func (m *Manager) loadPersistent(ctx context.Context, k key, follow bool) (handle.Handle, error) {
	rec, err := m.persistent.Get(ctx, k.table, k.id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			telemetry.RecordCacheLookup(ctx, telemetry.TierPersistent, telemetry.ResultMiss)
			return "", errMiss
		}
		telemetry.RecordCacheLookup(ctx, telemetry.TierPersistent, telemetry.ResultError)
		return "", err
	}

	p, ok := rec.Payload(m.fieldFor(k.table))
	if !ok {
		telemetry.RecordCacheLookup(ctx, telemetry.TierPersistent, telemetry.ResultMiss)
		return "", errMiss
	}
	h, err := m.materialize(ctx, p, follow)
	if err != nil {
		telemetry.RecordCacheLookup(ctx, telemetry.TierPersistent, telemetry.ResultError)
		return "", err
	}
	telemetry.RecordCacheLookup(ctx, telemetry.TierPersistent, telemetry.ResultHit)
	return h, nil
}

func (m *Manager) loadFallback(k key) (handle.Handle, error) {
	ctx := context.Background()
	v, err := m.fallback.GetItem(fallbackKey(k))
	if err != nil {
		if errors.Is(err, fallback.ErrNotFound) {
			telemetry.RecordCacheLookup(ctx, telemetry.TierFallback, telemetry.ResultMiss)
			return "", errMiss
		}
		telemetry.RecordCacheLookup(ctx, telemetry.TierFallback, telemetry.ResultError)
		return "", err
	}
	if !blobcache.IsDataURL(v) {
		telemetry.RecordCacheLookup(ctx, telemetry.TierFallback, telemetry.ResultError)
		return "", fmt.Errorf("fallback entry %s is not a data URL", fallbackKey(k))
	}
	telemetry.RecordCacheLookup(ctx, telemetry.TierFallback, telemetry.ResultHit)
	return handle.Handle(v), nil
}

// materialize turns a stored payload into a handle owned by the caller.
// References are followed one level when follow is set.
func (m *Manager) materialize(ctx context.Context, p blobcache.Payload, follow bool) (handle.Handle, error) {
	switch p.Kind() {
	case blobcache.KindRaw:
		return m.cache.Registry().Create(p.Data(), p.MimeType()), nil
	case blobcache.KindInline:
		if !blobcache.IsDataURL(p.InlineValue()) {
			return "", fmt.Errorf("%w: inline value is not a data URL", blobcache.ErrUnsupportedPayload)
		}
		return handle.Handle(p.InlineValue()), nil
	case blobcache.KindReference:
		if !follow {
			return "", fmt.Errorf("%w: nested reference %s", blobcache.ErrUnsupportedPayload, p.Reference())
		}
		ref := p.Reference()
		if target, ok := m.cache.Get(ref.Table, ref.ID); ok {
			if target.IsInline() {
				return target, nil
			}
			data, mimeType, err := m.Open(target)
			if err == nil {
				// A handle of our own, so the two keys' lifecycles stay independent.
				return m.cache.Registry().Create(data, mimeType), nil
			}
		}
		// Not followed further, so reference cycles cannot recurse.
		return m.fetch(ctx, key{ref.Table, ref.ID}, false)
	default:
		return "", fmt.Errorf("%w: empty payload", blobcache.ErrUnsupportedPayload)
	}
}
