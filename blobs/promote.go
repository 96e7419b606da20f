package blobs

import (
	"context"
	"errors"
	"fmt"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/fallback"
	"github.com/wolfeidau/blobcache/store"
)

// Promote copies the fallback entry for (table, id) back to the persistent
// tier and, once that write lands, removes the fallback entry. It reports
// whether the entry was promoted.
//
// Keys with a save in progress are skipped: the save settles the tiers
// itself. The write carries a fresh generation, so a save that started
// earlier cannot overwrite it.
func (m *Manager) Promote(ctx context.Context, table, id string) (bool, error) {
	if err := m.begin(); err != nil {
		return false, err
	}
	defer m.wg.Done()

	k := key{table, id}
	fk := fallbackKey(k)
	logger := m.logger.With("table", table, "id", id)

	value, err := m.fallback.GetItem(fk)
	if err != nil {
		if errors.Is(err, fallback.ErrNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("reading fallback entry: %w", err)
	}
	mimeType, data, err := blobcache.DecodeDataURL(value)
	if err != nil {
		return false, fmt.Errorf("decoding fallback entry %s: %w", fk, err)
	}

	gen, ok := m.nextIdleGeneration(k)
	if !ok {
		logger.DebugContext(ctx, "skipping promotion, save in progress")
		return false, nil
	}
	defer m.settle(k)

	if err := m.persist(ctx, k, m.fieldFor(table), gen, data, mimeType); err != nil {
		if errors.Is(err, store.ErrStaleRevision) {
			return false, nil
		}
		return false, fmt.Errorf("writing %s/%s: %w", table, id, err)
	}

	ks := m.state(k)
	ks.mu.Lock()
	defer ks.mu.Unlock()
	if !m.isLatest(k, gen) {
		return false, nil
	}
	// Another process may have replaced the entry while we wrote.
	if cur, err := m.fallback.GetItem(fk); err != nil || cur != value {
		return false, nil
	}
	if err := m.fallback.RemoveItem(fk); err != nil {
		return false, fmt.Errorf("removing fallback entry %s: %w", fk, err)
	}
	logger.InfoContext(ctx, "promoted fallback entry to persistent store", "generation", gen)
	return true, nil
}
