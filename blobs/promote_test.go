package blobs

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/fallback"
	"github.com/wolfeidau/blobcache/store"
)

func TestPromote_MovesFallbackEntryToPersistent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(0)
	m := env.manager(t)

	env.persistent.setWriteErr(errUnavailable)
	h, err := m.SaveBlob(ctx, "avatars", "1", blobcache.Raw([]byte("offline"), "image/png"), "")
	require.NoError(t, err)
	require.True(t, h.IsInline())

	// Still degraded: promotion fails and the entry stays.
	promoted, err := m.Promote(ctx, "avatars", "1")
	require.ErrorIs(t, err, errUnavailable)
	assert.False(t, promoted)

	env.persistent.setWriteErr(nil)
	promoted, err = m.Promote(ctx, "avatars", "1")
	require.NoError(t, err)
	assert.True(t, promoted)

	_, err = env.fallback.GetItem(blobcache.FallbackKey("avatars", "1"))
	require.ErrorIs(t, err, fallback.ErrNotFound)

	rec, err := env.persistent.Get(ctx, "avatars", "1")
	require.NoError(t, err)
	p, ok := rec.Payload(store.DefaultPayloadField)
	require.True(t, ok)
	assert.Equal(t, []byte("offline"), p.Data())
	assert.Equal(t, "image/png", p.MimeType())

	// The cached handle is unaffected.
	got, ok := m.GetBlob(ctx, "avatars", "1")
	require.True(t, ok)
	assert.Equal(t, h, got)
}

func TestPromote_NothingToPromote(t *testing.T) {
	env := newTestEnv(0)
	m := env.manager(t)

	promoted, err := m.Promote(context.Background(), "avatars", "1")
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Zero(t, env.persistent.writes.Load())
}

func TestPromote_SkipsKeysWithSaveInProgress(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(0)
	m := env.manager(t)

	release := env.persistent.holdNextWrite()
	t.Cleanup(release)
	_, err := m.SaveBlob(ctx, "avatars", "1", blobcache.Raw([]byte("v"), ""), "")
	require.NoError(t, err)

	promoted, err := m.Promote(ctx, "avatars", "1")
	require.NoError(t, err)
	assert.False(t, promoted)

	_, err = env.fallback.GetItem(blobcache.FallbackKey("avatars", "1"))
	require.NoError(t, err)
}

func TestPromote_CorruptEntry(t *testing.T) {
	env := newTestEnv(0)
	require.NoError(t, env.fallback.SetItem(blobcache.FallbackKey("avatars", "1"), "not a data url"))
	m := env.manager(t)

	_, err := m.Promote(context.Background(), "avatars", "1")
	require.ErrorIs(t, err, blobcache.ErrInvalidDataURL)
}
