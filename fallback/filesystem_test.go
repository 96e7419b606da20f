package fallback

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/blobcache"
)

func newTestFilesystem(t *testing.T, opts ...FilesystemOption) *Filesystem {
	t.Helper()
	fs, err := NewFilesystem(t.TempDir(), opts...)
	require.NoError(t, err)
	return fs
}

func TestNewFilesystem(t *testing.T) {
	root := filepath.Join(t.TempDir(), "fallback")

	fs, err := NewFilesystem(root)
	require.NoError(t, err)
	require.Equal(t, root, fs.Root())

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.True(t, info.IsDir())
}

func TestFilesystem_SetGetRemove(t *testing.T) {
	fs := newTestFilesystem(t)
	key := blobcache.FallbackKey("avatars", "42")
	value := blobcache.EncodeDataURL("image/png", []byte("png bytes"))

	_, err := fs.GetItem(key)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, fs.SetItem(key, value))
	got, err := fs.GetItem(key)
	require.NoError(t, err)
	require.Equal(t, value, got)

	require.NoError(t, fs.RemoveItem(key))
	require.NoError(t, fs.RemoveItem(key))
	_, err = fs.GetItem(key)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystem_KeysWithAwkwardCharacters(t *testing.T) {
	fs := newTestFilesystem(t)
	keys := []string{
		blobcache.FallbackKey("docs", "a/b"),
		blobcache.FallbackKey("docs", "../escape"),
		blobcache.FallbackKey("docs", "with space"),
		blobcache.FallbackKey("other", "1"),
	}
	for _, k := range keys {
		require.NoError(t, fs.SetItem(k, "v"))
	}

	got, err := fs.Keys(blobcache.FallbackTablePrefix("docs"))
	require.NoError(t, err)
	assert.Equal(t, []string{keys[1], keys[0], keys[2]}, got)

	// Nothing escaped the root.
	entries, err := os.ReadDir(fs.Root())
	require.NoError(t, err)
	assert.Len(t, entries, 4)
}

func TestFilesystem_LongKeys(t *testing.T) {
	fs := newTestFilesystem(t)
	long := blobcache.FallbackKey("feed_media", strings.Repeat("x", 400))
	short := blobcache.FallbackKey("feed_media", "1")
	value := blobcache.EncodeDataURL("image/png", []byte("png"))

	require.NoError(t, fs.SetItem(long, value))
	require.NoError(t, fs.SetItem(short, value))

	got, err := fs.GetItem(long)
	require.NoError(t, err)
	assert.Equal(t, value, got)

	names, err := os.ReadDir(fs.Root())
	require.NoError(t, err)
	for _, e := range names {
		assert.LessOrEqual(t, len(e.Name()), maxEntryName)
	}

	keys, err := fs.Keys(blobcache.FallbackTablePrefix("feed_media"))
	require.NoError(t, err)
	assert.Equal(t, []string{short, long}, keys)

	used, err := fs.Used()
	require.NoError(t, err)
	assert.Positive(t, used)

	require.NoError(t, fs.RemoveItem(long))
	_, err = fs.GetItem(long)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestFilesystem_SharedDirectory(t *testing.T) {
	root := t.TempDir()
	a, err := NewFilesystem(root)
	require.NoError(t, err)
	b, err := NewFilesystem(root)
	require.NoError(t, err)

	require.NoError(t, a.SetItem("k", "from a"))
	got, err := b.GetItem("k")
	require.NoError(t, err)
	assert.Equal(t, "from a", got)
}

func TestFilesystem_Capacity(t *testing.T) {
	fs := newTestFilesystem(t, WithCapacity(400))

	require.NoError(t, fs.SetItem("a", "small"))
	used, err := fs.Used()
	require.NoError(t, err)
	require.Positive(t, used)

	big := make([]byte, 400)
	err = fs.SetItem("b", string(big))
	require.ErrorIs(t, err, ErrCapacityExceeded)

	_, err = fs.GetItem("b")
	require.ErrorIs(t, err, ErrNotFound)

	// Replacing an existing entry does not count its old size twice.
	require.NoError(t, fs.SetItem("a", "small again"))
}

func TestFilesystem_DetectsCorruption(t *testing.T) {
	fs := newTestFilesystem(t)
	require.NoError(t, fs.SetItem("k", "original value"))

	path := fs.keyToPath("k")
	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xff
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	_, err = fs.GetItem("k")
	require.ErrorIs(t, err, ErrCorrupted)
}

func TestFilesystem_IgnoresForeignFiles(t *testing.T) {
	fs := newTestFilesystem(t)
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "README"), []byte("hi"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "!!!"+entrySuffix), []byte("hi"), 0o600))

	keys, err := fs.Keys("")
	require.NoError(t, err)
	assert.Empty(t, keys)

	used, err := fs.Used()
	require.NoError(t, err)
	assert.Zero(t, used)
}

func TestFilesystem_StoredAt(t *testing.T) {
	now := time.Date(2026, 5, 6, 7, 8, 9, 0, time.UTC)
	fs := newTestFilesystem(t, WithNow(func() time.Time { return now }))
	require.NoError(t, fs.SetItem("k", "v"))

	file, err := os.Open(fs.keyToPath("k"))
	require.NoError(t, err)
	defer func() { _ = file.Close() }()

	header, err := ReadHeader(file)
	require.NoError(t, err)
	assert.Equal(t, "k", header.Key)
	assert.True(t, now.Equal(header.StoredAt))
	assert.Equal(t, int64(1), header.ContentLength)
}

func TestFilesystem_ConcurrentWrites(t *testing.T) {
	fs := newTestFilesystem(t)

	var wg sync.WaitGroup
	for i := range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			key := blobcache.FallbackKey("t", string(rune('a'+i)))
			assert.NoError(t, fs.SetItem(key, "value"))
		}()
	}
	wg.Wait()

	keys, err := fs.Keys(blobcache.FallbackTablePrefix("t"))
	require.NoError(t, err)
	assert.Len(t, keys, 20)
}
