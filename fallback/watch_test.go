package fallback

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatch_ReportsOtherWriters(t *testing.T) {
	root := t.TempDir()
	watched, err := NewFilesystem(root)
	require.NoError(t, err)
	other, err := NewFilesystem(root)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, Watch(ctx, watched, 20*time.Millisecond, func() { calls.Add(1) }))

	require.NoError(t, other.SetItem("blobfallback_t_1", "v"))
	require.Eventually(t, func() bool { return calls.Load() >= 1 }, 2*time.Second, 10*time.Millisecond)

	before := calls.Load()
	require.NoError(t, other.RemoveItem("blobfallback_t_1"))
	require.Eventually(t, func() bool { return calls.Load() > before }, 2*time.Second, 10*time.Millisecond)
}

func TestWatch_IgnoresForeignFiles(t *testing.T) {
	fs := newTestFilesystem(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	require.NoError(t, Watch(ctx, fs, 10*time.Millisecond, func() { calls.Add(1) }))

	require.NoError(t, os.WriteFile(filepath.Join(fs.Root(), "notes.txt"), []byte("x"), 0o600))
	time.Sleep(100 * time.Millisecond)
	assert.Zero(t, calls.Load())
}

func TestWatch_MissingRoot(t *testing.T) {
	fs := newTestFilesystem(t)
	require.NoError(t, os.RemoveAll(fs.Root()))

	err := Watch(context.Background(), fs, 0, func() {})
	require.Error(t, err)
}
