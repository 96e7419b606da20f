package handle

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/blobcache"
)

func newTestCache(t *testing.T) (*Cache, *Registry) {
	t.Helper()
	reg := NewRegistry(nil)
	c := NewCache(reg)
	t.Cleanup(c.Close)
	return c, reg
}

func TestCache_GetSet(t *testing.T) {
	c, reg := newTestCache(t)

	_, ok := c.Get("avatars", "42")
	require.False(t, ok)

	h := reg.Create([]byte("png"), "image/png")
	c.Set("avatars", "42", h)

	got, ok := c.Get("avatars", "42")
	require.True(t, ok)
	assert.Equal(t, h, got)

	data, mime, err := reg.Resolve(got)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)
	assert.Equal(t, "image/png", mime)
}

func TestCache_ReplaceRetiresUntilSweep(t *testing.T) {
	c, reg := newTestCache(t)

	first := reg.Create([]byte("v1"), "")
	c.Set("avatars", "42", first)
	second := reg.Create([]byte("v2"), "")
	c.Set("avatars", "42", second)

	// The superseded handle still resolves for consumers that have not
	// re-queried yet.
	_, _, err := reg.Resolve(first)
	require.NoError(t, err)
	require.Equal(t, 2, reg.Len())

	require.Equal(t, 1, c.Sweep())
	_, _, err = reg.Resolve(first)
	require.ErrorIs(t, err, ErrUnknownHandle)
	require.Equal(t, 1, reg.Len())

	// Nothing left to release a second time.
	require.Equal(t, 0, c.Sweep())
	require.Equal(t, 1, reg.Len())
}

func TestCache_SweepBeforeKeepsLaterRetirements(t *testing.T) {
	c, reg := newTestCache(t)

	first := reg.Create([]byte("v1"), "")
	c.Set("avatars", "42", first)
	second := reg.Create([]byte("v2"), "")
	c.Set("avatars", "42", second)

	mark := c.Mark()
	third := reg.Create([]byte("v3"), "")
	c.Set("avatars", "42", third)

	require.Equal(t, 1, c.SweepBefore(mark))
	_, _, err := reg.Resolve(first)
	require.ErrorIs(t, err, ErrUnknownHandle)
	_, _, err = reg.Resolve(second)
	require.NoError(t, err, "retired after the mark")

	require.Equal(t, 1, c.Sweep())
	_, _, err = reg.Resolve(second)
	require.ErrorIs(t, err, ErrUnknownHandle)
	require.Equal(t, 1, reg.Len())
}

func TestCache_LeaseOutlivesSweep(t *testing.T) {
	c, reg := newTestCache(t)

	first := reg.Create([]byte("v1"), "")
	c.Set("wallpapers", "home", first)

	h, release, ok := c.Acquire("wallpapers", "home")
	require.True(t, ok)
	require.Equal(t, first, h)

	c.Set("wallpapers", "home", reg.Create([]byte("v2"), ""))
	c.Sweep()

	data, _, err := reg.Resolve(h)
	require.NoError(t, err)
	assert.Equal(t, []byte("v1"), data)

	release()
	release()
	_, _, err = reg.Resolve(h)
	require.ErrorIs(t, err, ErrUnknownHandle)
	require.Equal(t, 1, reg.Len())
}

func TestCache_AcquireMissing(t *testing.T) {
	c, _ := newTestCache(t)

	_, release, ok := c.Acquire("avatars", "nope")
	require.False(t, ok)
	release()
}

func TestCache_InlineHandles(t *testing.T) {
	c, reg := newTestCache(t)

	inline := Handle(blobcache.EncodeDataURL("image/gif", []byte("gif")))
	require.True(t, inline.IsInline())
	require.False(t, inline.IsMemory())

	c.Set("photos", "1", inline)
	c.Set("photos", "1", reg.Create([]byte("raw"), ""))
	require.Equal(t, 1, c.Sweep())

	data, mime, err := reg.Resolve(inline)
	require.NoError(t, err)
	assert.Equal(t, []byte("gif"), data)
	assert.Equal(t, "image/gif", mime)
}

func TestCache_SetIfAbsent(t *testing.T) {
	c, reg := newTestCache(t)

	existing := reg.Create([]byte("newer"), "")
	c.Set("avatars", "1", existing)

	stale := reg.Create([]byte("older"), "")
	require.False(t, c.SetIfAbsent("avatars", "1", stale))
	_, _, err := reg.Resolve(stale)
	require.ErrorIs(t, err, ErrUnknownHandle, "rejected handle is released")

	fresh := reg.Create([]byte("other"), "")
	require.True(t, c.SetIfAbsent("avatars", "2", fresh))
	require.Equal(t, 2, c.Len())
}

func TestCache_SetSameHandleTwice(t *testing.T) {
	c, reg := newTestCache(t)

	h := reg.Create([]byte("x"), "")
	c.Set("a", "1", h)
	require.True(t, reg.Retain(h))
	c.Set("a", "1", h)

	require.Equal(t, 0, c.Sweep())
	_, _, err := reg.Resolve(h)
	require.NoError(t, err)
}

func TestCache_Delete(t *testing.T) {
	c, reg := newTestCache(t)

	h := reg.Create([]byte("x"), "")
	c.Set("a", "1", h)
	require.True(t, c.Delete("a", "1"))
	require.False(t, c.Delete("a", "1"))

	_, ok := c.Get("a", "1")
	require.False(t, ok)
	c.Sweep()
	require.Equal(t, 0, reg.Len())
}

func TestCache_ClearAndClose(t *testing.T) {
	reg := NewRegistry(nil)
	c := NewCache(reg)

	c.Set("a", "1", reg.Create([]byte("1"), ""))
	c.Set("a", "1", reg.Create([]byte("2"), ""))
	c.Set("a", "2", reg.Create([]byte("3"), ""))

	c.Clear()
	require.Equal(t, 0, c.Len())
	require.Equal(t, 0, reg.Len())

	c.Close()
	c.Set("a", "3", reg.Create([]byte("late"), ""))
	require.Equal(t, 0, c.Len())
	require.Equal(t, 0, reg.Len())
}

func TestCache_ConcurrentWriters(t *testing.T) {
	c, reg := newTestCache(t)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Set("photos", "shared", reg.Create([]byte{byte(i)}, ""))
			if i%5 == 0 {
				c.Sweep()
			}
		}()
	}
	wg.Wait()
	c.Sweep()

	require.Equal(t, 1, c.Len())
	require.Equal(t, 1, reg.Len())
}
