package handle

import (
	"sync"
)

type cacheKey struct {
	table string
	id    string
}

type retiredHandle struct {
	h   Handle
	seq uint64
}

// Cache maps (table, id) to the current handle for that blob.
//
// There is no eviction: the cache is bounded by the number of distinct
// assets touched during the session, and each entry is a handle, not the
// bytes of every historical version. Superseded memory handles are retired
// and only released by Sweep, which callers run after subscribers have
// re-queried, so a consumer rendering the old handle is never left with a
// dangling URI. Consumers that must outlive a re-query take a lease with
// Acquire.
//
// It is safe for concurrent use. Concurrent writers to the same key are
// last-write-wins.
type Cache struct {
	registry *Registry

	mu      sync.Mutex
	entries map[cacheKey]Handle
	retired []retiredHandle
	seq     uint64 // retirements so far
	closed  bool
}

// NewCache creates an empty cache whose memory handles live in registry.
func NewCache(registry *Registry) *Cache {
	return &Cache{
		registry: registry,
		entries:  make(map[cacheKey]Handle),
	}
}

// Registry returns the registry backing the cache's memory handles.
func (c *Cache) Registry() *Registry {
	return c.registry
}

// Get returns the cached handle for a key.
func (c *Cache) Get(table, id string) (Handle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	h, ok := c.entries[cacheKey{table, id}]
	return h, ok
}

// Set replaces the handle for a key unconditionally. The cache takes
// ownership of one reference on h; the previous handle is retired.
func (c *Cache) Set(table, id string, h Handle) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		c.registry.Release(h)
		return
	}
	k := cacheKey{table, id}
	old, had := c.entries[k]
	c.entries[k] = h
	if had {
		// A redundant reference on the same handle is dropped now; a
		// different handle waits for Sweep.
		if old == h {
			c.mu.Unlock()
			c.registry.Release(h)
			return
		}
		c.retire(old)
	}
	c.mu.Unlock()
}

// retire queues h for Sweep. Caller holds c.mu.
func (c *Cache) retire(h Handle) {
	c.seq++
	c.retired = append(c.retired, retiredHandle{h: h, seq: c.seq})
}

// SetIfAbsent stores h only if the key has no handle yet. It reports whether
// h was stored; if not, the reference on h is released.
func (c *Cache) SetIfAbsent(table, id string, h Handle) bool {
	c.mu.Lock()
	k := cacheKey{table, id}
	if _, ok := c.entries[k]; ok || c.closed {
		c.mu.Unlock()
		c.registry.Release(h)
		return false
	}
	c.entries[k] = h
	c.mu.Unlock()
	return true
}

// Delete removes the handle for a key and retires it.
func (c *Cache) Delete(table, id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	k := cacheKey{table, id}
	old, ok := c.entries[k]
	if !ok {
		return false
	}
	delete(c.entries, k)
	c.retire(old)
	return true
}

// Acquire returns the handle for a key together with a lease. The handle
// stays resolvable until release is called, even if the entry is replaced
// and swept in the meantime. release is safe to call more than once.
func (c *Cache) Acquire(table, id string) (h Handle, release func(), ok bool) {
	c.mu.Lock()
	h, ok = c.entries[cacheKey{table, id}]
	if ok {
		// Retain under the cache lock so a concurrent Sweep cannot free
		// the object between lookup and retain.
		ok = c.registry.Retain(h)
	}
	c.mu.Unlock()
	if !ok {
		return "", func() {}, false
	}
	var once sync.Once
	return h, func() { once.Do(func() { c.registry.Release(h) }) }, true
}

// Sweep releases the cache's reference on every retired handle and returns
// how many were released.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	mark := c.seq
	c.mu.Unlock()
	return c.SweepBefore(mark)
}

// Mark returns a position in the retirement sequence for SweepBefore.
func (c *Cache) Mark() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.seq
}

// SweepBefore releases handles retired no later than mark and keeps the
// rest for a later sweep. Taking the mark before notifying subscribers
// keeps any handle they may have picked up during the notification alive.
func (c *Cache) SweepBefore(mark uint64) int {
	c.mu.Lock()
	var release []Handle
	kept := c.retired[:0]
	for _, r := range c.retired {
		if r.seq <= mark {
			release = append(release, r.h)
		} else {
			kept = append(kept, r)
		}
	}
	c.retired = kept
	c.mu.Unlock()

	for _, h := range release {
		c.registry.Release(h)
	}
	return len(release)
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Clear drops every entry, releasing the cache's references. Used to
// simulate a process restart and on teardown.
func (c *Cache) Clear() {
	c.mu.Lock()
	entries := c.entries
	retired := c.retired
	c.entries = make(map[cacheKey]Handle)
	c.retired = nil
	c.mu.Unlock()

	for _, h := range entries {
		c.registry.Release(h)
	}
	for _, r := range retired {
		c.registry.Release(r.h)
	}
}

// Close clears the cache and rejects further writes.
func (c *Cache) Close() {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.Clear()
}
