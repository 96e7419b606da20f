// Package blobs orchestrates the blob cache: it saves payloads to the
// persistent tier with a bounded wait, degrades to the fallback tier when
// that tier is slow or failing, serves reads from the handle cache first,
// warms the cache per table, and broadcasts every change to subscribers.
//
// A Manager is the explicit context for one session: construct it with New
// over the two stores and tear it down with Close. Nothing is global.
package blobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/fallback"
	"github.com/wolfeidau/blobcache/handle"
	"github.com/wolfeidau/blobcache/loader"
	"github.com/wolfeidau/blobcache/notify"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/telemetry"
)

// ErrClosed is returned by saves issued after Close.
var ErrClosed = errors.New("blobs: manager closed")

type key struct {
	table string
	id    string
}

func (k key) String() string { return k.table + "\x00" + k.id }

// keyState tracks write ordering for one (table, id).
type keyState struct {
	// mu serializes commits (cache and fallback effects) for the key.
	mu sync.Mutex
	// generation is the latest generation started for the key. Guarded by
	// Manager.mu.
	generation int64
	// pending counts saves whose persistent write has not been settled.
	// Guarded by Manager.mu.
	pending int
}

// advance starts a new pending write. Caller holds Manager.mu.
func (ks *keyState) advance(now time.Time) int64 {
	ks.generation = max(now.UnixNano(), ks.generation+1)
	ks.pending++
	return ks.generation
}

// Manager is the blob cache orchestrator. It is safe for concurrent use.
type Manager struct {
	persistent store.Store
	fallback   fallback.Store
	cache      *handle.Cache
	notifier   *notify.Notifier
	loads      *loader.Group[handle.Handle]
	config     Config
	logger     *slog.Logger

	mu        sync.Mutex
	keys      map[key]*keyState
	fields    map[string]string // table -> payload field
	preloaded map[string]bool
	closed    bool

	wg sync.WaitGroup
}

// New creates a Manager over a persistent and a fallback store.
func New(persistent store.Store, fb fallback.Store, opts ...Option) *Manager {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	registry := handle.NewRegistry(func(live int) {
		telemetry.RecordHandleRelease(context.Background(), live)
	})

	return &Manager{
		persistent: persistent,
		fallback:   fb,
		cache:      handle.NewCache(registry),
		notifier:   notify.New(notify.WithLogger(cfg.Logger)),
		loads:      loader.New[handle.Handle](loader.WithLogger(cfg.Logger)),
		config:     cfg,
		logger:     cfg.Logger,
		keys:       make(map[key]*keyState),
		fields:     make(map[string]string),
		preloaded:  make(map[string]bool),
	}
}

// Subscribe registers a listener that is invoked after every change to the
// cache. Listeners re-query with GetBlob; handles they were holding stay
// resolvable for the duration of the broadcast.
func (m *Manager) Subscribe(fn notify.Listener) (unsubscribe func()) {
	return m.notifier.Subscribe(fn)
}

// Broadcast notifies subscribers without a local change, for example when
// another process modified the shared fallback store.
func (m *Manager) Broadcast(ctx context.Context) {
	m.broadcast(ctx)
}

// Acquire returns the handle for a blob together with a lease that keeps it
// resolvable until release is called, loading it first if needed.
func (m *Manager) Acquire(ctx context.Context, table, id string) (h handle.Handle, release func(), ok bool) {
	if _, ok := m.GetBlob(ctx, table, id); !ok {
		return "", func() {}, false
	}
	return m.cache.Acquire(table, id)
}

// Open resolves a handle to its bytes without I/O.
func (m *Manager) Open(h handle.Handle) (data []byte, mimeType string, err error) {
	return m.cache.Registry().Resolve(h)
}

// Tables returns every table this session has saved to, read from or
// preloaded, plus the tables with a configured field, in lexical order.
func (m *Manager) Tables() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	tables := maps.Clone(m.preloaded)
	for t := range m.fields {
		tables[t] = true
	}
	for t := range m.config.TableFields {
		tables[t] = true
	}
	return slices.Sorted(maps.Keys(tables))
}

// Close waits for background persistent writes to settle, then releases
// every handle. Saves issued after Close fail with ErrClosed.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("waiting for background writes: %w", ctx.Err())
	}
	m.cache.Close()
	return err
}

// begin registers an operation that must finish before Close returns.
func (m *Manager) begin() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.wg.Add(1)
	return nil
}

func (m *Manager) state(k key) *keyState {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(k)
}

func (m *Manager) stateLocked(k key) *keyState {
	ks, ok := m.keys[k]
	if !ok {
		ks = &keyState{}
		m.keys[k] = ks
	}
	return ks
}

// nextGeneration starts a write for k. Generations are wall-clock
// nanoseconds forced strictly increasing per key, so they also order writes
// across restarts when stored as the record revision.
func (m *Manager) nextGeneration(k key) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(k).advance(m.config.Now())
}

// nextIdleGeneration starts a write for k only if no save is in progress.
func (m *Manager) nextIdleGeneration(k key) (int64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.stateLocked(k)
	if ks.pending > 0 {
		return 0, false
	}
	return ks.advance(m.config.Now()), true
}

// isLatest reports whether gen is still the newest write started for k.
func (m *Manager) isLatest(k key, gen int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(k).generation == gen
}

func (m *Manager) generation(k key) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stateLocked(k).generation
}

// settle marks a save's persistent write as finished.
func (m *Manager) settle(k key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stateLocked(k).pending--
}

func (m *Manager) rememberField(table, field string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fields[table] = field
}

// fieldFor returns the payload field last used for table this session,
// then the configured one.
func (m *Manager) fieldFor(table string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if f, ok := m.fields[table]; ok {
		return f
	}
	if f, ok := m.config.TableFields[table]; ok {
		return f
	}
	return store.DefaultPayloadField
}

// broadcast notifies subscribers and then frees handles they no longer see.
// Only handles retired before the notification started are freed: one
// retired meanwhile may be what a subscriber just re-queried, and waits for
// the broadcast announcing its replacement.
func (m *Manager) broadcast(ctx context.Context) {
	mark := m.cache.Mark()
	m.notifier.Notify(ctx)
	if n := m.cache.SweepBefore(mark); n > 0 {
		m.logger.DebugContext(ctx, "released superseded handles", "count", n)
	}
}

// current returns the cached handle for k, if any.
func (m *Manager) current(k key) handle.Handle {
	h, _ := m.cache.Get(k.table, k.id)
	return h
}

// fallbackKey is the fallback store key for k.
func fallbackKey(k key) string {
	return blobcache.FallbackKey(k.table, k.id)
}
