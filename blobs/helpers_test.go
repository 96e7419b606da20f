package blobs

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/wolfeidau/blobcache/fallback"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/store/memstore"
)

var errUnavailable = errors.New("persistent store unavailable")

// faultyStore wraps a store.Store with injectable write failures, write
// stalls and I/O counters.
type faultyStore struct {
	store.Store

	mu       sync.Mutex
	writeErr error
	scanErr  error
	getDelay time.Duration
	holds    []chan struct{} // each stalls one upcoming write

	gets, writes, scans atomic.Int32
}

func newFaultyStore() *faultyStore {
	return &faultyStore{Store: memstore.New()}
}

func (f *faultyStore) setWriteErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeErr = err
}

func (f *faultyStore) setScanErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scanErr = err
}

// holdNextWrite stalls the next write until the returned function is called.
func (f *faultyStore) holdNextWrite() (release func()) {
	ch := make(chan struct{})
	f.mu.Lock()
	f.holds = append(f.holds, ch)
	f.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (f *faultyStore) beforeWrite() error {
	f.writes.Add(1)
	f.mu.Lock()
	var hold chan struct{}
	if len(f.holds) > 0 {
		hold, f.holds = f.holds[0], f.holds[1:]
	}
	err := f.writeErr
	f.mu.Unlock()
	if hold != nil {
		<-hold
	}
	return err
}

func (f *faultyStore) Get(ctx context.Context, table, id string) (*store.Record, error) {
	f.gets.Add(1)
	f.mu.Lock()
	delay := f.getDelay
	f.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	return f.Store.Get(ctx, table, id)
}

func (f *faultyStore) Put(ctx context.Context, table string, rec *store.Record) error {
	if err := f.beforeWrite(); err != nil {
		return err
	}
	return f.Store.Put(ctx, table, rec)
}

func (f *faultyStore) Update(ctx context.Context, table, id string, patch store.Patch) error {
	if err := f.beforeWrite(); err != nil {
		return err
	}
	return f.Store.Update(ctx, table, id, patch)
}

func (f *faultyStore) ScanAll(ctx context.Context, table string) ([]*store.Record, error) {
	f.scans.Add(1)
	f.mu.Lock()
	err := f.scanErr
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return f.Store.ScanAll(ctx, table)
}

// countingFallback counts fallback store calls.
type countingFallback struct {
	fallback.Store
	gets, keys atomic.Int32
}

func (c *countingFallback) GetItem(key string) (string, error) {
	c.gets.Add(1)
	return c.Store.GetItem(key)
}

func (c *countingFallback) Keys(prefix string) ([]string, error) {
	c.keys.Add(1)
	return c.Store.Keys(prefix)
}

type testEnv struct {
	persistent *faultyStore
	fallback   *countingFallback
}

func newTestEnv(capacity int64) *testEnv {
	return &testEnv{
		persistent: newFaultyStore(),
		fallback:   &countingFallback{Store: fallback.NewMemory(capacity)},
	}
}

// manager starts a session over the environment's stores. Calling it again
// simulates a process restart: the stores survive, the cache does not.
func (e *testEnv) manager(t *testing.T, opts ...Option) *Manager {
	t.Helper()
	opts = append([]Option{
		WithPersistTimeout(50 * time.Millisecond),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}, opts...)
	m := New(e.persistent, e.fallback, opts...)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, m.Close(ctx))
	})
	return m
}

// countNotifies subscribes a counter to m.
func countNotifies(m *Manager) *atomic.Int32 {
	var n atomic.Int32
	m.Subscribe(func(context.Context) error {
		n.Add(1)
		return nil
	})
	return &n
}
