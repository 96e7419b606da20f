package loader

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDo_SingleCall(t *testing.T) {
	g := New[string]()

	result, shared, err := g.Do(context.Background(), "key1", func(ctx context.Context) (string, error) {
		return "hello", nil
	})

	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, "hello", result)
}

func TestDo_ConcurrentDeduplication(t *testing.T) {
	g := New[[]byte]()

	var callCount atomic.Int32
	var wg sync.WaitGroup
	results := make([][]byte, 10)
	errs := make([]error, 10)

	for i := range 10 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			results[idx], _, errs[idx] = g.Do(context.Background(), "shared-key", func(ctx context.Context) ([]byte, error) {
				callCount.Add(1)
				time.Sleep(50 * time.Millisecond)
				return []byte("data"), nil
			})
		}(i)
	}

	wg.Wait()

	require.Equal(t, int32(1), callCount.Load(), "load func should be called exactly once")
	for i := range 10 {
		require.NoError(t, errs[i])
		require.Equal(t, []byte("data"), results[i])
	}
}

func TestDo_CallerTimeout(t *testing.T) {
	g := New[int]()

	var loadCompleted atomic.Bool

	shortCtx, shortCancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer shortCancel()

	started := make(chan struct{})
	var slowWg sync.WaitGroup
	slowWg.Add(1)
	go func() {
		defer slowWg.Done()
		_, _, err := g.Do(shortCtx, "timeout-key", func(ctx context.Context) (int, error) {
			close(started)
			time.Sleep(200 * time.Millisecond)
			// The detached context survives the caller's deadline.
			if ctx.Err() != nil {
				return 0, ctx.Err()
			}
			loadCompleted.Store(true)
			return 42, nil
		})
		assert.ErrorIs(t, err, context.DeadlineExceeded)
	}()

	<-started

	longCtx, longCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer longCancel()

	result, shared, err := g.Do(longCtx, "timeout-key", func(ctx context.Context) (int, error) {
		t.Fatal("should not be called - load already in flight")
		return 0, nil
	})

	require.NoError(t, err)
	require.True(t, shared)
	require.Equal(t, 42, result)
	require.True(t, loadCompleted.Load())

	slowWg.Wait()
}

func TestDo_LoadError(t *testing.T) {
	g := New[string]()
	expectedErr := errors.New("store unavailable")

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			_, _, errs[idx] = g.Do(context.Background(), "error-key", func(ctx context.Context) (string, error) {
				time.Sleep(20 * time.Millisecond)
				return "", expectedErr
			})
		}(i)
	}
	wg.Wait()

	for i := range 5 {
		require.ErrorIs(t, errs[i], expectedErr)
	}
}

func TestDo_DifferentKeys(t *testing.T) {
	g := New[string]()

	var callCount atomic.Int32
	var wg sync.WaitGroup
	for i := range 5 {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			key := "key-" + string(rune('a'+idx))
			_, _, err := g.Do(context.Background(), key, func(ctx context.Context) (string, error) {
				callCount.Add(1)
				return key, nil
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	require.Equal(t, int32(5), callCount.Load(), "each key should trigger its own load")
}

func TestForget_StartsFreshLoad(t *testing.T) {
	g := New[int]()

	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _, _ = g.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
			close(started)
			<-release
			return 1, nil
		})
	}()
	<-started

	g.Forget("k")

	result, shared, err := g.Do(context.Background(), "k", func(ctx context.Context) (int, error) {
		return 2, nil
	})
	require.NoError(t, err)
	require.False(t, shared)
	require.Equal(t, 2, result)

	close(release)
	<-done
}

func TestForgetOnError_SkipsContextErrors(t *testing.T) {
	g := New[int]()

	var callCount atomic.Int32
	started := make(chan struct{})
	go func() {
		_, _, _ = g.Do(context.Background(), "forget-test", func(ctx context.Context) (int, error) {
			callCount.Add(1)
			close(started)
			time.Sleep(200 * time.Millisecond)
			return 7, nil
		})
	}()
	<-started

	// A caller that timed out must not forget the in-flight load.
	g.ForgetOnError("forget-test", context.DeadlineExceeded)

	result, shared, err := g.Do(context.Background(), "forget-test", func(ctx context.Context) (int, error) {
		callCount.Add(1)
		return 7, nil
	})
	require.NoError(t, err)
	require.True(t, shared, "should share the in-flight load")
	require.Equal(t, 7, result)
	require.Equal(t, int32(1), callCount.Load())
}
