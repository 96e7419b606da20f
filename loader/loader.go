// Package loader deduplicates concurrent loads of the same key. When several
// readers miss the cache for one blob at once, only one of them goes to the
// backing tiers and the rest share its result.
package loader

import (
	"context"
	"errors"
	"log/slog"

	"golang.org/x/sync/singleflight"
)

// LoadFunc performs the load. The context passed to it is detached from any
// single caller so that one caller giving up does not cancel the load for
// other waiters.
type LoadFunc[T any] func(ctx context.Context) (T, error)

// Group deduplicates concurrent loads for the same key using singleflight.
// It uses DoChan so each caller can respect its own context deadline without
// cancelling the in-flight load for others.
type Group[T any] struct {
	group  singleflight.Group
	logger *slog.Logger
}

// Option configures a Group.
type Option func(*options)

type options struct {
	logger *slog.Logger
}

// WithLogger sets the logger for the group.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// New creates a new Group.
func New[T any](opts ...Option) *Group[T] {
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Group[T]{logger: o.logger}
}

// Do deduplicates concurrent loads for the same key.
// Returns the result, whether it was shared with another caller, and any error.
//
// If the caller's context expires before the load completes, Do returns the
// context error but the in-flight load continues for other waiters.
func (g *Group[T]) Do(ctx context.Context, key string, fn LoadFunc[T]) (T, bool, error) {
	ch := g.group.DoChan(key, func() (any, error) {
		return fn(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			g.logger.DebugContext(ctx, "shared in-flight load", "key", key)
		}
		if res.Err != nil {
			var zero T
			return zero, res.Shared, res.Err
		}
		return res.Val.(T), res.Shared, nil
	case <-ctx.Done():
		var zero T
		return zero, false, ctx.Err()
	}
}

// Forget removes the key from the group, allowing a subsequent call to
// start a fresh load. Called after writes so readers never join a load that
// started before the write landed.
func (g *Group[T]) Forget(key string) {
	g.group.Forget(key)
}

// ForgetOnError forgets key after a failed load so the next caller retries.
// A caller's own context error says nothing about the load and is ignored.
func (g *Group[T]) ForgetOnError(key string, err error) {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	g.Forget(key)
}
