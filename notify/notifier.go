// Package notify provides the cache invalidation signal. A broadcast carries
// no payload: listeners re-derive their state from the cache themselves.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wolfeidau/blobcache/telemetry"
)

// Listener is invoked on every broadcast. A returned error or a panic is
// logged and isolated from the other listeners.
type Listener func(ctx context.Context) error

type subscription struct {
	id uint64
	fn Listener
}

// Notifier broadcasts to listeners synchronously in subscription order.
// It is safe for concurrent use; listeners may subscribe and unsubscribe
// from within a broadcast.
type Notifier struct {
	logger *slog.Logger

	mu     sync.Mutex
	nextID uint64
	subs   []subscription
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithLogger sets the logger used for listener failures.
func WithLogger(logger *slog.Logger) Option {
	return func(n *Notifier) {
		n.logger = logger
	}
}

// New creates a Notifier.
func New(opts ...Option) *Notifier {
	n := &Notifier{
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Subscribe registers fn and returns a function that removes it.
// The returned function is idempotent.
func (n *Notifier) Subscribe(fn Listener) (unsubscribe func()) {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs = append(n.subs, subscription{id: id, fn: fn})
	n.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { n.remove(id) })
	}
}

// SubscribeFunc registers a listener that cannot fail.
func (n *Notifier) SubscribeFunc(fn func()) (unsubscribe func()) {
	return n.Subscribe(func(context.Context) error {
		fn()
		return nil
	})
}

func (n *Notifier) remove(id uint64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for i, s := range n.subs {
		if s.id == id {
			n.subs = append(n.subs[:i:i], n.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of current subscribers.
func (n *Notifier) Len() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.subs)
}

// Notify invokes every current listener in subscription order and returns
// the number of listeners that failed. Failures never stop the broadcast.
func (n *Notifier) Notify(ctx context.Context) int {
	n.mu.Lock()
	subs := n.subs
	n.mu.Unlock()

	failures := 0
	for _, s := range subs {
		if err := n.invoke(ctx, s.fn); err != nil {
			failures++
			n.logger.WarnContext(ctx, "listener failed", "subscription", s.id, "error", err)
		}
	}

	telemetry.RecordNotify(ctx, len(subs), failures)
	return failures
}

func (n *Notifier) invoke(ctx context.Context, fn Listener) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return fn(ctx)
}
