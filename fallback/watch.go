package fallback

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultWatchDebounce coalesces bursts of filesystem events into one call.
const DefaultWatchDebounce = 100 * time.Millisecond

// Watch calls fn whenever an entry under the store's root is created,
// replaced or removed, so a process sharing the directory learns about
// another's writes. Events within debounce of each other produce a single
// call; a debounce of zero uses DefaultWatchDebounce. Watching stops when
// ctx is done. Changes made by this process are reported too.
func Watch(ctx context.Context, f *Filesystem, debounce time.Duration, fn func()) error {
	if debounce <= 0 {
		debounce = DefaultWatchDebounce
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := w.Add(f.Root()); err != nil {
		_ = w.Close()
		return fmt.Errorf("watching %s: %w", f.Root(), err)
	}

	go func() {
		defer func() { _ = w.Close() }()

		timer := time.NewTimer(debounce)
		if !timer.Stop() {
			<-timer.C
		}
		defer timer.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !isEntryName(filepath.Base(event.Name)) {
					continue
				}
				if event.Has(fsnotify.Create) || event.Has(fsnotify.Write) ||
					event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
					timer.Reset(debounce)
				}
			case <-timer.C:
				fn()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				f.logger.WarnContext(ctx, "error watching fallback directory", "root", f.Root(), "error", err)
			}
		}
	}()
	return nil
}
