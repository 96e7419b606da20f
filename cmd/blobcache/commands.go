package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/fallback"
	"github.com/wolfeidau/blobcache/reconcile"
	"github.com/wolfeidau/blobcache/store"
)

// PutCmd saves a file.
type PutCmd struct {
	Table string `arg:"" help:"Table name."`
	ID    string `arg:"" name:"id" help:"Record id."`
	File  string `arg:"" type:"existingfile" help:"File to store."`
	Field string `default:"data" help:"Record field holding the payload."`
	Mime  string `help:"MIME type (detected from the file when empty)."`
}

func (c *PutCmd) Run(rt *runtime) error {
	ref, err := blobcache.NewReference(c.Table, c.ID)
	if err != nil {
		return err
	}
	m, err := rt.open()
	if err != nil {
		return err
	}
	data, err := os.ReadFile(c.File)
	if err != nil {
		return fmt.Errorf("reading %s: %w", c.File, err)
	}
	mimeType := c.Mime
	if mimeType == "" {
		mimeType = detectMimeType(c.File, data)
	}

	h, err := m.SaveBlob(rt.ctx, c.Table, c.ID, blobcache.Raw(data, mimeType), c.Field)
	if err != nil {
		if errors.Is(err, blobcache.ErrStorageFull) {
			return fmt.Errorf("saving %s/%s: both tiers rejected %d bytes: %w", c.Table, c.ID, len(data), err)
		}
		return err
	}
	tier := "persistent"
	if h.IsInline() {
		tier = "fallback"
	}
	rt.logger.Info("saved blob", "table", c.Table, "id", c.ID, "bytes", len(data), "mime", mimeType, "tier", tier)
	_, err = fmt.Fprintln(rt.out, ref)
	return err
}

func detectMimeType(name string, data []byte) string {
	if t := mime.TypeByExtension(filepath.Ext(name)); t != "" {
		return t
	}
	return http.DetectContentType(data)
}

// GetCmd writes a blob's bytes to a file or stdout.
type GetCmd struct {
	Table  string `arg:"" help:"Table name."`
	ID     string `arg:"" name:"id" help:"Record id."`
	Field  string `help:"Record field holding the payload (overrides --table-field)."`
	Output string `short:"o" help:"Output file (stdout when empty)."`
}

func (c *GetCmd) Run(rt *runtime) error {
	if c.Field != "" {
		rt.setTableField(c.Table, c.Field)
	}
	m, err := rt.open()
	if err != nil {
		return err
	}
	h, ok := m.GetBlob(rt.ctx, c.Table, c.ID)
	if !ok {
		return fmt.Errorf("%s/%s: %w", c.Table, c.ID, store.ErrNotFound)
	}
	data, mimeType, err := m.Open(h)
	if err != nil {
		return fmt.Errorf("opening %s: %w", h, err)
	}
	rt.logger.Debug("resolved blob", "table", c.Table, "id", c.ID, "mime", mimeType, "inline", h.IsInline())

	if c.Output == "" {
		_, err = rt.out.Write(data)
		return err
	}
	return os.WriteFile(c.Output, data, 0o600)
}

// PreloadCmd warms the cache for a table and reports how many handles it
// holds afterwards.
type PreloadCmd struct {
	Table string `arg:"" help:"Table name."`
	Field string `default:"data" help:"Record field holding the payload."`
}

func (c *PreloadCmd) Run(rt *runtime) error {
	m, err := rt.open()
	if err != nil {
		return err
	}
	n := m.PreloadTable(rt.ctx, c.Table, c.Field)
	_, err = fmt.Fprintln(rt.out, n)
	return err
}

// RefCmd groups the reference codec commands.
type RefCmd struct {
	Encode RefEncodeCmd `cmd:"" help:"Print the reference for a table and id."`
	Decode RefDecodeCmd `cmd:"" help:"Print the table and id of a reference."`
}

type RefEncodeCmd struct {
	Table string `arg:"" help:"Table name."`
	ID    string `arg:"" name:"id" help:"Record id."`
}

func (c *RefEncodeCmd) Run(rt *runtime) error {
	ref, err := blobcache.NewReference(c.Table, c.ID)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(rt.out, ref)
	return err
}

type RefDecodeCmd struct {
	Ref string `arg:"" help:"Reference string."`
}

func (c *RefDecodeCmd) Run(rt *runtime) error {
	ref, err := blobcache.ParseReference(c.Ref)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(rt.out, "table=%s id=%s\n", ref.Table, ref.ID)
	return err
}

// ReconcileCmd runs one promotion pass and prints its result as JSON.
type ReconcileCmd struct {
	Tables    []string `help:"Additional tables to consider." sep:","`
	BatchSize int      `default:"100" help:"Maximum entries to promote."`
}

func (c *ReconcileCmd) Run(rt *runtime) error {
	m, err := rt.open()
	if err != nil {
		return err
	}
	cfg := reconcile.DefaultConfig()
	cfg.BatchSize = c.BatchSize
	r := reconcile.New(m, rt.fallback,
		reconcile.Tables(rt.tables(), reconcile.StaticTables(c.Tables...)),
		cfg,
		reconcile.WithLogger(rt.logger),
	)
	result, err := r.RunNow(rt.ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(rt.out)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// WatchCmd subscribes to cache broadcasts and logs each one. Writes by other
// processes sharing the fallback directory trigger a broadcast. With
// --reconcile-interval the fallback tier is drained in the background.
type WatchCmd struct {
	Debounce          time.Duration `default:"100ms" help:"Coalesce fallback directory events within this window."`
	ReconcileInterval time.Duration `help:"Promote fallback entries on this interval (0 disables)."`
}

func (c *WatchCmd) Run(rt *runtime) error {
	m, err := rt.open()
	if err != nil {
		return err
	}

	var broadcasts atomic.Int64
	unsubscribe := m.Subscribe(func(ctx context.Context) error {
		rt.logger.Info("cache changed", "broadcast", broadcasts.Add(1), "tables", len(m.Tables()))
		return nil
	})
	defer unsubscribe()

	if c.ReconcileInterval > 0 {
		cfg := reconcile.DefaultConfig()
		cfg.Interval = c.ReconcileInterval
		r := reconcile.New(m, rt.fallback, rt.tables(), cfg, reconcile.WithLogger(rt.logger))
		r.Start(rt.ctx)
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := r.Stop(ctx); err != nil {
				rt.logger.Warn("stopping reconciler", "error", err)
			}
		}()
	}

	rt.logger.Info("watching fallback directory", "dir", rt.fs.Root())
	err = fallback.Watch(rt.ctx, rt.fs, c.Debounce, func() {
		m.Broadcast(rt.ctx)
	})
	if err != nil {
		return err
	}
	<-rt.ctx.Done()
	rt.logger.Info("stopped watching", "broadcasts", broadcasts.Load())
	return nil
}
