package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/wolfeidau/blobcache/blobs"
	"github.com/wolfeidau/blobcache/fallback"
	"github.com/wolfeidau/blobcache/reconcile"
	"github.com/wolfeidau/blobcache/store"
	"github.com/wolfeidau/blobcache/store/boltstore"
	"github.com/wolfeidau/blobcache/telemetry"
)

const shutdownTimeout = 10 * time.Second

// runtime is bound into every command. The stores are opened on first use so
// commands that only transform strings never touch disk.
type runtime struct {
	ctx    context.Context
	cli    *CLI
	logger *slog.Logger
	out    io.Writer

	db       *boltstore.BoltDB
	fs       *fallback.Filesystem
	fallback fallback.Store
	manager  *blobs.Manager

	closers []func(context.Context) error
}

// open builds the full stack: telemetry, the bbolt persistent store, the
// filesystem fallback store and the manager over both.
func (rt *runtime) open() (*blobs.Manager, error) {
	if rt.manager != nil {
		return rt.manager, nil
	}

	if err := rt.startTelemetry(); err != nil {
		return nil, err
	}

	db := boltstore.New(boltstore.WithLogger(rt.logger))
	if err := db.Open(rt.cli.DB); err != nil {
		return nil, fmt.Errorf("opening persistent store: %w", err)
	}
	rt.closers = append(rt.closers, func(context.Context) error { return db.Close() })

	fs, err := fallback.NewFilesystem(rt.cli.FallbackDir,
		fallback.WithCapacity(rt.cli.FallbackCapacity),
		fallback.WithLogger(rt.logger),
	)
	if err != nil {
		return nil, fmt.Errorf("opening fallback store: %w", err)
	}
	fb := fallback.NewInstrumentedStore(fs)

	opts := append(rt.cli.managerOptions(), blobs.WithLogger(rt.logger))
	m := blobs.New(store.NewInstrumentedStore(db), fb, opts...)
	rt.closers = append(rt.closers, m.Close)

	rt.db, rt.fs, rt.fallback, rt.manager = db, fs, fb, m
	return m, nil
}

// setTableField records the payload field for table. It must be called
// before open.
func (rt *runtime) setTableField(table, field string) {
	if rt.cli.TableField == nil {
		rt.cli.TableField = make(map[string]string)
	}
	rt.cli.TableField[table] = field
}

func (rt *runtime) startTelemetry() error {
	shutdown, err := telemetry.InitMetrics(rt.ctx, telemetry.MetricsConfig{
		ServiceName:      "blobcache",
		ServiceVersion:   version,
		OTLPEndpoint:     rt.cli.OTLPEndpoint,
		EnablePrometheus: rt.cli.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	rt.closers = append(rt.closers, shutdown)

	if rt.cli.MetricsAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", rt.cli.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", rt.cli.MetricsAddr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", telemetry.PrometheusHandler())
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			rt.logger.Error("metrics server failed", "error", err)
		}
	}()
	rt.logger.Info("serving metrics", "address", ln.Addr().String())
	rt.closers = append(rt.closers, srv.Shutdown)
	return nil
}

// tables lists every table known to this process or present in the
// persistent store.
func (rt *runtime) tables() reconcile.TableSource {
	return reconcile.Tables(
		func(context.Context) ([]string, error) { return rt.manager.Tables(), nil },
		rt.db.Tables,
	)
}

// close tears the stack down in reverse order. The manager is closed before
// the database so late persistent writes can land.
func (rt *runtime) close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for i := len(rt.closers) - 1; i >= 0; i-- {
		if err := rt.closers[i](ctx); err != nil {
			rt.logger.Warn("shutdown step failed", "error", err)
		}
	}
	rt.closers = nil
}
