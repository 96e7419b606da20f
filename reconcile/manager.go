// Package reconcile promotes fallback entries back to the persistent store
// once it is healthy again, so the fallback tier drains over time instead
// of holding blobs until the next save of each key.
package reconcile

import (
	"context"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/wolfeidau/blobcache"
	"github.com/wolfeidau/blobcache/fallback"
	"go.opentelemetry.io/otel/metric"
)

// Config configures the reconcile manager.
type Config struct {
	Interval     time.Duration // How often to run (default: 1m)
	StartupDelay time.Duration // Delay before first run (default: 10s)
	BatchSize    int           // Max entries to promote per run (default: 100)
}

// DefaultConfig returns the default reconcile configuration.
func DefaultConfig() Config {
	return Config{
		Interval:     1 * time.Minute,
		StartupDelay: 10 * time.Second,
		BatchSize:    100,
	}
}

// Promoter moves one fallback entry to the persistent tier. It reports
// whether the entry was promoted; false with a nil error means it was
// skipped.
type Promoter interface {
	Promote(ctx context.Context, table, id string) (bool, error)
}

// TableSource lists the tables whose fallback entries may be promoted.
// Fallback keys only identify their table when the table is known, since
// table names may contain the key separator.
type TableSource func(ctx context.Context) ([]string, error)

// Tables returns a TableSource merging several sources. Failing sources are
// skipped.
func Tables(sources ...TableSource) TableSource {
	return func(ctx context.Context) ([]string, error) {
		seen := make(map[string]bool)
		var firstErr error
		for _, src := range sources {
			tables, err := src(ctx)
			if err != nil {
				if firstErr == nil {
					firstErr = err
				}
				continue
			}
			for _, t := range tables {
				seen[t] = true
			}
		}
		if len(seen) == 0 && firstErr != nil {
			return nil, firstErr
		}
		out := make([]string, 0, len(seen))
		for t := range seen {
			out = append(out, t)
		}
		slices.Sort(out)
		return out, nil
	}
}

// StaticTables returns a TableSource with a fixed list.
func StaticTables(tables ...string) TableSource {
	return func(context.Context) ([]string, error) {
		return tables, nil
	}
}

// Result contains the results of a reconcile run.
type Result struct {
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Scanned   int           `json:"scanned"`
	Promoted  int           `json:"promoted"`
	Skipped   int           `json:"skipped"`
	Failed    int           `json:"failed"`
	Errors    []string      `json:"errors,omitempty"`
}

// Manager runs promotion passes in the background.
type Manager struct {
	promoter Promoter
	fallback fallback.Store
	tables   TableSource
	config   Config
	metrics  *Metrics
	logger   *slog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	mu      sync.Mutex
	running bool
	lastRun *Result
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger for the manager.
func WithLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithMetrics sets the metrics for the manager.
func WithMetrics(meter metric.Meter) ManagerOption {
	return func(m *Manager) {
		metrics, err := NewMetrics(meter)
		if err != nil {
			m.logger.Error("failed to create reconcile metrics", "error", err)
			return
		}
		m.metrics = metrics
	}
}

// New creates a new reconcile manager.
func New(promoter Promoter, fb fallback.Store, tables TableSource, config Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		promoter: promoter,
		fallback: fb,
		tables:   tables,
		config:   config,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start starts the background reconcile goroutine.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.doneCh = make(chan struct{})
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop gracefully stops the manager.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	stopCh, doneCh := m.stopCh, m.doneCh
	m.mu.Unlock()

	select {
	case <-stopCh:
	default:
		close(stopCh)
	}

	select {
	case <-doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunNow triggers an immediate promotion pass.
func (m *Manager) RunNow(ctx context.Context) (*Result, error) {
	return m.reconcile(ctx), nil
}

// Status returns the last run result.
func (m *Manager) Status() *Result {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastRun
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	m.logger.Info("reconcile manager starting",
		"interval", m.config.Interval,
		"startup_delay", m.config.StartupDelay,
	)

	select {
	case <-time.After(m.config.StartupDelay):
	case <-m.stopCh:
		m.logger.Info("reconcile manager stopped during startup delay")
		m.setRunning(false)
		return
	case <-ctx.Done():
		m.logger.Info("reconcile manager context cancelled during startup delay")
		m.setRunning(false)
		return
	}

	m.reconcile(ctx)

	ticker := time.NewTicker(m.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.reconcile(ctx)
		case <-m.stopCh:
			m.logger.Info("reconcile manager stopped")
			m.setRunning(false)
			return
		case <-ctx.Done():
			m.logger.Info("reconcile manager context cancelled")
			m.setRunning(false)
			return
		}
	}
}

func (m *Manager) setRunning(running bool) {
	m.mu.Lock()
	m.running = running
	m.mu.Unlock()
}

func (m *Manager) reconcile(ctx context.Context) *Result {
	result := &Result{
		StartedAt: time.Now(),
	}

	m.promoteAll(ctx, result)

	result.Duration = time.Since(result.StartedAt)

	m.mu.Lock()
	m.lastRun = result
	m.mu.Unlock()

	m.recordMetrics(ctx, result)

	level := slog.LevelDebug
	if result.Promoted > 0 || len(result.Errors) > 0 {
		level = slog.LevelInfo
	}
	m.logger.Log(ctx, level, "reconcile run completed",
		"duration", result.Duration,
		"scanned", result.Scanned,
		"promoted", result.Promoted,
		"skipped", result.Skipped,
		"failed", result.Failed,
		"errors", len(result.Errors),
	)

	return result
}

func (m *Manager) promoteAll(ctx context.Context, result *Result) {
	tables, err := m.tables(ctx)
	if err != nil {
		result.Errors = append(result.Errors, "listing tables: "+err.Error())
		return
	}
	// Longest first, so a key under "photos_raw" is not claimed by "photos".
	slices.SortFunc(tables, func(a, b string) int { return len(b) - len(a) })

	keys, err := m.fallback.Keys("")
	if err != nil {
		result.Errors = append(result.Errors, "listing fallback keys: "+err.Error())
		return
	}

	for _, key := range keys {
		if !blobcache.IsFallbackKey(key) {
			continue
		}
		if ctx.Err() != nil {
			result.Errors = append(result.Errors, ctx.Err().Error())
			return
		}
		if m.config.BatchSize > 0 && result.Promoted+result.Failed >= m.config.BatchSize {
			return
		}
		result.Scanned++

		table, id, ok := matchTable(tables, key)
		if !ok {
			result.Skipped++
			m.logger.Debug("skipping fallback entry for unknown table", "key", key)
			continue
		}

		promoted, err := m.promoter.Promote(ctx, table, id)
		switch {
		case err != nil:
			result.Failed++
			result.Errors = append(result.Errors, table+"/"+id+": "+err.Error())
			m.logger.Warn("promotion failed", "table", table, "id", id, "error", err)
		case promoted:
			result.Promoted++
		default:
			result.Skipped++
		}
	}
}

func matchTable(tables []string, key string) (table, id string, ok bool) {
	for _, t := range tables {
		if id, ok := blobcache.ParseFallbackKey(t, key); ok {
			return t, id, true
		}
	}
	return "", "", false
}

func (m *Manager) recordMetrics(ctx context.Context, result *Result) {
	if m.metrics == nil {
		return
	}

	m.metrics.runsTotal.Add(ctx, 1)
	m.metrics.runDuration.Record(ctx, result.Duration.Seconds())
	m.metrics.entriesPromoted.Add(ctx, int64(result.Promoted))
	m.metrics.entriesSkipped.Add(ctx, int64(result.Skipped))
	m.metrics.entriesFailed.Add(ctx, int64(result.Failed))
	m.metrics.errorsTotal.Add(ctx, int64(len(result.Errors)))
	m.metrics.lastRunTimestamp.Record(ctx, float64(result.StartedAt.Unix()))

	if len(result.Errors) == 0 {
		m.metrics.lastRunSuccess.Record(ctx, 1)
	} else {
		m.metrics.lastRunSuccess.Record(ctx, 0)
	}
}
