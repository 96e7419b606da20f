package reconcile

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds reconcile-related OpenTelemetry metric instruments.
type Metrics struct {
	runsTotal        metric.Int64Counter
	runDuration      metric.Float64Histogram
	entriesPromoted  metric.Int64Counter
	entriesSkipped   metric.Int64Counter
	entriesFailed    metric.Int64Counter
	errorsTotal      metric.Int64Counter
	lastRunTimestamp metric.Float64Gauge
	lastRunSuccess   metric.Float64Gauge
}

// NewMetrics creates a new Metrics instance with the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	runsTotal, err := meter.Int64Counter(
		"blobcache_reconcile_runs_total",
		metric.WithDescription("Total number of reconcile runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram(
		"blobcache_reconcile_run_duration_seconds",
		metric.WithDescription("Reconcile run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60),
	)
	if err != nil {
		return nil, err
	}

	entriesPromoted, err := meter.Int64Counter(
		"blobcache_reconcile_entries_promoted_total",
		metric.WithDescription("Total number of fallback entries promoted to the persistent store"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	entriesSkipped, err := meter.Int64Counter(
		"blobcache_reconcile_entries_skipped_total",
		metric.WithDescription("Total number of fallback entries left in place (save in progress, unknown table or superseded)"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	entriesFailed, err := meter.Int64Counter(
		"blobcache_reconcile_entries_failed_total",
		metric.WithDescription("Total number of fallback entries whose promotion failed"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	errorsTotal, err := meter.Int64Counter(
		"blobcache_reconcile_errors_total",
		metric.WithDescription("Total number of reconcile errors"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	lastRunTimestamp, err := meter.Float64Gauge(
		"blobcache_reconcile_last_run_timestamp_seconds",
		metric.WithDescription("Unix timestamp of last reconcile run"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	lastRunSuccess, err := meter.Float64Gauge(
		"blobcache_reconcile_last_run_success",
		metric.WithDescription("Whether last reconcile run was successful (1=success, 0=failure)"),
		metric.WithUnit("{status}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		runsTotal:        runsTotal,
		runDuration:      runDuration,
		entriesPromoted:  entriesPromoted,
		entriesSkipped:   entriesSkipped,
		entriesFailed:    entriesFailed,
		errorsTotal:      errorsTotal,
		lastRunTimestamp: lastRunTimestamp,
		lastRunSuccess:   lastRunSuccess,
	}, nil
}
