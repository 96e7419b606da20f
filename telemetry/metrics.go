// Package telemetry records OpenTelemetry metrics for the blob cache tiers.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
)

const (
	meterName = "github.com/wolfeidau/blobcache"
)

// Tier names used as metric attributes.
const (
	TierMemory     = "memory"
	TierPersistent = "persistent"
	TierFallback   = "fallback"
)

// Lookup results used as metric attributes.
const (
	ResultHit   = "hit"
	ResultMiss  = "miss"
	ResultError = "error"
)

// MetricsConfig configures the metrics system.
type MetricsConfig struct {
	// ServiceName is the name of the service for resource attributes.
	ServiceName string

	// ServiceVersion is the version of the service.
	ServiceVersion string

	// OTLPEndpoint is the OTLP gRPC endpoint (e.g., "localhost:4317").
	// If empty, OTLP export is disabled.
	OTLPEndpoint string

	// EnablePrometheus enables the Prometheus /metrics endpoint.
	EnablePrometheus bool

	// FlushInterval is how often to export metrics (default: 10s).
	FlushInterval time.Duration
}

// Metrics holds the OpenTelemetry metric instruments.
type Metrics struct {
	cacheLookupsTotal metric.Int64Counter

	savesTotal   metric.Int64Counter
	saveDuration metric.Float64Histogram
	saveSize     metric.Float64Histogram

	staleCompletionsTotal metric.Int64Counter

	storeRequestDuration metric.Float64Histogram
	storeRequestsTotal   metric.Int64Counter
	storeBytesTotal      metric.Int64Counter

	notifyBroadcastsTotal       metric.Int64Counter
	notifyListenerFailuresTotal metric.Int64Counter

	preloadEntriesTotal metric.Int64Counter
	preloadDuration     metric.Float64Histogram

	handlesLive         metric.Int64Gauge
	handleReleasesTotal metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	globalMetrics *Metrics
	initOnce      sync.Once
	initErr       error
)

// InitMetrics initializes the OpenTelemetry metrics system.
// Returns a shutdown function that should be called on application exit.
// Uses sync.Once to ensure single initialisation.
func InitMetrics(ctx context.Context, cfg MetricsConfig) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInitMetrics(ctx, cfg)
	})

	if initErr != nil {
		return nil, initErr
	}

	return shutdownMetrics, nil
}

func doInitMetrics(ctx context.Context, cfg MetricsConfig) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "blobcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.OTLPEndpoint != "" {
		otlpExporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(cfg.OTLPEndpoint),
			otlpmetricgrpc.WithInsecure(),
		)
		if err != nil {
			return err
		}
		readers = append(readers, sdkmetric.NewPeriodicReader(otlpExporter,
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	// If no exporters configured, use a no-op periodic reader to still collect metrics
	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval),
		))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	m, err := newMetrics(mp.Meter(meterName))
	if err != nil {
		return err
	}
	m.meterProvider = mp
	m.promHandler = promHandler
	globalMetrics = m

	return nil
}

func newMetrics(meter metric.Meter) (*Metrics, error) {
	cacheLookupsTotal, err := meter.Int64Counter(
		"blobcache_lookups_total",
		metric.WithDescription("Total blob lookups by tier and result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return nil, err
	}

	savesTotal, err := meter.Int64Counter(
		"blobcache_saves_total",
		metric.WithDescription("Total blob saves by committed outcome"),
		metric.WithUnit("{save}"),
	)
	if err != nil {
		return nil, err
	}

	saveDuration, err := meter.Float64Histogram(
		"blobcache_save_duration_seconds",
		metric.WithDescription("Duration of blob saves until the outcome is committed"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return nil, err
	}

	saveSize, err := meter.Float64Histogram(
		"blobcache_save_size_bytes",
		metric.WithDescription("Size of saved blob payloads"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 1024, 4096, 16384, 65536, 262144, 1048576, 4194304, 16777216),
	)
	if err != nil {
		return nil, err
	}

	staleCompletionsTotal, err := meter.Int64Counter(
		"blobcache_stale_completions_total",
		metric.WithDescription("Writes discarded because a newer generation exists for the key"),
		metric.WithUnit("{write}"),
	)
	if err != nil {
		return nil, err
	}

	storeRequestDuration, err := meter.Float64Histogram(
		"blobcache_store_request_duration_seconds",
		metric.WithDescription("Duration of persistent and fallback store operations"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return nil, err
	}

	storeRequestsTotal, err := meter.Int64Counter(
		"blobcache_store_requests_total",
		metric.WithDescription("Total number of store operations"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	storeBytesTotal, err := meter.Int64Counter(
		"blobcache_store_bytes_total",
		metric.WithDescription("Total bytes written to stores"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}

	notifyBroadcastsTotal, err := meter.Int64Counter(
		"blobcache_notify_broadcasts_total",
		metric.WithDescription("Total invalidation broadcasts"),
		metric.WithUnit("{broadcast}"),
	)
	if err != nil {
		return nil, err
	}

	notifyListenerFailuresTotal, err := meter.Int64Counter(
		"blobcache_notify_listener_failures_total",
		metric.WithDescription("Listener errors and panics recovered during broadcasts"),
		metric.WithUnit("{failure}"),
	)
	if err != nil {
		return nil, err
	}

	preloadEntriesTotal, err := meter.Int64Counter(
		"blobcache_preload_entries_total",
		metric.WithDescription("Handles added to the cache by table preloads"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return nil, err
	}

	preloadDuration, err := meter.Float64Histogram(
		"blobcache_preload_duration_seconds",
		metric.WithDescription("Duration of table preloads"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return nil, err
	}

	handlesLive, err := meter.Int64Gauge(
		"blobcache_handles_live",
		metric.WithDescription("Memory handles currently holding bytes"),
		metric.WithUnit("{handle}"),
	)
	if err != nil {
		return nil, err
	}

	handleReleasesTotal, err := meter.Int64Counter(
		"blobcache_handle_releases_total",
		metric.WithDescription("Memory handles released"),
		metric.WithUnit("{handle}"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		cacheLookupsTotal:           cacheLookupsTotal,
		savesTotal:                  savesTotal,
		saveDuration:                saveDuration,
		saveSize:                    saveSize,
		staleCompletionsTotal:       staleCompletionsTotal,
		storeRequestDuration:        storeRequestDuration,
		storeRequestsTotal:          storeRequestsTotal,
		storeBytesTotal:             storeBytesTotal,
		notifyBroadcastsTotal:       notifyBroadcastsTotal,
		notifyListenerFailuresTotal: notifyListenerFailuresTotal,
		preloadEntriesTotal:         preloadEntriesTotal,
		preloadDuration:             preloadDuration,
		handlesLive:                 handlesLive,
		handleReleasesTotal:         handleReleasesTotal,
	}, nil
}

// shutdownMetrics shuts down the metrics provider and clears the global state.
func shutdownMetrics(ctx context.Context) error {
	if globalMetrics == nil {
		return nil
	}
	err := globalMetrics.meterProvider.Shutdown(ctx)
	globalMetrics = nil
	return err
}

// RecordCacheLookup records the result of consulting one tier during a get.
func RecordCacheLookup(ctx context.Context, tier, result string) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("tier", tier),
		attribute.String("result", result),
	)
	globalMetrics.cacheLookupsTotal.Add(ctx, 1, attrs)
}

// RecordSave records a committed save. outcome is "persistent", "fallback",
// "storage_full" or "stale".
func RecordSave(ctx context.Context, table, outcome string, size int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("outcome", outcome),
	)
	globalMetrics.savesTotal.Add(ctx, 1, attrs)
	globalMetrics.saveDuration.Record(ctx, duration.Seconds(), attrs)
	globalMetrics.saveSize.Record(ctx, float64(size), attrs)
}

// RecordStaleCompletion records a write that lost to a newer generation.
// phase is "commit" or "late_persist".
func RecordStaleCompletion(ctx context.Context, phase string) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.staleCompletionsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("phase", phase)))
}

// RecordStoreOp records a store operation against a tier.
func RecordStoreOp(ctx context.Context, tier, op, outcome string, duration time.Duration, bytes int64) {
	if globalMetrics == nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("tier", tier),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	globalMetrics.storeRequestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.storeRequestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		globalMetrics.storeBytesTotal.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// RecordNotify records one broadcast and the listener failures it absorbed.
func RecordNotify(ctx context.Context, listeners, failures int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.notifyBroadcastsTotal.Add(ctx, 1)
	if failures > 0 {
		globalMetrics.notifyListenerFailuresTotal.Add(ctx, int64(failures))
	}
}

// RecordPreload records a table preload. source is "persistent" or
// "fallback".
func RecordPreload(ctx context.Context, table, source string, entries int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("table", table),
		attribute.String("source", source),
	)
	globalMetrics.preloadEntriesTotal.Add(ctx, int64(entries), attrs)
	globalMetrics.preloadDuration.Record(ctx, duration.Seconds(), attrs)
}

// RecordHandleRelease records a freed memory handle and the number still live.
func RecordHandleRelease(ctx context.Context, live int) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.handleReleasesTotal.Add(ctx, 1)
	globalMetrics.handlesLive.Record(ctx, int64(live))
}

// PrometheusHandler returns the Prometheus metrics HTTP handler.
// Returns a handler that returns 404 if Prometheus export is not enabled,
// allowing safe registration regardless of initialization order.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(_ sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return nil
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error {
	return nil
}

func (noopExporter) ForceFlush(_ context.Context) error {
	return nil
}

func (noopExporter) Shutdown(_ context.Context) error {
	return nil
}
