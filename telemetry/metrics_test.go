package telemetry

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics installs a Metrics instance backed by a ManualReader.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := newMetrics(mp.Meter(meterName))
	require.NoError(t, err)
	m.meterProvider = mp
	globalMetrics = m

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

// collectMetrics reads all metrics from the ManualReader.
func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

// findCounter finds a counter metric by name and returns its data points.
func findCounter(rm metricdata.ResourceMetrics, name string) []metricdata.DataPoint[int64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
					return sum.DataPoints
				}
			}
		}
	}
	return nil
}

// findHistogram finds a histogram metric by name and returns its data points.
func findHistogram(rm metricdata.ResourceMetrics, name string) []metricdata.HistogramDataPoint[float64] {
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == name {
				if hist, ok := m.Data.(metricdata.Histogram[float64]); ok {
					return hist.DataPoints
				}
			}
		}
	}
	return nil
}

// hasAttr checks if a data point's attribute set contains the given key-value pair.
func hasAttr(attrs attribute.Set, key, value string) bool {
	v, ok := attrs.Value(attribute.Key(key))
	return ok && v.AsString() == value
}

func TestRecordCacheLookup(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordCacheLookup(ctx, TierMemory, ResultHit)
	RecordCacheLookup(ctx, TierMemory, ResultHit)
	RecordCacheLookup(ctx, TierFallback, ResultMiss)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "blobcache_lookups_total")
	require.Len(t, dps, 2)

	for _, dp := range dps {
		switch {
		case hasAttr(dp.Attributes, "tier", TierMemory):
			require.True(t, hasAttr(dp.Attributes, "result", ResultHit))
			require.EqualValues(t, 2, dp.Value)
		case hasAttr(dp.Attributes, "tier", TierFallback):
			require.True(t, hasAttr(dp.Attributes, "result", ResultMiss))
			require.EqualValues(t, 1, dp.Value)
		default:
			t.Fatalf("unexpected data point %v", dp.Attributes)
		}
	}
}

func TestRecordSave(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordSave(context.Background(), "avatars", "fallback", 2048, 20*time.Millisecond)

	rm := collectMetrics(t, reader)
	dps := findCounter(rm, "blobcache_saves_total")
	require.Len(t, dps, 1)
	require.EqualValues(t, 1, dps[0].Value)
	require.True(t, hasAttr(dps[0].Attributes, "table", "avatars"))
	require.True(t, hasAttr(dps[0].Attributes, "outcome", "fallback"))

	hist := findHistogram(rm, "blobcache_save_size_bytes")
	require.Len(t, hist, 1)
	require.Equal(t, uint64(1), hist[0].Count)
	require.InDelta(t, 2048, hist[0].Sum, 0.001)
}

func TestRecordStoreOp_SkipsZeroBytes(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordStoreOp(ctx, TierPersistent, "get", "success", time.Millisecond, 0)
	RecordStoreOp(ctx, TierPersistent, "put", "success", time.Millisecond, 512)

	rm := collectMetrics(t, reader)
	require.Len(t, findCounter(rm, "blobcache_store_requests_total"), 2)

	bytesDps := findCounter(rm, "blobcache_store_bytes_total")
	require.Len(t, bytesDps, 1)
	require.EqualValues(t, 512, bytesDps[0].Value)
	require.True(t, hasAttr(bytesDps[0].Attributes, "op", "put"))
}

func TestRecordNotify(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordNotify(ctx, 3, 0)
	RecordNotify(ctx, 3, 2)

	rm := collectMetrics(t, reader)
	broadcasts := findCounter(rm, "blobcache_notify_broadcasts_total")
	require.Len(t, broadcasts, 1)
	require.EqualValues(t, 2, broadcasts[0].Value)

	failures := findCounter(rm, "blobcache_notify_listener_failures_total")
	require.Len(t, failures, 1)
	require.EqualValues(t, 2, failures[0].Value)
}

func TestRecorders_NilGlobalMetrics(t *testing.T) {
	globalMetrics = nil
	ctx := context.Background()

	// None of these should panic.
	RecordCacheLookup(ctx, TierMemory, ResultHit)
	RecordSave(ctx, "t", "persistent", 1, time.Millisecond)
	RecordStaleCompletion(ctx, "commit")
	RecordStoreOp(ctx, TierFallback, "set", "error", time.Millisecond, 1)
	RecordNotify(ctx, 1, 1)
	RecordPreload(ctx, "t", "persistent", 1, time.Millisecond)
	RecordHandleRelease(ctx, 0)
}

func TestPrometheusHandler_NotEnabled(t *testing.T) {
	globalMetrics = nil

	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}
