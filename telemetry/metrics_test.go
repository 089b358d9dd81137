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

// setupTestMetrics creates a Metrics instance backed by a ManualReader for testing.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter("pagecache_requests_total")
	require.NoError(t, err)

	responseBytesTotal, err := meter.Int64Counter("pagecache_response_bytes_total")
	require.NoError(t, err)

	requestDuration, err := meter.Float64Histogram("pagecache_request_duration_seconds")
	require.NoError(t, err)

	generateDuration, err := meter.Float64Histogram("pagecache_generate_duration_seconds")
	require.NoError(t, err)

	generateTotal, err := meter.Int64Counter("pagecache_generate_total")
	require.NoError(t, err)

	storeWriteBytes, err := meter.Int64Counter("pagecache_store_write_bytes_total")
	require.NoError(t, err)

	warmFetchTotal, err := meter.Int64Counter("pagecache_warm_fetch_total")
	require.NoError(t, err)

	warmFetchDuration, err := meter.Float64Histogram("pagecache_warm_fetch_duration_seconds")
	require.NoError(t, err)

	sweepDeletedTotal, err := meter.Int64Counter("pagecache_sweep_deleted_total")
	require.NoError(t, err)

	sweepDuration, err := meter.Float64Histogram("pagecache_sweep_duration_seconds")
	require.NoError(t, err)

	flushedTotal, err := meter.Int64Counter("pagecache_flushed_total")
	require.NoError(t, err)

	globalMetrics = &Metrics{
		requestsTotal:      requestsTotal,
		responseBytesTotal: responseBytesTotal,
		requestDuration:    requestDuration,
		generateDuration:   generateDuration,
		generateTotal:      generateTotal,
		storeWriteBytes:    storeWriteBytes,
		warmFetchTotal:     warmFetchTotal,
		warmFetchDuration:  warmFetchDuration,
		sweepDeletedTotal:  sweepDeletedTotal,
		sweepDuration:      sweepDuration,
		flushedTotal:       flushedTotal,
		meterProvider:      mp,
	}

	t.Cleanup(func() {
		_ = mp.Shutdown(context.Background())
		globalMetrics = nil
	})

	return reader
}

func collectMetrics(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	return rm
}

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

func attrValue(attrs attribute.Set, key string) string {
	v, _ := attrs.Value(attribute.Key(key))
	return v.AsString()
}

func TestRecordHTTPUsesRequestTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/blog/post", nil)
	r = InjectTags(r)
	SetTenant(r, "acme")
	SetCacheResult(r, CacheHit)

	RecordHTTP(r.Context(), r, http.StatusOK, 1024, 5*time.Millisecond)

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "pagecache_requests_total")
	require.Len(t, points, 1)
	require.Equal(t, int64(1), points[0].Value)
	require.Equal(t, "acme", attrValue(points[0].Attributes, "tenant"))
	require.Equal(t, "hit", attrValue(points[0].Attributes, "cache_result"))
	require.Equal(t, "2xx", attrValue(points[0].Attributes, "status_class"))

	bytes := findCounter(rm, "pagecache_response_bytes_total")
	require.Len(t, bytes, 1)
	require.Equal(t, int64(1024), bytes[0].Value)

	durations := findHistogram(rm, "pagecache_request_duration_seconds")
	require.Len(t, durations, 1)
	require.Equal(t, uint64(1), durations[0].Count)
}

func TestRecordHTTPDefaultsWithoutTags(t *testing.T) {
	reader := setupTestMetrics(t)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	RecordHTTP(r.Context(), r, http.StatusInternalServerError, 0, time.Millisecond)

	rm := collectMetrics(t, reader)
	points := findCounter(rm, "pagecache_requests_total")
	require.Len(t, points, 1)
	require.Equal(t, "default", attrValue(points[0].Attributes, "tenant"))
	require.Equal(t, "bypass", attrValue(points[0].Attributes, "cache_result"))
	require.Equal(t, "5xx", attrValue(points[0].Attributes, "status_class"))
}

func TestRecordGenerateAndWarmFetch(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordGenerate(ctx, "default", "ok", 200*time.Millisecond)
	RecordGenerate(ctx, "default", "error", 50*time.Millisecond)
	RecordWarmFetch(ctx, "ok", 100*time.Millisecond)

	rm := collectMetrics(t, reader)

	gen := findCounter(rm, "pagecache_generate_total")
	require.Len(t, gen, 2)

	warm := findCounter(rm, "pagecache_warm_fetch_total")
	require.Len(t, warm, 1)
	require.Equal(t, "ok", attrValue(warm[0].Attributes, "outcome"))
}

func TestRecordSweepAndFlush(t *testing.T) {
	reader := setupTestMetrics(t)
	ctx := context.Background()

	RecordSweep(ctx, 7, 30*time.Millisecond)
	RecordFlush(ctx, "default", "pattern", 3)

	rm := collectMetrics(t, reader)

	deleted := findCounter(rm, "pagecache_sweep_deleted_total")
	require.Len(t, deleted, 1)
	require.Equal(t, int64(7), deleted[0].Value)

	flushed := findCounter(rm, "pagecache_flushed_total")
	require.Len(t, flushed, 1)
	require.Equal(t, int64(3), flushed[0].Value)
	require.Equal(t, "pattern", attrValue(flushed[0].Attributes, "scope"))
}

func TestRecordersNoopWhenUninitialised(t *testing.T) {
	require.Nil(t, globalMetrics)

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	RecordHTTP(r.Context(), r, http.StatusOK, 0, time.Millisecond)
	RecordGenerate(context.Background(), "default", "ok", time.Millisecond)
	RecordSweep(context.Background(), 0, time.Millisecond)
}

func TestPrometheusHandlerNotFoundWhenDisabled(t *testing.T) {
	rec := httptest.NewRecorder()
	PrometheusHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStatusClass(t *testing.T) {
	require.Equal(t, "2xx", StatusClass(204))
	require.Equal(t, "3xx", StatusClass(301))
	require.Equal(t, "4xx", StatusClass(404))
	require.Equal(t, "5xx", StatusClass(503))
	require.Equal(t, "unknown", StatusClass(100))
}
