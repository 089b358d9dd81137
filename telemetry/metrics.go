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
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const (
	meterName = "github.com/wolfeidau/pagecache"
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
	requestsTotal      metric.Int64Counter
	responseBytesTotal metric.Int64Counter
	requestDuration    metric.Float64Histogram

	generateDuration metric.Float64Histogram
	generateTotal    metric.Int64Counter
	storeWriteBytes  metric.Int64Counter

	warmFetchTotal    metric.Int64Counter
	warmFetchDuration metric.Float64Histogram

	sweepDeletedTotal metric.Int64Counter
	sweepDuration     metric.Float64Histogram

	flushedTotal metric.Int64Counter

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
		cfg.ServiceName = "pagecache"
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
			otlpmetricgrpc.WithInsecure(), // Use WithTLSCredentials for production
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

	meter := mp.Meter(meterName)

	requestsTotal, err := meter.Int64Counter(
		"pagecache_requests_total",
		metric.WithDescription("Total number of page requests by cache result"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	responseBytesTotal, err := meter.Int64Counter(
		"pagecache_response_bytes_total",
		metric.WithDescription("Total bytes sent in responses"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	requestDuration, err := meter.Float64Histogram(
		"pagecache_request_duration_seconds",
		metric.WithDescription("Page request duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	generateDuration, err := meter.Float64Histogram(
		"pagecache_generate_duration_seconds",
		metric.WithDescription("Origin page generation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	generateTotal, err := meter.Int64Counter(
		"pagecache_generate_total",
		metric.WithDescription("Total origin page generations by outcome"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	storeWriteBytes, err := meter.Int64Counter(
		"pagecache_store_write_bytes_total",
		metric.WithDescription("Total bytes written to the page store"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	warmFetchTotal, err := meter.Int64Counter(
		"pagecache_warm_fetch_total",
		metric.WithDescription("Total warming fetches by outcome"),
		metric.WithUnit("{fetch}"),
	)
	if err != nil {
		return err
	}

	warmFetchDuration, err := meter.Float64Histogram(
		"pagecache_warm_fetch_duration_seconds",
		metric.WithDescription("Warming fetch duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30),
	)
	if err != nil {
		return err
	}

	sweepDeletedTotal, err := meter.Int64Counter(
		"pagecache_sweep_deleted_total",
		metric.WithDescription("Total expired entries deleted by the sweeper"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	sweepDuration, err := meter.Float64Histogram(
		"pagecache_sweep_duration_seconds",
		metric.WithDescription("Sweep cycle duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.1, 0.5, 1, 5, 30),
	)
	if err != nil {
		return err
	}

	flushedTotal, err := meter.Int64Counter(
		"pagecache_flushed_total",
		metric.WithDescription("Total entries removed by flush operations"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

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
		promHandler:        promHandler,
	}

	return nil
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

// RecordHTTP records request metrics.
// Call this from the logging middleware after the request completes.
// Tenant and cache result are read from request tags set by middleware and handlers.
func RecordHTTP(ctx context.Context, r *http.Request, status int, bytesSent int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	tags := GetTags(r)

	tenant := "default"
	cacheResult := string(CacheBypass)
	if tags != nil {
		if tags.Tenant != "" {
			tenant = tags.Tenant
		}
		if tags.CacheResult != "" {
			cacheResult = string(tags.CacheResult)
		}
	}

	// Low cardinality: {tenant, status_class, cache_result}
	attrs := []attribute.KeyValue{
		attribute.String("tenant", tenant),
		attribute.String("status_class", StatusClass(status)),
		attribute.String("cache_result", cacheResult),
	}
	globalMetrics.requestsTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.responseBytesTotal.Add(ctx, bytesSent, metric.WithAttributes(attrs...))
	globalMetrics.requestDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordGenerate records one origin page generation.
// outcome is "ok" or "error".
func RecordGenerate(ctx context.Context, tenant, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tenant", tenant),
		attribute.String("outcome", outcome),
	}
	globalMetrics.generateTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.generateDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordStoreWrite records bytes written to the page store.
func RecordStoreWrite(ctx context.Context, tenant string, size int64) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("tenant", tenant)}
	globalMetrics.storeWriteBytes.Add(ctx, size, metric.WithAttributes(attrs...))
}

// RecordWarmFetch records one warming fetch.
// outcome is "ok" or "error".
func RecordWarmFetch(ctx context.Context, outcome string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{attribute.String("outcome", outcome)}
	globalMetrics.warmFetchTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	globalMetrics.warmFetchDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
}

// RecordSweep records one sweep cycle's deleted count and duration.
func RecordSweep(ctx context.Context, deleted int, duration time.Duration) {
	if globalMetrics == nil {
		return
	}
	globalMetrics.sweepDeletedTotal.Add(ctx, int64(deleted))
	globalMetrics.sweepDuration.Record(ctx, duration.Seconds())
}

// RecordFlush records entries removed by a flush operation.
// scope is "one", "url", "pattern" or "all".
func RecordFlush(ctx context.Context, tenant, scope string, removed int) {
	if globalMetrics == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("tenant", tenant),
		attribute.String("scope", scope),
	}
	globalMetrics.flushedTotal.Add(ctx, int64(removed), metric.WithAttributes(attrs...))
}

// PrometheusHandler returns the Prometheus metrics handler.
// Returns a 404 handler if metrics are not initialised or Prometheus is disabled.
func PrometheusHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if globalMetrics == nil || globalMetrics.promHandler == nil {
			http.NotFound(w, r)
			return
		}
		globalMetrics.promHandler.ServeHTTP(w, r)
	})
}

// StatusClass converts an HTTP status code to a class string like "2xx".
func StatusClass(status int) string {
	switch {
	case status >= 200 && status < 300:
		return "2xx"
	case status >= 300 && status < 400:
		return "3xx"
	case status >= 400 && status < 500:
		return "4xx"
	case status >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}

// noopExporter is a no-op metrics exporter for when no exporters are configured.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
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
