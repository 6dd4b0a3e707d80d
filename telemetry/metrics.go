// Package telemetry provides OpenTelemetry metrics for the thumbnail
// cache, exported via Prometheus and optionally pushed over OTLP.
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
	semconv "go.opentelemetry.io/otel/semconv/v1.38.0"
)

const (
	meterName = "github.com/wolfeidau/thumbcache"
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
	capturesTotal   metric.Int64Counter
	captureDuration metric.Float64Histogram

	lookupsTotal metric.Int64Counter

	cleanupRunsTotal    metric.Int64Counter
	entriesRemovedTotal metric.Int64Counter
	bytesReclaimedTotal metric.Int64Counter
	cleanupDuration     metric.Float64Histogram

	cacheSizeBytes metric.Int64Gauge
	cacheEntries   metric.Int64Gauge

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
		cfg.ServiceName = "thumbcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	// Build resource with service info
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

	// Setup OTLP exporter if endpoint configured
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

	// Setup Prometheus exporter if enabled
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

	// Build meter provider options
	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}

	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	// Create meter and instruments
	meter := mp.Meter(meterName)

	capturesTotal, err := meter.Int64Counter(
		"thumbcache_captures_total",
		metric.WithDescription("Total number of window captures by outcome"),
		metric.WithUnit("{capture}"),
	)
	if err != nil {
		return err
	}

	captureDuration, err := meter.Float64Histogram(
		"thumbcache_capture_duration_seconds",
		metric.WithDescription("Duration of window captures, external tools included"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10),
	)
	if err != nil {
		return err
	}

	lookupsTotal, err := meter.Int64Counter(
		"thumbcache_lookups_total",
		metric.WithDescription("Total number of thumbnail lookups by result"),
		metric.WithUnit("{lookup}"),
	)
	if err != nil {
		return err
	}

	cleanupRunsTotal, err := meter.Int64Counter(
		"thumbcache_cleanup_runs_total",
		metric.WithDescription("Total number of cleanup runs"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return err
	}

	entriesRemovedTotal, err := meter.Int64Counter(
		"thumbcache_entries_removed_total",
		metric.WithDescription("Total entries removed by cleanup, by reason"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	bytesReclaimedTotal, err := meter.Int64Counter(
		"thumbcache_bytes_reclaimed_total",
		metric.WithDescription("Total bytes reclaimed by cleanup"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cleanupDuration, err := meter.Float64Histogram(
		"thumbcache_cleanup_duration_seconds",
		metric.WithDescription("Duration of cleanup runs"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5),
	)
	if err != nil {
		return err
	}

	cacheSizeBytes, err := meter.Int64Gauge(
		"thumbcache_cache_size_bytes",
		metric.WithDescription("Total size of cached entries after the last cleanup"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return err
	}

	cacheEntries, err := meter.Int64Gauge(
		"thumbcache_cache_entries",
		metric.WithDescription("Number of cached entries after the last cleanup"),
		metric.WithUnit("{entry}"),
	)
	if err != nil {
		return err
	}

	globalMetrics = &Metrics{
		capturesTotal:       capturesTotal,
		captureDuration:     captureDuration,
		lookupsTotal:        lookupsTotal,
		cleanupRunsTotal:    cleanupRunsTotal,
		entriesRemovedTotal: entriesRemovedTotal,
		bytesReclaimedTotal: bytesReclaimedTotal,
		cleanupDuration:     cleanupDuration,
		cacheSizeBytes:      cacheSizeBytes,
		cacheEntries:        cacheEntries,
		meterProvider:       mp,
		promHandler:         promHandler,
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

// RecordCapture records one capture attempt.
// status is "ok", "error" or "skipped" (capability missing).
func RecordCapture(ctx context.Context, status string, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))
	globalMetrics.capturesTotal.Add(ctx, 1, attrs)
	if status != "skipped" {
		globalMetrics.captureDuration.Record(ctx, duration.Seconds(), attrs)
	}
}

// RecordLookup records one thumbnail lookup.
func RecordLookup(ctx context.Context, hit bool) {
	if globalMetrics == nil {
		return
	}

	result := "miss"
	if hit {
		result = "hit"
	}
	globalMetrics.lookupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordCleanup records one cleanup run's removals by reason.
func RecordCleanup(ctx context.Context, expired, orphans, evicted int, bytesFreed int64, duration time.Duration) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.cleanupRunsTotal.Add(ctx, 1)
	globalMetrics.cleanupDuration.Record(ctx, duration.Seconds())
	if expired > 0 {
		globalMetrics.entriesRemovedTotal.Add(ctx, int64(expired), metric.WithAttributes(attribute.String("reason", "expired")))
	}
	if orphans > 0 {
		globalMetrics.entriesRemovedTotal.Add(ctx, int64(orphans), metric.WithAttributes(attribute.String("reason", "orphan")))
	}
	if evicted > 0 {
		globalMetrics.entriesRemovedTotal.Add(ctx, int64(evicted), metric.WithAttributes(attribute.String("reason", "evicted")))
	}
	if bytesFreed > 0 {
		globalMetrics.bytesReclaimedTotal.Add(ctx, bytesFreed)
	}
}

// UpdateCacheState updates the cache size gauges.
// Called at the end of each cleanup run.
func UpdateCacheState(ctx context.Context, totalBytes int64, entries int) {
	if globalMetrics == nil {
		return
	}

	globalMetrics.cacheSizeBytes.Record(ctx, totalBytes)
	globalMetrics.cacheEntries.Record(ctx, int64(entries))
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
