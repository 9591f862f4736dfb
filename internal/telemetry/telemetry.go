package telemetry

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/trace"
)

// Telemetry holds all telemetry instruments and providers. All record
// methods are safe on a disabled (zero-value) instance.
type Telemetry struct {
	meterProvider metric.MeterProvider
	tracer        trace.Tracer
	meter         metric.Meter
	exporter      *prometheus.Exporter

	downloadsTotal    metric.Int64Counter
	downloadsActive   metric.Int64UpDownCounter
	downloadDuration  metric.Float64Histogram
	bytesTransferred  metric.Int64Counter
	retriesTotal      metric.Int64Counter
	verificationsRun  metric.Int64Counter
	dbOperationsTotal metric.Int64Counter
	dbOperationTime   metric.Float64Histogram
}

// Config holds telemetry configuration.
type Config struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
}

// New creates a new telemetry instance. When disabled, every instrument is
// nil and recording is a no-op.
func New(ctx context.Context, cfg Config) (*Telemetry, error) {
	if !cfg.Enabled {
		return &Telemetry{}, nil
	}

	exporter, err := prometheus.New()
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	otel.SetMeterProvider(meterProvider)

	t := &Telemetry{
		meterProvider: meterProvider,
		tracer:        otel.Tracer(cfg.ServiceName),
		meter:         otel.Meter(cfg.ServiceName),
		exporter:      exporter,
	}

	if err := t.initializeMetrics(); err != nil {
		return nil, fmt.Errorf("failed to initialize metrics: %w", err)
	}

	if err := runtime.Start(runtime.WithMeterProvider(meterProvider)); err != nil {
		return nil, fmt.Errorf("failed to start runtime metrics: %w", err)
	}

	return t, nil
}

// Tracer returns the OpenTelemetry tracer.
func (t *Telemetry) Tracer() trace.Tracer {
	return t.tracer
}

// RecordDownload records one settled transfer.
func (t *Telemetry) RecordDownload(status string, duration time.Duration, bytes int64) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(attribute.String("status", status))

	if t.downloadsTotal != nil {
		t.downloadsTotal.Add(context.Background(), 1, attrs)
	}

	if t.downloadDuration != nil {
		t.downloadDuration.Record(context.Background(), duration.Seconds(), attrs)
	}

	if t.bytesTransferred != nil && bytes > 0 {
		t.bytesTransferred.Add(context.Background(), bytes)
	}
}

// IncrementActiveDownloads increments the in-flight transfer gauge.
func (t *Telemetry) IncrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), 1)
	}
}

// DecrementActiveDownloads decrements the in-flight transfer gauge.
func (t *Telemetry) DecrementActiveDownloads() {
	if t != nil && t.downloadsActive != nil {
		t.downloadsActive.Add(context.Background(), -1)
	}
}

// RecordRetries adds the retries a task consumed before settling.
func (t *Telemetry) RecordRetries(n int) {
	if t != nil && t.retriesTotal != nil && n > 0 {
		t.retriesTotal.Add(context.Background(), int64(n))
	}
}

// RecordVerification records one integrity check result.
func (t *Telemetry) RecordVerification(result string) {
	if t != nil && t.verificationsRun != nil {
		t.verificationsRun.Add(context.Background(), 1,
			metric.WithAttributes(attribute.String("result", result)),
		)
	}
}

// RecordDBOperation records checkpoint store operation metrics.
func (t *Telemetry) RecordDBOperation(operation, status string, duration time.Duration) {
	if t == nil {
		return
	}

	attrs := metric.WithAttributes(
		attribute.String("operation", operation),
		attribute.String("status", status),
	)

	if t.dbOperationsTotal != nil {
		t.dbOperationsTotal.Add(context.Background(), 1, attrs)
	}

	if t.dbOperationTime != nil {
		t.dbOperationTime.Record(context.Background(), duration.Seconds(), attrs)
	}
}

// Handler returns the HTTP handler for the metrics endpoint.
func (t *Telemetry) Handler() http.Handler {
	if t == nil || t.exporter == nil {
		return http.NotFoundHandler()
	}

	return promhttp.Handler()
}

// Shutdown gracefully shuts down the telemetry system.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	if t == nil {
		return nil
	}

	if mp, ok := t.meterProvider.(*sdkmetric.MeterProvider); ok {
		return mp.Shutdown(ctx)
	}

	return nil
}

func (t *Telemetry) initializeMetrics() error {
	var err error

	if t.downloadsTotal, err = t.meter.Int64Counter(
		"downloads_total",
		metric.WithDescription("Total number of settled transfers"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.downloadsActive, err = t.meter.Int64UpDownCounter(
		"downloads_active",
		metric.WithDescription("Transfers currently in flight"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.downloadDuration, err = t.meter.Float64Histogram(
		"download_duration_seconds",
		metric.WithDescription("Transfer duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	if t.bytesTransferred, err = t.meter.Int64Counter(
		"download_bytes_total",
		metric.WithDescription("Bytes written to disk by transfers"),
		metric.WithUnit("By"),
	); err != nil {
		return err
	}

	if t.retriesTotal, err = t.meter.Int64Counter(
		"download_retries_total",
		metric.WithDescription("Retry attempts consumed by transfers"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.verificationsRun, err = t.meter.Int64Counter(
		"verifications_total",
		metric.WithDescription("Integrity checks by result"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.dbOperationsTotal, err = t.meter.Int64Counter(
		"checkpoint_operations_total",
		metric.WithDescription("Checkpoint store operations"),
		metric.WithUnit("1"),
	); err != nil {
		return err
	}

	if t.dbOperationTime, err = t.meter.Float64Histogram(
		"checkpoint_operation_duration_seconds",
		metric.WithDescription("Checkpoint store operation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return err
	}

	return nil
}
