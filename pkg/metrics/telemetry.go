package metrics

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/attribute"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"

	"github.com/riverrun/replicator/pkg/models"
)

// Telemetry owns the metric instruments and the in-memory outcome
// counters used by health probes. Instruments export through the
// Prometheus exporter and are scraped from the /metrics endpoint.
type Telemetry struct {
	provider *sdkmetric.MeterProvider
	meter    metric.Meter
	registry *prometheus.Registry

	replicated metric.Int64Counter
	failures   metric.Int64Counter
	retries    metric.Int64Counter
	duration   metric.Float64Histogram
	batchSize  metric.Int64Histogram

	success   atomic.Int64
	failed    atomic.Int64
	skipped   atomic.Int64
	cancelled atomic.Int64
}

// NewTelemetry builds the instrument set on a fresh meter provider with
// its own Prometheus registry, so independent instances never collide.
func NewTelemetry() (*Telemetry, error) {
	registry := prometheus.NewRegistry()
	exporter, err := otelprom.New(otelprom.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("prometheus exporter: %w", err)
	}
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(exporter))

	t := &Telemetry{
		provider: provider,
		meter:    provider.Meter("replicator"),
		registry: registry,
	}
	if t.replicated, err = t.meter.Int64Counter("replicator_ops_total",
		metric.WithDescription("Terminal replication outcomes")); err != nil {
		return nil, err
	}
	if t.failures, err = t.meter.Int64Counter("replicator_failures_total",
		metric.WithDescription("Failed replication attempts")); err != nil {
		return nil, err
	}
	if t.retries, err = t.meter.Int64Counter("replicator_retries_total",
		metric.WithDescription("Retried replication attempts")); err != nil {
		return nil, err
	}
	if t.duration, err = t.meter.Float64Histogram("replicator_op_duration_ms",
		metric.WithDescription("Per-operation latency, queue to terminal outcome")); err != nil {
		return nil, err
	}
	if t.batchSize, err = t.meter.Int64Histogram("replicator_batch_size",
		metric.WithDescription("Items per flushed batch")); err != nil {
		return nil, err
	}
	return t, nil
}

// Outcome records a terminal outcome with its latency.
func (t *Telemetry) Outcome(ctx context.Context, replicator string, outcome models.Outcome, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("replicator", replicator),
		attribute.String("outcome", string(outcome)),
	)
	t.replicated.Add(ctx, 1, attrs)
	t.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)

	switch outcome {
	case models.OutcomeSuccess:
		t.success.Add(1)
	case models.OutcomeFailed:
		t.failed.Add(1)
	case models.OutcomeSkipped:
		t.skipped.Add(1)
	case models.OutcomeCancelled:
		t.cancelled.Add(1)
	}
}

// Failure records one failed attempt (terminal or not).
func (t *Telemetry) Failure(ctx context.Context, replicator string) {
	t.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("replicator", replicator)))
}

// Retry records one scheduled retry.
func (t *Telemetry) Retry(ctx context.Context, replicator string) {
	t.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("replicator", replicator)))
}

// Batch records a flushed batch size.
func (t *Telemetry) Batch(ctx context.Context, replicator string, size int) {
	t.batchSize.Record(ctx, int64(size), metric.WithAttributes(attribute.String("replicator", replicator)))
}

// Registry returns the Prometheus registry the instruments export into.
func (t *Telemetry) Registry() *prometheus.Registry { return t.registry }

// Counters snapshots the in-memory outcome totals.
func (t *Telemetry) Counters() models.Counters {
	return models.Counters{
		Success:   t.success.Load(),
		Failed:    t.failed.Load(),
		Skipped:   t.skipped.Load(),
		Cancelled: t.cancelled.Load(),
	}
}

// Shutdown flushes and stops the meter provider.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	return t.provider.Shutdown(ctx)
}
