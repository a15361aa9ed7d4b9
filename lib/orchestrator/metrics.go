package orchestrator

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	statusConverged = "converged"
	statusPartial   = "partial"
	statusFailed    = "failed"
)

// Metrics records unit convergence runs.
type Metrics struct {
	upDuration metric.Float64Histogram
	upTotal    metric.Int64Counter
}

// NewMetrics creates a new Metrics instance
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	upDuration, err := meter.Float64Histogram(
		"hypestack_up_duration_seconds",
		metric.WithDescription("Duration of unit up runs in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	upTotal, err := meter.Int64Counter(
		"hypestack_up_total",
		metric.WithDescription("Total number of unit up runs"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		upDuration: upDuration,
		upTotal:    upTotal,
	}, nil
}

// RecordUp records metrics for a finished up run. Safe on a nil receiver.
func (m *Metrics) RecordUp(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}

	m.upDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.upTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
