package images

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Build outcome values for the status attribute.
const (
	statusSuccess = "success"
	statusFailed  = "failed"
	statusCached  = "cached"
	statusPulled  = "pulled"
)

// Metrics records image resolution metrics.
type Metrics struct {
	buildDuration metric.Float64Histogram
	buildTotal    metric.Int64Counter
}

// NewMetrics creates a new Metrics instance. A nil meter yields nil metrics,
// which record nothing.
func NewMetrics(meter metric.Meter, queue *BuildQueue) (*Metrics, error) {
	if meter == nil {
		return nil, nil
	}

	buildDuration, err := meter.Float64Histogram(
		"hypestack_build_duration_seconds",
		metric.WithDescription("Duration of image resolution in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	buildTotal, err := meter.Int64Counter(
		"hypestack_builds_total",
		metric.WithDescription("Total number of image resolutions by outcome"),
	)
	if err != nil {
		return nil, err
	}

	queued, err := meter.Int64ObservableGauge(
		"hypestack_builds_queued",
		metric.WithDescription("Builds by queue state"),
	)
	if err != nil {
		return nil, err
	}
	_, err = meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		o.ObserveInt64(queued, int64(queue.ActiveCount()), metric.WithAttributes(attribute.String("state", "active")))
		o.ObserveInt64(queued, int64(queue.PendingCount()), metric.WithAttributes(attribute.String("state", "pending")))
		return nil
	}, queued)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		buildDuration: buildDuration,
		buildTotal:    buildTotal,
	}, nil
}

// RecordBuild records metrics for a completed resolution.
func (m *Metrics) RecordBuild(ctx context.Context, status string, duration time.Duration) {
	if m == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("status", status),
	}

	m.buildDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.buildTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
}
