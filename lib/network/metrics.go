package network

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics records fabric operations.
type Metrics struct {
	operations  metric.Int64Counter
	resolveMiss metric.Int64Counter
}

func newNetworkMetrics(meter metric.Meter) (*Metrics, error) {
	operations, err := meter.Int64Counter(
		"hypestack_network_operations_total",
		metric.WithDescription("Total number of fabric operations"),
	)
	if err != nil {
		return nil, err
	}

	resolveMiss, err := meter.Int64Counter(
		"hypestack_network_resolve_failures_total",
		metric.WithDescription("Total number of failed service resolutions"),
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{operations: operations, resolveMiss: resolveMiss}, nil
}

func (m *manager) recordOperation(ctx context.Context, op string, err error) {
	if m.metrics == nil {
		return
	}
	status := "success"
	if err != nil {
		status = "failed"
	}
	m.metrics.operations.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation", op),
		attribute.String("status", status),
	))
}

func (m *manager) recordResolveMiss(ctx context.Context) {
	if m.metrics == nil {
		return
	}
	m.metrics.resolveMiss.Add(ctx, 1)
}
