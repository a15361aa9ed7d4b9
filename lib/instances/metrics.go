package instances

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Metrics holds the metrics instruments for instance operations.
type Metrics struct {
	startDuration    metric.Float64Histogram
	stopDuration     metric.Float64Histogram
	stateTransitions metric.Int64Counter
	tracer           trace.Tracer
}

// newInstanceMetrics creates and registers all instance metrics.
func newInstanceMetrics(meter metric.Meter, tracer trace.Tracer, m *manager) (*Metrics, error) {
	startDuration, err := meter.Float64Histogram(
		"hypestack_instances_start_duration_seconds",
		metric.WithDescription("Time for a container to become ready"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stopDuration, err := meter.Float64Histogram(
		"hypestack_instances_stop_duration_seconds",
		metric.WithDescription("Time to stop a container"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	stateTransitions, err := meter.Int64Counter(
		"hypestack_instances_state_transitions_total",
		metric.WithDescription("Total number of instance state transitions"),
	)
	if err != nil {
		return nil, err
	}

	// Register observable gauge for instance counts by state
	instancesTotal, err := meter.Int64ObservableGauge(
		"hypestack_instances_total",
		metric.WithDescription("Total number of supervised instances by state"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			m.mu.Lock()
			counts := make(map[State]int64)
			for _, units := range m.instances {
				for _, inst := range units {
					counts[inst.State]++
				}
			}
			m.mu.Unlock()
			for state, count := range counts {
				o.ObserveInt64(instancesTotal, count,
					metric.WithAttributes(attribute.String("state", string(state))))
			}
			return nil
		},
		instancesTotal,
	)
	if err != nil {
		return nil, err
	}

	return &Metrics{
		startDuration:    startDuration,
		stopDuration:     stopDuration,
		stateTransitions: stateTransitions,
		tracer:           tracer,
	}, nil
}

// recordStart records how long a service took to settle.
func (m *manager) recordStart(ctx context.Context, start time.Time, status string) {
	if m.metrics == nil {
		return
	}
	m.metrics.startDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// recordStop records how long a container took to stop.
func (m *manager) recordStop(ctx context.Context, start time.Time, status string) {
	if m.metrics == nil {
		return
	}
	m.metrics.stopDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(attribute.String("status", status)))
}

// recordStateTransition records a state transition.
func (m *manager) recordStateTransition(ctx context.Context, fromState, toState string) {
	if m.metrics == nil {
		return
	}
	m.metrics.stateTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("from", fromState),
		attribute.String("to", toState),
	))
}

// startSpan starts a tracing span if a tracer is available.
func (m *manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.metrics == nil || m.metrics.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.metrics.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}
