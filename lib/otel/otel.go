// Package otel sets up the OpenTelemetry providers of the hypestack
// binaries. Without an OTLP endpoint everything is a no-op.
package otel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/contrib/bridges/otelslog"
	"go.opentelemetry.io/contrib/instrumentation/runtime"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploggrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Config selects where telemetry goes.
type Config struct {
	// Endpoint is the OTLP gRPC collector address; empty disables export.
	Endpoint    string
	Insecure    bool
	ServiceName string
	Version     string
}

// Providers holds the meter and tracer providers handed to every manager,
// plus a slog handler forwarding log records when export is enabled.
type Providers struct {
	MeterProvider  metric.MeterProvider
	TracerProvider trace.TracerProvider
	// LogHandler is nil when export is disabled.
	LogHandler slog.Handler

	shutdown []func(context.Context) error
}

// Setup creates the providers and installs them as the global ones.
func Setup(ctx context.Context, cfg Config) (*Providers, error) {
	if cfg.Endpoint == "" {
		return &Providers{
			MeterProvider:  metricnoop.NewMeterProvider(),
			TracerProvider: tracenoop.NewTracerProvider(),
		}, nil
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.version", cfg.Version),
	)
	p := &Providers{}

	metricOpts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.Endpoint)}
	traceOpts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(cfg.Endpoint)}
	logOpts := []otlploggrpc.Option{otlploggrpc.WithEndpoint(cfg.Endpoint)}
	if cfg.Insecure {
		metricOpts = append(metricOpts, otlpmetricgrpc.WithInsecure())
		traceOpts = append(traceOpts, otlptracegrpc.WithInsecure())
		logOpts = append(logOpts, otlploggrpc.WithInsecure())
	}

	metricExporter, err := otlpmetricgrpc.New(ctx, metricOpts...)
	if err != nil {
		return nil, fmt.Errorf("create metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExporter)),
		sdkmetric.WithResource(res),
	)
	p.MeterProvider = mp
	p.shutdown = append(p.shutdown, mp.Shutdown)

	traceExporter, err := otlptracegrpc.New(ctx, traceOpts...)
	if err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("create trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExporter),
		sdktrace.WithResource(res),
	)
	p.TracerProvider = tp
	p.shutdown = append(p.shutdown, tp.Shutdown)

	logExporter, err := otlploggrpc.New(ctx, logOpts...)
	if err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("create log exporter: %w", err)
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExporter)),
		sdklog.WithResource(res),
	)
	p.LogHandler = otelslog.NewHandler(cfg.ServiceName, otelslog.WithLoggerProvider(lp))
	p.shutdown = append(p.shutdown, lp.Shutdown)

	if err := runtime.Start(runtime.WithMeterProvider(mp)); err != nil {
		p.Shutdown(ctx)
		return nil, fmt.Errorf("start runtime metrics: %w", err)
	}

	otel.SetMeterProvider(mp)
	otel.SetTracerProvider(tp)
	return p, nil
}

// Meter returns a named meter.
func (p *Providers) Meter(name string) metric.Meter {
	return p.MeterProvider.Meter(name)
}

// Tracer returns a named tracer.
func (p *Providers) Tracer(name string) trace.Tracer {
	return p.TracerProvider.Tracer(name)
}

// Shutdown flushes and stops every exporter, newest first.
func (p *Providers) Shutdown(ctx context.Context) error {
	var errs []error
	for i := len(p.shutdown) - 1; i >= 0; i-- {
		if err := p.shutdown[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	p.shutdown = nil
	return errors.Join(errs...)
}
