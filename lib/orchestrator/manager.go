// Package orchestrator runs a unit end to end: it resolves images, schedules
// services into layers, prepares the network and hands the layers to the
// supervisor, then reports a per-service outcome.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/nrednav/cuid2"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/onkernel/hypestack/lib/images"
	"github.com/onkernel/hypestack/lib/inject"
	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/scheduler"
)

// Manager is the entry point of the CLI and the API.
type Manager interface {
	// Up converges the unit: every targeted service is built or pulled and
	// started in dependency order. Per-service failures are reported in the
	// Report; the error is non-nil only when the run could not proceed at
	// all or ctx ended.
	Up(ctx context.Context, p *project.Project, opts UpOptions) (*Report, error)

	// Down stops and removes the unit's containers and network.
	Down(ctx context.Context, unit string, opts DownOptions) error

	// Stop stops the unit's containers in reverse dependency order.
	Stop(ctx context.Context, unit string) error

	Ps(ctx context.Context, unit string) ([]instances.Instance, error)

	// Logs merges the output of services (all services with a container
	// when empty).
	Logs(ctx context.Context, unit string, services []string, opts instances.LogOptions) (<-chan LogLine, error)

	Build(ctx context.Context, p *project.Project, services []string, opts BuildOptions) ([]images.Result, error)
	Images(ctx context.Context, unit string) ([]*images.Image, error)
}

type manager struct {
	images     images.Manager
	fabric     network.Manager
	supervisor instances.Manager
	dns        *network.DNSServer
	metrics    *Metrics
	tracer     trace.Tracer
}

// NewManager creates the orchestrator. dns, meter and tracer may be nil.
func NewManager(imgs images.Manager, fabric network.Manager, supervisor instances.Manager, dns *network.DNSServer, meter metric.Meter, tracer trace.Tracer) (Manager, error) {
	m := &manager{
		images:     imgs,
		fabric:     fabric,
		supervisor: supervisor,
		dns:        dns,
		tracer:     tracer,
	}
	if meter != nil {
		metrics, err := NewMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create orchestrator metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

func (m *manager) Up(ctx context.Context, p *project.Project, opts UpOptions) (*Report, error) {
	start := time.Now()
	runID := cuid2.Generate()
	ctx = logger.With(ctx, "unit", p.Name, "run_id", runID)
	log := logger.FromContext(ctx)

	ctx, span := m.startSpan(ctx, "Up",
		attribute.String("unit", p.Name),
		attribute.String("run_id", runID),
	)
	defer span.End()

	graph, err := targetGraph(p, opts.Services)
	if err != nil {
		m.metrics.RecordUp(ctx, statusFailed, time.Since(start))
		return nil, err
	}
	layers, err := scheduler.Schedule(graph)
	if err != nil {
		m.metrics.RecordUp(ctx, statusFailed, time.Since(start))
		return nil, err
	}
	if err := checkConfig(p, layers); err != nil {
		m.metrics.RecordUp(ctx, statusFailed, time.Since(start))
		return nil, err
	}
	log.InfoContext(ctx, "bringing unit up", "services", len(graph), "layers", len(layers))

	refs, buildErrs := m.resolveImages(ctx, p, graph, layers, opts)

	h, err := m.fabric.Ensure(ctx, p.Name, p.NetworkName())
	if err != nil {
		m.metrics.RecordUp(ctx, statusFailed, time.Since(start))
		return nil, &network.NetworkError{Network: p.NetworkName(), Err: err}
	}
	if m.dns != nil {
		m.dns.Register(h)
	}

	started, startErr := m.supervisor.Start(ctx, instances.StartRequest{
		Project: p,
		Layers:  layers,
		Images:  refs,
		Network: h,
		RunID:   runID,
	})

	report := &Report{
		Unit:    p.Name,
		RunID:   runID,
		Network: h.Name,
		Layers:  layers,
	}
	for _, o := range started.Sorted() {
		out := Outcome{Service: o.Service, State: o.State, Image: refs[o.Service], Err: o.Err}
		if err, ok := buildErrs[o.Service]; ok {
			out.Err = err
		}
		report.Outcomes = append(report.Outcomes, out)
	}
	sortOutcomes(report.Outcomes)

	status := statusConverged
	if !report.Converged() {
		status = statusPartial
		for _, o := range report.Outcomes {
			if o.Err != nil {
				log.ErrorContext(ctx, "service did not converge", "service", o.Service, "state", o.State, "error", o.Err)
			}
		}
	}
	m.metrics.RecordUp(ctx, status, time.Since(start))
	log.InfoContext(ctx, "unit up finished", "converged", report.Converged(), "duration", time.Since(start))

	if startErr != nil {
		return report, startErr
	}
	return report, nil
}

// checkConfig rejects service references and volumes that cannot be
// materialized, before anything is built or created.
func checkConfig(p *project.Project, layers [][]string) error {
	var errs []error
	for _, layer := range layers {
		for _, name := range layer {
			if err := inject.Check(p, p.Services[name]); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// resolveImages returns the image ref of every service that has one, and
// the build error of every service that does not.
func (m *manager) resolveImages(ctx context.Context, p *project.Project, graph map[string][]string, layers [][]string, opts UpOptions) (map[string]string, map[string]error) {
	log := logger.FromContext(ctx)
	refs := make(map[string]string)
	failed := make(map[string]error)

	var pending []string
	for _, layer := range layers {
		for _, name := range layer {
			svc := p.Services[name]
			if svc.Build != nil && !opts.Build && !opts.ForceBuild {
				if img, err := m.images.Current(ctx, p.Name, name); err == nil {
					log.DebugContext(ctx, "reusing built image", "service", name, "ref", img.Ref)
					refs[name] = img.Ref
					continue
				}
			}
			pending = append(pending, name)
		}
	}
	if len(pending) == 0 {
		return refs, failed
	}

	results := m.images.Build(ctx, p, pending, images.BuildOptions{
		Force:    opts.ForceBuild,
		NoCache:  opts.NoCache,
		OnOutput: opts.OnBuildOutput,
	})
	for _, r := range results {
		if r.Err != nil {
			log.ErrorContext(ctx, "image unavailable", "service", r.Service,
				"blocked", scheduler.Dependents(graph, r.Service), "error", r.Err)
			failed[r.Service] = r.Err
			continue
		}
		refs[r.Service] = r.Image.Ref
	}
	return refs, failed
}

func (m *manager) Down(ctx context.Context, unit string, opts DownOptions) error {
	ctx = logger.With(ctx, "unit", unit)
	ctx, span := m.startSpan(ctx, "Down", attribute.String("unit", unit))
	defer span.End()

	if err := m.supervisor.Remove(ctx, unit, instances.RemoveOptions{Volumes: opts.Volumes}); err != nil {
		return err
	}
	if m.dns != nil {
		m.dns.Unregister(unit)
	}
	if opts.RemoveImages {
		if err := m.images.DeleteImages(ctx, unit); err != nil {
			return fmt.Errorf("remove images: %w", err)
		}
	}
	logger.FromContext(ctx).InfoContext(ctx, "unit down")
	return nil
}

func (m *manager) Stop(ctx context.Context, unit string) error {
	ctx = logger.With(ctx, "unit", unit)
	ctx, span := m.startSpan(ctx, "Stop", attribute.String("unit", unit))
	defer span.End()
	return m.supervisor.Stop(ctx, unit)
}

func (m *manager) Ps(ctx context.Context, unit string) ([]instances.Instance, error) {
	return m.supervisor.Status(ctx, unit)
}

func (m *manager) Build(ctx context.Context, p *project.Project, services []string, opts BuildOptions) ([]images.Result, error) {
	ctx = logger.With(ctx, "unit", p.Name)
	ctx, span := m.startSpan(ctx, "Build", attribute.String("unit", p.Name))
	defer span.End()

	for _, name := range services {
		if _, ok := p.Services[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
		}
	}
	return m.images.Build(ctx, p, services, images.BuildOptions{
		Force:    opts.Force,
		NoCache:  opts.NoCache,
		OnOutput: opts.OnOutput,
	}), nil
}

func (m *manager) Images(ctx context.Context, unit string) ([]*images.Image, error) {
	return m.images.ListImages(ctx, unit)
}

// targetGraph is the dependency graph of the requested services and
// everything they depend on.
func targetGraph(p *project.Project, services []string) (map[string][]string, error) {
	graph := p.Graph()
	if len(services) == 0 {
		return graph, nil
	}
	for _, name := range services {
		if _, ok := graph[name]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownService, name)
		}
	}
	return scheduler.Subgraph(graph, services)
}

func (m *manager) startSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if m.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}
	return m.tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

// serviceNames returns the services of instances that have a container.
func serviceNames(list []instances.Instance) []string {
	var out []string
	for _, inst := range list {
		if inst.ContainerID != "" {
			out = append(out, inst.Service)
		}
	}
	sort.Strings(out)
	return out
}
