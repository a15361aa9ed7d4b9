package images

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/paths"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/runtime"
)

// Manager resolves the runnable image of each service: built from its context
// when it declares build, pulled when it only names an image.
type Manager interface {
	Resolve(ctx context.Context, unit string, svc *project.ServiceDescriptor, opts BuildOptions) (*Image, error)
	Build(ctx context.Context, p *project.Project, services []string, opts BuildOptions) []Result
	Current(ctx context.Context, unit, service string) (*Image, error)
	ListImages(ctx context.Context, unit string) ([]*Image, error)
	DeleteImages(ctx context.Context, unit string) error
}

// Config holds build resolver limits.
type Config struct {
	MaxConcurrentBuilds int
	BuildTimeout        time.Duration
	MaxContextSize      int64
}

type manager struct {
	paths   *paths.Paths
	runtime runtime.Runtime
	config  Config
	queue   *BuildQueue
	metrics *Metrics
	tracer  trace.Tracer
}

// NewManager creates a new image manager. meter and tracer may be nil.
func NewManager(p *paths.Paths, rt runtime.Runtime, cfg Config, meter metric.Meter, tracer trace.Tracer) (Manager, error) {
	m := &manager{
		paths:   p,
		runtime: rt,
		config:  cfg,
		queue:   NewBuildQueue(cfg.MaxConcurrentBuilds),
		tracer:  tracer,
	}
	metrics, err := NewMetrics(meter, m.queue)
	if err != nil {
		return nil, fmt.Errorf("create image metrics: %w", err)
	}
	m.metrics = metrics
	return m, nil
}

func (m *manager) Resolve(ctx context.Context, unit string, svc *project.ServiceDescriptor, opts BuildOptions) (*Image, error) {
	start := time.Now()
	ctx = logger.With(ctx, "service", svc.Name)

	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "ResolveImage", trace.WithAttributes(
			attribute.String("unit", unit),
			attribute.String("service", svc.Name),
		))
		defer span.End()
	}

	var (
		img *Image
		err error
	)
	switch {
	case svc.Build != nil:
		img, err = m.build(ctx, unit, svc, opts)
	case svc.Image != "":
		img, err = m.pull(ctx, unit, svc)
	default:
		err = &BuildError{Service: svc.Name, ExitCode: 1, Err: ErrUnsupportedBuild}
	}

	status := statusSuccess
	switch {
	case err != nil:
		status = statusFailed
	case img.Cached:
		status = statusCached
	case img.Pulled:
		status = statusPulled
	}
	m.metrics.RecordBuild(ctx, status, time.Since(start))
	return img, err
}

func (m *manager) pull(ctx context.Context, unit string, svc *project.ServiceDescriptor) (*Image, error) {
	log := logger.FromContext(ctx)

	ref, err := ParseNormalizedRef(svc.Image)
	if err != nil {
		return nil, &BuildError{Service: svc.Name, ExitCode: 1, Err: err}
	}

	img := &Image{
		Unit:    unit,
		Service: svc.Name,
		Ref:     ref.String(),
		Pulled:  true,
		BuiltAt: time.Now(),
	}

	exists, err := m.runtime.ImageExists(ctx, img.Ref)
	if err != nil {
		return nil, &BuildError{Service: svc.Name, ExitCode: 1, Err: fmt.Errorf("inspect image: %w", err)}
	}
	if exists {
		img.Cached = true
		return img, nil
	}

	log.InfoContext(ctx, "pulling image", "ref", img.Ref)
	out := &outputTail{}
	err = m.runtime.PullImage(ctx, img.Ref, out.add)
	if err != nil {
		log.ErrorContext(ctx, "image pull failed", "ref", img.Ref, "error", err)
		return nil, &BuildError{
			Service:  svc.Name,
			ExitCode: 1,
			Output:   out.snapshot(),
			Err:      fmt.Errorf("%w: %s: %v", ErrPullFailed, img.Ref, err),
		}
	}
	return img, nil
}

func (m *manager) build(ctx context.Context, unit string, svc *project.ServiceDescriptor, opts BuildOptions) (*Image, error) {
	log := logger.FromContext(ctx)

	if m.config.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.config.BuildTimeout)
		defer cancel()
	}

	out := &outputTail{}
	if opts.OnOutput != nil {
		out.forward = func(line string) { opts.OnOutput(svc.Name, line) }
	}

	inputs, err := fingerprint(svc, m.config.MaxContextSize)
	if err != nil {
		return nil, &BuildError{Service: svc.Name, ExitCode: 1, Err: err}
	}

	// The tree as left by the last pre-build fingerprints to the image built
	// from it, so an unchanged tree skips the pre-build entirely.
	if len(svc.Build.Command) > 0 {
		fresh := false
		if !opts.Force {
			fresh, _ = m.runtime.ImageExists(ctx, BuiltRef(unit, svc.Name, inputs.Fingerprint))
		}
		if fresh {
			log.DebugContext(ctx, "context unchanged since last build, skipping pre-build")
		} else {
			if err := runPrebuild(ctx, svc, out); err != nil {
				return nil, m.timedOut(ctx, svc, err)
			}
			if inputs, err = fingerprint(svc, m.config.MaxContextSize); err != nil {
				return nil, &BuildError{Service: svc.Name, ExitCode: 1, Err: err}
			}
		}
	}

	ref := BuiltRef(unit, svc.Name, inputs.Fingerprint)
	tags := []string{ref}
	if svc.Image != "" {
		named, err := ParseNormalizedRef(svc.Image)
		if err != nil {
			return nil, &BuildError{Service: svc.Name, ExitCode: 1, Err: err}
		}
		tags = append(tags, named.String())
	}

	img, shared, err := m.queue.Do(ctx, ref, func(ctx context.Context) (*Image, error) {
		return m.buildImage(ctx, unit, svc, ref, tags, inputs, opts, out)
	})
	if err != nil {
		if shared {
			var be *BuildError
			if errors.As(err, &be) {
				return nil, &BuildError{Service: svc.Name, ExitCode: be.ExitCode, Output: be.Output, Err: be.Err}
			}
		}
		return nil, m.timedOut(ctx, svc, err)
	}
	if shared {
		// Another service with identical inputs built this ref
		copied := *img
		copied.Service = svc.Name
		copied.Cached = true
		img = &copied
	}

	if err := writeRecord(m.paths, img); err != nil {
		log.WarnContext(ctx, "failed to write build record", "error", err)
	}
	return img, nil
}

func (m *manager) buildImage(ctx context.Context, unit string, svc *project.ServiceDescriptor, ref string, tags []string, inputs *buildInputs, opts BuildOptions, out *outputTail) (*Image, error) {
	log := logger.FromContext(ctx)

	img := &Image{
		Unit:        unit,
		Service:     svc.Name,
		Ref:         ref,
		Tags:        tags,
		Fingerprint: inputs.Fingerprint.String(),
		BuiltAt:     time.Now(),
	}

	exists, err := m.runtime.ImageExists(ctx, ref)
	if err != nil {
		return nil, &BuildError{Service: svc.Name, ExitCode: 1, Err: fmt.Errorf("inspect image: %w", err)}
	}
	if exists && !opts.Force {
		log.InfoContext(ctx, "image up to date", "ref", ref)
		for _, tag := range tags[1:] {
			if err := m.runtime.TagImage(ctx, ref, tag); err != nil {
				return nil, &BuildError{Service: svc.Name, ExitCode: 1, Err: fmt.Errorf("tag image: %w", err)}
			}
		}
		if prev, err := readRecord(m.paths, unit, svc.Name); err == nil && prev.Ref == ref {
			img.ImageID = prev.ImageID
			img.BuiltAt = prev.BuiltAt
		}
		img.Cached = true
		return img, nil
	}

	log.InfoContext(ctx, "building image", "ref", ref, "context", svc.Build.Context, "context_size", inputs.ContextSize)
	res, err := m.runtime.BuildImage(ctx, runtime.BuildRequest{
		ContextDir: svc.Build.Context,
		Dockerfile: svc.Build.Dockerfile,
		Tags:       tags,
		Args:       svc.Build.Args,
		Labels: map[string]string{
			runtime.LabelManaged:     "true",
			runtime.LabelUnit:        unit,
			runtime.LabelService:     svc.Name,
			runtime.LabelFingerprint: img.Fingerprint,
		},
		Platform: svc.Platform,
		NoCache:  opts.NoCache,
		Excludes: inputs.Excludes,
		OnOutput: out.add,
	})
	if err != nil {
		log.ErrorContext(ctx, "image build failed", "ref", ref, "error", err)
		var failure *runtime.BuildFailure
		if errors.As(err, &failure) {
			code := failure.Code
			if code <= 0 {
				code = 1
			}
			output := failure.Output
			if len(output) == 0 {
				output = out.snapshot()
			}
			return nil, &BuildError{Service: svc.Name, ExitCode: code, Output: output, Err: errors.New(failure.Message)}
		}
		return nil, &BuildError{Service: svc.Name, ExitCode: 1, Output: out.snapshot(), Err: err}
	}
	img.ImageID = res.ImageID
	log.InfoContext(ctx, "image built", "ref", ref, "image_id", res.ImageID)
	return img, nil
}

// timedOut rewrites errors caused by the build deadline.
func (m *manager) timedOut(ctx context.Context, svc *project.ServiceDescriptor, err error) error {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return err
	}
	be := &BuildError{Service: svc.Name, ExitCode: 1}
	if errors.As(err, &be) {
		be = &BuildError{Service: svc.Name, ExitCode: be.ExitCode, Output: be.Output}
	}
	be.Err = fmt.Errorf("%w after %s", ErrBuildTimedOut, m.config.BuildTimeout)
	return be
}

// Build resolves services concurrently. Failures are reported per service
// and never cancel the other resolutions. Results are sorted by service.
func (m *manager) Build(ctx context.Context, p *project.Project, services []string, opts BuildOptions) []Result {
	if len(services) == 0 {
		services = p.ServiceNames()
	}
	results := make([]Result, len(services))

	var g errgroup.Group
	for i, name := range services {
		results[i].Service = name
		svc, ok := p.Service(name)
		if !ok {
			results[i].Err = fmt.Errorf("%w: service %q", ErrNotFound, name)
			continue
		}
		g.Go(func() error {
			results[i].Image, results[i].Err = m.Resolve(ctx, p.Name, svc, opts)
			return nil
		})
	}
	g.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Service < results[j].Service })
	return results
}

// Current returns the last built image of a service if the runtime still
// has it, without looking at the build context.
func (m *manager) Current(ctx context.Context, unit, service string) (*Image, error) {
	img, err := readRecord(m.paths, unit, service)
	if err != nil {
		return nil, err
	}
	exists, err := m.runtime.ImageExists(ctx, img.Ref)
	if err != nil {
		return nil, fmt.Errorf("inspect image: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, img.Ref)
	}
	img.Cached = true
	return img, nil
}

func (m *manager) ListImages(ctx context.Context, unit string) ([]*Image, error) {
	imgs, err := listRecords(m.paths, unit)
	if err != nil {
		return nil, fmt.Errorf("list build records: %w", err)
	}
	return imgs, nil
}

// DeleteImages removes the images built for a unit and their records. Pulled
// images are left in place since other units may share them.
func (m *manager) DeleteImages(ctx context.Context, unit string) error {
	log := logger.FromContext(ctx)

	imgs, err := listRecords(m.paths, unit)
	if err != nil {
		return fmt.Errorf("list build records: %w", err)
	}

	var errs []error
	removed := make(map[string]bool)
	for _, img := range imgs {
		if img.Pulled {
			continue
		}
		for _, tag := range append([]string{img.Ref}, img.Tags...) {
			if removed[tag] {
				continue
			}
			removed[tag] = true
			err := m.runtime.RemoveImage(ctx, tag)
			if err != nil && !errors.Is(err, runtime.ErrNotFound) {
				errs = append(errs, fmt.Errorf("remove image %s: %w", tag, err))
				continue
			}
			log.InfoContext(ctx, "removed image", "ref", tag)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}
	return deleteRecords(m.paths, unit)
}
