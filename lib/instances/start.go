package instances

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/hypestack/lib/inject"
	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/runtime"
)

// ContainerName is the name of a service's container.
func ContainerName(unit, service string) string {
	return fmt.Sprintf("%s-%s-1", unit, strings.ToLower(service))
}

// Start brings the services of req up layer by layer. Each layer starts
// concurrently and settles (every service Running or Failed) before the next
// begins. A service whose dependencies are not Running stays Pending. The
// returned error is non-nil only when ctx ends; per-service failures are in
// the report.
func (m *manager) Start(ctx context.Context, req StartRequest) (*Report, error) {
	p := req.Project
	log := logger.FromContext(ctx)

	ctx, span := m.startSpan(ctx, "StartUnit",
		attribute.String("unit", p.Name),
		attribute.String("run_id", req.RunID),
	)
	defer span.End()

	report := &Report{
		Unit:     p.Name,
		RunID:    req.RunID,
		Layers:   req.Layers,
		Outcomes: make(map[string]*Outcome),
	}

	err := m.writeRunRecord(&runRecord{
		Unit:      p.Name,
		RunID:     req.RunID,
		Network:   req.Network.Name,
		Layers:    req.Layers,
		StartedAt: time.Now(),
	})
	if err != nil {
		log.WarnContext(ctx, "failed to write run record", "error", err)
	}

	for i, layer := range req.Layers {
		if err := ctx.Err(); err != nil {
			for _, rest := range req.Layers[i:] {
				for _, name := range rest {
					report.Outcomes[name] = m.pending(req, name, err)
				}
			}
			return report, err
		}
		m.startLayer(ctx, req, i, layer, report)
	}
	return report, ctx.Err()
}

func (m *manager) startLayer(ctx context.Context, req StartRequest, index int, layer []string, report *Report) {
	log := logger.FromContext(ctx)
	ctx, span := m.startSpan(ctx, "StartLayer", attribute.Int("layer", index))
	defer span.End()

	// Eligibility is decided before anything in the layer starts
	var eligible []string
	for _, name := range layer {
		if err := m.blocked(req, report, name); err != nil {
			log.WarnContext(ctx, "service not started", "service", name, "error", err)
			report.Outcomes[name] = m.pending(req, name, err)
			continue
		}
		eligible = append(eligible, name)
	}

	outcomes := make([]*Outcome, len(eligible))
	var g errgroup.Group
	for i, name := range eligible {
		g.Go(func() error {
			outcomes[i] = m.startService(ctx, req, name)
			return nil
		})
	}
	g.Wait()

	for _, o := range outcomes {
		report.Outcomes[o.Service] = o
	}
	log.DebugContext(ctx, "layer settled", "layer", index, "services", layer)
}

// blocked returns why a service may not start, or nil.
func (m *manager) blocked(req StartRequest, report *Report, name string) error {
	if req.Images[name] == "" {
		return ErrNoImage
	}
	svc := req.Project.Services[name]
	for _, dep := range svc.DependsOn {
		o, ok := report.Outcomes[dep]
		if !ok {
			return &DependencyError{Service: name, Dependency: dep, State: StatePending}
		}
		if o.State != StateRunning {
			return &DependencyError{Service: name, Dependency: dep, State: o.State}
		}
	}
	return nil
}

// pending records a service that was not started.
func (m *manager) pending(req StartRequest, name string, err error) *Outcome {
	inst := &Instance{
		Service: name,
		Unit:    req.Project.Name,
		Image:   req.Images[name],
		State:   StatePending,
		Error:   err.Error(),
	}
	m.track(inst)
	return &Outcome{Service: name, State: StatePending, Err: err, Instance: m.snapshot(inst)}
}

func (m *manager) startService(ctx context.Context, req StartRequest, name string) *Outcome {
	start := time.Now()
	p := req.Project
	svc, _ := p.Service(name)
	ref := req.Images[name]

	ctx = logger.With(ctx, "service", name)
	log := logger.FromContext(ctx)
	ctx, span := m.startSpan(ctx, "StartService", attribute.String("service", name))
	defer span.End()

	inst := &Instance{
		Service: name,
		Unit:    p.Name,
		Image:   ref,
		State:   StatePending,
		Ports:   svc.Ports,
	}
	m.track(inst)

	outcome := func(err error) *Outcome {
		snap := m.snapshot(inst)
		if err != nil {
			m.update(inst, func(i *Instance) { i.Error = err.Error() })
			snap.Error = err.Error()
		}
		status := "success"
		if snap.State != StateRunning {
			status = "failed"
		}
		m.recordStart(ctx, start, status)
		return &Outcome{Service: name, State: snap.State, Err: err, Instance: snap}
	}

	mat, err := inject.Materialize(ctx, p, svc, req.Network)
	if err != nil {
		return outcome(err)
	}
	spec := containerSpec(p.Name, svc, ref, mat, req.Network, req.RunID)

	existing, err := m.findContainer(ctx, p.Name, name)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return outcome(err)
	}
	current := existing != nil && existing.Image == ref &&
		existing.Labels[runtime.LabelConfig] == spec.Labels[runtime.LabelConfig]

	if current && existing.Running {
		log.InfoContext(ctx, "container up to date", "container_id", existing.ID)
		if err := m.fabric.Attach(ctx, req.Network, existing.ID, name); err != nil {
			return outcome(err)
		}
		m.update(inst, func(i *Instance) {
			i.ContainerID = existing.ID
			i.ContainerName = existing.Name
			i.State = StateRunning
			i.StartedAt = existing.StartedAt
			i.Address = existing.Networks[req.Network.Name]
			i.Env = mat.Env
			i.Mounts = mat.Mounts
		})
		return outcome(nil)
	}

	if current && existing.Status != "created" && existing.ExitCode == 0 {
		// Stopped cleanly with the current image and config: start it again
		log.InfoContext(ctx, "restarting stopped container", "container_id", existing.ID)
		m.update(inst, func(i *Instance) {
			i.ContainerID = existing.ID
			i.ContainerName = existing.Name
			i.State = StateStopped
			i.Env = mat.Env
			i.Mounts = mat.Mounts
		})
		if err := m.fabric.Attach(ctx, req.Network, existing.ID, name); err != nil {
			return outcome(err)
		}
		return outcome(m.run(ctx, req, svc, inst))
	}

	if existing != nil {
		log.InfoContext(ctx, "recreating container", "container_id", existing.ID,
			"image", existing.Image, "want", ref, "config_changed", existing.Labels[runtime.LabelConfig] != spec.Labels[runtime.LabelConfig])
		if err := m.runtime.RemoveContainer(ctx, existing.ID, false); err != nil && !isNotFound(err) {
			return outcome(fmt.Errorf("remove outdated container: %w", err))
		}
	}

	id, err := m.runtime.CreateContainer(ctx, spec)
	if err != nil {
		log.ErrorContext(ctx, "failed to create container", "error", err)
		return outcome(fmt.Errorf("create container: %w", err))
	}
	m.update(inst, func(i *Instance) {
		i.ContainerID = id
		i.ContainerName = spec.Name
		i.Env = mat.Env
		i.Mounts = mat.Mounts
	})
	if err := m.transition(ctx, inst, StateCreated); err != nil {
		return outcome(err)
	}

	if err := m.fabric.Attach(ctx, req.Network, id, name); err != nil {
		return outcome(err)
	}

	return outcome(m.run(ctx, req, svc, inst))
}

// run starts a Created or Stopped container and waits until it is ready.
func (m *manager) run(ctx context.Context, req StartRequest, svc *project.ServiceDescriptor, inst *Instance) error {
	log := logger.FromContext(ctx)

	if err := m.transition(ctx, inst, StateStarting); err != nil {
		return err
	}
	if err := m.runtime.StartContainer(ctx, inst.ContainerID); err != nil {
		m.transition(ctx, inst, StateFailed)
		return &StartError{Service: inst.Service, Err: fmt.Errorf("start container: %w", err)}
	}
	m.update(inst, func(i *Instance) { i.StartedAt = time.Now() })
	log.InfoContext(ctx, "container started", "container_id", inst.ContainerID)

	err := m.waitReady(ctx, svc, inst, req.Network)
	switch {
	case err == nil:
		if err := m.transition(ctx, inst, StateRunning); err != nil {
			return err
		}
		addr, err := m.fabric.ResolveWithRetry(ctx, req.Network, inst.Service)
		if err != nil {
			log.WarnContext(ctx, "running service has no address", "error", err)
		} else {
			m.update(inst, func(i *Instance) { i.Address = addr })
		}
		log.InfoContext(ctx, "service running", "address", inst.Address)
		return nil

	case ctx.Err() != nil:
		log.WarnContext(ctx, "start cancelled, stopping container")
		if stopErr := m.stopInstance(ctx, inst); stopErr != nil {
			log.ErrorContext(ctx, "failed to stop cancelled container", "error", stopErr)
		}
		return ctx.Err()

	default:
		m.transition(ctx, inst, StateFailed)
		var se *StartError
		if errors.As(err, &se) {
			m.update(inst, func(i *Instance) { i.ExitCode = se.ExitCode })
		}
		if !errors.Is(err, ErrExited) {
			// Never became ready; do not leave it half alive
			m.haltQuietly(ctx, inst)
		}
		log.ErrorContext(ctx, "service failed to start", "error", err)
		return err
	}
}

// containerSpec assembles the runtime description of a service's container.
func containerSpec(unit string, svc *project.ServiceDescriptor, ref string, mat *inject.Materialized, h *network.Handle, runID string) runtime.ContainerSpec {
	var ports []runtime.PortBinding
	for _, pm := range svc.Ports {
		if !pm.Published() {
			continue
		}
		ports = append(ports, runtime.PortBinding{
			HostIP:        pm.HostIP,
			HostPort:      pm.HostPort,
			ContainerPort: pm.ContainerPort,
			Protocol:      pm.Protocol,
		})
	}

	spec := runtime.ContainerSpec{
		Name:  ContainerName(unit, svc.Name),
		Image: ref,
		Cmd:   svc.Command,
		Env:   mat.Env,
		Labels: map[string]string{
			runtime.LabelManaged:   "true",
			runtime.LabelUnit:      unit,
			runtime.LabelService:   svc.Name,
			runtime.LabelDependsOn: strings.Join(svc.DependsOn, ","),
			runtime.LabelRunID:     runID,
		},
		Ports:        ports,
		ExposedPorts: svc.ContainerPorts(),
		Mounts:       mat.Mounts,
		Network:      h.Name,
		Aliases:      []string{network.Alias(svc.Name)},
		Restart:      svc.Restart,
		Platform:     parsePlatform(svc.Platform),
	}
	spec.Labels[runtime.LabelConfig] = configDigest(spec).Encoded()
	return spec
}

// configDigest covers everything a container is created with apart from its
// image and labels; a container whose digest differs must be recreated.
func configDigest(spec runtime.ContainerSpec) digest.Digest {
	data, _ := json.Marshal(struct {
		Cmd          []string
		Env          []string
		Ports        []runtime.PortBinding
		ExposedPorts []int
		Mounts       []runtime.Mount
		Network      string
		Aliases      []string
		Restart      string
		Platform     *ocispec.Platform
	}{spec.Cmd, spec.Env, spec.Ports, spec.ExposedPorts, spec.Mounts, spec.Network, spec.Aliases, spec.Restart, spec.Platform})
	return digest.FromBytes(data)
}

// parsePlatform parses "os/arch[/variant]"; the format is validated at load.
func parsePlatform(s string) *ocispec.Platform {
	if s == "" {
		return nil
	}
	parts := strings.SplitN(s, "/", 3)
	p := &ocispec.Platform{OS: parts[0]}
	if len(parts) > 1 {
		p.Architecture = parts[1]
	}
	if len(parts) > 2 {
		p.Variant = parts[2]
	}
	return p
}
