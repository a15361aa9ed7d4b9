package instances

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/paths"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/runtime"
)

// Manager supervises the containers of each unit.
type Manager interface {
	Start(ctx context.Context, req StartRequest) (*Report, error)
	Stop(ctx context.Context, unit string) error
	Remove(ctx context.Context, unit string, opts RemoveOptions) error
	Status(ctx context.Context, unit string) ([]Instance, error)
	Logs(ctx context.Context, unit, service string, opts LogOptions) (<-chan string, error)
}

// Config holds supervisor timing.
type Config struct {
	// StartTimeout bounds the wait for a container to become ready.
	StartTimeout time.Duration
	// StopTimeout is the grace period between the stop signal and the kill.
	StopTimeout time.Duration
	// GracePeriod is how long a process must stay alive to count as running.
	GracePeriod time.Duration
	// PollInterval is how often container state is inspected while waiting.
	PollInterval time.Duration
	// LogLines is the number of log lines attached to start failures.
	LogLines int
	// Prober checks declared health probes. Defaults to NewProber().
	Prober Prober
}

type manager struct {
	paths   *paths.Paths
	runtime runtime.Runtime
	fabric  network.Manager
	config  Config
	metrics *Metrics

	mu        sync.Mutex
	instances map[string]map[string]*Instance // unit -> service -> instance
}

// NewManager creates a new instance manager. meter and tracer may be nil.
func NewManager(p *paths.Paths, rt runtime.Runtime, fabric network.Manager, cfg Config, meter metric.Meter, tracer trace.Tracer) (Manager, error) {
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 60 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	if cfg.GracePeriod <= 0 {
		cfg.GracePeriod = 2 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 200 * time.Millisecond
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = 20
	}
	if cfg.Prober == nil {
		cfg.Prober = NewProber()
	}

	m := &manager{
		paths:     p,
		runtime:   rt,
		fabric:    fabric,
		config:    cfg,
		instances: make(map[string]map[string]*Instance),
	}
	if meter != nil {
		metrics, err := newInstanceMetrics(meter, tracer, m)
		if err != nil {
			return nil, fmt.Errorf("create instance metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// Status derives each service's state from the runtime, refined by what this
// process observed. Services known only to this process (never created, or
// removed) are included too.
func (m *manager) Status(ctx context.Context, unit string) ([]Instance, error) {
	containers, err := m.runtime.ListContainers(ctx, map[string]string{runtime.LabelUnit: unit})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	byService := make(map[string]Instance)
	for _, c := range containers {
		inst := instanceFromContainer(unit, c)
		if mem, ok := m.tracked(unit, inst.Service); ok && mem.ContainerID == c.ID {
			inst.State = mergeState(mem.State, inst.State)
			inst.Env = mem.Env
			inst.Mounts = mem.Mounts
			inst.Ports = mem.Ports
			if inst.Error == "" {
				inst.Error = mem.Error
			}
		}
		byService[inst.Service] = inst
	}

	m.mu.Lock()
	for service, mem := range m.instances[unit] {
		if _, ok := byService[service]; !ok && (mem.State == StatePending || mem.State == StateRemoved) {
			byService[service] = *mem
		}
	}
	m.mu.Unlock()

	out := make([]Instance, 0, len(byService))
	for _, inst := range byService {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out, nil
}

// instanceFromContainer derives an instance from runtime state alone.
func instanceFromContainer(unit string, c runtime.ContainerInfo) Instance {
	inst := Instance{
		Service:       c.Labels[runtime.LabelService],
		Unit:          unit,
		ContainerID:   c.ID,
		ContainerName: c.Name,
		Image:         c.Image,
		ExitCode:      c.ExitCode,
		Error:         c.Error,
		StartedAt:     c.StartedAt,
	}
	switch {
	case c.Running:
		inst.State = StateRunning
	case c.Status == "created":
		inst.State = StateCreated
	case c.ExitCode == 0 || c.ExitCode == 143 || c.ExitCode == 137:
		// Clean exit or terminated by a stop request
		inst.State = StateStopped
	default:
		inst.State = StateFailed
	}
	for _, addr := range c.Networks {
		if addr != "" && c.Running {
			inst.Address = addr
			break
		}
	}
	for _, b := range c.Ports {
		inst.Ports = append(inst.Ports, project.PortMapping{
			HostIP:        b.HostIP,
			HostPort:      b.HostPort,
			ContainerPort: b.ContainerPort,
			Protocol:      b.Protocol,
		})
	}
	return inst
}

// mergeState combines the state this process recorded with the one observed
// in the runtime. A recorded Running whose process is gone has failed.
func mergeState(recorded, observed State) State {
	if observed == StateRunning {
		switch recorded {
		case StateStarting, StateStopping, StateFailed:
			return recorded
		}
		return StateRunning
	}
	switch recorded {
	case StateRunning, StateFailed:
		return StateFailed
	}
	return observed
}

// findContainer returns the container of a service, if any.
func (m *manager) findContainer(ctx context.Context, unit, service string) (*runtime.ContainerInfo, error) {
	containers, err := m.runtime.ListContainers(ctx, map[string]string{
		runtime.LabelUnit:    unit,
		runtime.LabelService: service,
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, unit, service)
	}
	return &containers[0], nil
}

// isNotFound reports whether err is a runtime not-found error.
func isNotFound(err error) bool {
	return errors.Is(err, runtime.ErrNotFound)
}
