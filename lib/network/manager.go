package network

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/metric"

	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/runtime"
)

// Manager maintains the private network of each unit and the names services
// use to reach each other on it.
type Manager interface {
	// Lifecycle
	Ensure(ctx context.Context, unit, name string) (*Handle, error)
	Get(ctx context.Context, unit, name string) (*Handle, error)
	Teardown(ctx context.Context, h *Handle) error

	// Membership (called by the supervisor)
	Attach(ctx context.Context, h *Handle, containerID, service string) error
	Detach(ctx context.Context, h *Handle, containerID string) error

	// Queries (derived from the runtime)
	Resolve(ctx context.Context, h *Handle, service string) (string, error)
	ResolveWithRetry(ctx context.Context, h *Handle, service string) (string, error)
	Members(ctx context.Context, h *Handle) ([]Member, error)
}

// Config holds fabric settings.
type Config struct {
	// ResolveTimeout bounds ResolveWithRetry.
	ResolveTimeout time.Duration
	// ResolveInterval is the first retry delay of ResolveWithRetry.
	ResolveInterval time.Duration
}

type manager struct {
	runtime runtime.Runtime
	config  Config
	metrics *Metrics
}

// NewManager creates a new network manager. meter may be nil.
func NewManager(rt runtime.Runtime, cfg Config, meter metric.Meter) (Manager, error) {
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = 5 * time.Second
	}
	if cfg.ResolveInterval <= 0 {
		cfg.ResolveInterval = 100 * time.Millisecond
	}
	m := &manager{runtime: rt, config: cfg}
	if meter != nil {
		metrics, err := newNetworkMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create network metrics: %w", err)
		}
		m.metrics = metrics
	}
	return m, nil
}

// Ensure creates the unit's network, or reuses it when it already exists.
func (m *manager) Ensure(ctx context.Context, unit, name string) (h *Handle, err error) {
	log := logger.FromContext(ctx)
	defer func() { m.recordOperation(ctx, "ensure", err) }()

	if name == "" {
		name = DefaultName(unit)
	}
	if err := validateNetworkName(name); err != nil {
		return nil, err
	}

	h, err = m.Get(ctx, unit, name)
	if err == nil {
		log.DebugContext(ctx, "network already exists", "network", name)
		return h, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	log.InfoContext(ctx, "creating network", "network", name)
	info, err := m.runtime.CreateNetwork(ctx, name, map[string]string{
		runtime.LabelManaged: "true",
		runtime.LabelUnit:    unit,
	})
	if errors.Is(err, runtime.ErrConflict) {
		// Lost a race with a concurrent create
		return m.Get(ctx, unit, name)
	}
	if err != nil {
		return nil, fmt.Errorf("create network %s: %w", name, err)
	}
	return &Handle{Unit: unit, Name: info.Name, ID: info.ID, Driver: info.Driver}, nil
}

// Get returns the unit's existing network.
func (m *manager) Get(ctx context.Context, unit, name string) (*Handle, error) {
	if name == "" {
		name = DefaultName(unit)
	}
	info, err := m.runtime.InspectNetwork(ctx, name)
	if errors.Is(err, runtime.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect network %s: %w", name, err)
	}
	if owner := info.Labels[runtime.LabelUnit]; owner != unit {
		return nil, fmt.Errorf("%w: %s belongs to %q", ErrAlreadyExists, name, owner)
	}
	return &Handle{Unit: unit, Name: info.Name, ID: info.ID, Driver: info.Driver}, nil
}

// Teardown removes the network once no container is attached to it.
func (m *manager) Teardown(ctx context.Context, h *Handle) (err error) {
	log := logger.FromContext(ctx)
	defer func() { m.recordOperation(ctx, "teardown", err) }()

	info, err := m.runtime.InspectNetwork(ctx, h.Name)
	if errors.Is(err, runtime.ErrNotFound) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("inspect network %s: %w", h.Name, err)
	}
	if n := len(info.Containers); n > 0 {
		return fmt.Errorf("%w: %s has %d", ErrNetworkInUse, h.Name, n)
	}

	err = m.runtime.RemoveNetwork(ctx, h.Name)
	switch {
	case errors.Is(err, runtime.ErrNotFound):
		return nil
	case errors.Is(err, runtime.ErrConflict):
		return fmt.Errorf("%w: %s", ErrNetworkInUse, h.Name)
	case err != nil:
		return fmt.Errorf("remove network %s: %w", h.Name, err)
	}
	log.InfoContext(ctx, "removed network", "network", h.Name)
	return nil
}

// Attach connects a container with the service name as its alias. Attaching
// an already attached container is a no-op.
func (m *manager) Attach(ctx context.Context, h *Handle, containerID, service string) (err error) {
	log := logger.FromContext(ctx)
	defer func() { m.recordOperation(ctx, "attach", err) }()

	alias := Alias(service)
	if err := validateAlias(alias); err != nil {
		return &NetworkError{Service: service, Network: h.Name, Err: err}
	}

	info, err := m.runtime.InspectContainer(ctx, containerID)
	if err != nil {
		return &NetworkError{Service: service, Network: h.Name, Err: fmt.Errorf("inspect container: %w", err)}
	}
	if _, attached := info.Networks[h.Name]; attached {
		return nil
	}

	if err := m.runtime.ConnectNetwork(ctx, h.Name, containerID, []string{alias}); err != nil {
		return &NetworkError{Service: service, Network: h.Name, Err: fmt.Errorf("connect: %w", err)}
	}
	log.DebugContext(ctx, "attached container", "network", h.Name, "container_id", containerID)
	return nil
}

// Detach disconnects a container. Detaching an unattached container is a no-op.
func (m *manager) Detach(ctx context.Context, h *Handle, containerID string) (err error) {
	defer func() { m.recordOperation(ctx, "detach", err) }()

	err = m.runtime.DisconnectNetwork(ctx, h.Name, containerID)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		return fmt.Errorf("disconnect %s from %s: %w", containerID, h.Name, err)
	}
	return nil
}

// Resolve returns the current address of the service's container. The
// runtime is asked every time, so a recreated container resolves to its new
// address.
func (m *manager) Resolve(ctx context.Context, h *Handle, service string) (string, error) {
	containers, err := m.runtime.ListContainers(ctx, map[string]string{
		runtime.LabelUnit:    h.Unit,
		runtime.LabelService: service,
	})
	if err != nil {
		return "", &NetworkError{Service: service, Network: h.Name, Err: fmt.Errorf("list containers: %w", err)}
	}

	cause := "no container attached"
	for _, c := range containers {
		addr, attached := c.Networks[h.Name]
		if !attached {
			continue
		}
		if c.Running && addr != "" {
			return addr, nil
		}
		cause = fmt.Sprintf("container %s is %s", c.Name, c.Status)
	}

	m.recordResolveMiss(ctx)
	return "", &NetworkError{
		Service: service,
		Network: h.Name,
		Err:     fmt.Errorf("%w: %s", ErrNotResolvable, cause),
	}
}

// ResolveWithRetry retries Resolve with exponential backoff for up to the
// configured resolve timeout.
func (m *manager) ResolveWithRetry(ctx context.Context, h *Handle, service string) (string, error) {
	log := logger.FromContext(ctx)

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = m.config.ResolveInterval
	b.MaxInterval = m.config.ResolveTimeout / 2

	return backoff.Retry(ctx, func() (string, error) {
		addr, err := m.Resolve(ctx, h, service)
		if err != nil && !errors.Is(err, ErrNotResolvable) {
			return "", backoff.Permanent(err)
		}
		return addr, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(m.config.ResolveTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.DebugContext(ctx, "service not resolvable yet", "retry_in", next, "error", err)
		}),
	)
}

// Members lists the containers attached to the network, sorted by service.
func (m *manager) Members(ctx context.Context, h *Handle) ([]Member, error) {
	info, err := m.runtime.InspectNetwork(ctx, h.Name)
	if errors.Is(err, runtime.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, h.Name)
	}
	if err != nil {
		return nil, fmt.Errorf("inspect network %s: %w", h.Name, err)
	}

	members := make([]Member, 0, len(info.Containers))
	for id := range info.Containers {
		c, err := m.runtime.InspectContainer(ctx, id)
		if errors.Is(err, runtime.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("inspect container %s: %w", id, err)
		}
		addr := ""
		if c.Running {
			addr = c.Networks[h.Name]
		}
		members = append(members, Member{
			Service:     c.Labels[runtime.LabelService],
			ContainerID: c.ID,
			Address:     addr,
		})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].Service < members[j].Service })
	return members, nil
}

var (
	networkNamePattern = regexp.MustCompile(`^[a-z0-9]([a-z0-9_-]*[a-z0-9])?$`)
	aliasPattern       = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
)

// validateNetworkName validates network name
func validateNetworkName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}

	// Must be lowercase alphanumeric with dashes or underscores
	// Cannot start or end with either
	if !networkNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must contain only lowercase letters, digits, dashes and underscores; cannot start or end with a separator", ErrInvalidName, name)
	}

	if len(name) > 63 {
		return fmt.Errorf("%w: %q must be 63 characters or less", ErrInvalidName, name)
	}

	return nil
}

// validateAlias checks that a service alias is a DNS label.
func validateAlias(alias string) error {
	if !aliasPattern.MatchString(alias) || len(alias) > 63 {
		return fmt.Errorf("%w: alias %q is not a DNS label", ErrInvalidName, alias)
	}
	return nil
}
