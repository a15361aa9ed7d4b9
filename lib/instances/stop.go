package instances

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/sync/errgroup"

	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/runtime"
	"github.com/onkernel/hypestack/lib/scheduler"
)

// Stop stops the unit's containers in reverse dependency order: a service is
// stopped only after everything depending on it. Stopping a stopped unit is
// a no-op.
func (m *manager) Stop(ctx context.Context, unit string) error {
	log := logger.FromContext(ctx)
	ctx, span := m.startSpan(ctx, "StopUnit", attribute.String("unit", unit))
	defer span.End()

	containers, err := m.runtime.ListContainers(ctx, map[string]string{runtime.LabelUnit: unit})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	if len(containers) == 0 {
		return nil
	}

	byService := make(map[string]runtime.ContainerInfo, len(containers))
	for _, c := range containers {
		byService[c.Labels[runtime.LabelService]] = c
	}
	layers := stopOrder(byService)

	var errs []error
	for i := len(layers) - 1; i >= 0; i-- {
		var g errgroup.Group
		layerErrs := make([]error, len(layers[i]))
		for j, service := range layers[i] {
			inst := m.adopt(unit, byService[service])
			switch inst.State {
			case StateStopped, StateRemoved:
				continue
			}
			g.Go(func() error {
				if err := m.stopInstance(logger.With(ctx, "service", service), inst); err != nil {
					layerErrs[j] = fmt.Errorf("stop %s: %w", service, err)
				}
				return nil
			})
		}
		g.Wait()
		errs = append(errs, layerErrs...)
	}

	if err := errors.Join(errs...); err != nil {
		return err
	}
	log.InfoContext(ctx, "unit stopped", "services", len(byService))
	return nil
}

// Remove stops and removes the unit's containers, then tears down its
// network and forgets its run record.
func (m *manager) Remove(ctx context.Context, unit string, opts RemoveOptions) error {
	log := logger.FromContext(ctx)
	ctx, span := m.startSpan(ctx, "RemoveUnit", attribute.String("unit", unit))
	defer span.End()

	if err := m.Stop(ctx, unit); err != nil {
		return err
	}

	rec, err := m.readRunRecord(unit)
	if err != nil {
		log.WarnContext(ctx, "failed to read run record", "error", err)
	}
	name := network.DefaultName(unit)
	if rec != nil && rec.Network != "" {
		name = rec.Network
	}
	h, err := m.fabric.Get(ctx, unit, name)
	if err != nil && !errors.Is(err, network.ErrNotFound) {
		return err
	}

	containers, err := m.runtime.ListContainers(ctx, map[string]string{runtime.LabelUnit: unit})
	if err != nil {
		return fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		inst := m.adopt(unit, c)
		if h != nil {
			if err := m.fabric.Detach(ctx, h, c.ID); err != nil {
				return err
			}
		}
		if err := m.runtime.RemoveContainer(ctx, c.ID, opts.Volumes); err != nil && !isNotFound(err) {
			return fmt.Errorf("remove container %s: %w", c.Name, err)
		}
		if err := m.transition(logger.With(ctx, "service", inst.Service), inst, StateRemoved); err != nil {
			log.WarnContext(ctx, "removed container in unexpected state", "service", inst.Service, "error", err)
			m.update(inst, func(i *Instance) { i.State = StateRemoved })
		}
	}

	m.mu.Lock()
	for service, inst := range m.instances[unit] {
		if inst.State == StatePending {
			delete(m.instances[unit], service)
		}
	}
	m.mu.Unlock()

	if h != nil {
		if err := m.teardownNetwork(ctx, h); err != nil {
			return err
		}
	}

	if err := m.deleteRunRecord(unit); err != nil {
		return err
	}
	log.InfoContext(ctx, "unit removed", "containers", len(containers))
	return nil
}

func (m *manager) teardownNetwork(ctx context.Context, h *network.Handle) error {
	err := m.fabric.Teardown(ctx, h)
	if errors.Is(err, network.ErrNetworkInUse) {
		// Something outside the unit is still attached; leave it
		logger.FromContext(ctx).WarnContext(ctx, "network still in use, not removed", "network", h.Name)
		return nil
	}
	return err
}

// adopt returns the tracked instance of a container, registering one from
// the runtime state when this process has not seen it.
func (m *manager) adopt(unit string, c runtime.ContainerInfo) *Instance {
	observed := instanceFromContainer(unit, c)

	m.mu.Lock()
	defer m.mu.Unlock()
	units, ok := m.instances[unit]
	if !ok {
		units = make(map[string]*Instance)
		m.instances[unit] = units
	}
	if cur, ok := units[observed.Service]; ok && cur.ContainerID == c.ID {
		cur.State = mergeState(cur.State, observed.State)
		return cur
	}
	units[observed.Service] = &observed
	return &observed
}

// stopOrder schedules the services of a unit from the dependency labels of
// their containers. Dependencies without a container are ignored.
func stopOrder(byService map[string]runtime.ContainerInfo) [][]string {
	graph := make(map[string][]string, len(byService))
	for service, c := range byService {
		var deps []string
		for _, d := range strings.Split(c.Labels[runtime.LabelDependsOn], ",") {
			if _, ok := byService[d]; ok && d != "" {
				deps = append(deps, d)
			}
		}
		graph[service] = deps
	}

	layers, err := scheduler.Schedule(graph)
	if err != nil {
		// Labels were written from a validated graph; fall back to one layer
		all := make([]string, 0, len(graph))
		for s := range graph {
			all = append(all, s)
		}
		sort.Strings(all)
		return [][]string{all}
	}
	return layers
}
