package instances

import (
	"context"
	"fmt"
	"slices"

	"github.com/onkernel/hypestack/lib/logger"
)

// validTransitions lists the states each state may move to.
var validTransitions = map[State][]State{
	StatePending:  {StateCreated},
	StateCreated:  {StateStarting, StateStopping, StateRemoved},
	StateStarting: {StateRunning, StateFailed, StateStopping},
	StateRunning:  {StateStopping, StateFailed},
	StateStopping: {StateStopped},
	StateStopped:  {StateStarting, StateRemoved},
	StateFailed:   {StateStopping, StateRemoved},
	StateRemoved:  {},
}

// CanTransitionTo reports whether s may move to next.
func (s State) CanTransitionTo(next State) bool {
	return slices.Contains(validTransitions[s], next)
}

// transition moves inst to next, recording the change.
func (m *manager) transition(ctx context.Context, inst *Instance, next State) error {
	m.mu.Lock()
	prev := inst.State
	if !prev.CanTransitionTo(next) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s %s -> %s", ErrInvalidTransition, inst.Service, prev, next)
	}
	inst.State = next
	m.mu.Unlock()

	logger.FromContext(ctx).DebugContext(ctx, "state transition", "from", prev, "to", next)
	m.recordStateTransition(ctx, string(prev), string(next))
	return nil
}

// track registers inst as the current instance of its service.
func (m *manager) track(inst *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	units, ok := m.instances[inst.Unit]
	if !ok {
		units = make(map[string]*Instance)
		m.instances[inst.Unit] = units
	}
	units[inst.Service] = inst
}

// tracked returns a copy of the in-process instance of a service.
func (m *manager) tracked(unit, service string) (Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	inst, ok := m.instances[unit][service]
	if !ok {
		return Instance{}, false
	}
	return *inst, true
}

// snapshot returns a copy of inst taken under the lock.
func (m *manager) snapshot(inst *Instance) *Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *inst
	return &c
}

// update applies fn to inst under the lock.
func (m *manager) update(inst *Instance, fn func(*Instance)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fn(inst)
}
