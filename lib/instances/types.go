package instances

import (
	"sort"
	"time"

	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/runtime"
)

// State is the lifecycle state of a service's container.
type State string

const (
	StatePending  State = "Pending"  // not created yet
	StateCreated  State = "Created"  // container allocated, not started
	StateStarting State = "Starting" // started, not yet confirmed alive
	StateRunning  State = "Running"  // alive past the grace period and healthy
	StateStopping State = "Stopping" // stop signal sent
	StateStopped  State = "Stopped"  // process exited after a stop
	StateRemoved  State = "Removed"  // container deallocated
	StateFailed   State = "Failed"   // process exited or never became ready
)

// Instance is the container of one service.
type Instance struct {
	Service       string
	Unit          string
	ContainerID   string
	ContainerName string
	Image         string
	State         State
	// Address is the container's address on the unit network while running.
	Address   string
	Env       []string
	Mounts    []runtime.Mount
	Ports     []project.PortMapping
	ExitCode  int
	Error     string
	StartedAt time.Time
}

// StartRequest describes one convergence run of a unit.
type StartRequest struct {
	Project *project.Project
	// Layers is the start order; services within a layer start concurrently.
	Layers [][]string
	// Images maps service to the image ref to run. Services without an
	// image are not started, nor is anything depending on them.
	Images  map[string]string
	Network *network.Handle
	RunID   string
}

// Outcome is the result of starting one service.
type Outcome struct {
	Service  string
	State    State
	Err      error
	Instance *Instance
}

// Report is the per-service result of Start.
type Report struct {
	Unit     string
	RunID    string
	Layers   [][]string
	Outcomes map[string]*Outcome
}

// Sorted returns the outcomes ordered by service name.
func (r *Report) Sorted() []*Outcome {
	out := make([]*Outcome, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		out = append(out, o)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}

// Converged reports whether every service reached Running.
func (r *Report) Converged() bool {
	for _, o := range r.Outcomes {
		if o.State != StateRunning {
			return false
		}
	}
	return true
}

// RemoveOptions controls Remove.
type RemoveOptions struct {
	// Volumes also removes anonymous volumes of the containers.
	Volumes bool
}

// LogOptions selects log lines; see runtime.LogOptions.
type LogOptions struct {
	Tail   int
	Follow bool
}
