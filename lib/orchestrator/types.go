package orchestrator

import (
	"errors"
	"sort"

	"github.com/onkernel/hypestack/lib/instances"
)

// UpOptions controls Up.
type UpOptions struct {
	// Services limits the run to these services and their dependencies.
	// Empty means every service.
	Services []string
	// Build re-checks build contexts and rebuilds when they changed. Without
	// it a previously built image that still exists is reused as is.
	Build bool
	// ForceBuild rebuilds even when the fingerprint is unchanged.
	ForceBuild bool
	// NoCache disables the runtime's layer cache for builds.
	NoCache bool
	// OnBuildOutput receives build output lines.
	OnBuildOutput func(service, line string)
}

// DownOptions controls Down.
type DownOptions struct {
	// Volumes also removes anonymous volumes of the containers.
	Volumes bool
	// RemoveImages removes the images built for the unit.
	RemoveImages bool
}

// BuildOptions controls Build.
type BuildOptions struct {
	Force    bool
	NoCache  bool
	OnOutput func(service, line string)
}

// Outcome is the result of one service in an Up.
type Outcome struct {
	Service string
	State   instances.State
	Image   string
	Err     error
}

// Report is the per-service summary of an Up.
type Report struct {
	Unit     string
	RunID    string
	Network  string
	Layers   [][]string
	Outcomes []Outcome
}

// Converged reports whether every service reached Running.
func (r *Report) Converged() bool {
	for _, o := range r.Outcomes {
		if o.State != instances.StateRunning {
			return false
		}
	}
	return true
}

// Outcome returns the outcome of a service.
func (r *Report) Outcome(service string) (Outcome, bool) {
	for _, o := range r.Outcomes {
		if o.Service == service {
			return o, true
		}
	}
	return Outcome{}, false
}

// Err joins the errors of services that did not converge, ordered by
// service.
func (r *Report) Err() error {
	var errs []error
	for _, o := range r.Outcomes {
		if o.Err != nil {
			errs = append(errs, o.Err)
		}
	}
	return errors.Join(errs...)
}

// ExitCode is the process exit status for this report.
func (r *Report) ExitCode() int {
	if r.Converged() {
		return ExitOK
	}
	errs := make([]error, 0, len(r.Outcomes))
	for _, o := range r.Outcomes {
		errs = append(errs, o.Err)
	}
	code := worstExitCode(errs)
	if code == ExitOK {
		// Not running but without a recorded cause
		return ExitRuntime
	}
	return code
}

// LogLine is one line of a service's output.
type LogLine struct {
	Service string
	Line    string
}

func sortOutcomes(out []Outcome) {
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
}
