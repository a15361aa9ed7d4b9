package orchestrator

import (
	"errors"

	"github.com/onkernel/hypestack/lib/images"
	"github.com/onkernel/hypestack/lib/inject"
	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/scheduler"
)

// Process exit codes. Each error class has its own code so scripts can tell
// a bad descriptor from a failed build from a container that would not run.
const (
	ExitOK         = 0
	ExitFailure    = 1
	ExitUsage      = 2
	ExitValidation = 10
	ExitBuild      = 20
	ExitRuntime    = 30
)

// ErrUnknownService is returned when a requested service is not declared.
var ErrUnknownService = errors.New("unknown service")

// ExitCode classifies err into a process exit code.
func ExitCode(err error) int {
	var (
		validation *project.ValidationError
		config     *inject.ConfigError
		cycle      *scheduler.CycleError
		build      *images.BuildError
		start      *instances.StartError
		dependency *instances.DependencyError
		netErr     *network.NetworkError
	)
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &validation), errors.As(err, &config), errors.As(err, &cycle),
		errors.Is(err, ErrUnknownService), errors.Is(err, scheduler.ErrUnknownDependency),
		errors.Is(err, project.ErrNoDescriptor):
		return ExitValidation
	case errors.As(err, &build):
		return ExitBuild
	case errors.As(err, &start), errors.As(err, &dependency), errors.As(err, &netErr),
		errors.Is(err, instances.ErrNoImage), errors.Is(err, instances.ErrDependencyFailed):
		return ExitRuntime
	default:
		return ExitFailure
	}
}

// worstExitCode picks the code of the root cause among errs: configuration
// problems before build failures before runtime failures.
func worstExitCode(errs []error) int {
	best := ExitOK
	rank := map[int]int{ExitValidation: 4, ExitBuild: 3, ExitRuntime: 2, ExitFailure: 1, ExitOK: 0}
	for _, err := range errs {
		if code := ExitCode(err); rank[code] > rank[best] {
			best = code
		}
	}
	return best
}
