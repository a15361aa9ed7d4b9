package instances

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a service has no container
	ErrNotFound = errors.New("instance not found")

	// ErrInvalidTransition is returned when a state change is not allowed
	ErrInvalidTransition = errors.New("invalid state transition")

	// ErrDependencyFailed is returned for services whose dependencies did not reach Running
	ErrDependencyFailed = errors.New("dependency failed")

	// ErrNoImage is returned for services that have no resolved image
	ErrNoImage = errors.New("no image resolved")

	// ErrExited is returned when the process exits during startup
	ErrExited = errors.New("container exited during startup")

	// ErrStartTimeout is returned when a container is not ready in time
	ErrStartTimeout = errors.New("container not ready before start timeout")

	// ErrProbeFailed is returned when the health probe never succeeds
	ErrProbeFailed = errors.New("health probe failed")
)

// StartError reports why a service's container reached Failed.
type StartError struct {
	Service  string
	ExitCode int
	// Logs holds the last lines the container wrote.
	Logs []string
	Err  error
}

func (e *StartError) Error() string {
	msg := fmt.Sprintf("service %s failed to start: %v", e.Service, e.Err)
	if e.ExitCode != 0 {
		msg += fmt.Sprintf(" (exit %d)", e.ExitCode)
	}
	return msg
}

func (e *StartError) Unwrap() error {
	return e.Err
}

// LogTail joins the captured log lines.
func (e *StartError) LogTail() string {
	return strings.Join(e.Logs, "\n")
}

// DependencyError names the dependency that blocked a service.
type DependencyError struct {
	Service    string
	Dependency string
	State      State
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("service %s not started: dependency %s is %s", e.Service, e.Dependency, e.State)
}

func (e *DependencyError) Unwrap() error {
	return ErrDependencyFailed
}
