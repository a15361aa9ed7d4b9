package images

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound         = errors.New("image not found")
	ErrInvalidName      = errors.New("invalid image name")
	ErrPullFailed       = errors.New("image pull failed")
	ErrContextTooLarge  = errors.New("build context too large")
	ErrPrebuildFailed   = errors.New("pre-build command failed")
	ErrBuildTimedOut    = errors.New("build timed out")
	ErrUnsupportedBuild = errors.New("service has no build or image")
)

// BuildError reports a failed image build for one service. ExitCode is the
// exit status of the failing build step, or 1 when none is known.
type BuildError struct {
	Service  string
	ExitCode int
	Output   []string
	Err      error
}

func (e *BuildError) Error() string {
	msg := fmt.Sprintf("build %s failed (exit %d)", e.Service, e.ExitCode)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *BuildError) Unwrap() error {
	return e.Err
}

// Tail returns the last n lines of captured output.
func (e *BuildError) Tail(n int) string {
	lines := e.Output
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
