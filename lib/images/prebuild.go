package images

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/project"
)

// maxOutputLines bounds the output kept for error reports.
const maxOutputLines = 50

// outputTail keeps the last lines written to it and forwards each line.
type outputTail struct {
	mu      sync.Mutex
	lines   []string
	forward func(string)
}

func (t *outputTail) add(line string) {
	t.mu.Lock()
	t.lines = append(t.lines, line)
	if len(t.lines) > maxOutputLines {
		t.lines = t.lines[len(t.lines)-maxOutputLines:]
	}
	t.mu.Unlock()
	if t.forward != nil {
		t.forward(line)
	}
}

func (t *outputTail) snapshot() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.lines...)
}

// runPrebuild runs the service's pre-build command in its build context. The
// command sees the caller's environment; stdout and stderr are merged.
func runPrebuild(ctx context.Context, svc *project.ServiceDescriptor, out *outputTail) error {
	command := svc.Build.Command
	if len(command) == 0 {
		return nil
	}
	log := logger.FromContext(ctx)
	log.InfoContext(ctx, "running pre-build command", "command", command)

	cmd := exec.CommandContext(ctx, command[0], command[1:]...)
	cmd.Dir = svc.Build.Context
	cmd.Env = os.Environ()

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	scanned := make(chan struct{})
	go func() {
		defer close(scanned)
		scanner := bufio.NewScanner(pr)
		for scanner.Scan() {
			out.add(scanner.Text())
		}
		io.Copy(io.Discard, pr)
	}()

	err := cmd.Run()
	pw.Close()
	<-scanned

	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() > 0 {
		return &BuildError{
			Service:  svc.Name,
			ExitCode: exitErr.ExitCode(),
			Output:   out.snapshot(),
			Err:      ErrPrebuildFailed,
		}
	}
	return &BuildError{
		Service:  svc.Name,
		ExitCode: 1,
		Output:   out.snapshot(),
		Err:      fmt.Errorf("%w: %v", ErrPrebuildFailed, err),
	}
}
