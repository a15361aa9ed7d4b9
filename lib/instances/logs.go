package instances

import (
	"bufio"
	"context"
	"fmt"

	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/runtime"
)

// Logs streams a service's container output. The last opts.Tail lines come
// first (all history when negative); with Follow the stream continues until
// ctx ends or the container exits.
func (m *manager) Logs(ctx context.Context, unit, service string, opts LogOptions) (<-chan string, error) {
	log := logger.FromContext(ctx)
	log.DebugContext(ctx, "starting log stream", "service", service, "tail", opts.Tail, "follow", opts.Follow)

	c, err := m.findContainer(ctx, unit, service)
	if err != nil {
		return nil, err
	}

	rc, err := m.runtime.ContainerLogs(ctx, c.ID, runtime.LogOptions{Tail: opts.Tail, Follow: opts.Follow})
	if err != nil {
		return nil, fmt.Errorf("open container logs: %w", err)
	}

	out := make(chan string, 100)

	go func() {
		defer close(out)
		defer rc.Close()

		scanner := bufio.NewScanner(rc)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				log.DebugContext(ctx, "log stream cancelled", "service", service)
				return
			case out <- scanner.Text():
			}
		}

		if err := scanner.Err(); err != nil && ctx.Err() == nil {
			log.ErrorContext(ctx, "scanner error", "service", service, "error", err)
		}
	}()

	return out, nil
}
