package orchestrator

import (
	"context"
	"fmt"
	"sync"

	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/logger"
)

func (m *manager) Logs(ctx context.Context, unit string, services []string, opts instances.LogOptions) (<-chan LogLine, error) {
	ctx = logger.With(ctx, "unit", unit)
	if len(services) == 0 {
		list, err := m.supervisor.Status(ctx, unit)
		if err != nil {
			return nil, err
		}
		services = serviceNames(list)
		if len(services) == 0 {
			return nil, fmt.Errorf("%w: unit %s has no containers", instances.ErrNotFound, unit)
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	streams := make([]<-chan string, 0, len(services))
	for _, service := range services {
		ch, err := m.supervisor.Logs(ctx, unit, service, opts)
		if err != nil {
			cancel()
			return nil, err
		}
		streams = append(streams, ch)
	}

	out := make(chan LogLine, 100)
	var wg sync.WaitGroup
	for i, ch := range streams {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for line := range ch {
				select {
				case out <- LogLine{Service: services[i], Line: line}:
				case <-ctx.Done():
					return
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		cancel()
		close(out)
	}()
	return out, nil
}
