package instances

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/runtime"
)

// waitReady polls a started container until it has stayed alive for the
// grace period and, when the service declares a health probe, the probe has
// passed. It returns ctx.Err() when ctx ends and a *StartError otherwise.
func (m *manager) waitReady(ctx context.Context, svc *project.ServiceDescriptor, inst *Instance, h *network.Handle) error {
	log := logger.FromContext(ctx)
	started := time.Now()

	waitCtx, cancel := context.WithTimeout(ctx, m.config.StartTimeout)
	defer cancel()

	ticker := time.NewTicker(m.config.PollInterval)
	defer ticker.Stop()

	var (
		attempts  int
		nextProbe time.Time
		probeErr  error
	)

	for {
		info, err := m.runtime.InspectContainer(waitCtx, inst.ContainerID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if waitCtx.Err() != nil {
				return &StartError{Service: inst.Service, Err: ErrStartTimeout}
			}
			return &StartError{Service: inst.Service, Err: fmt.Errorf("inspect container: %w", err)}
		}
		if !info.Running {
			return m.exitedError(ctx, inst, info)
		}

		if time.Since(started) >= m.config.GracePeriod {
			hc := svc.HealthCheck
			if hc == nil {
				return nil
			}
			if now := time.Now(); !now.Before(nextProbe) {
				var addr string
				addr, probeErr = m.probeTarget(waitCtx, svc, inst, info, h)
				if probeErr == nil {
					probeErr = m.config.Prober.Probe(waitCtx, hc, addr)
				}
				if probeErr == nil {
					log.DebugContext(ctx, "health probe passed", "address", addr, "attempts", attempts+1)
					return nil
				}
				attempts++
				log.DebugContext(ctx, "health probe failed", "address", addr, "attempt", attempts, "error", probeErr)
				if hc.Retries > 0 && attempts >= hc.Retries {
					return &StartError{Service: inst.Service, Err: fmt.Errorf("%w after %d attempts: %v", ErrProbeFailed, attempts, probeErr)}
				}
				nextProbe = now.Add(hc.Interval)
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-waitCtx.Done():
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if probeErr != nil {
				return &StartError{Service: inst.Service, Err: fmt.Errorf("%w: last probe: %v", ErrStartTimeout, probeErr)}
			}
			return &StartError{Service: inst.Service, Err: ErrStartTimeout}
		case <-ticker.C:
		}
	}
}

// probeTarget is the address the health probe dials. When the runtime does
// not report the container's address yet, the fabric is asked with retries.
func (m *manager) probeTarget(ctx context.Context, svc *project.ServiceDescriptor, inst *Instance, info *runtime.ContainerInfo, h *network.Handle) (string, error) {
	if addr, ok := publishedProbeAddress(svc); ok {
		return addr, nil
	}
	addr := info.Networks[h.Name]
	if addr == "" {
		var err error
		addr, err = m.fabric.ResolveWithRetry(ctx, h, inst.Service)
		if err != nil {
			return "", err
		}
	}
	return probeAddress(svc, addr), nil
}

// exitedError builds the failure of a container that exited while starting,
// with the last lines it wrote.
func (m *manager) exitedError(ctx context.Context, inst *Instance, info *runtime.ContainerInfo) error {
	err := fmt.Errorf("%w with code %d", ErrExited, info.ExitCode)
	if info.Error != "" {
		err = fmt.Errorf("%w: %s", err, info.Error)
	}
	return &StartError{
		Service:  inst.Service,
		ExitCode: info.ExitCode,
		Logs:     m.tailLogs(ctx, inst.ContainerID, m.config.LogLines),
		Err:      err,
	}
}

// tailLogs returns up to n of the last log lines of a container. Errors are
// logged and yield whatever was read.
func (m *manager) tailLogs(ctx context.Context, containerID string, n int) []string {
	rc, err := m.runtime.ContainerLogs(ctx, containerID, runtime.LogOptions{Tail: n})
	if err != nil {
		logger.FromContext(ctx).WarnContext(ctx, "failed to read container logs", "container_id", containerID, "error", err)
		return nil
	}
	defer rc.Close()

	var lines []string
	scanner := bufio.NewScanner(rc)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// stopInstance moves inst through Stopping to Stopped. The runtime call is
// not bound to ctx so a cancelled caller still gets its container stopped.
func (m *manager) stopInstance(ctx context.Context, inst *Instance) error {
	start := time.Now()
	if err := m.transition(ctx, inst, StateStopping); err != nil {
		return err
	}

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StopTimeout+5*time.Second)
	defer cancel()
	err := m.runtime.StopContainer(stopCtx, inst.ContainerID, m.config.StopTimeout)
	if err != nil && !isNotFound(err) {
		m.recordStop(ctx, start, "failed")
		return fmt.Errorf("stop container: %w", err)
	}

	m.recordStop(ctx, start, "success")
	return m.transition(ctx, inst, StateStopped)
}

// haltQuietly stops the process of a Failed instance, leaving its state.
func (m *manager) haltQuietly(ctx context.Context, inst *Instance) {
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.config.StopTimeout+5*time.Second)
	defer cancel()
	err := m.runtime.StopContainer(stopCtx, inst.ContainerID, m.config.StopTimeout)
	if err != nil && !errors.Is(err, runtime.ErrNotFound) {
		logger.FromContext(ctx).WarnContext(ctx, "failed to stop unready container", "container_id", inst.ContainerID, "error", err)
	}
}
