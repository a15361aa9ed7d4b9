package project

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-connections/nat"
)

const (
	defaultDockerfile     = "Dockerfile"
	defaultProbeInterval  = time.Second
	defaultProbeTimeout   = 2 * time.Second
	defaultPortProtocol   = "tcp"
	volumeModeReadOnly    = "ro"
	volumeModeReadWrite   = "rw"
	healthCheckPathPrefix = "/"
)

func convertService(c *collector, name string, rs *rawService, dir string, env mapEnv) *ServiceDescriptor {
	svc := &ServiceDescriptor{
		Name:        name,
		Image:       strings.TrimSpace(rs.Image),
		DependsOn:   append([]string(nil), rs.DependsOn...),
		Environment: resolveMapping(rs.Environment, env),
		Command:     append([]string(nil), rs.Command...),
		Restart:     rs.Restart,
		Platform:    rs.Platform,
	}

	if rs.Build != nil {
		ctxDir := rs.Build.Context
		if ctxDir == "" {
			ctxDir = "."
		}
		if !filepath.IsAbs(ctxDir) {
			ctxDir = filepath.Join(dir, ctxDir)
		}
		svc.Build = &BuildSpec{
			Context:    filepath.Clean(ctxDir),
			Dockerfile: rs.Build.Dockerfile,
			Args:       resolveMapping(rs.Build.Args, env),
			Command:    append([]string(nil), rs.Build.Command...),
		}
		if svc.Build.Dockerfile == "" {
			svc.Build.Dockerfile = defaultDockerfile
		}
	}

	for _, spec := range rs.Ports {
		mappings, err := parsePort(string(spec))
		if err != nil {
			c.add(name, "ports", "invalid port %q: %v", spec, err)
			continue
		}
		svc.Ports = append(svc.Ports, mappings...)
	}

	for _, spec := range rs.Expose {
		port, err := parseExpose(string(spec))
		if err != nil {
			c.add(name, "expose", "invalid port %q: %v", spec, err)
			continue
		}
		svc.Expose = append(svc.Expose, port)
	}

	for _, spec := range rs.Volumes {
		v, err := parseVolume(spec)
		if err != nil {
			c.add(name, "volumes", "invalid volume %q: %v", spec, err)
			continue
		}
		svc.Volumes = append(svc.Volumes, v)
	}

	if rs.HealthCheck != nil {
		hc, err := convertHealthCheck(rs.HealthCheck, svc)
		if err != nil {
			c.add(name, "healthcheck", "%v", err)
		} else {
			svc.HealthCheck = hc
		}
	}

	return svc
}

// resolveMapping turns a descriptor mapping into plain strings. Keys without
// a value take the host environment's value and are dropped when unset there.
func resolveMapping(m mappingOrList, env mapEnv) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		if v != nil {
			out[k] = *v
			continue
		}
		if hv, ok := env.Get(k); ok {
			out[k] = hv
		}
	}
	return out
}

// parsePort accepts "[ip:][host:]container[/proto]" including ranges.
func parsePort(spec string) ([]PortMapping, error) {
	mappings, err := nat.ParsePortSpec(spec)
	if err != nil {
		return nil, err
	}
	out := make([]PortMapping, 0, len(mappings))
	for _, m := range mappings {
		cport := m.Port.Int()
		if cport <= 0 || cport > 65535 {
			return nil, fmt.Errorf("container port out of range")
		}
		pm := PortMapping{
			HostIP:        m.Binding.HostIP,
			ContainerPort: cport,
			Protocol:      m.Port.Proto(),
		}
		if m.Binding.HostPort != "" {
			hp, err := strconv.Atoi(m.Binding.HostPort)
			if err != nil || hp <= 0 || hp > 65535 {
				return nil, fmt.Errorf("host port %q out of range", m.Binding.HostPort)
			}
			pm.HostPort = hp
		}
		out = append(out, pm)
	}
	return out, nil
}

func parseExpose(spec string) (int, error) {
	port, proto, _ := strings.Cut(spec, "/")
	if proto != "" && proto != defaultPortProtocol {
		return 0, fmt.Errorf("only tcp ports can be exposed")
	}
	n, err := strconv.Atoi(port)
	if err != nil || n <= 0 || n > 65535 {
		return 0, fmt.Errorf("port out of range")
	}
	return n, nil
}

// parseVolume accepts "host:container[:ro|rw]" bind mounts.
func parseVolume(spec string) (VolumeBinding, error) {
	parts := strings.Split(spec, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return VolumeBinding{}, fmt.Errorf("expected HOST:CONTAINER[:MODE]")
	}
	v := VolumeBinding{Source: parts[0], Target: parts[1]}
	if v.Source == "" || v.Target == "" {
		return VolumeBinding{}, fmt.Errorf("host and container paths are required")
	}
	if !strings.HasPrefix(v.Source, "/") && !strings.HasPrefix(v.Source, ".") && !strings.HasPrefix(v.Source, "~") {
		return VolumeBinding{}, fmt.Errorf("named volumes are not supported; use a host path")
	}
	if len(parts) == 3 {
		switch parts[2] {
		case volumeModeReadOnly:
			v.ReadOnly = true
		case volumeModeReadWrite:
		default:
			return VolumeBinding{}, fmt.Errorf("unknown mode %q", parts[2])
		}
	}
	return v, nil
}

func convertHealthCheck(raw *rawHealthCheck, svc *ServiceDescriptor) (*HealthCheck, error) {
	hc := &HealthCheck{
		Type:     strings.ToLower(raw.Type),
		Port:     raw.Port,
		Path:     raw.Path,
		Interval: defaultProbeInterval,
		Timeout:  defaultProbeTimeout,
		Retries:  raw.Retries,
	}
	if hc.Type == "" {
		hc.Type = HealthCheckTCP
	}
	if hc.Type != HealthCheckTCP && hc.Type != HealthCheckHTTP {
		return nil, fmt.Errorf("type must be %q or %q", HealthCheckTCP, HealthCheckHTTP)
	}
	if hc.Port == 0 {
		ports := svc.ContainerPorts()
		if len(ports) == 0 {
			return nil, fmt.Errorf("no port given and the service declares none")
		}
		hc.Port = ports[0]
	}
	if hc.Type == HealthCheckHTTP {
		if hc.Path == "" {
			hc.Path = healthCheckPathPrefix
		}
		if !strings.HasPrefix(hc.Path, healthCheckPathPrefix) {
			return nil, fmt.Errorf("path must start with /")
		}
	}
	var err error
	if raw.Interval != "" {
		if hc.Interval, err = time.ParseDuration(raw.Interval); err != nil || hc.Interval <= 0 {
			return nil, fmt.Errorf("invalid interval %q", raw.Interval)
		}
	}
	if raw.Timeout != "" {
		if hc.Timeout, err = time.ParseDuration(raw.Timeout); err != nil || hc.Timeout <= 0 {
			return nil, fmt.Errorf("invalid timeout %q", raw.Timeout)
		}
	}
	return hc, nil
}
