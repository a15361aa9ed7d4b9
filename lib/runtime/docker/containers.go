package docker

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"

	"github.com/onkernel/hypestack/lib/runtime"
)

func (c *Client) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	if strings.TrimSpace(spec.Name) == "" {
		return "", fmt.Errorf("container name cannot be empty")
	}
	if strings.TrimSpace(spec.Image) == "" {
		return "", fmt.Errorf("image name cannot be empty")
	}

	exposed := nat.PortSet{}
	for _, p := range spec.ExposedPorts {
		exposed[nat.Port(fmt.Sprintf("%d/tcp", p))] = struct{}{}
	}
	bindings := nat.PortMap{}
	for _, b := range spec.Ports {
		port, err := nat.NewPort(b.Protocol, strconv.Itoa(b.ContainerPort))
		if err != nil {
			return "", fmt.Errorf("invalid port binding %d/%s: %w", b.ContainerPort, b.Protocol, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = append(bindings[port], nat.PortBinding{
			HostIP:   b.HostIP,
			HostPort: strconv.Itoa(b.HostPort),
		})
	}

	mounts := make([]mount.Mount, 0, len(spec.Mounts))
	for _, m := range spec.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Cmd:          spec.Cmd,
		Env:          spec.Env,
		Labels:       spec.Labels,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		PortBindings:  bindings,
		Mounts:        mounts,
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyMode(spec.Restart)},
	}
	var netCfg *network.NetworkingConfig
	if spec.Network != "" {
		netCfg = &network.NetworkingConfig{
			EndpointsConfig: map[string]*network.EndpointSettings{
				spec.Network: {Aliases: spec.Aliases},
			},
		}
	}

	resp, err := c.inner.ContainerCreate(ctx, cfg, hostCfg, netCfg, spec.Platform, spec.Name)
	if err != nil {
		return "", translate(err, "container create")
	}
	return resp.ID, nil
}

func (c *Client) StartContainer(ctx context.Context, id string) error {
	return translate(c.inner.ContainerStart(ctx, id, container.StartOptions{}), "container start")
}

// StopContainer sends SIGTERM and escalates to SIGKILL after timeout.
func (c *Client) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	return translate(c.inner.ContainerStop(ctx, id, container.StopOptions{Timeout: &secs}), "container stop")
}

func (c *Client) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	err := c.inner.ContainerRemove(ctx, id, container.RemoveOptions{Force: true, RemoveVolumes: removeVolumes})
	return translate(err, "container remove")
}

func (c *Client) InspectContainer(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	res, err := c.inner.ContainerInspect(ctx, id)
	if err != nil {
		return nil, translate(err, "container inspect")
	}

	info := &runtime.ContainerInfo{
		ID:       res.ID,
		Name:     strings.TrimPrefix(res.Name, "/"),
		Networks: map[string]string{},
	}
	if res.Config != nil {
		info.Image = res.Config.Image
		info.Labels = res.Config.Labels
	}
	if st := res.State; st != nil {
		info.Status = st.Status
		info.Running = st.Running
		info.ExitCode = st.ExitCode
		info.Error = st.Error
		info.StartedAt = parseTime(st.StartedAt)
		info.FinishedAt = parseTime(st.FinishedAt)
	}
	if res.HostConfig != nil {
		info.Ports = portBindings(res.HostConfig.PortBindings)
	}
	if res.NetworkSettings != nil {
		for name, ep := range res.NetworkSettings.Networks {
			if ep != nil {
				info.Networks[name] = ep.IPAddress
			}
		}
	}
	return info, nil
}

func (c *Client) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	args := filters.NewArgs()
	for k, v := range labels {
		args.Add("label", k+"="+v)
	}
	list, err := c.inner.ContainerList(ctx, container.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, translate(err, "container list")
	}

	out := make([]runtime.ContainerInfo, 0, len(list))
	for _, summary := range list {
		info, err := c.InspectContainer(ctx, summary.ID)
		if err != nil {
			// removed between list and inspect
			continue
		}
		out = append(out, *info)
	}
	return out, nil
}

// ContainerLogs returns the demultiplexed stdout and stderr of a container.
func (c *Client) ContainerLogs(ctx context.Context, id string, opts runtime.LogOptions) (io.ReadCloser, error) {
	tail := "all"
	if opts.Tail >= 0 {
		tail = strconv.Itoa(opts.Tail)
	}
	rc, err := c.inner.ContainerLogs(ctx, id, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     opts.Follow,
		Tail:       tail,
	})
	if err != nil {
		return nil, translate(err, "container logs")
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, err := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(err)
	}()
	return pr, nil
}

// portBindings flattens a port map, ordered by container port then host port.
func portBindings(pm nat.PortMap) []runtime.PortBinding {
	var out []runtime.PortBinding
	for port, bindings := range pm {
		for _, b := range bindings {
			hostPort, err := strconv.Atoi(b.HostPort)
			if err != nil {
				continue
			}
			out = append(out, runtime.PortBinding{
				HostIP:        b.HostIP,
				HostPort:      hostPort,
				ContainerPort: port.Int(),
				Protocol:      port.Proto(),
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ContainerPort != out[j].ContainerPort {
			return out[i].ContainerPort < out[j].ContainerPort
		}
		return out[i].HostPort < out[j].HostPort
	})
	return out
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil || t.Year() <= 1 {
		return time.Time{}
	}
	return t
}
