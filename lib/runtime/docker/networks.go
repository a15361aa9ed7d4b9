package docker

import (
	"context"
	"strings"

	"github.com/docker/docker/api/types/network"

	"github.com/onkernel/hypestack/lib/runtime"
)

func (c *Client) CreateNetwork(ctx context.Context, name string, labels map[string]string) (*runtime.NetworkInfo, error) {
	resp, err := c.inner.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Labels: labels,
	})
	if err != nil {
		return nil, translate(err, "create network")
	}
	return c.InspectNetwork(ctx, resp.ID)
}

func (c *Client) InspectNetwork(ctx context.Context, name string) (*runtime.NetworkInfo, error) {
	res, err := c.inner.NetworkInspect(ctx, name, network.InspectOptions{})
	if err != nil {
		return nil, translate(err, "inspect network")
	}

	info := &runtime.NetworkInfo{
		ID:         res.ID,
		Name:       res.Name,
		Driver:     res.Driver,
		Labels:     res.Labels,
		Containers: make(map[string]string, len(res.Containers)),
	}
	for id, ep := range res.Containers {
		// IPv4Address is reported in CIDR form
		addr, _, _ := strings.Cut(ep.IPv4Address, "/")
		info.Containers[id] = addr
	}
	return info, nil
}

func (c *Client) RemoveNetwork(ctx context.Context, name string) error {
	return translate(c.inner.NetworkRemove(ctx, name), "remove network")
}

func (c *Client) ConnectNetwork(ctx context.Context, name, containerID string, aliases []string) error {
	err := c.inner.NetworkConnect(ctx, name, containerID, &network.EndpointSettings{Aliases: aliases})
	return translate(err, "connect network")
}

func (c *Client) DisconnectNetwork(ctx context.Context, name, containerID string) error {
	return translate(c.inner.NetworkDisconnect(ctx, name, containerID, false), "disconnect network")
}
