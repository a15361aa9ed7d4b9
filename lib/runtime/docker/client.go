// Package docker implements runtime.Runtime against a Docker Engine.
package docker

import (
	"context"
	"fmt"

	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"

	"github.com/onkernel/hypestack/lib/runtime"
)

// Client wraps the Docker SDK client.
type Client struct {
	inner *client.Client
}

var _ runtime.Runtime = (*Client)(nil)

// New creates a client from the environment (DOCKER_HOST, DOCKER_CERT_PATH...),
// overriding the endpoint when host is set.
func New(host string) (*Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	inner, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Client{inner: inner}, nil
}

// Ping validates connectivity to the daemon.
func (c *Client) Ping(ctx context.Context) error {
	ping, err := c.inner.Ping(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("%w: ping returned empty API version", runtime.ErrUnavailable)
	}
	return nil
}

// Close releases resources held by the client.
func (c *Client) Close() error {
	if c.inner == nil {
		return nil
	}
	return c.inner.Close()
}

// translate maps daemon errors onto the runtime sentinels.
func translate(err error, what string) error {
	switch {
	case err == nil:
		return nil
	case errdefs.IsNotFound(err):
		return fmt.Errorf("%w: %s: %v", runtime.ErrNotFound, what, err)
	case errdefs.IsConflict(err):
		return fmt.Errorf("%w: %s: %v", runtime.ErrConflict, what, err)
	case client.IsErrConnectionFailed(err):
		return fmt.Errorf("%w: %v", runtime.ErrUnavailable, err)
	default:
		return fmt.Errorf("%s: %w", what, err)
	}
}
