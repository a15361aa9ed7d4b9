package instances

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/onkernel/hypestack/lib/project"
)

// Prober runs one attempt of a service's health probe against addr
// ("host:port").
type Prober interface {
	Probe(ctx context.Context, hc *project.HealthCheck, addr string) error
}

type netProber struct {
	client *http.Client
}

// NewProber returns a prober that dials tcp probes and issues GET requests
// for http probes, accepting any status below 400.
func NewProber() Prober {
	return &netProber{client: &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
	}}
}

func (p *netProber) Probe(ctx context.Context, hc *project.HealthCheck, addr string) error {
	timeout := hc.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch hc.Type {
	case project.HealthCheckHTTP:
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+hc.Path, nil)
		if err != nil {
			return fmt.Errorf("build probe request: %w", err)
		}
		resp, err := p.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return fmt.Errorf("GET %s: status %d", hc.Path, resp.StatusCode)
		}
		return nil
	default:
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", addr)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}

// probeAddress picks where the probe connects: the published host port when
// the probed port is published, the container address otherwise.
func probeAddress(svc *project.ServiceDescriptor, containerAddr string) string {
	if addr, ok := publishedProbeAddress(svc); ok {
		return addr
	}
	return net.JoinHostPort(containerAddr, strconv.Itoa(svc.HealthCheck.Port))
}

// publishedProbeAddress is the host side of the probed port, if published.
func publishedProbeAddress(svc *project.ServiceDescriptor) (string, bool) {
	port := svc.HealthCheck.Port
	for _, pm := range svc.Ports {
		if pm.ContainerPort == port && pm.Published() && pm.Protocol != "udp" {
			host := pm.HostIP
			if host == "" || host == "0.0.0.0" || host == "::" {
				host = "127.0.0.1"
			}
			return net.JoinHostPort(host, strconv.Itoa(pm.HostPort)), true
		}
	}
	return "", false
}
