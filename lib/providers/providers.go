// Package providers constructs the hypestack managers from configuration.
// cmd/api wires them with google/wire; cmd/hypestack calls them directly.
package providers

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/onkernel/hypestack/cmd/api/config"
	"github.com/onkernel/hypestack/lib/images"
	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/orchestrator"
	hotel "github.com/onkernel/hypestack/lib/otel"
	"github.com/onkernel/hypestack/lib/paths"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/runtime"
	"github.com/onkernel/hypestack/lib/runtime/docker"
)

// Version is reported as service.version in telemetry.
var Version = "dev"

// ProvideConfig provides the application configuration
func ProvideConfig() (*config.Config, error) {
	return config.Load()
}

// ProvideTelemetry sets up the OpenTelemetry providers. The cleanup flushes
// pending exports.
func ProvideTelemetry(ctx context.Context, cfg *config.Config) (*hotel.Providers, func(), error) {
	p, err := hotel.Setup(ctx, hotel.Config{
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		ServiceName: "hypestack",
		Version:     Version,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("setup telemetry: %w", err)
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := p.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}
	return p, cleanup, nil
}

// ProvideLogger provides the API subsystem logger, forwarding to OTel when
// export is enabled.
func ProvideLogger(tel *hotel.Providers) *slog.Logger {
	return logger.NewSubsystemLogger(logger.SubsystemAPI, logger.NewConfig(), tel.LogHandler)
}

// ProvidePaths provides the data directory layout
func ProvidePaths(cfg *config.Config) *paths.Paths {
	return paths.New(cfg.DataDir)
}

// ProvideRuntime connects to the container runtime.
func ProvideRuntime(ctx context.Context, cfg *config.Config) (runtime.Runtime, func(), error) {
	c, err := docker.New(cfg.DockerHost)
	if err != nil {
		return nil, nil, err
	}
	if err := c.Ping(ctx); err != nil {
		c.Close()
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}

// ProvideImageManager provides the build resolver
func ProvideImageManager(p *paths.Paths, rt runtime.Runtime, cfg *config.Config, tel *hotel.Providers) (images.Manager, error) {
	return images.NewManager(p, rt, images.Config{
		MaxConcurrentBuilds: cfg.MaxConcurrentBuilds,
		BuildTimeout:        cfg.BuildTimeout,
		MaxContextSize:      int64(cfg.MaxContextSize.Bytes()),
	}, tel.Meter("hypestack/images"), tel.Tracer("hypestack/images"))
}

// ProvideNetworkManager provides the network fabric
func ProvideNetworkManager(rt runtime.Runtime, tel *hotel.Providers) (network.Manager, error) {
	return network.NewManager(rt, network.Config{}, tel.Meter("hypestack/network"))
}

// ProvideDNSServer starts the host DNS responder when a listen address is
// configured, and returns nil otherwise.
func ProvideDNSServer(ctx context.Context, cfg *config.Config, fabric network.Manager) (*network.DNSServer, func(), error) {
	if cfg.DNSListen == "" {
		return nil, func() {}, nil
	}
	srv := network.NewDNSServer(fabric)
	if err := srv.Start(ctx, cfg.DNSListen); err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}
	return srv, cleanup, nil
}

// ProvideInstanceManager provides the runtime supervisor
func ProvideInstanceManager(p *paths.Paths, rt runtime.Runtime, fabric network.Manager, cfg *config.Config, tel *hotel.Providers) (instances.Manager, error) {
	return instances.NewManager(p, rt, fabric, instances.Config{
		StartTimeout: cfg.StartTimeout,
		StopTimeout:  cfg.StopTimeout,
		GracePeriod:  cfg.GracePeriod,
	}, tel.Meter("hypestack/instances"), tel.Tracer("hypestack/instances"))
}

// ProvideOrchestrator provides the orchestrator
func ProvideOrchestrator(imgs images.Manager, fabric network.Manager, supervisor instances.Manager, dns *network.DNSServer, tel *hotel.Providers) (orchestrator.Manager, error) {
	return orchestrator.NewManager(imgs, fabric, supervisor, dns,
		tel.Meter("hypestack/orchestrator"), tel.Tracer("hypestack/orchestrator"))
}

// ProvideProjectOptions locates the descriptor the API serves. It is loaded
// again for every request so edits take effect without a restart.
func ProvideProjectOptions(cfg *config.Config) project.Options {
	return project.Options{File: cfg.File}
}
