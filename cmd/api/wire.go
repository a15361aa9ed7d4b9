//go:build wireinject

package main

import (
	"context"
	"log/slog"

	"github.com/google/wire"

	"github.com/onkernel/hypestack/cmd/api/api"
	"github.com/onkernel/hypestack/cmd/api/config"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/orchestrator"
	"github.com/onkernel/hypestack/lib/otel"
	"github.com/onkernel/hypestack/lib/providers"
)

// application struct to hold initialized components
type application struct {
	Logger       *slog.Logger
	Config       *config.Config
	Telemetry    *otel.Providers
	DNSServer    *network.DNSServer
	Orchestrator orchestrator.Manager
	ApiService   *api.ApiService
}

// initializeApp is the injector function
func initializeApp(ctx context.Context) (*application, func(), error) {
	panic(wire.Build(
		providers.ProvideConfig,
		providers.ProvideTelemetry,
		providers.ProvideLogger,
		providers.ProvidePaths,
		providers.ProvideRuntime,
		providers.ProvideImageManager,
		providers.ProvideNetworkManager,
		providers.ProvideDNSServer,
		providers.ProvideInstanceManager,
		providers.ProvideOrchestrator,
		providers.ProvideProjectOptions,
		api.New,
		wire.Struct(new(application), "*"),
	))
}
