// Package api serves the orchestrator over HTTP for tooling that cannot run
// the CLI.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/riandyrn/otelchi"
	"go.opentelemetry.io/otel/metric"

	"github.com/onkernel/hypestack/cmd/api/config"
	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/logger"
	mw "github.com/onkernel/hypestack/lib/middleware"
	"github.com/onkernel/hypestack/lib/orchestrator"
	"github.com/onkernel/hypestack/lib/project"
)

// ApiService holds the dependencies of the HTTP handlers.
type ApiService struct {
	Config         *config.Config
	Orchestrator   orchestrator.Manager
	ProjectOptions project.Options
}

// New creates a new ApiService
func New(
	config *config.Config,
	orch orchestrator.Manager,
	projectOptions project.Options,
) *ApiService {
	return &ApiService{
		Config:         config,
		Orchestrator:   orch,
		ProjectOptions: projectOptions,
	}
}

// Handler builds the router. meter may be nil.
func (s *ApiService) Handler(log *slog.Logger, meter metric.Meter) (http.Handler, error) {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(otelchi.Middleware("hypestack", otelchi.WithChiRoutes(r)))
	if meter != nil {
		httpMetrics, err := mw.NewHTTPMetrics(meter)
		if err != nil {
			return nil, fmt.Errorf("create http metrics: %w", err)
		}
		r.Use(httpMetrics.Middleware)
	} else {
		r.Use(mw.NoopHTTPMetrics())
	}
	r.Use(mw.InjectLogger(log))
	r.Use(mw.AccessLogger(log))

	r.Get("/health", s.Health)

	r.Group(func(r chi.Router) {
		r.Use(mw.VerifyJWT(s.Config.JwtSecret))
		r.Route("/units/{unit}", func(r chi.Router) {
			r.Use(mw.AuthorizeUnit)
			r.Get("/services", s.ListServices)
			r.Get("/services/{service}/logs", s.LogsHandler)
			r.Get("/images", s.ListImages)
			r.Get("/config", s.GetConfig)
			r.Post("/up", s.Up)
			r.Post("/down", s.Down)
			r.Post("/build", s.Build)
		})
	})
	return r, nil
}

// Health reports liveness.
func (s *ApiService) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// loadUnit loads the served descriptor and checks it describes unit.
func (s *ApiService) loadUnit(ctx context.Context, unit string) (*project.Project, error) {
	p, err := project.Load(ctx, s.ProjectOptions)
	if err != nil {
		return nil, err
	}
	if p.Name != unit {
		return nil, fmt.Errorf("%w: %s", errUnitNotServed, unit)
	}
	return p, nil
}

var errUnitNotServed = errors.New("unit not served")

// Error is the body of every failed request.
type Error struct {
	Code     string `json:"code"`
	Message  string `json:"message"`
	ExitCode int    `json:"exit_code,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto a status code using the same taxonomy as the CLI
// exit codes.
func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status, code := http.StatusInternalServerError, "internal_error"
	exit := orchestrator.ExitCode(err)
	switch {
	case errors.Is(err, errUnitNotServed),
		errors.Is(err, orchestrator.ErrUnknownService),
		errors.Is(err, instances.ErrNotFound),
		errors.Is(err, project.ErrNoDescriptor):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, errBadRequest):
		status, code = http.StatusBadRequest, "bad_request"
	case exit == orchestrator.ExitValidation:
		status, code = http.StatusUnprocessableEntity, "invalid_descriptor"
	case exit == orchestrator.ExitBuild:
		status, code = http.StatusBadGateway, "build_failed"
	case exit == orchestrator.ExitRuntime:
		status, code = http.StatusBadGateway, "runtime_error"
	}
	if status == http.StatusInternalServerError {
		logger.FromContext(ctx).ErrorContext(ctx, "request failed", "error", err)
	}
	writeJSON(w, status, Error{Code: code, Message: err.Error(), ExitCode: exit})
}

var errBadRequest = errors.New("bad request")

// decodeBody decodes an optional JSON body into v.
func decodeBody(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return fmt.Errorf("%w: %v", errBadRequest, err)
	}
	return nil
}
