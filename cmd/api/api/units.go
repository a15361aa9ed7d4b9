package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/onkernel/hypestack/lib/images"
	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/orchestrator"
)

// ServiceStatus is one row of the ps listing.
type ServiceStatus struct {
	Service   string    `json:"service"`
	Container string    `json:"container,omitempty"`
	Image     string    `json:"image,omitempty"`
	State     string    `json:"state"`
	Address   string    `json:"address,omitempty"`
	Ports     []string  `json:"ports,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
	Error     string    `json:"error,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

func toServiceStatus(inst instances.Instance) ServiceStatus {
	st := ServiceStatus{
		Service:   inst.Service,
		Container: inst.ContainerName,
		Image:     inst.Image,
		State:     string(inst.State),
		Address:   inst.Address,
		ExitCode:  inst.ExitCode,
		Error:     inst.Error,
		StartedAt: inst.StartedAt,
	}
	for _, p := range inst.Ports {
		st.Ports = append(st.Ports, p.String())
	}
	return st
}

// ListServices returns the status of every service of the unit.
func (s *ApiService) ListServices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := s.Orchestrator.Ps(ctx, chi.URLParam(r, "unit"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	out := make([]ServiceStatus, 0, len(list))
	for _, inst := range list {
		out = append(out, toServiceStatus(inst))
	}
	writeJSON(w, http.StatusOK, out)
}

// UpRequest is the body of POST /units/{unit}/up.
type UpRequest struct {
	Services   []string `json:"services,omitempty"`
	Build      bool     `json:"build,omitempty"`
	ForceBuild bool     `json:"force_build,omitempty"`
	NoCache    bool     `json:"no_cache,omitempty"`
}

// OutcomeResponse is the result of one service in an up.
type OutcomeResponse struct {
	Service string `json:"service"`
	State   string `json:"state"`
	Image   string `json:"image,omitempty"`
	Error   string `json:"error,omitempty"`
}

// UpResponse summarizes an up.
type UpResponse struct {
	Unit      string            `json:"unit"`
	RunID     string            `json:"run_id"`
	Network   string            `json:"network"`
	Converged bool              `json:"converged"`
	ExitCode  int               `json:"exit_code"`
	Layers    [][]string        `json:"layers"`
	Services  []OutcomeResponse `json:"services"`
}

// Up brings the unit up. A run where some services did not converge still
// answers 200; the per-service outcome and exit code carry the failure.
func (s *ApiService) Up(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req UpRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}
	p, err := s.loadUnit(ctx, chi.URLParam(r, "unit"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	report, err := s.Orchestrator.Up(ctx, p, orchestrator.UpOptions{
		Services:   req.Services,
		Build:      req.Build,
		ForceBuild: req.ForceBuild,
		NoCache:    req.NoCache,
	})
	if report == nil {
		writeError(ctx, w, err)
		return
	}

	resp := UpResponse{
		Unit:      report.Unit,
		RunID:     report.RunID,
		Network:   report.Network,
		Converged: report.Converged(),
		ExitCode:  report.ExitCode(),
		Layers:    report.Layers,
	}
	for _, o := range report.Outcomes {
		out := OutcomeResponse{Service: o.Service, State: string(o.State), Image: o.Image}
		if o.Err != nil {
			out.Error = o.Err.Error()
		}
		resp.Services = append(resp.Services, out)
	}
	writeJSON(w, http.StatusOK, resp)
}

// DownRequest is the body of POST /units/{unit}/down.
type DownRequest struct {
	Volumes      bool `json:"volumes,omitempty"`
	RemoveImages bool `json:"remove_images,omitempty"`
}

// Down stops and removes the unit.
func (s *ApiService) Down(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req DownRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}
	err := s.Orchestrator.Down(ctx, chi.URLParam(r, "unit"), orchestrator.DownOptions{
		Volumes:      req.Volumes,
		RemoveImages: req.RemoveImages,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// BuildRequest is the body of POST /units/{unit}/build.
type BuildRequest struct {
	Services []string `json:"services,omitempty"`
	Force    bool     `json:"force,omitempty"`
	NoCache  bool     `json:"no_cache,omitempty"`
}

// ImageResponse describes one resolved image.
type ImageResponse struct {
	Service     string    `json:"service"`
	Ref         string    `json:"ref"`
	Fingerprint string    `json:"fingerprint,omitempty"`
	Pulled      bool      `json:"pulled,omitempty"`
	Cached      bool      `json:"cached,omitempty"`
	BuiltAt     time.Time `json:"built_at,omitzero"`
	Error       string    `json:"error,omitempty"`
	ExitCode    int       `json:"exit_code,omitempty"`
}

func toImageResponse(img *images.Image) ImageResponse {
	return ImageResponse{
		Service:     img.Service,
		Ref:         img.Ref,
		Fingerprint: img.Fingerprint,
		Pulled:      img.Pulled,
		Cached:      img.Cached,
		BuiltAt:     img.BuiltAt,
	}
}

// Build builds the unit's images without starting anything. Build failures
// are reported per service with status 200.
func (s *ApiService) Build(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req BuildRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(ctx, w, err)
		return
	}
	p, err := s.loadUnit(ctx, chi.URLParam(r, "unit"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	results, err := s.Orchestrator.Build(ctx, p, req.Services, orchestrator.BuildOptions{
		Force:   req.Force,
		NoCache: req.NoCache,
	})
	if err != nil {
		writeError(ctx, w, err)
		return
	}

	out := make([]ImageResponse, 0, len(results))
	for _, res := range results {
		if res.Err != nil {
			resp := ImageResponse{Service: res.Service, Error: res.Err.Error()}
			var be *images.BuildError
			if errors.As(res.Err, &be) {
				resp.ExitCode = be.ExitCode
			}
			out = append(out, resp)
			continue
		}
		out = append(out, toImageResponse(res.Image))
	}
	writeJSON(w, http.StatusOK, out)
}

// ListImages returns the recorded images of the unit.
func (s *ApiService) ListImages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	list, err := s.Orchestrator.Images(ctx, chi.URLParam(r, "unit"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	out := make([]ImageResponse, 0, len(list))
	for _, img := range list {
		out = append(out, toImageResponse(img))
	}
	writeJSON(w, http.StatusOK, out)
}

// GetConfig returns the resolved descriptor as YAML.
func (s *ApiService) GetConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	p, err := s.loadUnit(ctx, chi.URLParam(r, "unit"))
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	data, err := orchestrator.Render(p)
	if err != nil {
		writeError(ctx, w, err)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.Write(data)
}
