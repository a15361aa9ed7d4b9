package orchestrator

import (
	"fmt"

	"github.com/ghodss/yaml"

	"github.com/onkernel/hypestack/lib/project"
)

type renderedUnit struct {
	Name     string                     `json:"name"`
	Services map[string]renderedService `json:"services"`
	Networks map[string]renderedNetwork `json:"networks"`
}

type renderedNetwork struct {
	Name string `json:"name"`
}

type renderedService struct {
	Build       *renderedBuild       `json:"build,omitempty"`
	Image       string               `json:"image,omitempty"`
	Ports       []string             `json:"ports,omitempty"`
	Expose      []int                `json:"expose,omitempty"`
	DependsOn   []string             `json:"depends_on,omitempty"`
	Environment map[string]string    `json:"environment,omitempty"`
	Volumes     []string             `json:"volumes,omitempty"`
	Command     []string             `json:"command,omitempty"`
	Restart     string               `json:"restart,omitempty"`
	Platform    string               `json:"platform,omitempty"`
	HealthCheck *renderedHealthCheck `json:"healthcheck,omitempty"`
}

type renderedBuild struct {
	Context    string            `json:"context"`
	Dockerfile string            `json:"dockerfile,omitempty"`
	Args       map[string]string `json:"args,omitempty"`
	Command    []string          `json:"command,omitempty"`
}

type renderedHealthCheck struct {
	Type     string `json:"type"`
	Port     int    `json:"port"`
	Path     string `json:"path,omitempty"`
	Interval string `json:"interval,omitempty"`
	Timeout  string `json:"timeout,omitempty"`
	Retries  int    `json:"retries,omitempty"`
}

// Render prints the resolved descriptor of p: interpolation applied, paths
// absolute, defaults filled in.
func Render(p *project.Project) ([]byte, error) {
	unit := renderedUnit{
		Name:     p.Name,
		Services: make(map[string]renderedService, len(p.Services)),
		Networks: map[string]renderedNetwork{"default": {Name: p.NetworkName()}},
	}

	for name, svc := range p.Services {
		rs := renderedService{
			Image:       svc.Image,
			Expose:      svc.Expose,
			DependsOn:   svc.DependsOn,
			Environment: svc.Environment,
			Command:     svc.Command,
			Restart:     svc.Restart,
			Platform:    svc.Platform,
		}
		if b := svc.Build; b != nil {
			rs.Build = &renderedBuild{Context: b.Context, Dockerfile: b.Dockerfile, Args: b.Args, Command: b.Command}
		}
		for _, pm := range svc.Ports {
			rs.Ports = append(rs.Ports, pm.String())
		}
		for _, v := range svc.Volumes {
			spec := v.Source + ":" + v.Target
			if v.ReadOnly {
				spec += ":ro"
			}
			rs.Volumes = append(rs.Volumes, spec)
		}
		if hc := svc.HealthCheck; hc != nil {
			rs.HealthCheck = &renderedHealthCheck{
				Type:    hc.Type,
				Port:    hc.Port,
				Path:    hc.Path,
				Retries: hc.Retries,
			}
			if hc.Interval > 0 {
				rs.HealthCheck.Interval = hc.Interval.String()
			}
			if hc.Timeout > 0 {
				rs.HealthCheck.Timeout = hc.Timeout.String()
			}
		}
		unit.Services[name] = rs
	}

	out, err := yaml.Marshal(unit)
	if err != nil {
		return nil, fmt.Errorf("marshal descriptor: %w", err)
	}
	return out, nil
}
