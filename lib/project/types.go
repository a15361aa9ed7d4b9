package project

import (
	"sort"
	"strconv"
	"time"

	"github.com/samber/lo"
)

// Project is a loaded orchestration unit: every service described by one
// descriptor file. A Project is not modified after Load returns.
type Project struct {
	// Name identifies the unit; it prefixes images, containers and the network.
	Name string
	// Dir is the directory relative paths in the descriptor resolve against.
	Dir string
	// File is the descriptor path, empty when parsed from memory.
	File     string
	Services map[string]*ServiceDescriptor
	Network  NetworkSpec
}

// NetworkSpec configures the unit's fabric.
type NetworkSpec struct {
	Name string
}

// ServiceDescriptor is one declared service.
type ServiceDescriptor struct {
	Name        string
	Build       *BuildSpec
	Image       string
	Ports       []PortMapping
	Expose      []int
	DependsOn   []string
	Environment map[string]string
	Volumes     []VolumeBinding
	Command     []string
	Restart     string
	Platform    string
	HealthCheck *HealthCheck
}

// BuildSpec locates a service's build context.
type BuildSpec struct {
	// Context is an absolute directory.
	Context string
	// Dockerfile is relative to Context.
	Dockerfile string
	Args       map[string]string
	// Command runs in Context before the image build.
	Command []string
}

// PortMapping is one port of a service. HostPort 0 means not published.
type PortMapping struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// Published reports whether the port is bound on the host.
func (p PortMapping) Published() bool {
	return p.HostPort != 0
}

// String formats the mapping in descriptor syntax, e.g. "127.0.0.1:8080:80/udp".
func (p PortMapping) String() string {
	s := strconv.Itoa(p.ContainerPort)
	if p.Published() {
		s = strconv.Itoa(p.HostPort) + ":" + s
		if p.HostIP != "" {
			s = p.HostIP + ":" + s
		}
	}
	if p.Protocol != "" && p.Protocol != "tcp" {
		s += "/" + p.Protocol
	}
	return s
}

// VolumeBinding mounts a host path into the container.
type VolumeBinding struct {
	// Source is the host path as written; relative paths resolve against
	// Project.Dir.
	Source   string
	Target   string
	ReadOnly bool
}

// HealthCheck kinds.
const (
	HealthCheckTCP  = "tcp"
	HealthCheckHTTP = "http"
)

// HealthCheck is an optional readiness probe.
type HealthCheck struct {
	Type     string
	Port     int
	Path     string
	Interval time.Duration
	Timeout  time.Duration
	Retries  int
}

// ServiceNames returns all service names sorted.
func (p *Project) ServiceNames() []string {
	names := lo.Keys(p.Services)
	sort.Strings(names)
	return names
}

// Service returns a copy of the named service.
func (p *Project) Service(name string) (*ServiceDescriptor, bool) {
	svc, ok := p.Services[name]
	if !ok {
		return nil, false
	}
	return svc.Clone(), true
}

// Graph returns the dependency graph keyed by service name.
func (p *Project) Graph() map[string][]string {
	graph := make(map[string][]string, len(p.Services))
	for name, svc := range p.Services {
		graph[name] = append([]string(nil), svc.DependsOn...)
	}
	return graph
}

// NetworkName returns the fabric network name of the unit.
func (p *Project) NetworkName() string {
	if p.Network.Name != "" {
		return p.Network.Name
	}
	return p.Name + "_default"
}

// ContainerPorts returns the service's container ports in declaration
// order, published ports first, without duplicates.
func (s *ServiceDescriptor) ContainerPorts() []int {
	ports := make([]int, 0, len(s.Ports)+len(s.Expose))
	for _, p := range s.Ports {
		ports = append(ports, p.ContainerPort)
	}
	ports = append(ports, s.Expose...)
	return lo.Uniq(ports)
}

// Clone returns a deep copy.
func (s *ServiceDescriptor) Clone() *ServiceDescriptor {
	c := *s
	if s.Build != nil {
		b := *s.Build
		b.Args = lo.Assign(s.Build.Args)
		b.Command = append([]string(nil), s.Build.Command...)
		c.Build = &b
	}
	c.Ports = append([]PortMapping(nil), s.Ports...)
	c.Expose = append([]int(nil), s.Expose...)
	c.DependsOn = append([]string(nil), s.DependsOn...)
	c.Environment = lo.Assign(s.Environment)
	c.Volumes = append([]VolumeBinding(nil), s.Volumes...)
	c.Command = append([]string(nil), s.Command...)
	if s.HealthCheck != nil {
		h := *s.HealthCheck
		c.HealthCheck = &h
	}
	return &c
}
