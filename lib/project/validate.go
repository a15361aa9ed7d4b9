package project

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	securejoin "github.com/cyphar/filepath-securejoin"
	"github.com/distribution/reference"
	"github.com/samber/lo"

	"github.com/onkernel/hypestack/lib/scheduler"
)

const maxNameLength = 63

// Unit names leave room for the "_default" network suffix.
const maxUnitNameLength = maxNameLength - len("_default")

var (
	serviceNamePattern = regexp.MustCompile(`^[A-Za-z0-9]([A-Za-z0-9-]*[A-Za-z0-9])?$`)
	unitNamePattern    = regexp.MustCompile(`^[a-z0-9]([a-z0-9-]*[a-z0-9])?$`)
	platformPattern    = regexp.MustCompile(`^[a-z0-9]+/[a-z0-9_]+(/[a-z0-9]+)?$`)
)

var restartPolicies = map[string]bool{
	"":               true,
	"no":             true,
	"always":         true,
	"on-failure":     true,
	"unless-stopped": true,
}

// ValidateServiceName checks that name is usable as a DNS label.
func ValidateServiceName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxNameLength {
		return fmt.Errorf("%w: %q must be %d characters or less", ErrInvalidName, name, maxNameLength)
	}
	if !serviceNamePattern.MatchString(name) {
		return fmt.Errorf("%w: %q must contain only letters, digits, and dashes; cannot start or end with dash", ErrInvalidName, name)
	}
	return nil
}

// ValidateUnitName checks a unit name, which also prefixes image and
// network names and therefore must be lowercase.
func ValidateUnitName(name string) error {
	if name == "" {
		return fmt.Errorf("%w: project name cannot be empty", ErrInvalidName)
	}
	if len(name) > maxUnitNameLength {
		return fmt.Errorf("%w: project name must be %d characters or less", ErrInvalidName, maxUnitNameLength)
	}
	if !unitNamePattern.MatchString(name) {
		return fmt.Errorf("%w: project name %q must contain only lowercase letters, digits, and dashes", ErrInvalidName, name)
	}
	return nil
}

func validate(c *collector, p *Project) {
	seen := map[string]string{}
	for _, name := range p.ServiceNames() {
		if err := ValidateServiceName(name); err != nil {
			c.wrap(name, "name", err)
		}
		if other, dup := seen[strings.ToLower(name)]; dup {
			c.add(name, "name", "conflicts with service %q (names are case-insensitive)", other)
		}
		seen[strings.ToLower(name)] = name
	}

	for _, name := range p.ServiceNames() {
		validateService(c, p, p.Services[name])
	}

	validateGraph(c, p)
	validateHostPorts(c, p)
}

func validateService(c *collector, p *Project, svc *ServiceDescriptor) {
	if svc.Build == nil && svc.Image == "" {
		c.add(svc.Name, "", "either build or image must be set")
	}

	if svc.Image != "" {
		if _, err := reference.ParseNormalizedNamed(svc.Image); err != nil {
			c.add(svc.Name, "image", "invalid reference %q: %v", svc.Image, err)
		}
	}

	if b := svc.Build; b != nil {
		info, err := os.Stat(b.Context)
		switch {
		case err != nil:
			c.add(svc.Name, "build.context", "%s does not exist", b.Context)
		case !info.IsDir():
			c.add(svc.Name, "build.context", "%s is not a directory", b.Context)
		default:
			dockerfile, err := securejoin.SecureJoin(b.Context, b.Dockerfile)
			if err != nil {
				c.add(svc.Name, "build.dockerfile", "%v", err)
			} else if _, err := os.Stat(dockerfile); err != nil {
				c.add(svc.Name, "build.dockerfile", "%s not found in build context", b.Dockerfile)
			}
		}
	}

	for _, dep := range svc.DependsOn {
		switch {
		case dep == svc.Name:
			c.add(svc.Name, "depends_on", "service cannot depend on itself")
		case p.Services[dep] == nil:
			c.add(svc.Name, "depends_on", "undeclared service %q", dep)
		}
	}

	if !restartPolicies[svc.Restart] {
		c.add(svc.Name, "restart", "unknown policy %q", svc.Restart)
	}
	if svc.Platform != "" && !platformPattern.MatchString(svc.Platform) {
		c.add(svc.Name, "platform", "expected OS/ARCH[/VARIANT], got %q", svc.Platform)
	}
}

// validateGraph reports cycles among the declared dependencies. Undeclared
// and self references were already reported and are skipped here.
func validateGraph(c *collector, p *Project) {
	graph := make(map[string][]string, len(p.Services))
	for name, svc := range p.Services {
		graph[name] = lo.Filter(svc.DependsOn, func(d string, _ int) bool {
			return d != name && p.Services[d] != nil
		})
	}
	_, err := scheduler.Schedule(graph)
	var cycleErr *scheduler.CycleError
	if errors.As(err, &cycleErr) {
		c.wrap(cycleErr.Cycle[0], "depends_on", cycleErr)
	}
}

type hostPortKey struct {
	port     int
	protocol string
}

type hostPortOwner struct {
	service string
	ip      string
}

// validateHostPorts rejects two bindings of the same host port and protocol
// on overlapping addresses. An empty or 0.0.0.0 address overlaps every
// address.
func validateHostPorts(c *collector, p *Project) {
	owners := map[hostPortKey][]hostPortOwner{}
	for _, name := range p.ServiceNames() {
		for _, port := range p.Services[name].Ports {
			if !port.Published() {
				continue
			}
			key := hostPortKey{port: port.HostPort, protocol: port.Protocol}
			for _, prev := range owners[key] {
				if addressesOverlap(prev.ip, port.HostIP) {
					c.add(name, "ports", "host port %d/%s already published by service %q", port.HostPort, port.Protocol, prev.service)
					break
				}
			}
			owners[key] = append(owners[key], hostPortOwner{service: name, ip: port.HostIP})
		}
	}
}

func addressesOverlap(a, b string) bool {
	wildcard := func(ip string) bool { return ip == "" || ip == "0.0.0.0" || ip == "::" }
	return wildcard(a) || wildcard(b) || a == b
}
