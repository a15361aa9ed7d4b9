package inject

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/project"
)

// Reference selectors.
const (
	selectorHost = "host"
	selectorPort = "port"
	selectorURL  = "url"
)

// Expand replaces service references in value:
//
//	@{svc}         svc:<first container port>
//	@{svc.host}    svc
//	@{svc.port}    first container port
//	@{svc.port.N}  N-th container port, counting from 1
//	@{svc.url}     http://svc:<first container port>
//	@@             a literal @
//
// Any other text, including a lone @, is copied unchanged.
func Expand(p *project.Project, value string) (string, error) {
	if !strings.Contains(value, "@") {
		return value, nil
	}

	var b strings.Builder
	for i := 0; i < len(value); i++ {
		c := value[i]
		if c != '@' || i+1 == len(value) {
			b.WriteByte(c)
			continue
		}
		switch value[i+1] {
		case '@':
			b.WriteByte('@')
			i++
		case '{':
			end := strings.IndexByte(value[i+2:], '}')
			if end < 0 {
				return "", fmt.Errorf("%w: unterminated %q", ErrBadReference, value[i:])
			}
			expr := value[i+2 : i+2+end]
			out, err := resolve(p, expr)
			if err != nil {
				return "", err
			}
			b.WriteString(out)
			i += 2 + end
		default:
			b.WriteByte(c)
		}
	}
	return b.String(), nil
}

func resolve(p *project.Project, expr string) (string, error) {
	parts := strings.Split(expr, ".")
	name := parts[0]
	if name == "" {
		return "", fmt.Errorf("%w: @{%s}", ErrBadReference, expr)
	}

	svc, ok := p.Services[name]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownService, name)
	}

	portAt := func(n int) (int, error) {
		ports := svc.ContainerPorts()
		if len(ports) == 0 {
			return 0, fmt.Errorf("%w: %q", ErrNoPort, name)
		}
		if n < 1 || n > len(ports) {
			return 0, fmt.Errorf("%w: @{%s}: %q has %d ports", ErrBadReference, expr, name, len(ports))
		}
		return ports[n-1], nil
	}

	switch {
	case len(parts) == 1:
		port, err := portAt(1)
		if err != nil {
			return "", err
		}
		return network.Endpoint(name, port), nil

	case len(parts) == 2 && parts[1] == selectorHost:
		return name, nil

	case len(parts) == 2 && parts[1] == selectorURL:
		port, err := portAt(1)
		if err != nil {
			return "", err
		}
		return network.URL(name, port), nil

	case (len(parts) == 2 || len(parts) == 3) && parts[1] == selectorPort:
		n := 1
		if len(parts) == 3 {
			var err error
			n, err = strconv.Atoi(parts[2])
			if err != nil {
				return "", fmt.Errorf("%w: @{%s}: port index must be a number", ErrBadReference, expr)
			}
		}
		port, err := portAt(n)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(port), nil
	}

	return "", fmt.Errorf("%w: @{%s}", ErrBadReference, expr)
}

// hasReference reports whether value contains a service reference.
func hasReference(value string) bool {
	return strings.Contains(strings.ReplaceAll(value, "@@", ""), "@{")
}
