// Package inject turns a service's declared environment and volumes into the
// concrete values its container is created with.
package inject

import (
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/samber/lo"

	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/runtime"
)

// Materialized is a service's configuration as handed to the runtime. It is
// computed once, at container creation; later changes to peers are not
// reflected in containers that already exist.
type Materialized struct {
	// Env is sorted KEY=VALUE pairs.
	Env    []string
	Mounts []runtime.Mount
}

// Materialize expands the environment of svc and prepares its volume mounts.
// h is the fabric the container joins; it is required only when the
// environment references other services.
func Materialize(ctx context.Context, p *project.Project, svc *project.ServiceDescriptor, h *network.Handle) (*Materialized, error) {
	log := logger.FromContext(ctx)

	keys := lo.Keys(svc.Environment)
	sort.Strings(keys)

	env := make([]string, 0, len(keys))
	for _, key := range keys {
		value := svc.Environment[key]
		if h == nil && hasReference(value) {
			return nil, &ConfigError{Service: svc.Name, Key: key, Err: ErrNoFabric}
		}
		expanded, err := Expand(p, value)
		if err != nil {
			return nil, &ConfigError{Service: svc.Name, Key: key, Err: err}
		}
		if expanded != value {
			log.DebugContext(ctx, "expanded service reference", "key", key, "value", expanded)
		}
		env = append(env, key+"="+expanded)
	}

	mounts := make([]runtime.Mount, 0, len(svc.Volumes))
	for _, v := range svc.Volumes {
		m, err := resolveMount(p.Dir, v)
		if err == nil {
			err = ensureSource(m.Source)
		}
		if err != nil {
			return nil, &ConfigError{Service: svc.Name, Key: v.Target, Err: err}
		}
		mounts = append(mounts, m)
	}

	return &Materialized{Env: env, Mounts: mounts}, nil
}

// Check reports the first configuration value of svc that Materialize would
// reject, without touching the filesystem. Missing host paths pass since
// Materialize creates them.
func Check(p *project.Project, svc *project.ServiceDescriptor) error {
	keys := lo.Keys(svc.Environment)
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := Expand(p, svc.Environment[key]); err != nil {
			return &ConfigError{Service: svc.Name, Key: key, Err: err}
		}
	}
	for _, v := range svc.Volumes {
		m, err := resolveMount(p.Dir, v)
		if err == nil {
			if _, statErr := os.Stat(m.Source); statErr != nil && !os.IsNotExist(statErr) {
				err = fmt.Errorf("%w: stat host path %s: %v", ErrInvalidVolume, m.Source, statErr)
			}
		}
		if err != nil {
			return &ConfigError{Service: svc.Name, Key: v.Target, Err: err}
		}
	}
	return nil
}

// resolveMount resolves the host side of a binding against dir.
func resolveMount(dir string, v project.VolumeBinding) (runtime.Mount, error) {
	if !path.IsAbs(v.Target) {
		return runtime.Mount{}, fmt.Errorf("%w: container path %q must be absolute", ErrInvalidVolume, v.Target)
	}

	source := v.Source
	switch {
	case source == "~" || strings.HasPrefix(source, "~/"):
		home, err := os.UserHomeDir()
		if err != nil {
			return runtime.Mount{}, fmt.Errorf("%w: resolve home directory: %v", ErrInvalidVolume, err)
		}
		source = filepath.Join(home, strings.TrimPrefix(source, "~"))
	case !filepath.IsAbs(source):
		source = filepath.Join(dir, source)
	}
	return runtime.Mount{Source: filepath.Clean(source), Target: v.Target, ReadOnly: v.ReadOnly}, nil
}

// ensureSource creates a missing host path as a directory.
func ensureSource(source string) error {
	if _, err := os.Stat(source); os.IsNotExist(err) {
		if err := os.MkdirAll(source, 0755); err != nil {
			return fmt.Errorf("%w: create host path %s: %v", ErrInvalidVolume, source, err)
		}
	} else if err != nil {
		return fmt.Errorf("%w: stat host path %s: %v", ErrInvalidVolume, source, err)
	}
	return nil
}
