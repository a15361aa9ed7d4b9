package inject

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownService = errors.New("reference to undeclared service")
	ErrNoPort         = errors.New("referenced service declares no container port")
	ErrBadReference   = errors.New("malformed service reference")
	ErrNoFabric       = errors.New("service references need a network")
	ErrInvalidVolume  = errors.New("invalid volume")
)

// ConfigError reports a configuration value that cannot be materialized.
// Key is the environment variable or volume target concerned.
type ConfigError struct {
	Service string
	Key     string
	Err     error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("service %q: %s: %v", e.Service, e.Key, e.Err)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}
