package network

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned when a network is not found
	ErrNotFound = errors.New("network not found")

	// ErrAlreadyExists is returned when a network name is taken by another unit
	ErrAlreadyExists = errors.New("network already exists")

	// ErrNetworkInUse is returned when trying to remove a network with attached containers
	ErrNetworkInUse = errors.New("network has attached containers")

	// ErrInvalidName is returned when a network or alias name is invalid
	ErrInvalidName = errors.New("invalid network name")

	// ErrNotResolvable is returned when a service has no reachable address
	ErrNotResolvable = errors.New("service not resolvable")
)

// NetworkError reports a fabric failure concerning one service.
type NetworkError struct {
	Service string
	Network string
	Err     error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network %s: service %s: %v", e.Network, e.Service, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}
