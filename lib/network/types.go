package network

import (
	"fmt"
	"strconv"
	"strings"
)

// Handle identifies the fabric of one unit.
type Handle struct {
	Unit   string
	Name   string
	ID     string
	Driver string
}

// Member is a container attached to a fabric.
type Member struct {
	Service     string
	ContainerID string
	Address     string // empty while the container is not running
}

// DefaultName is the fabric name of a unit when none is configured.
func DefaultName(unit string) string {
	return unit + "_default"
}

// Endpoint is the address peers use to reach a service port on the fabric.
func Endpoint(service string, port int) string {
	return service + ":" + strconv.Itoa(port)
}

// URL is the http endpoint of a service port.
func URL(service string, port int) string {
	return fmt.Sprintf("http://%s", Endpoint(service, port))
}

// Alias is the name a service is reachable under. DNS names are
// case-insensitive, runtimes store them lowercase.
func Alias(service string) string {
	return strings.ToLower(service)
}
