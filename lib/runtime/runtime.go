// Package runtime defines the narrow container-runtime surface the rest of
// hypestack is written against. lib/runtime/docker talks to a Docker Engine;
// lib/runtime/runtimetest is an in-memory stand-in for tests.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
)

var (
	// ErrNotFound is returned when an image, network or container does not exist.
	ErrNotFound = errors.New("runtime object not found")

	// ErrConflict is returned when an object with the same name already exists
	// or is still in use.
	ErrConflict = errors.New("runtime object conflict")

	// ErrUnavailable is returned when the runtime cannot be reached.
	ErrUnavailable = errors.New("container runtime unavailable")
)

// Labels attached to every object hypestack creates.
const (
	LabelUnit        = "io.hypestack.unit"
	LabelService     = "io.hypestack.service"
	LabelFingerprint = "io.hypestack.fingerprint"
	LabelManaged     = "io.hypestack.managed"
	LabelDependsOn   = "io.hypestack.depends_on"
	LabelRunID       = "io.hypestack.run"
	// LabelConfig is the digest of a container's run configuration.
	LabelConfig = "io.hypestack.config"
)

// Runtime is the set of container runtime operations hypestack needs.
type Runtime interface {
	Ping(ctx context.Context) error

	// Images
	ImageExists(ctx context.Context, ref string) (bool, error)
	BuildImage(ctx context.Context, req BuildRequest) (*BuildResult, error)
	PullImage(ctx context.Context, ref string, onOutput func(string)) error
	TagImage(ctx context.Context, source, target string) error
	RemoveImage(ctx context.Context, ref string) error

	// Networks
	CreateNetwork(ctx context.Context, name string, labels map[string]string) (*NetworkInfo, error)
	InspectNetwork(ctx context.Context, name string) (*NetworkInfo, error)
	RemoveNetwork(ctx context.Context, name string) error
	ConnectNetwork(ctx context.Context, network, containerID string, aliases []string) error
	DisconnectNetwork(ctx context.Context, network, containerID string) error

	// Containers
	CreateContainer(ctx context.Context, spec ContainerSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, timeout time.Duration) error
	RemoveContainer(ctx context.Context, id string, removeVolumes bool) error
	InspectContainer(ctx context.Context, id string) (*ContainerInfo, error)
	ListContainers(ctx context.Context, labels map[string]string) ([]ContainerInfo, error)
	ContainerLogs(ctx context.Context, id string, opts LogOptions) (io.ReadCloser, error)
}

// BuildRequest describes one image build.
type BuildRequest struct {
	ContextDir string
	Dockerfile string // relative to ContextDir
	Tags       []string
	Args       map[string]string
	Labels     map[string]string
	Platform   string
	NoCache    bool
	Excludes   []string // .dockerignore patterns
	OnOutput   func(line string)
}

// BuildResult is returned by a successful build.
type BuildResult struct {
	ImageID string
}

// BuildFailure is the error returned when the runtime reports a failed build.
type BuildFailure struct {
	Code    int
	Message string
	Output  []string
}

func (e *BuildFailure) Error() string {
	return fmt.Sprintf("build failed (code %d): %s", e.Code, e.Message)
}

// NetworkInfo describes a runtime network.
type NetworkInfo struct {
	ID     string
	Name   string
	Driver string
	Labels map[string]string
	// Containers maps container ID to its address on this network.
	Containers map[string]string
}

// PortBinding publishes a container port on the host.
type PortBinding struct {
	HostIP        string
	HostPort      int
	ContainerPort int
	Protocol      string
}

// Mount binds a host path into a container.
type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// ContainerSpec describes a container to create.
type ContainerSpec struct {
	Name         string
	Image        string
	Cmd          []string
	Env          []string
	Labels       map[string]string
	Ports        []PortBinding
	ExposedPorts []int
	Mounts       []Mount
	Network      string
	Aliases      []string
	Restart      string
	Platform     *ocispec.Platform
}

// ContainerInfo is the observed state of a container.
type ContainerInfo struct {
	ID         string
	Name       string
	Image      string
	Labels     map[string]string
	Status     string
	Running    bool
	ExitCode   int
	Error      string
	StartedAt  time.Time
	FinishedAt time.Time
	// Networks maps network name to the container's address on it.
	Networks map[string]string
	// Ports are the host bindings the container was created with.
	Ports []PortBinding
}

// LogOptions selects which log lines a stream returns.
type LogOptions struct {
	// Tail is the number of historical lines; negative means all history,
	// zero means only lines written after the call.
	Tail   int
	Follow bool
}
