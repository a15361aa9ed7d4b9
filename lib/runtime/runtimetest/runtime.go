// Package runtimetest provides an in-memory runtime.Runtime with scriptable
// failures, used by package tests that exercise orchestration end to end.
package runtimetest

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/samber/lo"

	"github.com/onkernel/hypestack/lib/runtime"
)

type image struct {
	id     string
	labels map[string]string
}

type network struct {
	info    runtime.NetworkInfo
	index   int
	nextIP  int
	aliases map[string][]string
}

type container struct {
	spec    runtime.ContainerSpec
	info    runtime.ContainerInfo
	logs    []string
	changed chan struct{}
	removed bool
}

type exitPlan struct {
	code  int
	lines []string
}

// Runtime is an in-memory runtime.Runtime.
type Runtime struct {
	mu sync.Mutex

	images     map[string]*image
	networks   map[string]*network
	containers map[string]*container
	seq        int
	netSeq     int

	builds       map[string]int
	buildFail    map[string]*runtime.BuildFailure
	pullFail     map[string]error
	exitOnStart  map[string]*exitPlan
	hideAddress  map[string]bool
	startupLines map[string][]string
	events       []string
}

var _ runtime.Runtime = (*Runtime)(nil)

// New returns an empty runtime.
func New() *Runtime {
	return &Runtime{
		images:       make(map[string]*image),
		networks:     make(map[string]*network),
		containers:   make(map[string]*container),
		builds:       make(map[string]int),
		buildFail:    make(map[string]*runtime.BuildFailure),
		pullFail:     make(map[string]error),
		exitOnStart:  make(map[string]*exitPlan),
		hideAddress:  make(map[string]bool),
		startupLines: make(map[string][]string),
	}
}

// FailBuild makes builds labelled with service fail with code.
func (r *Runtime) FailBuild(service string, code int, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buildFail[service] = &runtime.BuildFailure{Code: code, Message: message, Output: []string{message}}
}

// FailPull makes pulls of ref fail.
func (r *Runtime) FailPull(ref string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pullFail[ref] = err
}

// ExitOnStart makes containers of service exit with code right after start,
// writing lines to their log first.
func (r *Runtime) ExitOnStart(service string, code int, lines ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exitOnStart[service] = &exitPlan{code: code, lines: lines}
}

// HideAddress makes containers of service report no network address.
func (r *Runtime) HideAddress(service string, hidden bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hideAddress[service] = hidden
}

// StartupLogs makes containers of service write lines when started.
func (r *Runtime) StartupLogs(service string, lines ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.startupLines[service] = lines
}

// AddImage registers an image as present.
func (r *Runtime) AddImage(ref string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.images[ref] = &image{id: r.nextID("sha256:"), labels: map[string]string{}}
}

// BuildCount returns how many builds ran for service.
func (r *Runtime) BuildCount(service string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.builds[service]
}

// Events returns the ordered log of mutating calls, e.g. "start svcA".
func (r *Runtime) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.events...)
}

// Images returns the references currently present.
func (r *Runtime) Images() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := lo.Keys(r.images)
	sort.Strings(refs)
	return refs
}

// Networks returns the names of existing networks.
func (r *Runtime) Networks() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := lo.Keys(r.networks)
	sort.Strings(names)
	return names
}

// Spec returns the spec a container was created with.
func (r *Runtime) Spec(id string) (runtime.ContainerSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return runtime.ContainerSpec{}, false
	}
	return c.spec, true
}

// SpecFor returns the spec of the live container of service.
func (r *Runtime) SpecFor(service string) (runtime.ContainerSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.containers {
		if !c.removed && c.spec.Labels[runtime.LabelService] == service {
			return c.spec, true
		}
	}
	return runtime.ContainerSpec{}, false
}

// WriteLog appends a log line to a container.
func (r *Runtime) WriteLog(id, line string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.lookup(id); ok {
		c.logs = append(c.logs, line)
		r.notify(c)
	}
}

// Exit makes a running container exit with code.
func (r *Runtime) Exit(id string, code int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.lookup(id); ok && c.info.Running {
		r.exit(c, code)
	}
}

func (r *Runtime) Ping(ctx context.Context) error {
	return ctx.Err()
}

func (r *Runtime) ImageExists(ctx context.Context, ref string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.images[ref]
	return ok, nil
}

func (r *Runtime) BuildImage(ctx context.Context, req runtime.BuildRequest) (*runtime.BuildResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	service := req.Labels[runtime.LabelService]
	r.builds[service]++
	r.events = append(r.events, "build "+service)

	if f, ok := r.buildFail[service]; ok {
		if req.OnOutput != nil {
			for _, line := range f.Output {
				req.OnOutput(line)
			}
		}
		return nil, &runtime.BuildFailure{Code: f.Code, Message: f.Message, Output: append([]string(nil), f.Output...)}
	}

	id := r.nextID("sha256:")
	for _, tag := range req.Tags {
		r.images[tag] = &image{id: id, labels: lo.Assign(req.Labels)}
	}
	if req.OnOutput != nil {
		req.OnOutput("Successfully built " + id)
	}
	return &runtime.BuildResult{ImageID: id}, nil
}

func (r *Runtime) PullImage(ctx context.Context, ref string, onOutput func(string)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, "pull "+ref)
	if err, ok := r.pullFail[ref]; ok {
		return err
	}
	r.images[ref] = &image{id: r.nextID("sha256:"), labels: map[string]string{}}
	if onOutput != nil {
		onOutput("pulled " + ref)
	}
	return nil
}

func (r *Runtime) TagImage(ctx context.Context, source, target string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	img, ok := r.images[source]
	if !ok {
		return fmt.Errorf("%w: image %s", runtime.ErrNotFound, source)
	}
	r.images[target] = img
	return nil
}

func (r *Runtime) RemoveImage(ctx context.Context, ref string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[ref]; !ok {
		return fmt.Errorf("%w: image %s", runtime.ErrNotFound, ref)
	}
	delete(r.images, ref)
	r.events = append(r.events, "rmi "+ref)
	return nil
}

func (r *Runtime) CreateNetwork(ctx context.Context, name string, labels map[string]string) (*runtime.NetworkInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.networks[name]; ok {
		return nil, fmt.Errorf("%w: network %s", runtime.ErrConflict, name)
	}
	r.netSeq++
	n := &network{
		info: runtime.NetworkInfo{
			ID:         r.nextID("net-"),
			Name:       name,
			Driver:     "bridge",
			Labels:     lo.Assign(labels),
			Containers: map[string]string{},
		},
		index:   r.netSeq,
		aliases: map[string][]string{},
	}
	r.networks[name] = n
	r.events = append(r.events, "network create "+name)
	info := copyNetwork(n.info)
	return &info, nil
}

func (r *Runtime) InspectNetwork(ctx context.Context, name string) (*runtime.NetworkInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.networks[name]
	if !ok {
		return nil, fmt.Errorf("%w: network %s", runtime.ErrNotFound, name)
	}
	info := copyNetwork(n.info)
	return &info, nil
}

func (r *Runtime) RemoveNetwork(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.networks[name]
	if !ok {
		return fmt.Errorf("%w: network %s", runtime.ErrNotFound, name)
	}
	if len(n.info.Containers) > 0 {
		return fmt.Errorf("%w: network %s has active endpoints", runtime.ErrConflict, name)
	}
	delete(r.networks, name)
	r.events = append(r.events, "network rm "+name)
	return nil
}

func (r *Runtime) ConnectNetwork(ctx context.Context, name, containerID string, aliases []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(containerID)
	if !ok {
		return fmt.Errorf("%w: container %s", runtime.ErrNotFound, containerID)
	}
	return r.connect(name, c, aliases)
}

func (r *Runtime) DisconnectNetwork(ctx context.Context, name, containerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.networks[name]
	if !ok {
		return fmt.Errorf("%w: network %s", runtime.ErrNotFound, name)
	}
	c, ok := r.lookup(containerID)
	if !ok {
		return fmt.Errorf("%w: container %s", runtime.ErrNotFound, containerID)
	}
	if _, attached := n.info.Containers[c.info.ID]; !attached {
		return fmt.Errorf("%w: container %s is not attached to %s", runtime.ErrNotFound, containerID, name)
	}
	delete(n.info.Containers, c.info.ID)
	delete(n.aliases, c.info.ID)
	delete(c.info.Networks, name)
	r.events = append(r.events, "disconnect "+c.spec.Labels[runtime.LabelService])
	return nil
}

func (r *Runtime) CreateContainer(ctx context.Context, spec runtime.ContainerSpec) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.images[spec.Image]; !ok {
		return "", fmt.Errorf("%w: image %s", runtime.ErrNotFound, spec.Image)
	}
	for _, c := range r.containers {
		if !c.removed && c.spec.Name == spec.Name {
			return "", fmt.Errorf("%w: container name %s in use", runtime.ErrConflict, spec.Name)
		}
	}

	id := r.nextID("c")
	c := &container{
		spec: spec,
		info: runtime.ContainerInfo{
			ID:       id,
			Name:     spec.Name,
			Image:    spec.Image,
			Labels:   lo.Assign(spec.Labels),
			Status:   "created",
			Networks: map[string]string{},
			Ports:    append([]runtime.PortBinding(nil), spec.Ports...),
		},
		changed: make(chan struct{}),
	}
	r.containers[id] = c
	r.events = append(r.events, "create "+spec.Labels[runtime.LabelService])

	if spec.Network != "" {
		if err := r.connect(spec.Network, c, spec.Aliases); err != nil {
			delete(r.containers, id)
			return "", err
		}
	}
	return id, nil
}

func (r *Runtime) StartContainer(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: container %s", runtime.ErrNotFound, id)
	}
	service := c.spec.Labels[runtime.LabelService]
	r.events = append(r.events, "start "+service)

	c.info.Running = true
	c.info.Status = "running"
	c.info.ExitCode = 0
	c.info.StartedAt = time.Now()
	c.info.FinishedAt = time.Time{}
	c.logs = append(c.logs, r.startupLines[service]...)

	if plan, ok := r.exitOnStart[service]; ok {
		c.logs = append(c.logs, plan.lines...)
		r.exit(c, plan.code)
		return nil
	}
	r.notify(c)
	return nil
}

func (r *Runtime) StopContainer(ctx context.Context, id string, timeout time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: container %s", runtime.ErrNotFound, id)
	}
	r.events = append(r.events, "stop "+c.spec.Labels[runtime.LabelService])
	if c.info.Running {
		r.exit(c, 0)
	}
	return nil
}

func (r *Runtime) RemoveContainer(ctx context.Context, id string, removeVolumes bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return fmt.Errorf("%w: container %s", runtime.ErrNotFound, id)
	}
	r.events = append(r.events, "rm "+c.spec.Labels[runtime.LabelService])
	if c.info.Running {
		r.exit(c, 137)
	}
	for name := range c.info.Networks {
		if n, ok := r.networks[name]; ok {
			delete(n.info.Containers, c.info.ID)
			delete(n.aliases, c.info.ID)
		}
	}
	c.removed = true
	delete(r.containers, c.info.ID)
	return nil
}

func (r *Runtime) InspectContainer(ctx context.Context, id string) (*runtime.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: container %s", runtime.ErrNotFound, id)
	}
	info := r.snapshot(c)
	return &info, nil
}

func (r *Runtime) ListContainers(ctx context.Context, labels map[string]string) ([]runtime.ContainerInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []runtime.ContainerInfo
	for _, c := range r.containers {
		match := true
		for k, v := range labels {
			if c.info.Labels[k] != v {
				match = false
				break
			}
		}
		if match {
			out = append(out, r.snapshot(c))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (r *Runtime) ContainerLogs(ctx context.Context, id string, opts runtime.LogOptions) (io.ReadCloser, error) {
	r.mu.Lock()
	c, ok := r.lookup(id)
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: container %s", runtime.ErrNotFound, id)
	}
	start := 0
	if opts.Tail >= 0 && opts.Tail < len(c.logs) {
		start = len(c.logs) - opts.Tail
	}
	r.mu.Unlock()

	pr, pw := io.Pipe()
	go func() {
		pos := start
		for {
			r.mu.Lock()
			pending := append([]string(nil), c.logs[pos:]...)
			pos = len(c.logs)
			running := c.info.Running && !c.removed
			changed := c.changed
			r.mu.Unlock()

			for _, line := range pending {
				if _, err := io.WriteString(pw, line+"\n"); err != nil {
					return
				}
			}
			if !opts.Follow || !running {
				pw.Close()
				return
			}
			select {
			case <-ctx.Done():
				pw.CloseWithError(ctx.Err())
				return
			case <-changed:
			}
		}
	}()
	return pr, nil
}

func (r *Runtime) connect(name string, c *container, aliases []string) error {
	n, ok := r.networks[name]
	if !ok {
		return fmt.Errorf("%w: network %s", runtime.ErrNotFound, name)
	}
	if _, attached := n.info.Containers[c.info.ID]; attached {
		return fmt.Errorf("%w: endpoint for %s already exists in %s", runtime.ErrConflict, c.info.Name, name)
	}
	n.nextIP++
	ip := fmt.Sprintf("172.30.%d.%d", n.index, n.nextIP+1)
	n.info.Containers[c.info.ID] = ip
	n.aliases[c.info.ID] = append([]string(nil), aliases...)
	c.info.Networks[name] = ip
	r.events = append(r.events, "connect "+c.spec.Labels[runtime.LabelService]+" "+strings.Join(aliases, ","))
	return nil
}

// snapshot copies a container's info, dropping addresses of stopped or
// hidden containers the way a real runtime does.
func (r *Runtime) snapshot(c *container) runtime.ContainerInfo {
	info := c.info
	info.Labels = lo.Assign(c.info.Labels)
	info.Networks = map[string]string{}
	hidden := r.hideAddress[c.spec.Labels[runtime.LabelService]]
	for k, v := range c.info.Networks {
		if c.info.Running && !hidden {
			info.Networks[k] = v
		} else {
			info.Networks[k] = ""
		}
	}
	return info
}

func (r *Runtime) exit(c *container, code int) {
	c.info.Running = false
	c.info.Status = "exited"
	c.info.ExitCode = code
	c.info.FinishedAt = time.Now()
	r.notify(c)
}

func (r *Runtime) notify(c *container) {
	close(c.changed)
	c.changed = make(chan struct{})
}

func (r *Runtime) lookup(idOrName string) (*container, bool) {
	if c, ok := r.containers[idOrName]; ok {
		return c, true
	}
	for _, c := range r.containers {
		if c.info.Name == idOrName {
			return c, true
		}
	}
	return nil, false
}

func (r *Runtime) nextID(prefix string) string {
	r.seq++
	return fmt.Sprintf("%s%012d", prefix, r.seq)
}

func copyNetwork(n runtime.NetworkInfo) runtime.NetworkInfo {
	n.Labels = lo.Assign(n.Labels)
	n.Containers = lo.Assign(n.Containers)
	return n
}
