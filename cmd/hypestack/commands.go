package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/juju/gnuflag"

	"github.com/onkernel/hypestack/lib/images"
	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/orchestrator"
	"github.com/onkernel/hypestack/lib/project"
)

type commandInfo struct {
	Args    string
	Purpose string
}

// command is one CLI verb. Run returns the exit code when it completes
// without an error.
type command interface {
	Info() commandInfo
	SetFlags(f *gnuflag.FlagSet)
	Init(args []string) error
	Run(ctx context.Context, c *cli) (int, error)
}

var commands = map[string]func() command{
	"up":     func() command { return &upCommand{} },
	"down":   func() command { return &downCommand{} },
	"ps":     func() command { return &psCommand{} },
	"logs":   func() command { return &logsCommand{} },
	"build":  func() command { return &buildCommand{} },
	"images": func() command { return &imagesCommand{} },
	"config": func() command { return &configCommand{} },
}

func (c *cli) loadProject(ctx context.Context) (*project.Project, error) {
	return project.Load(ctx, project.Options{File: c.file, ProjectName: c.projectName})
}

// unitName is the unit the command acts on: -p when given, otherwise the
// descriptor's name.
func (c *cli) unitName(ctx context.Context) (string, error) {
	if c.projectName != "" {
		return c.projectName, nil
	}
	p, err := c.loadProject(ctx)
	if err != nil {
		return "", err
	}
	return p.Name, nil
}

// noArgs rejects positional arguments.
type noArgs struct{}

func (noArgs) Init(args []string) error {
	if len(args) > 0 {
		return fmt.Errorf("unexpected arguments: %s", strings.Join(args, " "))
	}
	return nil
}

type upCommand struct {
	build      bool
	forceBuild bool
	noCache    bool
	detach     bool
	services   []string
}

func (*upCommand) Info() commandInfo {
	return commandInfo{Args: "[--build] [--force-build] [--no-cache] [-d] [SERVICE...]", Purpose: "Build, create and start services in dependency order."}
}

func (u *upCommand) SetFlags(f *gnuflag.FlagSet) {
	f.BoolVar(&u.build, "build", false, "rebuild images whose build context changed")
	f.BoolVar(&u.forceBuild, "force-build", false, "rebuild every image")
	f.BoolVar(&u.noCache, "no-cache", false, "do not use the runtime's build cache")
	f.BoolVar(&u.detach, "d", false, "return once services are running")
	f.BoolVar(&u.detach, "detach", false, "")
}

func (u *upCommand) Init(args []string) error {
	u.services = args
	return nil
}

func (u *upCommand) Run(ctx context.Context, c *cli) (int, error) {
	p, err := c.loadProject(ctx)
	if err != nil {
		return 0, err
	}
	orch, err := c.stack(ctx)
	if err != nil {
		return 0, err
	}

	report, err := orch.Up(ctx, p, orchestrator.UpOptions{
		Services:   u.services,
		Build:      u.build,
		ForceBuild: u.forceBuild,
		NoCache:    u.noCache,
		OnBuildOutput: func(service, line string) {
			logger.FromContext(ctx).DebugContext(ctx, line, "service", service, "phase", "build")
		},
	})
	if report == nil {
		return 0, err
	}
	printReport(c.stdout, report)
	for _, o := range report.Outcomes {
		if o.Err != nil {
			printFailure(c.stderr, o.Service, o.Err)
		}
	}
	if err != nil {
		// Interrupted: services that started are left as they are
		return orchestrator.ExitCode(err), nil
	}
	if u.detach || !anyRunning(report) {
		return report.ExitCode(), nil
	}

	// Attached: follow the output until interrupted, then stop the unit
	lines, err := orch.Logs(ctx, p.Name, runningServices(report), instances.LogOptions{Tail: -1, Follow: true})
	if err != nil {
		return 0, err
	}
	printLogs(c.stdout, lines, isTerminal(c.stdout))

	fmt.Fprintln(c.stderr, "stopping...")
	if err := orch.Stop(context.WithoutCancel(ctx), p.Name); err != nil {
		return 0, err
	}
	return report.ExitCode(), nil
}

func anyRunning(r *orchestrator.Report) bool {
	return len(runningServices(r)) > 0
}

func runningServices(r *orchestrator.Report) []string {
	var out []string
	for _, o := range r.Outcomes {
		if o.State == instances.StateRunning {
			out = append(out, o.Service)
		}
	}
	return out
}

type downCommand struct {
	noArgs
	volumes bool
	rmi     bool
}

func (*downCommand) Info() commandInfo {
	return commandInfo{Args: "[-v] [--rmi]", Purpose: "Stop and remove the unit's containers and network."}
}

func (d *downCommand) SetFlags(f *gnuflag.FlagSet) {
	f.BoolVar(&d.volumes, "v", false, "remove anonymous volumes")
	f.BoolVar(&d.volumes, "volumes", false, "")
	f.BoolVar(&d.rmi, "rmi", false, "remove images built for the unit")
}

func (d *downCommand) Run(ctx context.Context, c *cli) (int, error) {
	unit, err := c.unitName(ctx)
	if err != nil {
		return 0, err
	}
	orch, err := c.stack(ctx)
	if err != nil {
		return 0, err
	}
	if err := orch.Down(ctx, unit, orchestrator.DownOptions{Volumes: d.volumes, RemoveImages: d.rmi}); err != nil {
		return 0, err
	}
	return orchestrator.ExitOK, nil
}

type psCommand struct{ noArgs }

func (*psCommand) Info() commandInfo {
	return commandInfo{Purpose: "List the unit's services and their state."}
}

func (*psCommand) SetFlags(f *gnuflag.FlagSet) {}

func (*psCommand) Run(ctx context.Context, c *cli) (int, error) {
	unit, err := c.unitName(ctx)
	if err != nil {
		return 0, err
	}
	orch, err := c.stack(ctx)
	if err != nil {
		return 0, err
	}
	list, err := orch.Ps(ctx, unit)
	if err != nil {
		return 0, err
	}
	printInstances(c.stdout, list)
	return orchestrator.ExitOK, nil
}

type logsCommand struct {
	tail     int
	follow   bool
	services []string
}

func (*logsCommand) Info() commandInfo {
	return commandInfo{Args: "[--tail N] [-f] [SERVICE...]", Purpose: "Show service output."}
}

func (l *logsCommand) SetFlags(f *gnuflag.FlagSet) {
	f.IntVar(&l.tail, "tail", -1, "number of lines from the end (-1 for all)")
	f.BoolVar(&l.follow, "f", false, "follow output")
	f.BoolVar(&l.follow, "follow", false, "")
}

func (l *logsCommand) Init(args []string) error {
	l.services = args
	return nil
}

func (l *logsCommand) Run(ctx context.Context, c *cli) (int, error) {
	unit, err := c.unitName(ctx)
	if err != nil {
		return 0, err
	}
	orch, err := c.stack(ctx)
	if err != nil {
		return 0, err
	}
	lines, err := orch.Logs(ctx, unit, l.services, instances.LogOptions{Tail: l.tail, Follow: l.follow})
	if err != nil {
		return 0, err
	}
	printLogs(c.stdout, lines, isTerminal(c.stdout))
	return orchestrator.ExitOK, nil
}

type buildCommand struct {
	noCache  bool
	force    bool
	services []string
}

func (*buildCommand) Info() commandInfo {
	return commandInfo{Args: "[--no-cache] [--force] [SERVICE...]", Purpose: "Build images without starting anything."}
}

func (b *buildCommand) SetFlags(f *gnuflag.FlagSet) {
	f.BoolVar(&b.noCache, "no-cache", false, "do not use the runtime's build cache")
	f.BoolVar(&b.force, "force", false, "build even when the context is unchanged")
}

func (b *buildCommand) Init(args []string) error {
	b.services = args
	return nil
}

func (b *buildCommand) Run(ctx context.Context, c *cli) (int, error) {
	p, err := c.loadProject(ctx)
	if err != nil {
		return 0, err
	}
	orch, err := c.stack(ctx)
	if err != nil {
		return 0, err
	}
	results, err := orch.Build(ctx, p, b.services, orchestrator.BuildOptions{
		Force:   b.force,
		NoCache: b.noCache,
		OnOutput: func(service, line string) {
			fmt.Fprintf(c.stderr, "%s | %s\n", service, line)
		},
	})
	if err != nil {
		return 0, err
	}
	printBuildResults(c.stdout, results)

	var errs []error
	for _, r := range results {
		if r.Err != nil {
			printFailure(c.stderr, r.Service, r.Err)
			errs = append(errs, r.Err)
		}
	}
	return orchestrator.ExitCode(errors.Join(errs...)), nil
}

type imagesCommand struct{ noArgs }

func (*imagesCommand) Info() commandInfo {
	return commandInfo{Purpose: "List images built or pulled for the unit."}
}

func (*imagesCommand) SetFlags(f *gnuflag.FlagSet) {}

func (*imagesCommand) Run(ctx context.Context, c *cli) (int, error) {
	unit, err := c.unitName(ctx)
	if err != nil {
		return 0, err
	}
	orch, err := c.stack(ctx)
	if err != nil {
		return 0, err
	}
	list, err := orch.Images(ctx, unit)
	if err != nil && !errors.Is(err, images.ErrNotFound) {
		return 0, err
	}
	printImages(c.stdout, list)
	return orchestrator.ExitOK, nil
}

type configCommand struct{ noArgs }

func (*configCommand) Info() commandInfo {
	return commandInfo{Purpose: "Validate the descriptor and print it resolved."}
}

func (*configCommand) SetFlags(f *gnuflag.FlagSet) {}

func (*configCommand) Run(ctx context.Context, c *cli) (int, error) {
	p, err := c.loadProject(ctx)
	if err != nil {
		return 0, err
	}
	data, err := orchestrator.Render(p)
	if err != nil {
		return 0, err
	}
	c.stdout.Write(data)
	return orchestrator.ExitOK, nil
}
