// Command hypestack brings a multi-service unit up on the local container
// runtime from a single descriptor file.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/juju/gnuflag"

	"github.com/onkernel/hypestack/cmd/api/config"
	"github.com/onkernel/hypestack/lib/logger"
	"github.com/onkernel/hypestack/lib/orchestrator"
	"github.com/onkernel/hypestack/lib/otel"
	"github.com/onkernel/hypestack/lib/providers"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr, newStack)
	stop()
	os.Exit(code)
}

// stackFunc builds the orchestrator and returns a cleanup.
type stackFunc func(ctx context.Context, cfg *config.Config, tel *otel.Providers) (orchestrator.Manager, func(), error)

// newStack connects to the container runtime and wires every manager.
func newStack(ctx context.Context, cfg *config.Config, tel *otel.Providers) (orchestrator.Manager, func(), error) {
	rt, closeRuntime, err := providers.ProvideRuntime(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	p := providers.ProvidePaths(cfg)
	imgs, err := providers.ProvideImageManager(p, rt, cfg, tel)
	if err != nil {
		closeRuntime()
		return nil, nil, err
	}
	fabric, err := providers.ProvideNetworkManager(rt, tel)
	if err != nil {
		closeRuntime()
		return nil, nil, err
	}
	supervisor, err := providers.ProvideInstanceManager(p, rt, fabric, cfg, tel)
	if err != nil {
		closeRuntime()
		return nil, nil, err
	}
	orch, err := providers.ProvideOrchestrator(imgs, fabric, supervisor, nil, tel)
	if err != nil {
		closeRuntime()
		return nil, nil, err
	}
	return orch, closeRuntime, nil
}

// globals are the flags accepted before the command name.
type globals struct {
	file        string
	projectName string
	verbose     bool
}

// cli carries what every command needs.
type cli struct {
	globals
	cfg    *config.Config
	stdout io.Writer
	stderr io.Writer

	tel      *otel.Providers
	newStack stackFunc
	orch     orchestrator.Manager
	cleanup  []func()
}

// stack returns the orchestrator, connecting on first use.
func (c *cli) stack(ctx context.Context) (orchestrator.Manager, error) {
	if c.orch != nil {
		return c.orch, nil
	}
	orch, cleanup, err := c.newStack(ctx, c.cfg, c.tel)
	if err != nil {
		return nil, err
	}
	c.orch = orch
	c.cleanup = append(c.cleanup, cleanup)
	return orch, nil
}

func (c *cli) close() {
	for i := len(c.cleanup) - 1; i >= 0; i-- {
		c.cleanup[i]()
	}
}

// run executes one command line and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer, stack stackFunc) int {
	var g globals
	f := gnuflag.NewFlagSet("hypestack", gnuflag.ContinueOnError)
	f.SetOutput(io.Discard)
	f.StringVar(&g.file, "f", "", "descriptor file")
	f.StringVar(&g.file, "file", "", "")
	f.StringVar(&g.projectName, "p", "", "project name (defaults to the descriptor's name)")
	f.StringVar(&g.projectName, "project-name", "", "")
	f.BoolVar(&g.verbose, "verbose", false, "debug logging")
	if err := f.Parse(false, args); err != nil {
		if errors.Is(err, gnuflag.ErrHelp) {
			printUsage(stdout)
			return orchestrator.ExitOK
		}
		fmt.Fprintf(stderr, "hypestack: %v\n", err)
		printUsage(stderr)
		return orchestrator.ExitUsage
	}
	if f.NArg() == 0 {
		printUsage(stderr)
		return orchestrator.ExitUsage
	}

	name, rest := f.Arg(0), f.Args()[1:]
	newCmd, ok := commands[name]
	if !ok {
		fmt.Fprintf(stderr, "hypestack: unknown command %q\n", name)
		printUsage(stderr)
		return orchestrator.ExitUsage
	}
	cmd := newCmd()

	cf := gnuflag.NewFlagSet(name, gnuflag.ContinueOnError)
	cf.SetOutput(io.Discard)
	cmd.SetFlags(cf)
	if err := cf.Parse(true, rest); err != nil {
		if errors.Is(err, gnuflag.ErrHelp) {
			printCommandUsage(stdout, name, cmd, cf)
			return orchestrator.ExitOK
		}
		fmt.Fprintf(stderr, "hypestack %s: %v\n", name, err)
		printCommandUsage(stderr, name, cmd, cf)
		return orchestrator.ExitUsage
	}
	if err := cmd.Init(cf.Args()); err != nil {
		fmt.Fprintf(stderr, "hypestack %s: %v\n", name, err)
		return orchestrator.ExitUsage
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "hypestack: configuration: %v\n", err)
		return orchestrator.ExitValidation
	}
	if g.file == "" {
		g.file = cfg.File
	}

	tel, err := otel.Setup(ctx, otel.Config{
		Endpoint:    cfg.OtelEndpoint,
		Insecure:    cfg.OtelInsecure,
		ServiceName: "hypestack-cli",
		Version:     providers.Version,
	})
	if err != nil {
		fmt.Fprintf(stderr, "hypestack: %v\n", err)
		return orchestrator.ExitFailure
	}
	defer tel.Shutdown(context.WithoutCancel(ctx))

	logCfg := logger.NewConfig()
	logCfg.Output = stderr
	if g.verbose {
		logCfg.Level = slog.LevelDebug
	} else if os.Getenv("LOG_LEVEL") == "" {
		logCfg.Level = slog.LevelWarn
	}
	if logCfg.Format == "" {
		logCfg.Format = "text"
	}
	log := logger.NewSubsystemLogger(logger.SubsystemCLI, logCfg, tel.LogHandler)
	ctx = logger.AddToContext(ctx, log)

	c := &cli{globals: g, cfg: cfg, stdout: stdout, stderr: stderr, tel: tel, newStack: stack}
	defer c.close()

	code, err := cmd.Run(ctx, c)
	if err != nil {
		log.DebugContext(ctx, "command failed", "command", name, "error", err)
		fmt.Fprintf(stderr, "hypestack %s: %v\n", name, err)
		return orchestrator.ExitCode(err)
	}
	return code
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: hypestack [-f FILE] [-p NAME] [--verbose] COMMAND [ARGS]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "commands:")
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "  %-8s %s\n", name, commands[name]().Info().Purpose)
	}
}

func printCommandUsage(w io.Writer, name string, cmd command, f *gnuflag.FlagSet) {
	info := cmd.Info()
	fmt.Fprintf(w, "usage: hypestack %s %s\n\n%s\n\n", name, info.Args, info.Purpose)
	f.SetOutput(w)
	f.PrintDefaults()
}
