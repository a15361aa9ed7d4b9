package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/hypestack/cmd/api/config"
	"github.com/onkernel/hypestack/lib/images"
	"github.com/onkernel/hypestack/lib/instances"
	"github.com/onkernel/hypestack/lib/network"
	"github.com/onkernel/hypestack/lib/orchestrator"
	"github.com/onkernel/hypestack/lib/otel"
	"github.com/onkernel/hypestack/lib/paths"
	"github.com/onkernel/hypestack/lib/runtime/runtimetest"
)

const tutorialDescriptor = `
name: tutorial
services:
  svcA:
    build: ./a
    ports: ["8080:8080"]
  svcB:
    build: ./b
    ports: ["3000:3000"]
    depends_on: [svcA]
    environment:
      TARGET: http://svcA:8080/x
`

type testEnv struct {
	rt    *runtimetest.Runtime
	paths *paths.Paths
}

// setupProject writes descriptor with build contexts a and b into a fresh
// directory and makes it the working directory.
func setupProject(t *testing.T, descriptor string) *testEnv {
	t.Helper()
	dir := t.TempDir()
	for _, c := range []string{"a", "b"} {
		require.NoError(t, os.MkdirAll(filepath.Join(dir, c), 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, c, "Dockerfile"), []byte("FROM scratch\n"), 0644))
	}
	require.NoError(t, os.WriteFile(filepath.Join(dir, "hypestack.yaml"), []byte(descriptor), 0644))
	t.Chdir(dir)
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("HYPESTACK_FILE", "")
	return &testEnv{rt: runtimetest.New(), paths: paths.New(t.TempDir())}
}

// stack builds fresh managers on every invocation, like separate processes
// sharing one runtime and data directory.
func (e *testEnv) stack(ctx context.Context, cfg *config.Config, tel *otel.Providers) (orchestrator.Manager, func(), error) {
	imgs, err := images.NewManager(e.paths, e.rt, images.Config{MaxConcurrentBuilds: 2}, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	fabric, err := network.NewManager(e.rt, network.Config{}, nil)
	if err != nil {
		return nil, nil, err
	}
	supervisor, err := instances.NewManager(e.paths, e.rt, fabric, instances.Config{
		StartTimeout: 500 * time.Millisecond,
		GracePeriod:  20 * time.Millisecond,
		PollInterval: 5 * time.Millisecond,
	}, nil, nil)
	if err != nil {
		return nil, nil, err
	}
	orch, err := orchestrator.NewManager(imgs, fabric, supervisor, nil, nil, nil)
	return orch, func() {}, err
}

func (e *testEnv) run(ctx context.Context, args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(ctx, args, &stdout, &stderr, e.stack)
	return code, stdout.String(), stderr.String()
}

func noStack(context.Context, *config.Config, *otel.Providers) (orchestrator.Manager, func(), error) {
	return nil, nil, errors.New("runtime must not be needed")
}

func TestUsage(t *testing.T) {
	env := setupProject(t, tutorialDescriptor)
	ctx := context.Background()

	tests := []struct {
		name string
		args []string
	}{
		{"no command", nil},
		{"unknown command", []string{"frobnicate"}},
		{"unknown flag", []string{"up", "--bogus"}},
		{"unknown global flag", []string{"--bogus", "ps"}},
		{"unexpected argument", []string{"ps", "extra"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, stderr := env.run(ctx, tt.args...)
			assert.Equal(t, orchestrator.ExitUsage, code)
			assert.NotEmpty(t, stderr)
		})
	}
}

func TestConfigCommand(t *testing.T) {
	setupProject(t, tutorialDescriptor)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"config"}, &stdout, &stderr, noStack)
	require.Equal(t, orchestrator.ExitOK, code, stderr.String())
	assert.Contains(t, stdout.String(), "svcB")
	assert.Contains(t, stdout.String(), "TARGET: http://svcA:8080/x")
}

func TestConfigCommand_Invalid(t *testing.T) {
	setupProject(t, `
name: loop
services:
  a:
    image: alpine
    depends_on: [b]
  b:
    image: alpine
    depends_on: [a]
`)
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"config"}, &stdout, &stderr, noStack)
	assert.Equal(t, orchestrator.ExitValidation, code)
	assert.NotEmpty(t, stderr.String())
}

func TestNoDescriptor(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HYPESTACK_FILE", "")
	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"ps"}, &stdout, &stderr, noStack)
	assert.Equal(t, orchestrator.ExitValidation, code)
}

func TestUpPsDown(t *testing.T) {
	env := setupProject(t, tutorialDescriptor)
	ctx := context.Background()

	code, stdout, stderr := env.run(ctx, "up", "-d")
	require.Equal(t, orchestrator.ExitOK, code, stderr)
	assert.Contains(t, stdout, "svcA")
	assert.Contains(t, stdout, "Running")

	code, stdout, _ = env.run(ctx, "ps")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Contains(t, stdout, "tutorial-svca-1")
	assert.Contains(t, stdout, "tutorial-svcb-1")
	assert.Contains(t, stdout, "3000:3000")

	code, _, stderr = env.run(ctx, "down")
	require.Equal(t, orchestrator.ExitOK, code, stderr)
	assert.Empty(t, env.rt.Networks())

	code, stdout, _ = env.run(ctx, "ps")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.NotContains(t, stdout, "tutorial-svca-1")
}

func TestUp_BuildFailure(t *testing.T) {
	env := setupProject(t, tutorialDescriptor)
	env.rt.FailBuild("svcA", 2, "compile error")

	code, _, stderr := env.run(context.Background(), "up", "-d")
	assert.Equal(t, orchestrator.ExitBuild, code)
	assert.Contains(t, stderr, "svcA")
	assert.NotContains(t, env.rt.Events(), "create svcB")
}

func TestUp_UnknownService(t *testing.T) {
	env := setupProject(t, tutorialDescriptor)
	code, _, _ := env.run(context.Background(), "up", "-d", "nope")
	assert.Equal(t, orchestrator.ExitValidation, code)
}

func TestUp_Attached(t *testing.T) {
	env := setupProject(t, tutorialDescriptor)
	env.rt.StartupLogs("svcA", "a ready")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	code, stdout, stderr := env.run(ctx, "up")
	require.Equal(t, orchestrator.ExitOK, code, stderr)
	assert.Contains(t, stdout, "svcA | a ready")

	code, stdout, _ = env.run(context.Background(), "ps")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Contains(t, stdout, "Stopped")
	assert.NotContains(t, stdout, "Running")
}

func TestLogsCommand(t *testing.T) {
	env := setupProject(t, tutorialDescriptor)
	env.rt.StartupLogs("svcB", "b ready")
	ctx := context.Background()

	code, _, stderr := env.run(ctx, "up", "-d")
	require.Equal(t, orchestrator.ExitOK, code, stderr)

	code, stdout, _ := env.run(ctx, "logs", "svcB")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Equal(t, "svcB | b ready\n", stdout)

	code, _, _ = env.run(ctx, "logs", "nope")
	assert.Equal(t, orchestrator.ExitFailure, code)
}

func TestBuildAndImages(t *testing.T) {
	env := setupProject(t, tutorialDescriptor)
	ctx := context.Background()

	code, stdout, stderr := env.run(ctx, "build", "svcA")
	require.Equal(t, orchestrator.ExitOK, code, stderr)
	assert.Contains(t, stdout, "built")

	code, stdout, _ = env.run(ctx, "build", "svcA")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Contains(t, stdout, "up to date")
	assert.Equal(t, 1, env.rt.BuildCount("svcA"))

	code, stdout, _ = env.run(ctx, "images")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Contains(t, stdout, "tutorial-svca:fp-")

	env.rt.FailBuild("svcB", 1, "boom")
	code, _, _ = env.run(ctx, "build")
	assert.Equal(t, orchestrator.ExitBuild, code)
}

func TestProjectNameOverride(t *testing.T) {
	env := setupProject(t, tutorialDescriptor)
	ctx := context.Background()

	code, _, stderr := env.run(ctx, "-p", "other", "up", "-d")
	require.Equal(t, orchestrator.ExitOK, code, stderr)
	assert.Contains(t, env.rt.Networks(), "other_default")

	code, _, _ = env.run(ctx, "--project-name", "other", "down")
	require.Equal(t, orchestrator.ExitOK, code)
	assert.Empty(t, env.rt.Networks())
}
