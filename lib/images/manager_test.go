package images

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/onkernel/hypestack/lib/paths"
	"github.com/onkernel/hypestack/lib/project"
	"github.com/onkernel/hypestack/lib/runtime/runtimetest"
)

func setupTestManager(t *testing.T) (*manager, *runtimetest.Runtime) {
	t.Helper()
	rt := runtimetest.New()
	mgr, err := NewManager(paths.New(t.TempDir()), rt, Config{MaxConcurrentBuilds: 2}, nil, nil)
	require.NoError(t, err)
	return mgr.(*manager), rt
}

func tutorialProject(t *testing.T) *project.Project {
	t.Helper()
	ctxA := writeContext(t, map[string]string{"Dockerfile": "FROM scratch\nCOPY a /\n", "a": "svcA"})
	ctxB := writeContext(t, map[string]string{"Dockerfile": "FROM scratch\nCOPY b /\n", "b": "svcB"})
	return &project.Project{
		Name: "tutorial",
		Services: map[string]*project.ServiceDescriptor{
			"svcA": {Name: "svcA", Build: &project.BuildSpec{Context: ctxA, Dockerfile: "Dockerfile"}},
			"svcB": {Name: "svcB", Build: &project.BuildSpec{Context: ctxB, Dockerfile: "Dockerfile"}, DependsOn: []string{"svcA"}},
		},
	}
}

func TestResolve_BuildsThenCaches(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	p := tutorialProject(t)
	svc, _ := p.Service("svcA")

	first, err := mgr.Resolve(ctx, p.Name, svc, BuildOptions{})
	require.NoError(t, err)
	assert.False(t, first.Cached)
	assert.Regexp(t, `^tutorial-svca:fp-[0-9a-f]{12}$`, first.Ref)
	assert.NotEmpty(t, first.ImageID)
	assert.Equal(t, 1, rt.BuildCount("svcA"))

	second, err := mgr.Resolve(ctx, p.Name, svc, BuildOptions{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Ref, second.Ref)
	assert.Equal(t, first.ImageID, second.ImageID)
	assert.Equal(t, 1, rt.BuildCount("svcA"), "unchanged context must not rebuild")

	_, err = mgr.Resolve(ctx, p.Name, svc, BuildOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 2, rt.BuildCount("svcA"))
}

func TestResolve_ChangedContextRebuilds(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	p := tutorialProject(t)
	svc, _ := p.Service("svcA")

	first, err := mgr.Resolve(ctx, p.Name, svc, BuildOptions{})
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(svc.Build.Context, "a"), []byte("changed"), 0644))

	second, err := mgr.Resolve(ctx, p.Name, svc, BuildOptions{})
	require.NoError(t, err)
	assert.False(t, second.Cached)
	assert.NotEqual(t, first.Ref, second.Ref)
	assert.Equal(t, 2, rt.BuildCount("svcA"))
}

func TestResolve_ImageNameTagged(t *testing.T) {
	mgr, rt := setupTestManager(t)
	p := tutorialProject(t)
	svc, _ := p.Service("svcA")
	svc.Image = "example/svca:dev"

	img, err := mgr.Resolve(context.Background(), p.Name, svc, BuildOptions{})
	require.NoError(t, err)
	assert.Equal(t, []string{img.Ref, "docker.io/example/svca:dev"}, img.Tags)
	assert.Contains(t, rt.Images(), "docker.io/example/svca:dev")
}

func TestResolve_BuildFailure(t *testing.T) {
	mgr, rt := setupTestManager(t)
	p := tutorialProject(t)
	svc, _ := p.Service("svcA")
	rt.FailBuild("svcA", 2, "compilation failed")

	_, err := mgr.Resolve(context.Background(), p.Name, svc, BuildOptions{})
	require.Error(t, err)

	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "svcA", be.Service)
	assert.Equal(t, 2, be.ExitCode)
	assert.Contains(t, be.Tail(5), "compilation failed")
}

func TestResolve_PrebuildFailure(t *testing.T) {
	mgr, rt := setupTestManager(t)
	p := tutorialProject(t)
	svc, _ := p.Service("svcA")
	svc.Build.Command = []string{"sh", "-c", "echo compiling; exit 2"}

	_, err := mgr.Resolve(context.Background(), p.Name, svc, BuildOptions{})

	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 2, be.ExitCode)
	assert.ErrorIs(t, err, ErrPrebuildFailed)
	assert.Equal(t, []string{"compiling"}, be.Output)
	assert.Equal(t, 0, rt.BuildCount("svcA"), "image build must not run after a failed pre-build")
}

func TestResolve_PrebuildOutputInContext(t *testing.T) {
	mgr, _ := setupTestManager(t)
	p := tutorialProject(t)
	svc, _ := p.Service("svcA")
	svc.Build.Command = []string{"sh", "-c", "echo built > artifact.txt"}

	var lines []string
	img, err := mgr.Resolve(context.Background(), p.Name, svc, BuildOptions{
		OnOutput: func(service, line string) { lines = append(lines, service+": "+line) },
	})
	require.NoError(t, err)
	assert.FileExists(t, filepath.Join(svc.Build.Context, "artifact.txt"))
	assert.NotEmpty(t, img.Fingerprint)
	assert.NotEmpty(t, lines)
}

func TestResolve_PrebuildSkippedWhenUnchanged(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	p := tutorialProject(t)
	svc, _ := p.Service("svcA")
	// Appending makes every run produce a different context.
	svc.Build.Command = []string{"sh", "-c", "echo run >> stamp"}
	stamp := filepath.Join(svc.Build.Context, "stamp")

	first, err := mgr.Resolve(ctx, p.Name, svc, BuildOptions{})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := mgr.Resolve(ctx, p.Name, svc, BuildOptions{})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, first.Ref, second.Ref)
	assert.Equal(t, 1, rt.BuildCount("svcA"))
	data, err := os.ReadFile(stamp)
	require.NoError(t, err)
	assert.Equal(t, "run\n", string(data), "pre-build must not run for an unchanged tree")

	require.NoError(t, os.WriteFile(filepath.Join(svc.Build.Context, "a"), []byte("changed"), 0644))
	third, err := mgr.Resolve(ctx, p.Name, svc, BuildOptions{})
	require.NoError(t, err)
	assert.False(t, third.Cached)
	assert.Equal(t, 2, rt.BuildCount("svcA"))
	data, err = os.ReadFile(stamp)
	require.NoError(t, err)
	assert.Equal(t, "run\nrun\n", string(data))

	_, err = mgr.Resolve(ctx, p.Name, svc, BuildOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, 3, rt.BuildCount("svcA"))
}

func TestResolve_Pull(t *testing.T) {
	mgr, rt := setupTestManager(t)
	svc := &project.ServiceDescriptor{Name: "db", Image: "postgres:16"}

	img, err := mgr.Resolve(context.Background(), "tutorial", svc, BuildOptions{})
	require.NoError(t, err)
	assert.True(t, img.Pulled)
	assert.False(t, img.Cached)
	assert.Equal(t, "docker.io/library/postgres:16", img.Ref)

	img, err = mgr.Resolve(context.Background(), "tutorial", svc, BuildOptions{})
	require.NoError(t, err)
	assert.True(t, img.Cached)
	assert.Equal(t, []string{"pull docker.io/library/postgres:16"}, rt.Events())
}

func TestResolve_PullFailure(t *testing.T) {
	mgr, rt := setupTestManager(t)
	rt.FailPull("docker.io/library/missing:1", errors.New("manifest unknown"))
	svc := &project.ServiceDescriptor{Name: "db", Image: "missing:1"}

	_, err := mgr.Resolve(context.Background(), "tutorial", svc, BuildOptions{})

	var be *BuildError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, "db", be.Service)
	assert.ErrorIs(t, err, ErrPullFailed)
}

func TestBuild_PerServiceResults(t *testing.T) {
	mgr, rt := setupTestManager(t)
	p := tutorialProject(t)
	rt.FailBuild("svcA", 2, "boom")

	results := mgr.Build(context.Background(), p, nil, BuildOptions{})
	require.Len(t, results, 2)

	assert.Equal(t, "svcA", results[0].Service)
	require.Error(t, results[0].Err)
	assert.Equal(t, "svcB", results[1].Service)
	require.NoError(t, results[1].Err, "a failing build must not cancel independent builds")
	assert.NotNil(t, results[1].Image)

	results = mgr.Build(context.Background(), p, []string{"nope"}, BuildOptions{})
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrNotFound)
}

func TestListAndDeleteImages(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	p := tutorialProject(t)

	for _, r := range mgr.Build(ctx, p, nil, BuildOptions{}) {
		require.NoError(t, r.Err)
	}
	_, err := mgr.Resolve(ctx, p.Name, &project.ServiceDescriptor{Name: "db", Image: "postgres:16"}, BuildOptions{})
	require.NoError(t, err)

	imgs, err := mgr.ListImages(ctx, "tutorial")
	require.NoError(t, err)
	require.Len(t, imgs, 2, "pulled images have no build record")
	assert.Equal(t, "svcA", imgs[0].Service)
	assert.Equal(t, "svcB", imgs[1].Service)

	all, err := mgr.ListImages(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, mgr.DeleteImages(ctx, "tutorial"))

	assert.Contains(t, rt.Events(), "rmi "+imgs[0].Ref)
	assert.Contains(t, rt.Events(), "rmi "+imgs[1].Ref)
	assert.Equal(t, []string{"docker.io/library/postgres:16"}, rt.Images())

	remaining, err := mgr.ListImages(ctx, "tutorial")
	require.NoError(t, err)
	assert.Empty(t, remaining)
}

func TestCurrent(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	p := tutorialProject(t)
	svc, _ := p.Service("svcA")

	_, err := mgr.Current(ctx, p.Name, "svcA")
	require.ErrorIs(t, err, ErrNotFound)

	built, err := mgr.Resolve(ctx, p.Name, svc, BuildOptions{})
	require.NoError(t, err)

	cur, err := mgr.Current(ctx, p.Name, "svcA")
	require.NoError(t, err)
	assert.Equal(t, built.Ref, cur.Ref)
	assert.True(t, cur.Cached)

	require.NoError(t, rt.RemoveImage(ctx, built.Ref))
	_, err = mgr.Current(ctx, p.Name, "svcA")
	assert.ErrorIs(t, err, ErrNotFound, "a record whose image is gone is not current")
}

func TestMetrics_RecordsOutcomes(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	rt := runtimetest.New()
	mgr, err := NewManager(paths.New(t.TempDir()), rt, Config{MaxConcurrentBuilds: 1}, provider.Meter("test"), nil)
	require.NoError(t, err)

	p := tutorialProject(t)
	svc, _ := p.Service("svcA")
	_, err = mgr.Resolve(context.Background(), p.Name, svc, BuildOptions{})
	require.NoError(t, err)
	_, err = mgr.Resolve(context.Background(), p.Name, svc, BuildOptions{})
	require.NoError(t, err)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "hypestack_builds_total" {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok)
			for _, dp := range sum.DataPoints {
				status, _ := dp.Attributes.Value("status")
				counts[status.AsString()] += dp.Value
			}
		}
	}
	assert.Equal(t, map[string]int64{statusSuccess: 1, statusCached: 1}, counts)
}
