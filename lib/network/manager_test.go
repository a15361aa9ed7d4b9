package network

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onkernel/hypestack/lib/runtime"
	"github.com/onkernel/hypestack/lib/runtime/runtimetest"
)

func setupTestManager(t *testing.T) (Manager, *runtimetest.Runtime) {
	t.Helper()
	rt := runtimetest.New()
	rt.AddImage("img")
	mgr, err := NewManager(rt, Config{ResolveTimeout: 300 * time.Millisecond, ResolveInterval: 10 * time.Millisecond}, nil)
	require.NoError(t, err)
	return mgr, rt
}

// createContainer creates a container of service without attaching it.
func createContainer(t *testing.T, rt *runtimetest.Runtime, unit, service string) string {
	t.Helper()
	id, err := rt.CreateContainer(context.Background(), runtime.ContainerSpec{
		Name:  unit + "-" + service + "-1",
		Image: "img",
		Labels: map[string]string{
			runtime.LabelUnit:    unit,
			runtime.LabelService: service,
		},
	})
	require.NoError(t, err)
	return id
}

func TestEnsure(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()

	h, err := mgr.Ensure(ctx, "tutorial", "")
	require.NoError(t, err)
	assert.Equal(t, "tutorial_default", h.Name)
	assert.Equal(t, "tutorial", h.Unit)
	assert.NotEmpty(t, h.ID)

	again, err := mgr.Ensure(ctx, "tutorial", "")
	require.NoError(t, err)
	assert.Equal(t, h.ID, again.ID, "ensure must reuse the existing network")
	assert.Equal(t, []string{"tutorial_default"}, rt.Networks())

	_, err = mgr.Ensure(ctx, "other", "tutorial_default")
	assert.ErrorIs(t, err, ErrAlreadyExists)
}

func TestEnsure_InvalidName(t *testing.T) {
	mgr, _ := setupTestManager(t)

	for _, name := range []string{"Upper", "-dash", "dash-", "has space", string(make([]byte, 64))} {
		_, err := mgr.Ensure(context.Background(), "tutorial", name)
		assert.ErrorIs(t, err, ErrInvalidName, name)
	}
}

func TestAttachResolve(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	h, err := mgr.Ensure(ctx, "tutorial", "")
	require.NoError(t, err)

	id := createContainer(t, rt, "tutorial", "svcA")
	require.NoError(t, mgr.Attach(ctx, h, id, "svcA"))
	require.NoError(t, mgr.Attach(ctx, h, id, "svcA"), "attach must be idempotent")
	assert.Contains(t, rt.Events(), "connect svcA svca")

	// Attached but not running
	_, err = mgr.Resolve(ctx, h, "svcA")
	var ne *NetworkError
	require.True(t, errors.As(err, &ne))
	assert.Equal(t, "svcA", ne.Service)
	assert.ErrorIs(t, err, ErrNotResolvable)

	require.NoError(t, rt.StartContainer(ctx, id))
	addr, err := mgr.Resolve(ctx, h, "svcA")
	require.NoError(t, err)
	assert.NotEmpty(t, addr)

	_, err = mgr.Resolve(ctx, h, "unknown")
	assert.ErrorIs(t, err, ErrNotResolvable)
}

func TestResolve_FollowsRecreatedContainer(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	h, err := mgr.Ensure(ctx, "tutorial", "")
	require.NoError(t, err)

	first := createContainer(t, rt, "tutorial", "svcA")
	require.NoError(t, mgr.Attach(ctx, h, first, "svcA"))
	require.NoError(t, rt.StartContainer(ctx, first))
	before, err := mgr.Resolve(ctx, h, "svcA")
	require.NoError(t, err)

	require.NoError(t, rt.RemoveContainer(ctx, first, false))
	second := createContainer(t, rt, "tutorial", "svcA")
	require.NoError(t, mgr.Attach(ctx, h, second, "svcA"))
	require.NoError(t, rt.StartContainer(ctx, second))

	after, err := mgr.Resolve(ctx, h, "svcA")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)
}

func TestResolveWithRetry(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	h, err := mgr.Ensure(ctx, "tutorial", "")
	require.NoError(t, err)

	id := createContainer(t, rt, "tutorial", "svcA")
	require.NoError(t, mgr.Attach(ctx, h, id, "svcA"))

	go func() {
		time.Sleep(50 * time.Millisecond)
		rt.StartContainer(context.Background(), id)
	}()

	addr, err := mgr.ResolveWithRetry(ctx, h, "svcA")
	require.NoError(t, err)
	assert.NotEmpty(t, addr)

	rt.HideAddress("svcA", true)
	start := time.Now()
	_, err = mgr.ResolveWithRetry(ctx, h, "svcA")
	assert.ErrorIs(t, err, ErrNotResolvable)
	assert.Less(t, time.Since(start), 2*time.Second, "retries must stay bounded")
}

func TestMembersAndTeardown(t *testing.T) {
	mgr, rt := setupTestManager(t)
	ctx := context.Background()
	h, err := mgr.Ensure(ctx, "tutorial", "")
	require.NoError(t, err)

	a := createContainer(t, rt, "tutorial", "svcA")
	b := createContainer(t, rt, "tutorial", "svcB")
	require.NoError(t, mgr.Attach(ctx, h, b, "svcB"))
	require.NoError(t, mgr.Attach(ctx, h, a, "svcA"))
	require.NoError(t, rt.StartContainer(ctx, a))

	members, err := mgr.Members(ctx, h)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, "svcA", members[0].Service)
	assert.NotEmpty(t, members[0].Address)
	assert.Equal(t, "svcB", members[1].Service)
	assert.Empty(t, members[1].Address)

	assert.ErrorIs(t, mgr.Teardown(ctx, h), ErrNetworkInUse)

	require.NoError(t, mgr.Detach(ctx, h, a))
	require.NoError(t, mgr.Detach(ctx, h, a), "detach must be idempotent")
	require.NoError(t, mgr.Detach(ctx, h, b))

	require.NoError(t, mgr.Teardown(ctx, h))
	assert.Empty(t, rt.Networks())
	require.NoError(t, mgr.Teardown(ctx, h), "teardown of a removed network is a no-op")

	_, err = mgr.Get(ctx, "tutorial", "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestEndpoint(t *testing.T) {
	assert.Equal(t, "svcA:8080", Endpoint("svcA", 8080))
	assert.Equal(t, "http://svcA:8080", URL("svcA", 8080))
	assert.Equal(t, "svca", Alias("svcA"))
	assert.Equal(t, "tutorial_default", DefaultName("tutorial"))
}
