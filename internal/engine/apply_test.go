package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loom-iac/loom/internal/ir"
)

func TestApply_CommitsAfterEveryAction(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	cfg := &ir.Config{Resources: []*ir.Resource{
		thing("db", nil),
		thing("app", nil, "test:Thing.db"),
	}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	applyPlan(t, eng, plan, state, store)

	assert.Equal(t, []string{"test:Thing.db", "test:Thing.app"}, store.commits,
		"each create must be committed, dependency first")
	assert.Equal(t, 2, state.Serial)
	assert.Nil(t, state.Outputs, "no outputs declared, so none may be written")

	rec := state.Resource("test:Thing.app")
	require.NotNil(t, rec)
	assert.Equal(t, "id-app", rec.ID)
	assert.Equal(t, []string{"test:Thing.db"}, rec.Dependencies)
	assert.NotEmpty(t, rec.AppliedAt)
}

func TestApply_ResolvesReferencesBeforeBackendCall(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	cfg := &ir.Config{Resources: []*ir.Resource{
		thing("b", nil),
		thing("a", map[string]any{"b_id": "ref://test:Thing/b/id"}),
	}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	applyPlan(t, eng, plan, state, store)

	assert.Equal(t, "id-b", fb.calls["a"]["b_id"],
		"the reference must resolve to the dependency's backend id")

	// The recorded inputs keep the raw reference so re-plans stay no-op.
	rec := state.Resource("test:Thing.a")
	require.NotNil(t, rec)
	assert.Equal(t, "ref://test:Thing/b/id", rec.Inputs["b_id"])
}

func TestApply_FailureBlocksTransitiveDependents(t *testing.T) {
	fb := newFakeBackend()
	fb.failCreate["base"] = errors.New("quota exhausted")
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	cfg := &ir.Config{Resources: []*ir.Resource{
		thing("base", nil),
		thing("mid", nil, "test:Thing.base"),
		thing("top", nil, "test:Thing.mid"),
		thing("solo", nil),
	}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, plan, state, store, nil)
	require.NoError(t, err)
	require.Error(t, result.Err())

	statuses := make(map[string]string)
	causes := make(map[string]string)
	for _, res := range result.Results {
		statuses[res.Address] = res.Status
		causes[res.Address] = res.RootCause
	}

	assert.Equal(t, StatusFailed, statuses["test:Thing.base"])
	assert.Equal(t, StatusBlocked, statuses["test:Thing.mid"])
	assert.Equal(t, StatusBlocked, statuses["test:Thing.top"])
	assert.Equal(t, StatusApplied, statuses["test:Thing.solo"], "independent work continues")

	assert.Equal(t, "test:Thing.base", causes["test:Thing.mid"])
	assert.Equal(t, "test:Thing.base", causes["test:Thing.top"], "root cause propagates through chains")

	// Only the successful action reached the store.
	assert.Equal(t, []string{"test:Thing.solo"}, store.commits)
}

func TestApply_DryRunTouchesNothing(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	cfg := &ir.Config{Resources: []*ir.Resource{thing("a", nil)}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, plan, state, store, &ApplyOptions{DryRun: true})
	require.NoError(t, err)
	require.NoError(t, result.Err())

	require.Len(t, result.Results, 1)
	assert.Equal(t, StatusPlanned, result.Results[0].Status)
	assert.Empty(t, fb.opLog(), "dry run must not call the backend")
	assert.Empty(t, store.commits)
	assert.Empty(t, state.Resources)
}

func TestApply_CancelledContext(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{}

	cfg := &ir.Config{Resources: []*ir.Resource{thing("a", nil)}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result, err := eng.Apply(ctx, plan, state, store, nil)
	require.NoError(t, err)
	require.Error(t, result.Err())

	require.Len(t, result.Results, 1)
	assert.Equal(t, StatusCancelled, result.Results[0].Status)
	assert.Empty(t, fb.opLog())
}

func TestApply_CancellationLetsInFlightActionsFinish(t *testing.T) {
	fb := newFakeBackend()
	started := make(chan struct{})
	release := make(chan struct{})
	fb.createStarted["a"] = started
	fb.createRelease["a"] = release

	eng := newTestEngine(fb)
	store := &memStore{}

	cfg := &ir.Config{Resources: []*ir.Resource{
		thing("a", nil),
		thing("b", nil, "test:Thing.a"),
	}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(context.Background(), cfg, state)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var result *ApplyResult
	var applyErr error
	done := make(chan struct{})
	go func() {
		defer close(done)
		result, applyErr = eng.Apply(ctx, plan, state, store, nil)
	}()

	// Cancel while the first create is in flight, then let it finish.
	<-started
	cancel()
	close(release)

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("apply did not return")
	}
	require.NoError(t, applyErr)
	require.Error(t, result.Err())

	statuses := make(map[string]string)
	for _, res := range result.Results {
		statuses[res.Address] = res.Status
	}
	assert.Equal(t, StatusApplied, statuses["test:Thing.a"], "in-flight action runs to completion")
	assert.Equal(t, StatusCancelled, statuses["test:Thing.b"])
	assert.Equal(t, []string{"test:Thing.a"}, store.commits, "the finished create is still committed")
}

func TestApply_RetriesTransientErrors(t *testing.T) {
	fb := newFakeBackend()
	fb.flaky["a"] = 2
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	cfg := &ir.Config{Resources: []*ir.Resource{thing("a", nil)}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)

	opts := &ApplyOptions{
		RetryPolicy: &RetryPolicy{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
	}
	result, err := eng.Apply(ctx, plan, state, store, opts)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	rec := state.Resource("test:Thing.a")
	require.NotNil(t, rec)
	assert.Equal(t, "id-a", rec.ID)
}

func TestApply_PermanentErrorIsNotRetried(t *testing.T) {
	fb := newFakeBackend()
	fb.failCreate["a"] = errors.New("invalid argument")
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	cfg := &ir.Config{Resources: []*ir.Resource{thing("a", nil)}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, plan, state, store, nil)
	require.NoError(t, err)
	require.Error(t, result.Err())

	failures := 0
	for _, op := range fb.opLog() {
		if op == "create-failed a" {
			failures++
		}
	}
	assert.Equal(t, 1, failures, "permanent failures must not be retried")

	var backendErr *BackendError
	require.ErrorAs(t, result.Results[0].Err, &backendErr)
	assert.Equal(t, "create", backendErr.Op)
	assert.False(t, backendErr.Transient)
}

func TestApply_ReplacementDeletesBeforeCreating(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	state := &ir.State{Version: 1}
	plan, err := eng.CreatePlan(ctx, &ir.Config{Resources: []*ir.Resource{
		thing("a", map[string]any{"size": "small"}),
	}}, state)
	require.NoError(t, err)
	applyPlan(t, eng, plan, state, store)

	plan, err = eng.CreatePlan(ctx, &ir.Config{Resources: []*ir.Resource{
		thing("a", map[string]any{"size": "large"}),
	}}, state)
	require.NoError(t, err)
	applyPlan(t, eng, plan, state, store)

	assert.Equal(t, []string{"create a", "delete id-a", "create a"}, fb.opLog())
	rec := state.Resource("test:Thing.a")
	require.NotNil(t, rec)
	assert.Equal(t, "large", rec.Inputs["size"])
}

func TestApply_CreateBeforeDeleteOrdering(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	flip := func(size string) *ir.Resource {
		return &ir.Resource{
			Type:       "test:Flip",
			Name:       "f",
			Provider:   "test",
			Properties: map[string]any{"name": "f", "size": size},
		}
	}

	state := &ir.State{Version: 1}
	plan, err := eng.CreatePlan(ctx, &ir.Config{Resources: []*ir.Resource{flip("small")}}, state)
	require.NoError(t, err)
	applyPlan(t, eng, plan, state, store)

	plan, err = eng.CreatePlan(ctx, &ir.Config{Resources: []*ir.Resource{flip("large")}}, state)
	require.NoError(t, err)
	applyPlan(t, eng, plan, state, store)

	assert.Equal(t, []string{"create f", "create f", "delete id-f"}, fb.opLog(),
		"replacement create must precede the deposed delete")
}

func TestApply_DeleteWaitsForDependents(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	state := &ir.State{Version: 1}
	plan, err := eng.CreatePlan(ctx, &ir.Config{Resources: []*ir.Resource{
		thing("base", nil),
		thing("top", nil, "test:Thing.base"),
	}}, state)
	require.NoError(t, err)
	applyPlan(t, eng, plan, state, store)
	fb.ops = nil

	destroy, err := eng.CreateDestroyPlan(ctx, state)
	require.NoError(t, err)
	applyPlan(t, eng, destroy, state, store)

	assert.Equal(t, []string{"delete id-top", "delete id-base"}, fb.opLog())
	assert.Empty(t, state.Resources)
	assert.Equal(t, []string{"test:Thing.top", "test:Thing.base"}, store.removes)
}

func TestApply_StoreFailureFailsAction(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{fail: errors.New("state has been modified by another process")}
	ctx := context.Background()

	cfg := &ir.Config{Resources: []*ir.Resource{thing("a", nil)}}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)

	result, err := eng.Apply(ctx, plan, state, store, nil)
	require.NoError(t, err)
	require.Error(t, result.Err())
	assert.Equal(t, StatusFailed, result.Results[0].Status)
}

func TestApply_WritesOutputs(t *testing.T) {
	fb := newFakeBackend()
	eng := newTestEngine(fb)
	store := &memStore{}
	ctx := context.Background()

	cfg := &ir.Config{
		Resources: []*ir.Resource{thing("a", nil)},
		Outputs: map[string]any{
			"a_id": "ref://test:Thing/a/id",
		},
	}
	state := &ir.State{Version: 1}

	plan, err := eng.CreatePlan(ctx, cfg, state)
	require.NoError(t, err)
	applyPlan(t, eng, plan, state, store)

	assert.Equal(t, "id-a", state.Outputs["a_id"])
}
