package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/loom-iac/loom/internal/ir"
	"github.com/loom-iac/loom/internal/provider"
)

// fakeBackend is an in-memory provider backend for engine tests. Operations
// are keyed by the "name" property so tests can inject failures and inspect
// call order.
type fakeBackend struct {
	mu         sync.Mutex
	schemas    map[string]*provider.Schema
	objects    map[string]map[string]any
	ops        []string
	calls      map[string]map[string]any // props seen by the last create/update per name
	failCreate map[string]error
	failDelete map[string]error
	flaky      map[string]int // remaining transient failures per name

	createStarted map[string]chan struct{} // closed when the create begins
	createRelease map[string]chan struct{} // create blocks until closed
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		schemas: map[string]*provider.Schema{
			"test:Thing": {Immutable: []string{"size"}},
			"test:Flip":  {Immutable: []string{"size"}, CreateBeforeDelete: true},
		},
		objects:    make(map[string]map[string]any),
		calls:      make(map[string]map[string]any),
		failCreate: make(map[string]error),
		failDelete: make(map[string]error),
		flaky:      make(map[string]int),

		createStarted: make(map[string]chan struct{}),
		createRelease: make(map[string]chan struct{}),
	}
}

func (f *fakeBackend) Schema(resourceType string) (*provider.Schema, error) {
	schema, ok := f.schemas[resourceType]
	if !ok {
		return nil, &provider.UnknownTypeError{Type: resourceType}
	}
	return schema, nil
}

func (f *fakeBackend) Create(ctx context.Context, resourceType string, props map[string]any) (string, map[string]any, error) {
	name, _ := props["name"].(string)

	f.mu.Lock()
	started := f.createStarted[name]
	release := f.createRelease[name]
	f.mu.Unlock()
	if started != nil {
		close(started)
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return "", nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failCreate[name]; err != nil {
		f.ops = append(f.ops, "create-failed "+name)
		return "", nil, err
	}
	if n := f.flaky[name]; n > 0 {
		f.flaky[name] = n - 1
		return "", nil, errors.New("too many requests")
	}

	id := "id-" + name
	f.objects[id] = props
	f.calls[name] = props
	f.ops = append(f.ops, "create "+name)
	return id, map[string]any{"id": id, "name": name}, nil
}

func (f *fakeBackend) Read(ctx context.Context, resourceType, id string, current map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.objects[id]; !ok {
		return nil, provider.ErrNotFound
	}
	return map[string]any{"id": id}, nil
}

func (f *fakeBackend) Update(ctx context.Context, resourceType, id string, props map[string]any) (map[string]any, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	name, _ := props["name"].(string)
	f.objects[id] = props
	f.calls[name] = props
	f.ops = append(f.ops, "update "+name)
	return map[string]any{"id": id, "name": name}, nil
}

func (f *fakeBackend) Delete(ctx context.Context, resourceType, id string, inputs map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if err := f.failDelete[id]; err != nil {
		return err
	}
	delete(f.objects, id)
	f.ops = append(f.ops, "delete "+id)
	return nil
}

func (f *fakeBackend) opLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.ops...)
}

// memStore is a StateStore that mutates the in-memory state and tracks
// commit order.
type memStore struct {
	mu      sync.Mutex
	commits []string
	removes []string
	fail    error
}

func (s *memStore) Commit(ctx context.Context, state *ir.State, rec *ir.ResourceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for i, existing := range state.Resources {
		if existing.Addr() == rec.Addr() {
			state.Resources[i] = rec
			state.Serial++
			s.commits = append(s.commits, rec.Addr())
			return nil
		}
	}
	state.Resources = append(state.Resources, rec)
	state.Serial++
	s.commits = append(s.commits, rec.Addr())
	return nil
}

func (s *memStore) Remove(ctx context.Context, state *ir.State, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	for i, existing := range state.Resources {
		if existing.Addr() == addr {
			state.Resources = append(state.Resources[:i], state.Resources[i+1:]...)
			break
		}
	}
	state.Serial++
	s.removes = append(s.removes, addr)
	return nil
}

func (s *memStore) WriteOutputs(ctx context.Context, state *ir.State, outputs map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	state.Outputs = outputs
	state.Serial++
	return nil
}

func newTestEngine(fb *fakeBackend) *Engine {
	registry := provider.NewRegistry()
	registry.Register("test", func() (provider.Backend, error) { return fb, nil })
	return NewEngine(registry)
}

// thing builds a test:Thing resource whose "name" property mirrors the
// resource name so the fake backend can identify it.
func thing(name string, props map[string]any, deps ...string) *ir.Resource {
	if props == nil {
		props = map[string]any{}
	}
	props["name"] = name
	return &ir.Resource{
		Type:       "test:Thing",
		Name:       name,
		Provider:   "test",
		Properties: props,
		DependsOn:  deps,
	}
}

// actions lists the non-noop plan actions in order, as "ACTION address".
func actions(plan *ir.Plan) []string {
	var out []string
	for _, change := range plan.Changes {
		if change.Action == ir.ActionNoOp {
			continue
		}
		entry := change.Action + " " + change.Address
		if change.Deposed {
			entry += " (deposed)"
		}
		out = append(out, entry)
	}
	return out
}

// applyPlan runs a plan to completion and fails the test on any error.
func applyPlan(t *testing.T, eng *Engine, plan *ir.Plan, state *ir.State, store *memStore) *ApplyResult {
	t.Helper()
	result, err := eng.Apply(context.Background(), plan, state, store, nil)
	require.NoError(t, err)
	require.NoError(t, result.Err())
	return result
}
