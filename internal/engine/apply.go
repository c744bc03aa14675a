package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/loom-iac/loom/internal/ir"
	"github.com/loom-iac/loom/internal/logging"
	"github.com/loom-iac/loom/internal/provider"
)

const defaultParallelism = 10

// Action result statuses.
const (
	StatusApplied   = "applied"
	StatusFailed    = "failed"
	StatusBlocked   = "blocked"
	StatusCancelled = "cancelled"
	StatusPlanned   = "planned"
	StatusNoOp      = "no-op"
)

// StateStore is the slice of the state store the executor needs: durable
// per-action commits. Each call persists the full state and advances its
// generation.
type StateStore interface {
	Commit(ctx context.Context, state *ir.State, rec *ir.ResourceState) error
	Remove(ctx context.Context, state *ir.State, addr string) error
	WriteOutputs(ctx context.Context, state *ir.State, outputs map[string]any) error
}

// ApplyEvent represents a progress event during apply.
type ApplyEvent struct {
	Address  string
	Action   string
	Status   string // "started", "completed", "failed", "blocked"
	Duration time.Duration
	Error    error
}

// ApplyCallback is called for each apply event if set.
type ApplyCallback func(event ApplyEvent)

// ApplyOptions tunes plan execution.
type ApplyOptions struct {
	DryRun      bool
	Parallelism int
	Callback    ApplyCallback
	RetryPolicy *RetryPolicy
}

// ActionResult is the outcome of one planned action.
type ActionResult struct {
	Address   string
	Action    string
	Deposed   bool
	Status    string
	Err       error
	RootCause string // failed address that blocked this action
	Duration  time.Duration
}

// ApplyResult collects the outcome of every planned action, in plan order.
type ApplyResult struct {
	Results []*ActionResult
}

// Err aggregates failures, blocked actions, and cancellations into one
// error, or returns nil when everything applied.
func (r *ApplyResult) Err() error {
	var errs []error
	for _, res := range r.Results {
		action := strings.ToLower(res.Action)
		switch res.Status {
		case StatusFailed:
			errs = append(errs, fmt.Errorf("%s %s failed: %w", action, res.Address, res.Err))
		case StatusBlocked:
			errs = append(errs, fmt.Errorf("%s %s blocked: dependency %s failed", action, res.Address, res.RootCause))
		case StatusCancelled:
			errs = append(errs, fmt.Errorf("%s %s cancelled", action, res.Address))
		}
	}
	return errors.Join(errs...)
}

// task is one schedulable plan action. waits holds the keys of actions that
// must finish before this one may start.
type task struct {
	key    string
	change *ir.ResourceChange
	waits  []string
}

func taskKey(change *ir.ResourceChange) string {
	key := change.Action + ":" + change.Address
	if change.Deposed {
		key += ":deposed"
	}
	return key
}

// Apply executes the plan's actions concurrently within dependency
// constraints. State is committed after every successful action, so a
// partial apply leaves a consistent record of what exists. When an action
// fails its transitive dependents are blocked and reported with the root
// cause while independent actions continue.
func (e *Engine) Apply(ctx context.Context, plan *ir.Plan, state *ir.State, store StateStore, opts *ApplyOptions) (*ApplyResult, error) {
	if opts == nil {
		opts = &ApplyOptions{}
	}
	parallelism := opts.Parallelism
	if parallelism <= 0 {
		parallelism = defaultParallelism
	}

	emit := func(event ApplyEvent) {
		if opts.Callback != nil {
			opts.Callback(event)
		}
	}

	result := &ApplyResult{}
	tasks := buildTasks(plan.Changes)

	resultsByKey := make(map[string]*ActionResult, len(plan.Changes))
	record := func(change *ir.ResourceChange, res *ActionResult) {
		resultsByKey[taskKey(change)] = res
	}

	for _, change := range plan.Changes {
		if change.Action == ir.ActionNoOp {
			record(change, &ActionResult{Address: change.Address, Action: change.Action, Status: StatusNoOp})
		}
	}

	if opts.DryRun {
		for _, t := range tasks {
			record(t.change, &ActionResult{
				Address: t.change.Address,
				Action:  t.change.Action,
				Deposed: t.change.Deposed,
				Status:  StatusPlanned,
			})
		}
		orderResults(result, plan, resultsByKey)
		return result, nil
	}

	a := &applier{
		engine: e,
		state:  state,
		store:  store,
		policy: opts.RetryPolicy,
	}

	statuses := make(map[string]string, len(tasks))
	rootCause := make(map[string]string, len(tasks))
	var schedMu sync.Mutex
	cond := sync.NewCond(&schedMu)

	// Wake waiters when the context is cancelled so they can bail out.
	watchCtx, stopWatch := context.WithCancel(ctx)
	defer stopWatch()
	go func() {
		<-watchCtx.Done()
		schedMu.Lock()
		schedMu.Unlock()
		cond.Broadcast()
	}()

	sem := make(chan struct{}, parallelism)
	var wg sync.WaitGroup

	for _, t := range tasks {
		wg.Add(1)
		go func(t *task) {
			defer wg.Done()

			schedMu.Lock()
			for {
				if ctx.Err() != nil {
					resultsByKey[t.key] = &ActionResult{
						Address: t.change.Address, Action: t.change.Action, Deposed: t.change.Deposed,
						Status: StatusCancelled,
					}
					statuses[t.key] = StatusCancelled
					schedMu.Unlock()
					cond.Broadcast()
					return
				}

				ready := true
				for _, w := range t.waits {
					switch statuses[w] {
					case StatusApplied:
						// satisfied
					case StatusFailed, StatusBlocked, StatusCancelled:
						cause := rootCause[w]
						if cause == "" {
							cause = addrOfKey(w)
						}
						resultsByKey[t.key] = &ActionResult{
							Address: t.change.Address, Action: t.change.Action, Deposed: t.change.Deposed,
							Status: StatusBlocked, RootCause: cause,
						}
						statuses[t.key] = StatusBlocked
						rootCause[t.key] = cause
						schedMu.Unlock()
						emit(ApplyEvent{Address: t.change.Address, Action: t.change.Action, Status: "blocked"})
						cond.Broadcast()
						return
					default:
						ready = false
					}
				}
				if ready {
					break
				}
				cond.Wait()
			}
			schedMu.Unlock()

			sem <- struct{}{}
			defer func() { <-sem }()

			start := time.Now()
			emit(ApplyEvent{Address: t.change.Address, Action: t.change.Action, Status: "started"})

			err := a.perform(ctx, t.change)
			duration := time.Since(start)

			status := StatusApplied
			switch {
			case err == nil:
			case ctx.Err() != nil && errors.Is(err, context.Canceled):
				// Cancelled while waiting between retry attempts; the last
				// backend call itself ran to completion.
				status = StatusCancelled
			default:
				status = StatusFailed
			}

			res := &ActionResult{
				Address: t.change.Address, Action: t.change.Action, Deposed: t.change.Deposed,
				Status: status, Duration: duration,
			}
			schedMu.Lock()
			if status == StatusFailed {
				res.Err = err
				rootCause[t.key] = t.change.Address
			}
			resultsByKey[t.key] = res
			statuses[t.key] = status
			schedMu.Unlock()
			cond.Broadcast()

			switch status {
			case StatusFailed:
				emit(ApplyEvent{Address: t.change.Address, Action: t.change.Action, Status: "failed", Duration: duration, Error: err})
			case StatusApplied:
				emit(ApplyEvent{Address: t.change.Address, Action: t.change.Action, Status: "completed", Duration: duration})
			}
		}(t)
	}

	wg.Wait()

	orderResults(result, plan, resultsByKey)

	if result.Err() == nil && len(plan.Outputs) > 0 {
		a.mu.Lock()
		resolved, _ := resolveRefs(plan.Outputs, state).(map[string]any)
		err := store.WriteOutputs(ctx, state, resolved)
		a.mu.Unlock()
		if err != nil {
			return result, fmt.Errorf("failed to write outputs: %w", err)
		}
	}

	return result, nil
}

// buildTasks derives per-action prerequisites from the plan:
//   - a create or update waits on the create/update of each dependency, and
//     on its own replacement delete when deleting first;
//   - a delete waits on the deletes of everything depending on the address;
//   - a deposed delete additionally waits on its own replacement create.
func buildTasks(changes []*ir.ResourceChange) []*task {
	var tasks []*task
	upsertKey := make(map[string]string)
	deleteKey := make(map[string]string)

	for _, change := range changes {
		if change.Action == ir.ActionNoOp {
			continue
		}
		t := &task{key: taskKey(change), change: change}
		tasks = append(tasks, t)
		switch change.Action {
		case ir.ActionDelete:
			if !change.Deposed {
				deleteKey[change.Address] = t.key
			}
		default:
			upsertKey[change.Address] = t.key
		}
	}

	for _, t := range tasks {
		change := t.change
		switch change.Action {
		case ir.ActionCreate, ir.ActionUpdate:
			for _, dep := range change.Dependencies {
				if key, ok := upsertKey[dep]; ok {
					t.waits = append(t.waits, key)
				}
			}
			if key, ok := deleteKey[change.Address]; ok {
				t.waits = append(t.waits, key)
			}
		case ir.ActionDelete:
			for _, other := range tasks {
				if other == t || other.change.Action != ir.ActionDelete {
					continue
				}
				for _, dep := range other.change.Dependencies {
					if dep == change.Address {
						t.waits = append(t.waits, other.key)
						break
					}
				}
			}
			if change.Deposed {
				if key, ok := upsertKey[change.Address]; ok {
					t.waits = append(t.waits, key)
				}
			}
		}
		t.waits = dedupe(t.waits)
	}

	return tasks
}

func orderResults(result *ApplyResult, plan *ir.Plan, byKey map[string]*ActionResult) {
	for _, change := range plan.Changes {
		if res, ok := byKey[taskKey(change)]; ok {
			result.Results = append(result.Results, res)
		}
	}
}

func addrOfKey(key string) string {
	parts := strings.SplitN(key, ":", 3)
	if len(parts) >= 2 {
		return parts[1]
	}
	return key
}

// applier performs individual actions against provider backends. mu guards
// both the in-memory state and store commits.
type applier struct {
	engine *Engine
	state  *ir.State
	store  StateStore
	mu     sync.Mutex
	policy *RetryPolicy
}

func (a *applier) perform(ctx context.Context, change *ir.ResourceChange) error {
	logging.Debug("applying change", "address", change.Address, "action", change.Action, "deposed", change.Deposed)

	var timeout time.Duration
	if change.Desired != nil && change.Desired.Timeout != "" {
		if d, err := time.ParseDuration(change.Desired.Timeout); err == nil {
			timeout = d
		}
	}
	// Backend calls and their commits are shielded from run cancellation so
	// an action already in flight finishes and gets recorded; only the
	// per-resource timeout bounds them. Waits between retry attempts keep
	// watching the run context.
	callCtx, cancel := WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	switch change.Action {
	case ir.ActionCreate:
		return a.create(ctx, callCtx, change)
	case ir.ActionUpdate:
		return a.update(ctx, callCtx, change)
	case ir.ActionDelete:
		return a.delete(ctx, callCtx, change)
	default:
		return fmt.Errorf("unknown action %q for %s", change.Action, change.Address)
	}
}

func (a *applier) create(ctx, callCtx context.Context, change *ir.ResourceChange) error {
	res := change.Desired
	backend, err := a.engine.registry.Get(res.Provider)
	if err != nil {
		return err
	}

	a.mu.Lock()
	resolved, _ := resolveRefs(normalizeValue(res.Properties), a.state).(map[string]any)
	a.mu.Unlock()

	var id string
	var outputs map[string]any
	err = RetryWithBackoff(ctx, a.policy, func() error {
		var createErr error
		id, outputs, createErr = backend.Create(callCtx, res.Type, resolved)
		return createErr
	}, IsTransientError)
	if err != nil {
		return &BackendError{Address: change.Address, Op: "create", Transient: IsTransientError(err), Err: err}
	}

	rec := &ir.ResourceState{
		Type:         res.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		ID:           id,
		Inputs:       normalizeProps(res.Properties),
		Outputs:      outputs,
		Dependencies: change.Dependencies,
		AppliedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Commit(callCtx, a.state, rec)
}

func (a *applier) update(ctx, callCtx context.Context, change *ir.ResourceChange) error {
	res := change.Desired
	backend, err := a.engine.registry.Get(res.Provider)
	if err != nil {
		return err
	}

	a.mu.Lock()
	resolved, _ := resolveRefs(normalizeValue(res.Properties), a.state).(map[string]any)
	prior := a.state.Resource(change.Address)
	a.mu.Unlock()
	if prior == nil {
		return fmt.Errorf("cannot update %s: not found in state", change.Address)
	}

	var outputs map[string]any
	err = RetryWithBackoff(ctx, a.policy, func() error {
		var updateErr error
		outputs, updateErr = backend.Update(callCtx, res.Type, prior.ID, resolved)
		return updateErr
	}, IsTransientError)
	if err != nil {
		return &BackendError{Address: change.Address, Op: "update", Transient: IsTransientError(err), Err: err}
	}

	rec := &ir.ResourceState{
		Type:         res.Type,
		Name:         res.Name,
		Provider:     res.Provider,
		ID:           prior.ID,
		Inputs:       normalizeProps(res.Properties),
		Outputs:      outputs,
		Dependencies: change.Dependencies,
		AppliedAt:    time.Now().UTC().Format(time.RFC3339),
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Commit(callCtx, a.state, rec)
}

func (a *applier) delete(ctx, callCtx context.Context, change *ir.ResourceChange) error {
	prior := change.Prior
	if prior == nil {
		return fmt.Errorf("cannot delete %s: no prior record", change.Address)
	}
	backend, err := a.engine.registry.Get(prior.Provider)
	if err != nil {
		return err
	}

	id := change.PriorID
	if id == "" {
		a.mu.Lock()
		if rec := a.state.Resource(change.Address); rec != nil {
			id = rec.ID
		}
		a.mu.Unlock()
	}

	err = RetryWithBackoff(ctx, a.policy, func() error {
		deleteErr := backend.Delete(callCtx, prior.Type, id, prior.Properties)
		if errors.Is(deleteErr, provider.ErrNotFound) {
			// Already gone; treat as success.
			return nil
		}
		return deleteErr
	}, IsTransientError)
	if err != nil {
		return &BackendError{Address: change.Address, Op: "delete", Transient: IsTransientError(err), Err: err}
	}

	// A deposed delete destroys the pre-replacement object; the address is
	// already bound to the replacement record.
	if change.Deposed {
		return nil
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	return a.store.Remove(callCtx, a.state, change.Address)
}
