package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/loom-iac/loom/internal/ir"
	"github.com/loom-iac/loom/internal/logging"
	"github.com/loom-iac/loom/internal/provider"
)

// Engine orchestrates the lifecycle of resources: flattening, graph
// building, planning, and applying.
type Engine struct {
	registry *provider.Registry
}

func NewEngine(registry *provider.Registry) *Engine {
	return &Engine{registry: registry}
}

// resourceDecision is the planner's verdict for one address before the
// ordered action list is emitted.
type resourceDecision struct {
	action  string // ActionCreate, ActionUpdate, ActionDelete, ActionNoOp
	replace bool
	reason  string
	diff    map[string]*ir.PropertyDiff
}

// CreatePlan diffs the desired configuration against the prior state and
// returns the ordered action list. Planning is pure with respect to the
// backend: no provider call other than Schema is made, so a failed plan has
// no side effects. Re-planning with identical inputs yields an identical
// plan.
func (e *Engine) CreatePlan(ctx context.Context, cfg *ir.Config, state *ir.State) (*ir.Plan, error) {
	flat, err := Flatten(cfg)
	if err != nil {
		return nil, err
	}
	if state.Lineage == "" {
		state.Lineage = uuid.NewString()
	}
	logging.Debug("creating plan", "resources", len(flat.Resources), "state_resources", len(state.Resources))

	if err := e.loadProviders(flat.Resources, state.Resources); err != nil {
		return nil, err
	}

	dag, err := BuildDAG(flat.Resources)
	if err != nil {
		return nil, err
	}

	configByAddr := make(map[string]*ir.Resource, len(flat.Resources))
	for _, res := range flat.Resources {
		configByAddr[res.Addr()] = res
	}
	stateByAddr := make(map[string]*ir.ResourceState, len(state.Resources))
	for _, rec := range state.Resources {
		stateByAddr[rec.Addr()] = rec
	}

	union, err := buildUnionDAG(dag, flat.Resources, state.Resources)
	if err != nil {
		return nil, err
	}

	decisions := make(map[string]*resourceDecision)
	for _, addr := range union.CreationOrder() {
		res, declared := configByAddr[addr]
		rec, known := stateByAddr[addr]

		switch {
		case declared && !known:
			decisions[addr] = &resourceDecision{
				action: ir.ActionCreate,
				reason: "not present in state",
				diff:   buildCreateDiff(normalizeProps(res.Properties)),
			}

		case declared && known:
			d, err := e.diffResource(addr, res, rec)
			if err != nil {
				return nil, err
			}
			decisions[addr] = d

		default:
			decisions[addr] = &resourceDecision{
				action: ir.ActionDelete,
				reason: "removed from configuration",
				diff:   buildDeleteDiff(rec.Inputs),
			}
		}
	}

	// Replacement cascades: a dependent of a replaced resource that already
	// exists must itself be torn down and recreated, or its references
	// would point at a destroyed object.
	for _, addr := range union.CreationOrder() {
		d := decisions[addr]
		if d == nil || !d.replace {
			continue
		}
		for _, dep := range dag.TransitiveDependents(addr) {
			dd := decisions[dep]
			if dd == nil || dd.replace {
				continue
			}
			if _, exists := stateByAddr[dep]; !exists {
				continue
			}
			if dd.action == ir.ActionNoOp || dd.action == ir.ActionUpdate {
				dd.action = ir.ActionUpdate
				dd.replace = true
				dd.reason = fmt.Sprintf("dependency %s is being replaced", addr)
			}
		}
	}

	for addr, d := range decisions {
		res := configByAddr[addr]
		if res == nil || res.Lifecycle == nil || !res.Lifecycle.PreventDestroy {
			continue
		}
		if d.action == ir.ActionDelete || d.replace {
			return nil, fmt.Errorf("resource %s has preventDestroy set but the plan requires destroying it", addr)
		}
	}

	plan := e.emitPlan(union, decisions, configByAddr, stateByAddr, state)
	plan.Outputs = flat.Outputs
	return plan, nil
}

// CreateDestroyPlan plans the deletion of everything in state, in reverse
// dependency order.
func (e *Engine) CreateDestroyPlan(ctx context.Context, state *ir.State) (*ir.Plan, error) {
	if err := e.loadProviders(nil, state.Resources); err != nil {
		return nil, err
	}

	dag, err := BuildDAGFromState(state.Resources)
	if err != nil {
		return nil, err
	}

	stateByAddr := make(map[string]*ir.ResourceState, len(state.Resources))
	decisions := make(map[string]*resourceDecision, len(state.Resources))
	for _, rec := range state.Resources {
		stateByAddr[rec.Addr()] = rec
		decisions[rec.Addr()] = &resourceDecision{
			action: ir.ActionDelete,
			reason: "destroy requested",
			diff:   buildDeleteDiff(rec.Inputs),
		}
	}

	plan := e.emitPlan(dag, decisions, map[string]*ir.Resource{}, stateByAddr, state)
	return plan, nil
}

// diffResource compares declared properties against the last-applied record
// and consults the provider schema for replacement policy.
func (e *Engine) diffResource(addr string, res *ir.Resource, rec *ir.ResourceState) (*resourceDecision, error) {
	desired := normalizeProps(res.Properties)
	diff := buildPropertyDiff(rec.Inputs, desired)

	if res.Lifecycle != nil {
		for _, ignored := range res.Lifecycle.IgnoreChanges {
			delete(diff, ignored)
		}
	}

	if len(diff) == 0 {
		return &resourceDecision{action: ir.ActionNoOp, reason: "up to date"}, nil
	}

	backend, err := e.registry.Get(res.Provider)
	if err != nil {
		return nil, err
	}
	schema, err := backend.Schema(res.Type)
	if err != nil {
		return nil, &DiffError{Address: addr, Reason: err.Error()}
	}

	replace := false
	for _, immutable := range schema.Immutable {
		if d, changed := diff[immutable]; changed {
			d.ForcesReplacement = true
			replace = true
		}
	}

	reason := fmt.Sprintf("%d propert(ies) changed", len(diff))
	if replace {
		reason = "immutable property changed"
	}

	return &resourceDecision{
		action:  ir.ActionUpdate,
		replace: replace,
		reason:  reason,
		diff:    diff,
	}, nil
}

// emitPlan turns per-address decisions into the flat ordered change list:
// all deletes in destruction order, then creates and updates in creation
// order. Replacement becomes an explicit delete-then-create pair, or
// create-then-deposed-delete when the schema allows create-before-delete.
func (e *Engine) emitPlan(union *DAG, decisions map[string]*resourceDecision, configByAddr map[string]*ir.Resource, stateByAddr map[string]*ir.ResourceState, state *ir.State) *ir.Plan {
	plan := &ir.Plan{
		Metadata: &ir.PlanMetadata{
			Timestamp: time.Now().UTC().Format(time.RFC3339),
			Lineage:   state.Lineage,
			Serial:    state.Serial,
		},
		Summary: &ir.PlanSummary{},
	}

	cbd := func(addr string) bool {
		res := configByAddr[addr]
		if res == nil {
			return false
		}
		if res.Lifecycle != nil && res.Lifecycle.CreateBeforeDestroy {
			return true
		}
		backend, err := e.registry.Get(res.Provider)
		if err != nil {
			return false
		}
		schema, err := backend.Schema(res.Type)
		return err == nil && schema.CreateBeforeDelete
	}

	for _, addr := range union.DestructionOrder() {
		d := decisions[addr]
		if d == nil {
			continue
		}

		if d.action == ir.ActionDelete {
			plan.Changes = append(plan.Changes, deleteChange(addr, d, stateByAddr[addr], union, false))
			plan.Summary.Delete++
			continue
		}
		if d.replace && !cbd(addr) {
			plan.Changes = append(plan.Changes, deleteChange(addr, d, stateByAddr[addr], union, false))
		}
	}

	for _, addr := range union.CreationOrder() {
		d := decisions[addr]
		if d == nil || d.action == ir.ActionDelete {
			continue
		}
		res := configByAddr[addr]
		rec := stateByAddr[addr]

		switch {
		case d.action == ir.ActionNoOp:
			plan.Changes = append(plan.Changes, &ir.ResourceChange{
				Address:      addr,
				Action:       ir.ActionNoOp,
				Reason:       d.reason,
				Desired:      res,
				Dependencies: union.Dependencies(addr),
			})
			plan.Summary.NoOp++

		case d.action == ir.ActionCreate:
			plan.Changes = append(plan.Changes, &ir.ResourceChange{
				Address:      addr,
				Action:       ir.ActionCreate,
				Reason:       d.reason,
				Desired:      res,
				Diff:         d.diff,
				Dependencies: union.Dependencies(addr),
			})
			plan.Summary.Create++

		case d.replace:
			plan.Changes = append(plan.Changes, &ir.ResourceChange{
				Address:      addr,
				Action:       ir.ActionCreate,
				Reason:       d.reason,
				Desired:      res,
				Prior:        priorResource(rec),
				Diff:         d.diff,
				Dependencies: union.Dependencies(addr),
			})
			if cbd(addr) {
				deposed := deleteChange(addr, d, rec, union, true)
				plan.Changes = append(plan.Changes, deposed)
			}
			plan.Summary.Replace++

		default:
			plan.Changes = append(plan.Changes, &ir.ResourceChange{
				Address:      addr,
				Action:       ir.ActionUpdate,
				Reason:       d.reason,
				Desired:      res,
				Prior:        priorResource(rec),
				Diff:         d.diff,
				Dependencies: union.Dependencies(addr),
			})
			plan.Summary.Update++
		}
	}

	return plan
}

func deleteChange(addr string, d *resourceDecision, rec *ir.ResourceState, union *DAG, deposed bool) *ir.ResourceChange {
	change := &ir.ResourceChange{
		Address:      addr,
		Action:       ir.ActionDelete,
		Reason:       d.reason,
		Deposed:      deposed,
		Prior:        priorResource(rec),
		Diff:         d.diff,
		Dependencies: union.Dependencies(addr),
	}
	if rec != nil {
		change.PriorID = rec.ID
	}
	if d.replace {
		if deposed {
			change.Reason = "deposed by create-before-destroy replacement"
		} else if change.Reason == "" || change.Reason == "immutable property changed" {
			change.Reason = "replacement requires delete before create"
		}
	}
	return change
}

func priorResource(rec *ir.ResourceState) *ir.Resource {
	if rec == nil {
		return nil
	}
	return &ir.Resource{
		Type:       rec.Type,
		Name:       rec.Name,
		Provider:   rec.Provider,
		Properties: rec.Inputs,
	}
}

// buildUnionDAG extends the configuration graph with state-only addresses
// so deletions of removed resources are ordered by the dependencies
// recorded when they were applied.
func buildUnionDAG(dag *DAG, resources []*ir.Resource, records []*ir.ResourceState) (*DAG, error) {
	union := &DAG{nodes: make(map[string]*dagNode)}

	for _, res := range resources {
		addr := res.Addr()
		union.nodes[addr] = &dagNode{
			addr:  addr,
			edges: append([]string{}, dag.Dependencies(addr)...),
		}
	}
	for _, rec := range records {
		addr := rec.Addr()
		if _, ok := union.nodes[addr]; ok {
			continue
		}
		union.nodes[addr] = &dagNode{addr: addr}
	}
	// Edges for state-only nodes come from the recorded dependencies,
	// limited to addresses still present in the union.
	for _, rec := range records {
		addr := rec.Addr()
		node := union.nodes[addr]
		if len(node.edges) > 0 {
			continue
		}
		if _, declared := addrInResources(addr, resources); declared {
			continue
		}
		for _, dep := range rec.Dependencies {
			if _, ok := union.nodes[dep]; ok {
				node.edges = append(node.edges, dep)
			}
		}
		node.edges = dedupe(node.edges)
	}

	union.buildReverseEdges()
	return union, union.sortTopologically()
}

func addrInResources(addr string, resources []*ir.Resource) (*ir.Resource, bool) {
	for _, res := range resources {
		if res.Addr() == addr {
			return res, true
		}
	}
	return nil, false
}

func (e *Engine) loadProviders(resources []*ir.Resource, records []*ir.ResourceState) error {
	seen := make(map[string]bool)
	load := func(name string) error {
		if name == "" || seen[name] {
			return nil
		}
		seen[name] = true
		if err := e.registry.Load(name); err != nil {
			return fmt.Errorf("failed to load provider %s: %w", name, err)
		}
		return nil
	}
	for _, res := range resources {
		if err := load(res.Provider); err != nil {
			return err
		}
	}
	for _, rec := range records {
		if err := load(rec.Provider); err != nil {
			return err
		}
	}
	return nil
}

func normalizeProps(props map[string]any) map[string]any {
	normalized, _ := normalizeValue(props).(map[string]any)
	return normalized
}

// buildPropertyDiff compares prior and desired properties key by key.
func buildPropertyDiff(prior, desired map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff)

	keys := make(map[string]bool)
	for k := range prior {
		keys[k] = true
	}
	for k := range desired {
		keys[k] = true
	}

	for k := range keys {
		priorVal, inPrior := prior[k]
		desiredVal, inDesired := desired[k]

		switch {
		case !inPrior:
			diff[k] = &ir.PropertyDiff{After: desiredVal, Action: "create"}
		case !inDesired:
			diff[k] = &ir.PropertyDiff{Before: priorVal, Action: "delete"}
		case fmt.Sprintf("%v", priorVal) != fmt.Sprintf("%v", desiredVal):
			diff[k] = &ir.PropertyDiff{Before: priorVal, After: desiredVal, Action: "update"}
		}
	}

	return diff
}

func buildCreateDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff, len(props))
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{After: v, Action: "create"}
	}
	return diff
}

func buildDeleteDiff(props map[string]any) map[string]*ir.PropertyDiff {
	diff := make(map[string]*ir.PropertyDiff, len(props))
	for k, v := range props {
		diff[k] = &ir.PropertyDiff{Before: v, Action: "delete"}
	}
	return diff
}
