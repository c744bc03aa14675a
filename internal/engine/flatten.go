package engine

import (
	"fmt"
	"sort"
	"strings"

	"github.com/loom-iac/loom/internal/ir"
)

// FlatConfig is a fully resolved configuration: every module instance
// expanded into namespaced resources, variables substituted, and module
// outputs bound. This is the planner's input.
type FlatConfig struct {
	Resources []*ir.Resource
	Outputs   map[string]any
}

// Flatten expands the configuration's module instantiations. Instances are
// processed in dependency order of their out:// input bindings; composition
// cycles and missing references fail before any graph or provider work.
func Flatten(cfg *ir.Config) (*FlatConfig, error) {
	ordered, err := orderCalls(cfg.Modules)
	if err != nil {
		return nil, err
	}

	flat := &FlatConfig{}
	instOutputs := make(map[string]map[string]any)

	for _, call := range ordered {
		resources, outputs, err := expandCall(call, instOutputs)
		if err != nil {
			return nil, err
		}
		flat.Resources = append(flat.Resources, resources...)
		instOutputs[call.Name] = outputs
	}

	// Root resources may not use module-scoped references.
	for _, res := range cfg.Resources {
		if _, err := substituteVars(res.Properties, nil, res.Addr()); err != nil {
			return nil, err
		}
		flat.Resources = append(flat.Resources, res)
	}

	seen := make(map[string]bool)
	for _, res := range flat.Resources {
		addr := res.Addr()
		if seen[addr] {
			return nil, fmt.Errorf("duplicate resource address: %s", addr)
		}
		seen[addr] = true
	}

	// Outputs stay nil when none are declared so apply can tell "no
	// outputs" apart from "outputs resolved to an empty set".
	if len(cfg.Outputs) > 0 {
		outputs, err := resolveOuts(cfg.Outputs, instOutputs, "outputs")
		if err != nil {
			return nil, err
		}
		flat.Outputs = outputs.(map[string]any)
	}

	return flat, nil
}

// orderCalls sorts module instantiations so that producers of out://
// references come before their consumers.
func orderCalls(calls []*ir.ModuleCall) ([]*ir.ModuleCall, error) {
	byName := make(map[string]*ir.ModuleCall, len(calls))
	for _, call := range calls {
		if call.Module == nil {
			return nil, fmt.Errorf("module instance %q has no module definition", call.Name)
		}
		if _, dup := byName[call.Name]; dup {
			return nil, fmt.Errorf("duplicate module instance name: %s", call.Name)
		}
		byName[call.Name] = call
	}

	deps := make(map[string][]string, len(calls))
	for _, call := range calls {
		for _, ref := range extractOutRefs(call.Inputs) {
			inst, _, ok := splitOutRef(ref)
			if !ok {
				return nil, &UnresolvedReferenceError{Path: ref, ReferencedBy: "module." + call.Name}
			}
			if _, known := byName[inst]; !known {
				return nil, &UnresolvedReferenceError{Path: ref, ReferencedBy: "module." + call.Name}
			}
			deps[call.Name] = append(deps[call.Name], inst)
		}
	}

	inDegree := make(map[string]int, len(calls))
	dependents := make(map[string][]string)
	for _, call := range calls {
		inDegree[call.Name] = len(deps[call.Name])
		for _, d := range deps[call.Name] {
			dependents[d] = append(dependents[d], call.Name)
		}
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}
	sort.Strings(queue)

	var ordered []*ir.ModuleCall
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		ordered = append(ordered, byName[name])

		var freed []string
		for _, dep := range dependents[name] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				freed = append(freed, dep)
			}
		}
		sort.Strings(freed)
		queue = append(queue, freed...)
	}

	if len(ordered) != len(calls) {
		var members []string
		for name, deg := range inDegree {
			if deg > 0 {
				members = append(members, "module."+name)
			}
		}
		sort.Strings(members)
		return nil, &CycleError{Members: members}
	}

	return ordered, nil
}

// expandCall binds one instance's inputs, substitutes variables through the
// module body, and namespaces its resources as "<instance>.<name>".
func expandCall(call *ir.ModuleCall, instOutputs map[string]map[string]any) ([]*ir.Resource, map[string]any, error) {
	owner := "module." + call.Name

	binds := make(map[string]any, len(call.Module.Variables))
	for name, v := range call.Module.Variables {
		if bound, ok := call.Inputs[name]; ok {
			resolved, err := resolveOuts(bound, instOutputs, owner+".inputs."+name)
			if err != nil {
				return nil, nil, err
			}
			binds[name] = resolved
			continue
		}
		if v != nil && v.Default != nil {
			binds[name] = v.Default
			continue
		}
		if v == nil || v.Required {
			return nil, nil, &UnresolvedReferenceError{Path: owner + ".var." + name, ReferencedBy: owner}
		}
		binds[name] = nil
	}
	for name := range call.Inputs {
		if _, declared := call.Module.Variables[name]; !declared {
			return nil, nil, &UnresolvedReferenceError{Path: owner + ".inputs." + name, ReferencedBy: owner}
		}
	}

	// Local resource names are rewritten to their namespaced form in
	// properties, dependsOn, and output references.
	rename := make(map[string]string, len(call.Module.Resources))
	for _, res := range call.Module.Resources {
		rename[res.Name] = call.Name + "." + res.Name
	}

	var resources []*ir.Resource
	for _, res := range call.Module.Resources {
		clone := cloneResource(res)
		clone.Name = rename[res.Name]

		props, err := substituteVars(clone.Properties, binds, owner+"."+res.Addr())
		if err != nil {
			return nil, nil, err
		}
		clone.Properties = rewriteLocalRefs(props, rename).(map[string]any)

		for i, dep := range clone.DependsOn {
			for _, sibling := range call.Module.Resources {
				if dep == sibling.Addr() {
					clone.DependsOn[i] = sibling.Type + "." + rename[sibling.Name]
					break
				}
			}
		}

		resources = append(resources, clone)
	}

	rawOutputs, err := substituteVars(call.Module.Outputs, binds, owner+".outputs")
	if err != nil {
		return nil, nil, err
	}
	outputs := make(map[string]any)
	if rawOutputs != nil {
		for k, v := range rawOutputs.(map[string]any) {
			outputs[k] = rewriteLocalRefs(v, rename)
		}
	}

	return resources, outputs, nil
}

func cloneResource(res *ir.Resource) *ir.Resource {
	clone := &ir.Resource{
		Type:     res.Type,
		Name:     res.Name,
		Provider: res.Provider,
		Timeout:  res.Timeout,
	}
	if res.Lifecycle != nil {
		clone.Lifecycle = &ir.Lifecycle{
			CreateBeforeDestroy: res.Lifecycle.CreateBeforeDestroy,
			PreventDestroy:      res.Lifecycle.PreventDestroy,
			IgnoreChanges:       append([]string{}, res.Lifecycle.IgnoreChanges...),
		}
	}
	clone.DependsOn = append([]string{}, res.DependsOn...)
	clone.Properties = deepCopyValue(res.Properties).(map[string]any)
	return clone
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = deepCopyValue(v)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = deepCopyValue(item)
		}
		return s
	default:
		return val
	}
}

// substituteVars resolves var:// references against the bound inputs. A
// value that is exactly one reference takes the binding's type; references
// embedded in longer strings are spliced in textually. Any var:// left over
// is an unresolved reference.
func substituteVars(v any, binds map[string]any, owner string) (any, error) {
	switch val := v.(type) {
	case string:
		if name, ok := strings.CutPrefix(val, varScheme); ok && !strings.Contains(name, "/") && !strings.Contains(name, " ") {
			bound, declared := binds[name]
			if !declared {
				return nil, &UnresolvedReferenceError{Path: val, ReferencedBy: owner}
			}
			return bound, nil
		}
		out := val
		for name, bound := range binds {
			token := varScheme + name
			if strings.Contains(out, token) {
				out = strings.ReplaceAll(out, token, stringify(bound))
			}
		}
		if idx := strings.Index(out, varScheme); idx >= 0 {
			return nil, &UnresolvedReferenceError{Path: out[idx:], ReferencedBy: owner}
		}
		return out, nil
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			sub, err := substituteVars(item, binds, owner)
			if err != nil {
				return nil, err
			}
			m[k] = sub
		}
		return m, nil
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			sub, err := substituteVars(item, binds, owner)
			if err != nil {
				return nil, err
			}
			s[i] = sub
		}
		return s, nil
	default:
		return v, nil
	}
}

// rewriteLocalRefs namespaces ref:// targets that point at sibling
// resources within the same module instance.
func rewriteLocalRefs(v any, rename map[string]string) any {
	switch val := v.(type) {
	case string:
		typ, name, attr, ok := splitRef(val)
		if !ok {
			return val
		}
		if namespaced, local := rename[name]; local {
			return refScheme + typ + "/" + namespaced + "/" + attr
		}
		return val
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			m[k] = rewriteLocalRefs(item, rename)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			s[i] = rewriteLocalRefs(item, rename)
		}
		return s
	default:
		return val
	}
}

// resolveOuts replaces out:// references with the producing instance's
// output value.
func resolveOuts(v any, instOutputs map[string]map[string]any, owner string) (any, error) {
	switch val := v.(type) {
	case string:
		if !strings.HasPrefix(val, outScheme) {
			return val, nil
		}
		inst, output, ok := splitOutRef(val)
		if !ok {
			return nil, &UnresolvedReferenceError{Path: val, ReferencedBy: owner}
		}
		outputs, known := instOutputs[inst]
		if !known {
			return nil, &UnresolvedReferenceError{Path: val, ReferencedBy: owner}
		}
		resolved, exists := outputs[output]
		if !exists {
			return nil, &UnresolvedReferenceError{Path: val, ReferencedBy: owner}
		}
		return resolved, nil
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, item := range val {
			resolved, err := resolveOuts(item, instOutputs, owner)
			if err != nil {
				return nil, err
			}
			m[k] = resolved
		}
		return m, nil
	case []any:
		s := make([]any, len(val))
		for i, item := range val {
			resolved, err := resolveOuts(item, instOutputs, owner)
			if err != nil {
				return nil, err
			}
			s[i] = resolved
		}
		return s, nil
	default:
		return v, nil
	}
}

// extractOutRefs collects every out:// string in a value.
func extractOutRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, outScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, item := range val {
			refs = append(refs, extractOutRefs(item)...)
		}
	case []any:
		for _, item := range val {
			refs = append(refs, extractOutRefs(item)...)
		}
	}
	return refs
}

// splitOutRef decomposes "out://<instance>/<output>".
func splitOutRef(ref string) (inst, output string, ok bool) {
	if !strings.HasPrefix(ref, outScheme) {
		return "", "", false
	}
	parts := strings.SplitN(ref[len(outScheme):], "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
