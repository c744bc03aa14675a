package engine

import (
	"fmt"
	"strings"

	"github.com/loom-iac/loom/internal/ir"
)

// Reference schemes understood by the builder. Resource references create
// implicit dependency edges; variable and output references are resolved by
// substitution during module flattening.
const (
	refScheme = "ref://" // ref://<type>/<name>/<attribute>
	varScheme = "var://" // var://<variable>, valid inside a module body
	outScheme = "out://" // out://<instance>/<output>, valid in bindings
)

// extractRefs walks a property value and collects every ref:// string.
func extractRefs(v any) []string {
	var refs []string
	switch val := v.(type) {
	case string:
		if strings.HasPrefix(val, refScheme) {
			refs = append(refs, val)
		}
	case map[string]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case map[any]any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	case []any:
		for _, v := range val {
			refs = append(refs, extractRefs(v)...)
		}
	}
	return refs
}

// refAddr converts "ref://google:Storage.Bucket/raw/name" to the address
// "google:Storage.Bucket.raw". Malformed references yield "".
func refAddr(ref string) string {
	typ, name, _, ok := splitRef(ref)
	if !ok {
		return ""
	}
	return typ + "." + name
}

// splitRef decomposes a ref:// string into type, name, and attribute.
func splitRef(ref string) (typ, name, attr string, ok bool) {
	if !strings.HasPrefix(ref, refScheme) {
		return "", "", "", false
	}
	parts := strings.SplitN(ref[len(refScheme):], "/", 3)
	if len(parts) < 3 || parts[0] == "" || parts[1] == "" || parts[2] == "" {
		return "", "", "", false
	}
	return parts[0], parts[1], parts[2], true
}

// resolveRefs replaces every ref:// string in a value with the referenced
// resource's current attribute. Attribute "id" resolves to the
// backend-assigned identifier; other names resolve from outputs, then
// inputs. Unresolvable references are left in place.
func resolveRefs(v any, state *ir.State) any {
	switch val := v.(type) {
	case string:
		typ, name, attr, ok := splitRef(val)
		if !ok {
			return val
		}
		rec := state.Resource(typ + "." + name)
		if rec == nil {
			return val
		}
		if attr == "id" && rec.ID != "" {
			return rec.ID
		}
		if out, ok := rec.Outputs[attr]; ok {
			return out
		}
		if in, ok := rec.Inputs[attr]; ok {
			return in
		}
		return val
	case map[string]any:
		resolved := make(map[string]any, len(val))
		for k, v := range val {
			resolved[k] = resolveRefs(v, state)
		}
		return resolved
	case []any:
		resolved := make([]any, len(val))
		for i, v := range val {
			resolved[i] = resolveRefs(v, state)
		}
		return resolved
	default:
		return val
	}
}

// normalizeValue canonicalizes decoded configuration values: pkl maps with
// non-string keys become map[string]any so diffs and JSON encoding behave.
func normalizeValue(v any) any {
	switch val := v.(type) {
	case map[any]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[stringify(k)] = normalizeValue(v)
		}
		return m
	case map[string]any:
		m := make(map[string]any, len(val))
		for k, v := range val {
			m[k] = normalizeValue(v)
		}
		return m
	case []any:
		s := make([]any, len(val))
		for i, v := range val {
			s[i] = normalizeValue(v)
		}
		return s
	default:
		return val
	}
}

func stringify(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
