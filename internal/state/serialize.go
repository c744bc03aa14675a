package state

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loom-iac/loom/internal/ir"
	"github.com/loom-iac/loom/pkg/schemas"
)

// stateSchemaFile is the name of the schema module state files amend,
// materialized next to each state file so the relative path resolves.
const stateSchemaFile = "State.pkl"

// ensureStateSchema writes the embedded state schema into dir, refreshing
// it when a different loom version wrote the existing copy.
func ensureStateSchema(dir string) error {
	path := filepath.Join(dir, stateSchemaFile)
	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == schemas.StatePkl {
		return nil
	}
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to read state schema %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(schemas.StatePkl), 0644); err != nil {
		return fmt.Errorf("failed to write state schema %s: %w", path, err)
	}
	return nil
}

// SerializeState converts a State to its PKL text representation. Map keys
// are sorted so identical states serialize identically.
func SerializeState(state *ir.State) string {
	var b strings.Builder

	fmt.Fprintf(&b, "// Loom state file\n")
	fmt.Fprintf(&b, "amends %q\n\n", stateSchemaFile)
	fmt.Fprintf(&b, "version = %d\n", state.Version)
	fmt.Fprintf(&b, "serial = %d\n", state.Serial)
	fmt.Fprintf(&b, "lineage = %q\n\n", state.Lineage)

	if len(state.Outputs) > 0 {
		fmt.Fprintf(&b, "outputs {\n")
		for _, k := range sortedKeys(state.Outputs) {
			fmt.Fprintf(&b, "  [%q] = %s\n", k, serializePklValue(state.Outputs[k], 1))
		}
		fmt.Fprintf(&b, "}\n\n")
	} else {
		fmt.Fprintf(&b, "outputs = new {}\n\n")
	}

	fmt.Fprintf(&b, "resources {\n")
	for _, res := range state.Resources {
		fmt.Fprintf(&b, "  new {\n")
		fmt.Fprintf(&b, "    type = %q\n", res.Type)
		fmt.Fprintf(&b, "    name = %q\n", res.Name)
		fmt.Fprintf(&b, "    provider = %q\n", res.Provider)
		fmt.Fprintf(&b, "    id = %q\n", res.ID)

		if len(res.Inputs) > 0 {
			fmt.Fprintf(&b, "    inputs {\n")
			for _, k := range sortedKeys(res.Inputs) {
				fmt.Fprintf(&b, "      [%q] = %s\n", k, serializePklValue(res.Inputs[k], 3))
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    inputs = new {}\n")
		}

		if len(res.Outputs) > 0 {
			fmt.Fprintf(&b, "    outputs {\n")
			for _, k := range sortedKeys(res.Outputs) {
				fmt.Fprintf(&b, "      [%q] = %s\n", k, serializePklValue(res.Outputs[k], 3))
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    outputs = new {}\n")
		}

		if len(res.Dependencies) > 0 {
			fmt.Fprintf(&b, "    dependencies {\n")
			for _, dep := range res.Dependencies {
				fmt.Fprintf(&b, "      %q\n", dep)
			}
			fmt.Fprintf(&b, "    }\n")
		} else {
			fmt.Fprintf(&b, "    dependencies = new {}\n")
		}

		fmt.Fprintf(&b, "    appliedAt = %q\n", res.AppliedAt)
		fmt.Fprintf(&b, "  }\n")
	}
	fmt.Fprintf(&b, "}\n")

	return b.String()
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// serializePklValue recursively serializes a Go value to PKL syntax.
func serializePklValue(v any, indentLevel int) string {
	indent := strings.Repeat("  ", indentLevel)

	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	case bool:
		return fmt.Sprintf("%t", val)
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%g", val)
	case nil:
		return "null"
	case map[string]any:
		if len(val) == 0 {
			return "new {}"
		}
		var b strings.Builder
		b.WriteString("new {\n")
		for _, k := range sortedKeys(val) {
			b.WriteString(fmt.Sprintf("%s  [%q] = %s\n", indent, k, serializePklValue(val[k], indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	case []any:
		if len(val) == 0 {
			return "new Listing {}"
		}
		var b strings.Builder
		b.WriteString("new Listing {\n")
		for _, item := range val {
			b.WriteString(fmt.Sprintf("%s  %s\n", indent, serializePklValue(item, indentLevel+1)))
		}
		b.WriteString(indent + "}")
		return b.String()
	default:
		return fmt.Sprintf("%q", fmt.Sprintf("%v", val))
	}
}
