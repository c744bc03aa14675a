package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/loom-iac/loom/internal/engine"
	"github.com/loom-iac/loom/internal/eval"
	"github.com/loom-iac/loom/internal/ir"
	"github.com/loom-iac/loom/internal/provider"
	"github.com/loom-iac/loom/internal/state"
	"github.com/loom-iac/loom/providers/google"
	"github.com/loom-iac/loom/providers/null"
)

const (
	colorReset  = "\033[0m"
	colorGreen  = "\033[32m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
)

// resolveWorkDir turns an optional path argument into a working directory
// and PKL entry point.
func resolveWorkDir(args []string) (wd, entryPoint string, err error) {
	wd, err = os.Getwd()
	if err != nil {
		return "", "", fmt.Errorf("failed to get working directory: %w", err)
	}
	entryPoint = "main.pkl"

	if len(args) > 0 {
		absPath, err := filepath.Abs(args[0])
		if err != nil {
			return "", "", fmt.Errorf("failed to resolve path %s: %w", args[0], err)
		}
		info, err := os.Stat(absPath)
		if err != nil {
			return "", "", fmt.Errorf("failed to stat path %s: %w", args[0], err)
		}
		if info.IsDir() {
			wd = absPath
		} else {
			wd = filepath.Dir(absPath)
			entryPoint = filepath.Base(absPath)
		}
	}
	return wd, entryPoint, nil
}

// newRegistry returns a registry with every built-in provider registered.
func newRegistry() *provider.Registry {
	registry := provider.NewRegistry()
	registry.Register("null", null.New)
	registry.Register("google", google.New)
	return registry
}

// newStore builds the state store selected by the global flags. The
// returned cleanup closes backend handles and must run before exit.
func newStore(wd string, evaluator *eval.Evaluator) (state.Store, func(), error) {
	switch stateBackend {
	case "local", "":
		path := statePath
		if path == "" {
			path = filepath.Join(wd, ".loom", "state.pkl")
		}
		return state.NewFileStore(path, evaluator), func() {}, nil

	case "sqlite":
		path := statePath
		if path == "" {
			path = filepath.Join(wd, ".loom", "state.db")
		}
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, nil, fmt.Errorf("failed to create state directory: %w", err)
		}
		store, err := state.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { store.Close() }, nil

	case "s3":
		store, err := state.NewS3Store(backendConfig, evaluator)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil

	default:
		return nil, nil, fmt.Errorf("unknown state backend %q (want local, sqlite, or s3)", stateBackend)
	}
}

// renderPlanChanges prints the detailed change list for a plan.
func renderPlanChanges(plan *ir.Plan) {
	for _, change := range plan.Changes {
		symbol := "~"
		color := colorReset
		switch change.Action {
		case ir.ActionCreate:
			symbol = "+"
			color = colorGreen
		case ir.ActionDelete:
			symbol = "-"
			color = colorRed
		case ir.ActionUpdate:
			color = colorYellow
		case ir.ActionNoOp:
			continue
		}

		var resourceType, resourceName string
		if change.Desired != nil {
			resourceType = change.Desired.Type
			resourceName = change.Desired.Name
		} else if change.Prior != nil {
			resourceType = change.Prior.Type
			resourceName = change.Prior.Name
		}

		label := change.Action
		if change.Deposed {
			label += " (deposed)"
		}
		fmt.Printf("\n%s  # %s will be %s (%s)%s\n", color, change.Address, label, change.Reason, colorReset)
		fmt.Printf("%s  %s resource \"%s\" \"%s\" {\n", color, symbol, resourceType, resourceName)

		if len(change.Diff) > 0 {
			renderPropertyDiff(change, color)
		} else {
			fmt.Printf("%s      ...\n", color)
		}
		fmt.Printf("%s    }%s\n", color, colorReset)
	}
}

// renderPropertyDiff prints structured property diffs. Multiline string
// updates get a line-level diff instead of before/after blobs.
func renderPropertyDiff(change *ir.ResourceChange, color string) {
	for _, key := range sortedDiffKeys(change.Diff) {
		diff := change.Diff[key]
		suffix := ""
		if diff.ForcesReplacement {
			suffix = " # forces replacement"
		}
		switch diff.Action {
		case "create":
			fmt.Printf("%s      + %s = %v%s%s\n", colorGreen, key, formatValue(diff.After), suffix, colorReset)
		case "delete":
			fmt.Printf("%s      - %s = %v%s%s\n", colorRed, key, formatValue(diff.Before), suffix, colorReset)
		case "update":
			before, beforeStr := diff.Before.(string)
			after, afterStr := diff.After.(string)
			if beforeStr && afterStr && (strings.Contains(before, "\n") || strings.Contains(after, "\n")) {
				fmt.Printf("%s      ~ %s =%s%s\n", colorYellow, key, suffix, colorReset)
				renderTextDiff(before, after)
			} else {
				fmt.Printf("%s      ~ %s = %v -> %v%s%s\n", colorYellow, key, formatValue(diff.Before), formatValue(diff.After), suffix, colorReset)
			}
		default:
			fmt.Printf("%s        %s = %v\n", color, key, formatValue(diff.After))
		}
	}
}

// renderTextDiff prints a colored line diff between two multiline strings.
func renderTextDiff(before, after string) {
	dmp := diffmatchpatch.New()
	beforeRunes, afterRunes, lines := dmp.DiffLinesToRunes(before, after)
	diffs := dmp.DiffCharsToLines(dmp.DiffMainRunes(beforeRunes, afterRunes, false), lines)

	for _, d := range diffs {
		for _, line := range strings.Split(strings.TrimRight(d.Text, "\n"), "\n") {
			switch d.Type {
			case diffmatchpatch.DiffInsert:
				fmt.Printf("%s          + %s%s\n", colorGreen, line, colorReset)
			case diffmatchpatch.DiffDelete:
				fmt.Printf("%s          - %s%s\n", colorRed, line, colorReset)
			default:
				fmt.Printf("            %s\n", line)
			}
		}
	}
}

func sortedDiffKeys(diff map[string]*ir.PropertyDiff) []string {
	keys := make([]string, 0, len(diff))
	for k := range diff {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// formatValue returns a human-readable representation of a value.
func formatValue(v any) string {
	if v == nil {
		return "null"
	}
	switch val := v.(type) {
	case string:
		return fmt.Sprintf("%q", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// renderPlanSummary prints the plan summary counts.
func renderPlanSummary(plan *ir.Plan) {
	fmt.Println("\nPlan Summary:")
	fmt.Printf("  Create:  %d\n", plan.Summary.Create)
	fmt.Printf("  Update:  %d\n", plan.Summary.Update)
	fmt.Printf("  Delete:  %d\n", plan.Summary.Delete)
	fmt.Printf("  Replace: %d\n", plan.Summary.Replace)
	fmt.Printf("  NoOp:    %d\n", plan.Summary.NoOp)
}

// renderApplyResults prints the per-action outcomes, listing blocked actions
// with the failure that caused them.
func renderApplyResults(result *engine.ApplyResult) {
	for _, res := range result.Results {
		switch res.Status {
		case engine.StatusFailed:
			fmt.Printf("%s  %s %s: failed: %v%s\n", colorRed, res.Action, res.Address, res.Err, colorReset)
		case engine.StatusBlocked:
			fmt.Printf("%s  %s %s: blocked (dependency %s failed)%s\n", colorYellow, res.Action, res.Address, res.RootCause, colorReset)
		case engine.StatusCancelled:
			fmt.Printf("%s  %s %s: cancelled%s\n", colorYellow, res.Action, res.Address, colorReset)
		}
	}
}
