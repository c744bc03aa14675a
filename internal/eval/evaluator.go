// Package eval turns pkl documents into ir values.
package eval

import (
	"context"
	"fmt"
	"net/url"

	"github.com/apple/pkl-go/pkl"

	"github.com/loom-iac/loom/internal/ir"
)

// Evaluator loads a project's pkl documents. Configuration entry points get
// a project-scoped evaluator so their relative imports resolve; state files
// are plain modules and only need the preconfigured defaults.
type Evaluator struct {
	projectDir string
}

func NewEvaluator(projectDir string) *Evaluator {
	return &Evaluator{projectDir: projectDir}
}

// LoadConfig evaluates the configuration entry point into ir.Config.
// properties are exposed to the module as pkl external properties.
func (e *Evaluator) LoadConfig(ctx context.Context, entryPoint string, properties map[string]string) (*ir.Config, error) {
	base, err := url.Parse("file://" + e.projectDir + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	evaluator, err := pkl.NewProjectEvaluator(ctx, base, pkl.PreconfiguredOptions, withProperties(properties))
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var cfg ir.Config
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(entryPoint), &cfg); err != nil {
		return nil, fmt.Errorf("failed to evaluate config: %w", err)
	}
	return &cfg, nil
}

// LoadState evaluates a state file into ir.State. The schema module the
// file amends is expected to sit next to it; the state stores keep it there.
func (e *Evaluator) LoadState(ctx context.Context, stateFile string) (*ir.State, error) {
	evaluator, err := pkl.NewEvaluator(ctx, pkl.PreconfiguredOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var state ir.State
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(stateFile), &state); err != nil {
		return nil, fmt.Errorf("failed to evaluate state: %w", err)
	}
	return &state, nil
}

// withProperties merges external properties into the evaluator options.
func withProperties(properties map[string]string) func(*pkl.EvaluatorOptions) {
	return func(o *pkl.EvaluatorOptions) {
		if len(properties) == 0 {
			return
		}
		if o.Properties == nil {
			o.Properties = make(map[string]string, len(properties))
		}
		for k, v := range properties {
			o.Properties[k] = v
		}
	}
}
