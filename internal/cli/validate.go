package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/internal/engine"
	"github.com/loom-iac/loom/internal/eval"
)

var validateCmd = &cobra.Command{
	Use:   "validate [path]",
	Short: "Validate the configuration",
	Long: `Checks that the configuration evaluates, that every module input and
reference resolves, and that the dependency graph is acyclic.`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkDir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, nil)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	flat, err := engine.Flatten(cfg)
	if err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}
	if _, err := engine.BuildDAG(flat.Resources); err != nil {
		return fmt.Errorf("configuration is invalid: %w", err)
	}

	fmt.Printf("Configuration is valid. %d resource(s), %d module instance(s).\n",
		len(flat.Resources), len(cfg.Modules))
	return nil
}
