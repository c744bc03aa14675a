package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/internal/engine"
	"github.com/loom-iac/loom/internal/eval"
)

var planProperties map[string]string

var planCmd = &cobra.Command{
	Use:   "plan [path]",
	Short: "Generate an execution plan",
	Long: `Generates an execution plan showing what actions loom will take
to reach the desired state defined in your configuration.

The plan shows:
  • Resources to be created
  • Resources to be updated (with diff)
  • Resources to be replaced or deleted`,
	RunE: runPlan,
}

func init() {
	planCmd.Flags().StringToStringVarP(&planProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runPlan(cmd *cobra.Command, args []string) error {
	wd, entryPoint, err := resolveWorkDir(args)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	evaluator := eval.NewEvaluator(wd)
	store, cleanup, err := newStore(wd, evaluator)
	if err != nil {
		return err
	}
	defer cleanup()

	eng := engine.NewEngine(newRegistry())

	fmt.Print("Loading configuration... ")
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, planProperties)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("failed to load config: %w", err)
	}
	fmt.Println("OK")

	currentState, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	fmt.Print("Calculating plan... ")
	plan, err := eng.CreatePlan(ctx, cfg, currentState)
	if err != nil {
		fmt.Println("FAILED")
		return fmt.Errorf("plan generation failed: %w", err)
	}
	fmt.Println("OK")

	renderPlanSummary(plan)

	if plan.Summary.Create+plan.Summary.Update+plan.Summary.Delete+plan.Summary.Replace > 0 {
		fmt.Println("\nLoom will perform the following actions:")
		renderPlanChanges(plan)
	} else {
		fmt.Println("\nNo changes. Infrastructure is up-to-date.")
	}

	return nil
}
