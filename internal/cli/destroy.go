package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/internal/engine"
	"github.com/loom-iac/loom/internal/eval"
)

var destroyAutoApprove bool

var destroyCmd = &cobra.Command{
	Use:   "destroy [path]",
	Short: "Destroy all managed resources",
	Long:  `Deletes every resource tracked in state, in reverse dependency order.`,
	RunE:  runDestroy,
}

func init() {
	destroyCmd.Flags().BoolVar(&destroyAutoApprove, "auto-approve", false, "Skip interactive approval before destroying")
}

func runDestroy(cmd *cobra.Command, args []string) error {
	wd, _, err := resolveWorkDir(args)
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

	if err := store.Lock(ctx); err != nil {
		return err
	}
	defer store.Unlock(ctx)

	currentState, err := store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(currentState.Resources) == 0 {
		fmt.Println("Nothing to destroy: state is empty.")
		return nil
	}

	plan, err := eng.CreateDestroyPlan(ctx, currentState)
	if err != nil {
		return fmt.Errorf("destroy plan failed: %w", err)
	}

	fmt.Println("Loom will destroy the following resources:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if !destroyAutoApprove {
		fmt.Print("\nDo you really want to destroy all resources? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Destroy cancelled.")
			return nil
		}
	}

	result, err := eng.Apply(ctx, plan, currentState, store, nil)
	if err != nil {
		return fmt.Errorf("destroy failed: %w", err)
	}
	if applyErr := result.Err(); applyErr != nil {
		renderApplyResults(result)
		return fmt.Errorf("destroy finished with errors: %w", applyErr)
	}

	fmt.Printf("\nDestroy complete! Resources: %d destroyed.\n", plan.Summary.Delete)
	return nil
}
