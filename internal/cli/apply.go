package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/internal/engine"
	"github.com/loom-iac/loom/internal/eval"
)

var (
	applyAutoApprove bool
	applyDryRun      bool
	applyParallelism int
	applyProperties  map[string]string
)

var applyCmd = &cobra.Command{
	Use:   "apply [path]",
	Short: "Apply a configuration",
	Long:  `Builds or changes resources according to the loom configuration files.`,
	RunE:  runApply,
}

func init() {
	applyCmd.Flags().BoolVar(&applyAutoApprove, "auto-approve", false, "Skip interactive approval of plan before applying")
	applyCmd.Flags().BoolVar(&applyDryRun, "dry-run", false, "Report the planned actions without calling any backend")
	applyCmd.Flags().IntVar(&applyParallelism, "parallelism", 0, "Maximum number of concurrent resource operations")
	applyCmd.Flags().StringToStringVarP(&applyProperties, "prop", "D", nil, "Set external properties (format: key=value)")
}

func runApply(cmd *cobra.Command, args []string) error {
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

	if err := store.Lock(ctx); err != nil {
		return err
	}
	defer store.Unlock(ctx)

	fmt.Print("Loading configuration... ")
	cfg, err := evaluator.LoadConfig(ctx, entryPoint, applyProperties)
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

	actionable := plan.Summary.Create + plan.Summary.Update + plan.Summary.Delete + plan.Summary.Replace
	if actionable == 0 {
		fmt.Println("No changes. Infrastructure is up-to-date.")
		return nil
	}

	fmt.Println("\nLoom will perform the following actions:")
	renderPlanChanges(plan)
	renderPlanSummary(plan)

	if applyDryRun {
		fmt.Println("\nDry run: no actions were performed.")
		return nil
	}

	if !applyAutoApprove {
		fmt.Print("\nDo you want to perform these actions? (y/n): ")
		var response string
		fmt.Scanln(&response)
		if response != "y" && response != "yes" {
			fmt.Println("Apply cancelled.")
			return nil
		}
	}

	fmt.Printf("\nApplying %d actions...\n", actionable)

	opts := &engine.ApplyOptions{
		Parallelism: applyParallelism,
		Callback: func(event engine.ApplyEvent) {
			switch event.Status {
			case "completed":
				fmt.Printf("  %s %s: done (%s)\n", event.Action, event.Address, event.Duration.Round(time.Millisecond))
			case "failed":
				fmt.Printf("%s  %s %s: %v%s\n", colorRed, event.Action, event.Address, event.Error, colorReset)
			}
		},
	}

	result, err := eng.Apply(ctx, plan, currentState, store, opts)
	if err != nil {
		return fmt.Errorf("apply failed: %w", err)
	}
	if applyErr := result.Err(); applyErr != nil {
		renderApplyResults(result)
		return fmt.Errorf("apply finished with errors: %w", applyErr)
	}

	fmt.Printf("\nApply complete! Resources: %d added, %d changed, %d destroyed.\n",
		plan.Summary.Create+plan.Summary.Replace, plan.Summary.Update, plan.Summary.Delete)

	if len(currentState.Outputs) > 0 {
		fmt.Println("\nOutputs:")
		for k, v := range currentState.Outputs {
			fmt.Printf("  %s = %v\n", k, v)
		}
	}

	return nil
}
