package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/internal/engine"
	"github.com/loom-iac/loom/internal/eval"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh [path]",
	Short: "Reconcile state with live resources",
	Long: `Reads every tracked resource from its provider and updates the state:
drifted attributes are re-recorded, and resources deleted outside of loom
are dropped from state.`,
	RunE: runRefresh,
}

func runRefresh(cmd *cobra.Command, args []string) error {
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

	result, err := eng.Refresh(ctx, currentState, store)
	if err != nil {
		return fmt.Errorf("refresh failed: %w", err)
	}

	for _, addr := range result.Drifted {
		fmt.Printf("~ %s: attributes drifted, state updated\n", addr)
	}
	for _, addr := range result.Removed {
		fmt.Printf("- %s: no longer exists, removed from state\n", addr)
	}
	if len(result.Drifted) == 0 && len(result.Removed) == 0 {
		fmt.Println("State is up to date.")
	}
	return nil
}
