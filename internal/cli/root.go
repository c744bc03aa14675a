package cli

import (
	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/internal/logging"
)

var (
	logLevel      string
	stateBackend  string
	statePath     string
	backendConfig map[string]string
)

var rootCmd = &cobra.Command{
	Use:   "loom",
	Short: "Declarative dependency-ordered resource provisioning",
	Long: `Loom provisions resources from a declarative PKL configuration.

It builds a dependency graph from your resource declarations, diffs the
desired configuration against the recorded state, and applies the resulting
plan in dependency order:
  • Explicit and reference-derived dependency edges
  • Deterministic plans with per-type replacement policy
  • Parallel apply with per-action state commits
  • Local, SQLite, or S3 state storage`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&stateBackend, "state-backend", "local", "State backend (local, sqlite, s3)")
	rootCmd.PersistentFlags().StringVar(&statePath, "state", "", "Path to the state file or database")
	rootCmd.PersistentFlags().StringToStringVar(&backendConfig, "backend-config", nil, "Remote backend settings (format: key=value)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(planCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(destroyCmd)
	rootCmd.AddCommand(refreshCmd)
	rootCmd.AddCommand(outputCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(graphCmd)
	rootCmd.AddCommand(versionCmd)
}
