package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/internal/eval"
)

var outputJSON bool

var outputCmd = &cobra.Command{
	Use:   "output [name]",
	Short: "Show output values from the state",
	Long:  `Prints the root output values recorded by the last apply.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runOutput,
}

func init() {
	outputCmd.Flags().BoolVar(&outputJSON, "json", false, "Output in JSON format")
}

func runOutput(cmd *cobra.Command, args []string) error {
	wd, _, err := resolveWorkDir(nil)
	if err != nil {
		return err
	}

	evaluator := eval.NewEvaluator(wd)
	store, cleanup, err := newStore(wd, evaluator)
	if err != nil {
		return err
	}
	defer cleanup()

	s, err := store.Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	if len(args) == 1 {
		v, ok := s.Outputs[args[0]]
		if !ok {
			return fmt.Errorf("output %q not found in state", args[0])
		}
		if outputJSON {
			data, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("failed to marshal output: %w", err)
			}
			fmt.Println(string(data))
		} else {
			fmt.Printf("%v\n", v)
		}
		return nil
	}

	if outputJSON {
		data, err := json.MarshalIndent(s.Outputs, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal outputs: %w", err)
		}
		fmt.Println(string(data))
		return nil
	}

	for k, v := range s.Outputs {
		fmt.Printf("%s = %v\n", k, v)
	}
	return nil
}
