package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/loom-iac/loom/pkg/schemas"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Scaffold a new loom project",
	Long:  `Writes the configuration schema and a starter main.pkl into the current directory.`,
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	// Always refresh the schema; main.pkl belongs to the user.
	if err := os.WriteFile("Config.pkl", []byte(schemas.ConfigPkl), 0644); err != nil {
		return fmt.Errorf("failed to write Config.pkl: %w", err)
	}
	fmt.Println("Wrote Config.pkl")

	if _, err := os.Stat("main.pkl"); os.IsNotExist(err) {
		content := `// loom configuration

amends "Config.pkl"

resources {
  new {
    type = "null:Resource"
    name = "placeholder"
    provider = "null"
    properties {
      ["triggers"] = new {
        ["rev"] = "1"
      }
    }
  }
}

outputs {
  // ["example"] = "ref://null:Resource/placeholder/id"
}
`
		if err := os.WriteFile("main.pkl", []byte(content), 0644); err != nil {
			return fmt.Errorf("failed to create main.pkl: %w", err)
		}
		fmt.Println("Created main.pkl")
	}

	fmt.Println("\nNext steps:")
	fmt.Println("  1. Edit main.pkl to declare your resources")
	fmt.Println("  2. Run 'loom plan' to preview changes")
	fmt.Println("  3. Run 'loom apply' to provision them")
	return nil
}
