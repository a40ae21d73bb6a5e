package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryhq/foundry-agent/internal/agent"
)

var modelsJSON bool

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the selectable model catalog",
	Long: `List the models the chat service offers to clients.

Examples:
  foundry-agent models                 # human-readable table
  foundry-agent models --json          # output as JSON`,
	RunE: runModels,
}

func init() {
	rootCmd.AddCommand(modelsCmd)
	modelsCmd.Flags().BoolVar(&modelsJSON, "json", false, "Output as JSON")
}

func runModels(cmd *cobra.Command, args []string) error {
	models := agent.Models()

	if modelsJSON {
		out, err := json.MarshalIndent(models, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	for _, m := range models {
		marker := " "
		if m.Default {
			marker = "*"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %-30s %-20s %s\n", marker, m.ID, m.Name, m.Provider)
	}
	return nil
}
