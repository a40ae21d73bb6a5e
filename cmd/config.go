package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/foundryhq/foundry-agent/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show resolved configuration",
	RunE:  runConfig,
}

func init() {
	rootCmd.AddCommand(configCmd)
}

func runConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	configDir, err := config.GetConfigDir()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "config dir:        %s\n", configDir)
	fmt.Fprintf(out, "listen:            %s\n", cfg.Listen)
	fmt.Fprintf(out, "db path:           %s\n", cfg.DBPath)
	fmt.Fprintf(out, "provider:          %s\n", cfg.Provider)
	fmt.Fprintf(out, "max turns:         %d\n", cfg.MaxTurns)
	fmt.Fprintf(out, "anthropic model:   %s\n", cfg.Anthropic.Model)
	fmt.Fprintf(out, "anthropic auth:    %s (%s)\n", redacted(cfg.Anthropic.APIKey, cfg.Anthropic.OAuthToken), cfg.Anthropic.Credentials)
	fmt.Fprintf(out, "openai model:      %s\n", cfg.OpenAI.Model)
	fmt.Fprintf(out, "openai key:        %s\n", redacted(cfg.OpenAI.APIKey))
	fmt.Fprintf(out, "recall base url:   %s\n", orUnset(cfg.Recall.BaseURL))
	fmt.Fprintf(out, "mcp config:        %s\n", orUnset(cfg.MCP.ConfigPath))
	return nil
}

// redacted reports whether any of the given secrets is set without printing
// it.
func redacted(secrets ...string) string {
	for _, s := range secrets {
		if s != "" {
			return "configured"
		}
	}
	return "not set"
}

func orUnset(s string) string {
	if s == "" {
		return "(default)"
	}
	return s
}
