package cmd

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "foundry-agent",
	Short: "AI chat backend for the Foundry collaboration platform",
	Long: `foundry-agent runs the AI chat core of the Foundry platform: the
tool-calling loop against the model, project-scoped local tools, external
MCP tool servers, and the durable conversation log.

Examples:
  foundry-agent serve                  # start the HTTP service
  foundry-agent models                 # list the model catalog
  foundry-agent mcp list               # list configured MCP servers
  foundry-agent mcp connect search     # test a server connection
  foundry-agent config                 # show resolved configuration`,
	CompletionOptions: cobra.CompletionOptions{DisableDefaultCmd: true},
}

var debug bool

func init() {
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Emit debug logs")
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// newLogger builds the process logger honoring the --debug flag.
func newLogger() *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
