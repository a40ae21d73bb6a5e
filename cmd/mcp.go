package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryhq/foundry-agent/internal/config"
	"github.com/foundryhq/foundry-agent/internal/mcp"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Manage MCP (Model Context Protocol) servers",
	Long: `Manage the external tool servers the chat loop can call.

Examples:
  foundry-agent mcp list               # list configured servers
  foundry-agent mcp connect search     # test a server connection
  foundry-agent mcp status             # show connection states`,
}

var mcpListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured MCP servers",
	RunE:  mcpList,
}

var mcpConnectCmd = &cobra.Command{
	Use:   "connect <name>",
	Short: "Test an MCP server connection",
	Long: `Start the named server, run the protocol handshake, and list its
tools. The connection is torn down afterwards.`,
	Args: cobra.ExactArgs(1),
	RunE: mcpConnect,
}

var mcpStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show connection status for configured servers",
	RunE:  mcpStatus,
}

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.AddCommand(mcpListCmd)
	mcpCmd.AddCommand(mcpConnectCmd)
	mcpCmd.AddCommand(mcpStatusCmd)
}

func loadGateway() (*mcp.Gateway, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	gateway := mcp.NewGateway(newLogger())
	if err := gateway.LoadConfig(cfg.MCP.ConfigPath); err != nil {
		return nil, fmt.Errorf("load mcp config: %w", err)
	}
	return gateway, nil
}

func mcpList(cmd *cobra.Command, args []string) error {
	gateway, err := loadGateway()
	if err != nil {
		return err
	}
	names := gateway.ConfiguredServers()
	if len(names) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No MCP servers configured.")
		return nil
	}
	for _, name := range names {
		fmt.Fprintln(cmd.OutOrStdout(), name)
	}
	return nil
}

func mcpConnect(cmd *cobra.Command, args []string) error {
	gateway, err := loadGateway()
	if err != nil {
		return err
	}
	defer gateway.Shutdown()

	name := args[0]
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	fmt.Fprintf(cmd.OutOrStdout(), "Connecting to %s...\n", name)
	if err := gateway.Connect(ctx, name); err != nil {
		return fmt.Errorf("connect %s: %w", name, err)
	}
	for _, state := range gateway.States() {
		if state.Name == name {
			fmt.Fprintf(cmd.OutOrStdout(), "Connected. %d tools available.\n", state.Tools)
		}
	}
	return nil
}

func mcpStatus(cmd *cobra.Command, args []string) error {
	gateway, err := loadGateway()
	if err != nil {
		return err
	}
	for _, name := range gateway.ConfiguredServers() {
		status, statusErr := gateway.ServerStatus(name)
		if statusErr != nil {
			fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s (%v)\n", name, status, statusErr)
			continue
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%-20s %s\n", name, status)
	}
	return nil
}
