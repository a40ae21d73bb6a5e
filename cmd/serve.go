package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/foundryhq/foundry-agent/internal/agent"
	"github.com/foundryhq/foundry-agent/internal/config"
	"github.com/foundryhq/foundry-agent/internal/convo"
	"github.com/foundryhq/foundry-agent/internal/llm"
	"github.com/foundryhq/foundry-agent/internal/mcp"
	"github.com/foundryhq/foundry-agent/internal/recall"
	"github.com/foundryhq/foundry-agent/internal/serve"
	"github.com/foundryhq/foundry-agent/internal/store"
)

var serveListen string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the AI chat HTTP service",
	Long: `Run the AI chat HTTP service.

Serves the SSE chat stream, session and conversation management, and the
model catalog. Configured MCP servers are connected at startup; failures
are logged and the affected server's tools stay unavailable until a
reconnect.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "Listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	logger := newLogger()

	s, err := store.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer s.Close()

	providers, err := buildProviders(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	gateway := mcp.NewGateway(logger)
	if err := gateway.LoadConfig(cfg.MCP.ConfigPath); err != nil {
		return fmt.Errorf("load mcp config: %w", err)
	}
	defer gateway.Shutdown()
	for _, name := range gateway.ConfiguredServers() {
		if err := gateway.Connect(ctx, name); err != nil {
			logger.Warn("mcp server unavailable", "server", name, "error", err)
		}
	}

	manager := convo.NewManager(s)
	chat := agent.NewChatService(agent.Options{
		Store:     s,
		Convo:     manager,
		Gateway:   gateway,
		Recall:    recall.NewClient(cfg.Recall.BaseURL, logger),
		Providers: providers,
		Model:     defaultModelFor(cfg),
		MaxTurns:  cfg.MaxTurns,
		Logger:    logger,
	})

	listen := serveListen
	if listen == "" {
		listen = cfg.Listen
	}
	server := serve.NewServer(serve.Options{
		Addr:   listen,
		Chat:   chat,
		Store:  s,
		Convo:  manager,
		Logger: logger,
	})
	if err := server.Start(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "foundry-agent listening on %s\n", listen)

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return server.Stop(shutdownCtx)
}

// buildProviders constructs every provider the configuration has credentials
// for. Transient upstream failures are retried inside the provider wrapper;
// credential and rate-limit errors pass through to the loop untouched.
func buildProviders(cfg *config.Config) (map[string]llm.Provider, error) {
	providers := make(map[string]llm.Provider)

	anthropic, err := llm.NewAnthropicProvider(
		cfg.Anthropic.APIKey, cfg.Anthropic.OAuthToken, cfg.Anthropic.Model, cfg.Anthropic.Credentials)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	providers["anthropic"] = llm.WrapWithRetry(anthropic, llm.DefaultRetryConfig())

	if cfg.OpenAI.APIKey != "" {
		openai := llm.NewOpenAIProvider(cfg.OpenAI.APIKey, cfg.OpenAI.Model)
		providers["openai"] = llm.WrapWithRetry(openai, llm.DefaultRetryConfig())
	}

	return providers, nil
}

// defaultModelFor picks the service default model from config, falling back
// to the catalog default when the configured one is unknown.
func defaultModelFor(cfg *config.Config) string {
	model := cfg.Anthropic.Model
	if cfg.Provider == "openai" {
		model = cfg.OpenAI.Model
	}
	if _, ok := agent.LookupModel(model); ok {
		return model
	}
	return agent.DefaultModel()
}
