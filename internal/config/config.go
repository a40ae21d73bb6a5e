package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Listen    string          `mapstructure:"listen"`
	DBPath    string          `mapstructure:"db_path"`
	Provider  string          `mapstructure:"provider"`
	MaxTurns  int             `mapstructure:"max_turns"`
	Anthropic AnthropicConfig `mapstructure:"anthropic"`
	OpenAI    OpenAIConfig    `mapstructure:"openai"`
	Recall    RecallConfig    `mapstructure:"recall"`
	MCP       MCPConfig       `mapstructure:"mcp"`
}

type AnthropicConfig struct {
	APIKey      string `mapstructure:"api_key"`
	OAuthToken  string `mapstructure:"oauth_token"`
	Model       string `mapstructure:"model"`
	Credentials string `mapstructure:"credentials"` // "auto" (default), "api_key", "env", "oauth", "oauth_env"
}

type OpenAIConfig struct {
	APIKey string `mapstructure:"api_key"`
	Model  string `mapstructure:"model"`
}

// RecallConfig points at the external knowledge store. Empty base_url means
// the service is unavailable and every chat degrades gracefully without it.
type RecallConfig struct {
	BaseURL string `mapstructure:"base_url"`
}

type MCPConfig struct {
	ConfigPath string `mapstructure:"config_path"` // "" = default mcp.json location
}

// GetConfigDir returns the configuration directory.
func GetConfigDir() (string, error) {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "foundry"), nil
}

// DefaultDBPath returns the default database location.
func DefaultDBPath() (string, error) {
	dataDir := os.Getenv("XDG_DATA_HOME")
	if dataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		dataDir = filepath.Join(home, ".local", "share")
	}
	return filepath.Join(dataDir, "foundry", "foundry.db"), nil
}

func Load() (*Config, error) {
	configPath, err := GetConfigDir()
	if err != nil {
		return nil, fmt.Errorf("failed to get config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")

	v.SetEnvPrefix("FOUNDRY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("listen", ":8080")
	v.SetDefault("provider", "anthropic")
	v.SetDefault("max_turns", 20)
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.credentials", "auto")
	v.SetDefault("openai.model", "gpt-5.2")
	// recall.base_url has no default: unset means the knowledge store is off

	// Config file is optional
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.Anthropic.APIKey = expandEnv(cfg.Anthropic.APIKey)
	cfg.Anthropic.OAuthToken = expandEnv(cfg.Anthropic.OAuthToken)
	cfg.OpenAI.APIKey = expandEnv(cfg.OpenAI.APIKey)
	cfg.Recall.BaseURL = expandEnv(cfg.Recall.BaseURL)

	if cfg.DBPath == "" {
		cfg.DBPath, err = DefaultDBPath()
		if err != nil {
			return nil, fmt.Errorf("failed to get db path: %w", err)
		}
	}

	return &cfg, nil
}

// expandEnv expands $VAR and ${VAR} references in config values.
func expandEnv(s string) string {
	if strings.Contains(s, "$") {
		return os.ExpandEnv(s)
	}
	return s
}
