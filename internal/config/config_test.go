package config

import (
	"os"
	"testing"
)

func TestExpandEnv(t *testing.T) {
	os.Setenv("FOUNDRY_TEST_SECRET", "s3cret")
	defer os.Unsetenv("FOUNDRY_TEST_SECRET")

	tests := []struct {
		in   string
		want string
	}{
		{"plain-value", "plain-value"},
		{"$FOUNDRY_TEST_SECRET", "s3cret"},
		{"${FOUNDRY_TEST_SECRET}", "s3cret"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := expandEnv(tt.in); got != tt.want {
			t.Errorf("expandEnv(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	// Run from a directory with no config file so defaults apply.
	cwd, _ := os.Getwd()
	os.Chdir(t.TempDir())
	defer os.Chdir(cwd)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Listen != ":8080" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Provider != "anthropic" {
		t.Errorf("provider = %q", cfg.Provider)
	}
	if cfg.MaxTurns != 20 {
		t.Errorf("max_turns = %d", cfg.MaxTurns)
	}
	if cfg.Anthropic.Credentials != "auto" {
		t.Errorf("anthropic.credentials = %q", cfg.Anthropic.Credentials)
	}
	if cfg.DBPath == "" {
		t.Error("expected default db path")
	}
}
