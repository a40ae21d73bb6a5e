package mcp

import (
	"context"
	"os"
	"strings"
	"testing"

	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestCreateStdioTransport_InheritsEnv(t *testing.T) {
	client := NewClient("test", ServerConfig{
		Command: "echo",
		Args:    []string{"hello"},
		Env:     map[string]string{"CUSTOM_VAR": "custom_value"},
	})

	transport := client.createStdioTransport(context.Background())
	ct, ok := transport.(*sdkmcp.CommandTransport)
	if !ok {
		t.Fatal("expected sdkmcp.CommandTransport")
	}

	env := ct.Command.Env
	if env == nil {
		t.Fatal("expected non-nil env when config has env vars")
	}

	hasPath := false
	hasCustom := false
	for _, e := range env {
		if strings.HasPrefix(e, "PATH=") {
			hasPath = true
		}
		if e == "CUSTOM_VAR=custom_value" {
			hasCustom = true
		}
	}
	if !hasPath {
		t.Error("parent PATH not inherited in subprocess env")
	}
	if !hasCustom {
		t.Error("custom env var not set")
	}
}

func TestCreateStdioTransport_NoEnvNil(t *testing.T) {
	client := NewClient("test", ServerConfig{Command: "echo", Args: []string{"hello"}})

	transport := client.createStdioTransport(context.Background())
	ct, ok := transport.(*sdkmcp.CommandTransport)
	if !ok {
		t.Fatal("expected sdkmcp.CommandTransport")
	}
	if ct.Command.Env != nil {
		t.Error("expected nil env when no config env vars (inherits parent automatically)")
	}
}

func TestCreateStdioTransport_EnvOverridesParent(t *testing.T) {
	os.Setenv("TEST_MCP_VAR", "original")
	defer os.Unsetenv("TEST_MCP_VAR")

	client := NewClient("test", ServerConfig{
		Command: "echo",
		Env:     map[string]string{"TEST_MCP_VAR": "overridden"},
	})

	transport := client.createStdioTransport(context.Background())
	ct := transport.(*sdkmcp.CommandTransport)

	// Last entry wins in exec.Cmd
	found := false
	for _, e := range ct.Command.Env {
		if e == "TEST_MCP_VAR=overridden" {
			found = true
		}
	}
	if !found {
		t.Error("expected overridden env var in subprocess env")
	}
}

func TestClient_CallToolNotRunning(t *testing.T) {
	client := NewClient("idle", ServerConfig{Command: "echo"})
	if _, err := client.CallTool(context.Background(), "anything", nil); err == nil {
		t.Error("expected error calling a stopped client")
	}
}

func TestClient_StopIdempotent(t *testing.T) {
	client := NewClient("idle", ServerConfig{Command: "echo"})
	if err := client.Stop(); err != nil {
		t.Errorf("Stop() on stopped client error = %v", err)
	}
	if client.IsRunning() {
		t.Error("IsRunning() = true for stopped client")
	}
}

func TestFormatContent(t *testing.T) {
	got := formatContent([]sdkmcp.Content{
		&sdkmcp.TextContent{Text: "part one "},
		&sdkmcp.TextContent{Text: "part two"},
	})
	if got != "part one part two" {
		t.Errorf("formatContent = %q", got)
	}
}
