package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/foundryhq/foundry-agent/internal/llm"
)

// ToolPrefix namespaces every gateway tool offered to the model.
const ToolPrefix = "mcp__"

// Status represents the connection state of a managed server.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusFailed       Status = "failed"
)

// ConnectionState is a snapshot of one server's connection.
type ConnectionState struct {
	Name   string
	Status Status
	Error  error
	Tools  int
}

// connection is the live record behind a ConnectionState snapshot.
// Invariant: client is non-nil only while status is connecting or connected,
// and the tool list is only ever read through a connected client.
type connection struct {
	name   string
	status Status
	err    error
	client *Client
}

// Gateway manages external tool server connections and delegates tool calls
// to them. It is process-wide shared state: one gateway serves every
// conversation, so all mutation goes through the mutex.
//
// The gateway's calling contract mirrors the in-process tools: CallTool never
// returns a Go error. Every fault — malformed name, unknown or disconnected
// server, transport failure — comes back as an `{"error": ...}` result string
// fed to the model like any other tool output.
type Gateway struct {
	config *Config
	conns  map[string]*connection
	mu     sync.RWMutex
	logger *slog.Logger
}

func NewGateway(logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		conns:  make(map[string]*connection),
		logger: logger,
	}
}

// LoadConfig loads server definitions from the given path ("" for default).
func (g *Gateway) LoadConfig(path string) error {
	var cfg *Config
	var err error
	if path == "" {
		cfg, err = LoadConfig()
	} else {
		cfg, err = LoadConfigFromPath(path)
	}
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()
	return nil
}

// SetConfig replaces the server definitions directly. Used by tests and by
// callers that manage configuration themselves.
func (g *Gateway) SetConfig(cfg *Config) {
	g.mu.Lock()
	g.config = cfg
	g.mu.Unlock()
}

// ConfiguredServers returns the names of all configured servers.
func (g *Gateway) ConfiguredServers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.config == nil {
		return nil
	}
	return g.config.ServerNames()
}

// Connect establishes a connection to the named server. Connecting to an
// already-connected (or currently connecting) server is a no-op success.
// On failure the connection record carries status failed and the error;
// the returned error is informational for the caller, the agent loop only
// ever sees the recorded state.
func (g *Gateway) Connect(ctx context.Context, name string) error {
	g.mu.Lock()
	if g.config == nil {
		g.mu.Unlock()
		return fmt.Errorf("no MCP configuration loaded")
	}
	serverCfg, ok := g.config.Servers[name]
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("unknown MCP server: %s", name)
	}
	if conn, ok := g.conns[name]; ok {
		if conn.status == StatusConnected || conn.status == StatusConnecting {
			g.mu.Unlock()
			return nil
		}
	}

	client := NewClient(name, serverCfg)
	g.conns[name] = &connection{name: name, status: StatusConnecting, client: client}
	g.mu.Unlock()

	g.logger.Info("connecting to MCP server", "server", name, "transport", serverCfg.TransportType())
	err := client.Start(ctx)

	g.mu.Lock()
	conn := g.conns[name]
	if err != nil {
		conn.status = StatusFailed
		conn.err = err
		conn.client = nil
	} else {
		conn.status = StatusConnected
		conn.err = nil
	}
	g.mu.Unlock()

	if err != nil {
		g.logger.Warn("MCP server connection failed", "server", name, "error", err)
		return err
	}
	g.logger.Info("MCP server connected", "server", name, "tools", len(client.Tools()))
	return nil
}

// Disconnect tears down the named server's connection and clears its tool
// list. Idempotent: disconnecting an unknown or already-disconnected server
// is a no-op.
func (g *Gateway) Disconnect(name string) error {
	g.mu.Lock()
	conn, ok := g.conns[name]
	if !ok {
		g.mu.Unlock()
		return nil
	}
	client := conn.client
	conn.status = StatusDisconnected
	conn.err = nil
	conn.client = nil
	g.mu.Unlock()

	if client == nil {
		return nil
	}
	g.logger.Info("MCP server disconnected", "server", name)
	return client.Stop()
}

// Shutdown disconnects every server. Called once at process teardown.
func (g *Gateway) Shutdown() {
	g.mu.Lock()
	clients := make([]*Client, 0, len(g.conns))
	for _, conn := range g.conns {
		if conn.client != nil {
			clients = append(clients, conn.client)
		}
	}
	g.conns = make(map[string]*connection)
	g.mu.Unlock()

	for _, c := range clients {
		c.Stop()
	}
}

// ServerStatus returns the current status of a server. Unconfigured or
// never-connected servers report disconnected.
func (g *Gateway) ServerStatus(name string) (Status, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	conn, ok := g.conns[name]
	if !ok {
		return StatusDisconnected, nil
	}
	return conn.status, conn.err
}

// States returns a snapshot of every tracked connection, sorted by name.
func (g *Gateway) States() []ConnectionState {
	g.mu.RLock()
	defer g.mu.RUnlock()

	states := make([]ConnectionState, 0, len(g.conns))
	for _, conn := range g.conns {
		state := ConnectionState{Name: conn.name, Status: conn.status, Error: conn.err}
		if conn.status == StatusConnected && conn.client != nil {
			state.Tools = len(conn.client.Tools())
		}
		states = append(states, state)
	}
	sort.Slice(states, func(i, j int) bool { return states[i].Name < states[j].Name })
	return states
}

// AllTools flattens every connected server's tools into namespaced specs for
// the merged registry. Rebuilt on every call: connections change between
// turns.
func (g *Gateway) AllTools() []llm.ToolSpec {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var all []llm.ToolSpec
	for name, conn := range g.conns {
		if conn.status != StatusConnected || conn.client == nil {
			continue
		}
		for _, tool := range conn.client.Tools() {
			all = append(all, llm.ToolSpec{
				Name:        ToolPrefix + name + "__" + tool.Name,
				Description: fmt.Sprintf("[%s] %s", name, tool.Description),
				Schema:      tool.Schema,
			})
		}
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// qualifiedName is the parsed form of an mcp__server__tool name. The textual
// convention stays on the wire for compatibility; internally it is parsed
// exactly once, here.
type qualifiedName struct {
	Server string
	Tool   string
}

// parseToolName splits a namespaced gateway tool name. The second return is
// false for anything that is not a well-formed three-part name.
func parseToolName(full string) (qualifiedName, bool) {
	rest, ok := strings.CutPrefix(full, ToolPrefix)
	if !ok {
		return qualifiedName{}, false
	}
	server, tool, ok := strings.Cut(rest, "__")
	if !ok || server == "" || tool == "" {
		return qualifiedName{}, false
	}
	return qualifiedName{Server: server, Tool: tool}, true
}

// IsGatewayTool reports whether a merged-registry tool name belongs to the
// gateway.
func IsGatewayTool(name string) bool {
	return strings.HasPrefix(name, ToolPrefix)
}

// CallTool routes a namespaced tool call to its owning server. The result is
// always a plain string: faults are encoded as `{"error": ...}` payloads and
// never surface as Go errors.
func (g *Gateway) CallTool(ctx context.Context, fullName string, args json.RawMessage) string {
	qn, ok := parseToolName(fullName)
	if !ok {
		return llm.ErrorResult(fmt.Sprintf("Invalid MCP tool name: %s", fullName))
	}

	g.mu.RLock()
	conn, found := g.conns[qn.Server]
	var client *Client
	if found && conn.status == StatusConnected {
		client = conn.client
	}
	g.mu.RUnlock()

	if client == nil {
		return llm.ErrorResult(fmt.Sprintf("MCP server '%s' is not connected", qn.Server))
	}

	result, err := client.CallTool(ctx, qn.Tool, args)
	if err != nil {
		g.logger.Warn("MCP tool call failed", "server", qn.Server, "tool", qn.Tool, "error", err)
		return llm.ErrorResult(fmt.Sprintf("Tool execution failed: %v", err))
	}
	return result
}
