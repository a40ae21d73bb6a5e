package mcp

import (
	"context"
	"encoding/json"

	"github.com/foundryhq/foundry-agent/internal/llm"
)

// GatewayTool adapts one namespaced gateway tool to the llm.Tool interface.
type GatewayTool struct {
	gateway *Gateway
	spec    llm.ToolSpec
}

func NewGatewayTool(gateway *Gateway, spec llm.ToolSpec) *GatewayTool {
	return &GatewayTool{gateway: gateway, spec: spec}
}

func (t *GatewayTool) Spec() llm.ToolSpec {
	return t.spec
}

// Execute delegates to the gateway. The gateway encodes every fault as an
// error-result payload, so the returned error is always nil.
func (t *GatewayTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	return t.gateway.CallTool(ctx, t.spec.Name, args), nil
}

// RegisterGatewayTools registers every currently-connected server's tools
// into the registry. Called per turn so the merged tool list tracks live
// connections.
func RegisterGatewayTools(gateway *Gateway, registry *llm.ToolRegistry) {
	for _, spec := range gateway.AllTools() {
		registry.Register(NewGatewayTool(gateway, spec))
	}
}

// SyncGatewayTools reconciles the registry's gateway entries with the live
// connection set: stale namespaced tools are dropped, current ones
// (re)registered. Local tools are untouched.
func SyncGatewayTools(gateway *Gateway, registry *llm.ToolRegistry) {
	current := gateway.AllTools()
	live := make(map[string]struct{}, len(current))
	for _, spec := range current {
		live[spec.Name] = struct{}{}
	}
	for _, spec := range registry.AllSpecs() {
		if IsGatewayTool(spec.Name) {
			if _, ok := live[spec.Name]; !ok {
				registry.Unregister(spec.Name)
			}
		}
	}
	for _, spec := range current {
		registry.Register(NewGatewayTool(gateway, spec))
	}
}
