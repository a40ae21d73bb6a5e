package llm

import (
	"context"
	"encoding/json"
	"sort"
)

// Tool describes a callable capability exposed to the model.
//
// Execute must never surface a fault as a Go error for domain-level failures:
// implementations convert those into a structured `{"error": ...}` result
// string so the model sees one uniform failure shape. A returned error is
// reserved for programming mistakes and is converted to the same shape by the
// engine.
type Tool interface {
	Spec() ToolSpec
	Execute(ctx context.Context, args json.RawMessage) (string, error)
}

// ToolRegistry stores tools by name for execution.
//
// The merged tool list offered to the model is rebuilt per turn: external
// tool servers can connect or disconnect between turns, so specs are never
// cached across turns.
type ToolRegistry struct {
	tools map[string]Tool
}

func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

func (r *ToolRegistry) Register(tool Tool) {
	r.tools[tool.Spec().Name] = tool
}

func (r *ToolRegistry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

func (r *ToolRegistry) Unregister(name string) {
	delete(r.tools, name)
}

func (r *ToolRegistry) Len() int {
	return len(r.tools)
}

// AllSpecs returns the specs for all registered tools, sorted by name so the
// model sees a stable ordering across turns.
func (r *ToolRegistry) AllSpecs() []ToolSpec {
	specs := make([]ToolSpec, 0, len(r.tools))
	for _, tool := range r.tools {
		specs = append(specs, tool.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}

// ErrorResult encodes a tool failure as the uniform `{"error": ...}` payload
// fed back to the model. Marshalling a plain string cannot fail, so the
// fallback is never reached in practice.
func ErrorResult(message string) string {
	data, err := json.Marshal(message)
	if err != nil {
		return `{"error": "internal error"}`
	}
	return `{"error": ` + string(data) + `}`
}
