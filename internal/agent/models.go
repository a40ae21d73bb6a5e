package agent

// Model is one entry in the selectable model catalog.
type Model struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Provider string `json:"provider"`
	Default  bool   `json:"default,omitempty"`
}

// Models returns the model catalog offered to clients. Order is the display
// order.
func Models() []Model {
	return []Model{
		{ID: "claude-opus-4-6", Name: "Claude Opus 4.6", Provider: "anthropic"},
		{ID: "claude-sonnet-4-5-20250929", Name: "Claude Sonnet 4.5", Provider: "anthropic", Default: true},
		{ID: "claude-haiku-4-5-20251001", Name: "Claude Haiku 4.5", Provider: "anthropic"},
		{ID: "gpt-5.2", Name: "GPT-5.2", Provider: "openai"},
	}
}

// DefaultModel returns the catalog's default model ID.
func DefaultModel() string {
	for _, m := range Models() {
		if m.Default {
			return m.ID
		}
	}
	return Models()[0].ID
}

// LookupModel resolves a model ID against the catalog.
func LookupModel(id string) (Model, bool) {
	for _, m := range Models() {
		if m.ID == id {
			return m, true
		}
	}
	return Model{}, false
}
