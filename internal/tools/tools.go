// Package tools is the in-process tool catalog: a closed set of named tools
// dispatching directly against the data layer and the knowledge store.
// Dispatch never leaves the process and never lets a fault escape — every
// failure comes back as an `{"error": ...}` result string.
package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/foundryhq/foundry-agent/internal/llm"
	"github.com/foundryhq/foundry-agent/internal/recall"
	"github.com/foundryhq/foundry-agent/internal/store"
	"gopkg.in/yaml.v3"
)

// Context carries the acting request's scope into every tool call.
type Context struct {
	ProjectID   string
	ProjectSlug string
	UserID      string
}

// KnowledgeDomain is the recall namespace for this project.
func (c Context) KnowledgeDomain() string {
	return "foundry:" + c.ProjectSlug
}

// Deps are the collaborators local tools read from and write to.
type Deps struct {
	Store  *store.SQLiteStore
	Recall *recall.Client
}

type handlerFunc func(ctx context.Context, args json.RawMessage) (string, error)

// localTool binds one spec to its typed handler. The handler's returned
// error is converted to the uniform error-result shape in Execute, so the
// engine sees one failure contract for every tool regardless of provenance.
type localTool struct {
	spec llm.ToolSpec
	run  handlerFunc
}

func (t *localTool) Spec() llm.ToolSpec {
	return t.spec
}

func (t *localTool) Execute(ctx context.Context, args json.RawMessage) (string, error) {
	result, err := t.run(ctx, args)
	if err != nil {
		return llm.ErrorResult(fmt.Sprintf("Tool execution failed: %v", err)), nil
	}
	return result, nil
}

// Register installs the full local catalog into the registry, bound to the
// request's project and user scope.
func Register(registry *llm.ToolRegistry, deps Deps, tc Context) {
	for _, tool := range catalog(deps, tc) {
		registry.Register(tool)
	}
}

// Names returns the local catalog's tool names, for status output.
func Names() []string {
	var names []string
	for _, tool := range catalog(Deps{}, Context{}) {
		names = append(names, tool.spec.Name)
	}
	return names
}

func catalog(deps Deps, tc Context) []*localTool {
	return []*localTool{
		projectSummaryTool(deps, tc),
		listCanvasesTool(deps, tc),
		canvasComponentsTool(deps, tc),
		getIdeasTool(deps, tc),
		searchIdeasTool(deps, tc),
		createIdeaTool(deps, tc),
		scaffoldJobTool(deps, tc),
		deployConfigTool(deps, tc),
		knowledgeContextTool(deps, tc),
		storeKnowledgeNoteTool(deps, tc),
	}
}

func objectSchema(properties map[string]interface{}, required ...string) map[string]interface{} {
	schema := map[string]interface{}{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func marshalResult(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("serialize result: %w", err)
	}
	return string(data), nil
}

func projectSummaryTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "get_project_summary",
			Description: "Get the current project's name, slug, description, and content counts",
			Schema:      objectSchema(map[string]interface{}{}),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			project, err := deps.Store.GetProject(ctx, tc.ProjectID)
			if err != nil {
				return "", err
			}
			if project == nil {
				return llm.ErrorResult(fmt.Sprintf("Project not found: %s", tc.ProjectID)), nil
			}

			canvases, err := deps.Store.ListCanvases(ctx, tc.ProjectID)
			if err != nil {
				return "", err
			}
			ideas, err := deps.Store.ListIdeas(ctx, tc.ProjectID, 0)
			if err != nil {
				return "", err
			}

			return marshalResult(map[string]any{
				"id":           project.ID,
				"name":         project.Name,
				"slug":         project.Slug,
				"description":  project.Description,
				"canvas_count": len(canvases),
				"idea_count":   len(ideas),
			})
		},
	}
}

func listCanvasesTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "list_canvases",
			Description: "List the project's canvases with their ids, names, and kinds",
			Schema:      objectSchema(map[string]interface{}{}),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			canvases, err := deps.Store.ListCanvases(ctx, tc.ProjectID)
			if err != nil {
				return "", err
			}
			if canvases == nil {
				canvases = []store.Canvas{}
			}
			return marshalResult(canvases)
		},
	}
}

func canvasComponentsTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "get_canvas_components",
			Description: "Get the components placed on one canvas, in position order",
			Schema: objectSchema(map[string]interface{}{
				"canvas_id": map[string]interface{}{
					"type":        "string",
					"description": "Canvas id from list_canvases",
				},
			}, "canvas_id"),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				CanvasID string `json:"canvas_id"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if input.CanvasID == "" {
				return llm.ErrorResult("canvas_id is required"), nil
			}

			components, err := deps.Store.GetCanvasComponents(ctx, input.CanvasID)
			if err != nil {
				return "", err
			}
			if components == nil {
				components = []store.CanvasComponent{}
			}
			return marshalResult(components)
		},
	}
}

func getIdeasTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "get_ideas",
			Description: "List the project's captured ideas, newest first",
			Schema: objectSchema(map[string]interface{}{
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of ideas to return (default 50)",
				},
			}),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Limit int `json:"limit"`
			}
			if len(args) > 0 {
				if err := json.Unmarshal(args, &input); err != nil {
					return "", fmt.Errorf("invalid arguments: %w", err)
				}
			}

			ideas, err := deps.Store.ListIdeas(ctx, tc.ProjectID, input.Limit)
			if err != nil {
				return "", err
			}
			if ideas == nil {
				ideas = []store.Idea{}
			}
			return marshalResult(ideas)
		},
	}
}

func searchIdeasTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "search_ideas",
			Description: "Full-text search over the project's ideas",
			Schema: objectSchema(map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "Search terms",
				},
				"limit": map[string]interface{}{
					"type":        "integer",
					"description": "Maximum number of matches (default 20)",
				},
			}, "query"),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Query string `json:"query"`
				Limit int    `json:"limit"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if input.Query == "" {
				return llm.ErrorResult("query is required"), nil
			}

			results, err := deps.Store.SearchIdeas(ctx, tc.ProjectID, input.Query, input.Limit)
			if err != nil {
				return "", err
			}
			if results == nil {
				results = []store.IdeaSearchResult{}
			}
			return marshalResult(results)
		},
	}
}

func createIdeaTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "create_idea",
			Description: "Capture a new idea on the project",
			Schema: objectSchema(map[string]interface{}{
				"title": map[string]interface{}{
					"type":        "string",
					"description": "Short idea title",
				},
				"description": map[string]interface{}{
					"type":        "string",
					"description": "Longer explanation of the idea",
				},
			}, "title"),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Title       string `json:"title"`
				Description string `json:"description"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if input.Title == "" {
				return llm.ErrorResult("title is required"), nil
			}

			idea := &store.Idea{
				ProjectID:   tc.ProjectID,
				Title:       input.Title,
				Description: input.Description,
				CreatedBy:   tc.UserID,
			}
			if err := deps.Store.CreateIdea(ctx, idea); err != nil {
				return "", err
			}
			return marshalResult(map[string]any{
				"id":     idea.ID,
				"title":  idea.Title,
				"status": idea.Status,
			})
		},
	}
}

func scaffoldJobTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "get_scaffold_job",
			Description: "Get the status and build log of a scaffold job for this project",
			Schema: objectSchema(map[string]interface{}{
				"job_id": map[string]interface{}{
					"type":        "string",
					"description": "Scaffold job id",
				},
			}, "job_id"),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				JobID string `json:"job_id"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if input.JobID == "" {
				return llm.ErrorResult("job_id is required"), nil
			}

			job, err := deps.Store.GetScaffoldJob(ctx, input.JobID, tc.ProjectID)
			if err != nil {
				return "", err
			}
			if job == nil {
				return llm.ErrorResult(fmt.Sprintf("Scaffold job not found: %s", input.JobID)), nil
			}
			return marshalResult(job)
		},
	}
}

func deployConfigTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "get_deploy_config",
			Description: "Get the project's deployment configuration rendered as YAML",
			Schema:      objectSchema(map[string]interface{}{}),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			cfg, err := deps.Store.GetDeployConfig(ctx, tc.ProjectID)
			if err != nil {
				return "", err
			}
			if cfg == nil {
				return llm.ErrorResult("No deploy config set for this project"), nil
			}

			rendered, err := yaml.Marshal(cfg)
			if err != nil {
				return "", fmt.Errorf("render deploy config: %w", err)
			}
			return string(rendered), nil
		},
	}
}

func knowledgeContextTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "get_knowledge_context",
			Description: "Retrieve background knowledge about this project from the knowledge store",
			Schema: objectSchema(map[string]interface{}{
				"query": map[string]interface{}{
					"type":        "string",
					"description": "What to look up",
				},
				"max_tokens": map[string]interface{}{
					"type":        "integer",
					"description": "Context size cap (default 1000)",
				},
			}, "query"),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Query     string `json:"query"`
				MaxTokens int    `json:"max_tokens"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if input.Query == "" {
				return llm.ErrorResult("query is required"), nil
			}

			// Best-effort like the system-prompt fetch: an empty answer is a
			// valid result, not a failure.
			text := deps.Recall.FetchContext(ctx, input.Query, input.MaxTokens)
			if text == "" {
				return "No additional context available.", nil
			}
			return text, nil
		},
	}
}

func storeKnowledgeNoteTool(deps Deps, tc Context) *localTool {
	return &localTool{
		spec: llm.ToolSpec{
			Name:        "store_knowledge_note",
			Description: "Save a fact about this project to the knowledge store for future conversations",
			Schema: objectSchema(map[string]interface{}{
				"content": map[string]interface{}{
					"type":        "string",
					"description": "The fact to remember",
				},
				"tags": map[string]interface{}{
					"type":        "array",
					"items":       map[string]interface{}{"type": "string"},
					"description": "Optional labels for the note",
				},
			}, "content"),
		},
		run: func(ctx context.Context, args json.RawMessage) (string, error) {
			var input struct {
				Content string   `json:"content"`
				Tags    []string `json:"tags"`
			}
			if err := json.Unmarshal(args, &input); err != nil {
				return "", fmt.Errorf("invalid arguments: %w", err)
			}
			if input.Content == "" {
				return llm.ErrorResult("content is required"), nil
			}

			err := deps.Recall.StoreNote(ctx, recall.Note{
				Content: input.Content,
				Domain:  tc.KnowledgeDomain(),
				Tags:    input.Tags,
			})
			if err != nil {
				return "", err
			}
			return marshalResult(map[string]any{"stored": true, "domain": tc.KnowledgeDomain()})
		},
	}
}
