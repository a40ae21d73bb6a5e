package tools

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foundryhq/foundry-agent/internal/llm"
	"github.com/foundryhq/foundry-agent/internal/recall"
	"github.com/foundryhq/foundry-agent/internal/store"
)

func newFixture(t *testing.T) (Deps, Context, *store.SQLiteStore) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foundry.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	p := &store.Project{Name: "Acme App", Slug: "acme-app", Description: "demo"}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	deps := Deps{Store: s, Recall: recall.NewClient("", nil)}
	tc := Context{ProjectID: p.ID, ProjectSlug: p.Slug, UserID: "u1"}
	return deps, tc, s
}

func execute(t *testing.T, deps Deps, tc Context, name, args string) string {
	t.Helper()
	registry := llm.NewToolRegistry()
	Register(registry, deps, tc)
	tool, ok := registry.Get(name)
	if !ok {
		t.Fatalf("tool %q not registered", name)
	}
	result, err := tool.Execute(context.Background(), json.RawMessage(args))
	if err != nil {
		t.Fatalf("Execute(%s) returned Go error %v; tools must encode faults as results", name, err)
	}
	return result
}

func TestRegister_FullCatalog(t *testing.T) {
	deps, tc, _ := newFixture(t)
	registry := llm.NewToolRegistry()
	Register(registry, deps, tc)

	want := []string{
		"create_idea", "get_canvas_components", "get_deploy_config", "get_ideas",
		"get_knowledge_context", "get_project_summary", "get_scaffold_job",
		"list_canvases", "search_ideas", "store_knowledge_note",
	}
	specs := registry.AllSpecs()
	if len(specs) != len(want) {
		t.Fatalf("registered %d tools, want %d", len(specs), len(want))
	}
	for i, spec := range specs {
		if spec.Name != want[i] {
			t.Errorf("specs[%d].Name = %q, want %q", i, spec.Name, want[i])
		}
	}
}

func TestProjectSummary(t *testing.T) {
	deps, tc, s := newFixture(t)
	ctx := context.Background()
	s.CreateCanvas(ctx, &store.Canvas{ProjectID: tc.ProjectID, Name: "Main"})
	s.CreateIdea(ctx, &store.Idea{ProjectID: tc.ProjectID, Title: "One"})
	s.CreateIdea(ctx, &store.Idea{ProjectID: tc.ProjectID, Title: "Two"})

	result := execute(t, deps, tc, "get_project_summary", `{}`)

	var summary map[string]any
	if err := json.Unmarshal([]byte(result), &summary); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if summary["name"] != "Acme App" || summary["slug"] != "acme-app" {
		t.Errorf("summary = %v", summary)
	}
	if summary["canvas_count"].(float64) != 1 || summary["idea_count"].(float64) != 2 {
		t.Errorf("counts = %v", summary)
	}
}

func TestGetIdeas_EmptyIsArray(t *testing.T) {
	deps, tc, _ := newFixture(t)
	result := execute(t, deps, tc, "get_ideas", `{}`)
	if result != "[]" {
		t.Errorf("get_ideas on empty project = %q, want []", result)
	}
}

func TestSearchIdeas(t *testing.T) {
	deps, tc, s := newFixture(t)
	s.CreateIdea(context.Background(), &store.Idea{
		ProjectID: tc.ProjectID, Title: "Add OAuth login", Description: "social auth",
	})

	result := execute(t, deps, tc, "search_ideas", `{"query": "oauth"}`)
	if !strings.Contains(result, "Add OAuth login") {
		t.Errorf("search result = %q", result)
	}

	missing := execute(t, deps, tc, "search_ideas", `{}`)
	if want := `{"error": "query is required"}`; missing != want {
		t.Errorf("missing query result = %q, want %q", missing, want)
	}
}

func TestCreateIdea(t *testing.T) {
	deps, tc, s := newFixture(t)

	result := execute(t, deps, tc, "create_idea", `{"title": "Dark mode", "description": "theme toggle"}`)
	var created map[string]any
	if err := json.Unmarshal([]byte(result), &created); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if created["title"] != "Dark mode" || created["status"] != "open" {
		t.Errorf("created = %v", created)
	}

	ideas, _ := s.ListIdeas(context.Background(), tc.ProjectID, 0)
	if len(ideas) != 1 || ideas[0].CreatedBy != "u1" {
		t.Errorf("persisted ideas = %+v", ideas)
	}
}

func TestCanvasComponents(t *testing.T) {
	deps, tc, s := newFixture(t)
	ctx := context.Background()
	canvas := &store.Canvas{ProjectID: tc.ProjectID, Name: "Arch"}
	s.CreateCanvas(ctx, canvas)
	s.AddCanvasComponent(ctx, &store.CanvasComponent{CanvasID: canvas.ID, Type: "service", Label: "api"})

	result := execute(t, deps, tc, "get_canvas_components", `{"canvas_id": "`+canvas.ID+`"}`)
	if !strings.Contains(result, `"api"`) {
		t.Errorf("components = %q", result)
	}

	empty := execute(t, deps, tc, "get_canvas_components", `{"canvas_id": "nope"}`)
	if empty != "[]" {
		t.Errorf("unknown canvas = %q, want []", empty)
	}
}

func TestScaffoldJob_NotFoundIsErrorResult(t *testing.T) {
	deps, tc, _ := newFixture(t)
	result := execute(t, deps, tc, "get_scaffold_job", `{"job_id": "missing"}`)
	if want := `{"error": "Scaffold job not found: missing"}`; result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
}

func TestDeployConfig_RendersYAML(t *testing.T) {
	deps, tc, s := newFixture(t)
	s.SetDeployConfig(context.Background(), &store.DeployConfig{
		ProjectID: tc.ProjectID,
		Target:    "docker-compose",
		Services:  []store.DeployService{{Name: "api", Image: "acme/api", Port: 8080}},
	})

	result := execute(t, deps, tc, "get_deploy_config", `{}`)
	if !strings.Contains(result, "target: docker-compose") {
		t.Errorf("yaml = %q", result)
	}
	if !strings.Contains(result, "image: acme/api") {
		t.Errorf("yaml missing service: %q", result)
	}

	tcOther := Context{ProjectID: "other", ProjectSlug: "other", UserID: "u1"}
	missing := execute(t, deps, tcOther, "get_deploy_config", `{}`)
	if want := `{"error": "No deploy config set for this project"}`; missing != want {
		t.Errorf("missing config = %q, want %q", missing, want)
	}
}

func TestKnowledgeContext(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"context": "The team deploys on Fridays."}`))
	}))
	defer server.Close()

	deps, tc, _ := newFixture(t)
	deps.Recall = recall.NewClient(server.URL, nil)

	result := execute(t, deps, tc, "get_knowledge_context", `{"query": "deploy habits"}`)
	if result != "The team deploys on Fridays." {
		t.Errorf("result = %q", result)
	}

	// Unconfigured recall degrades to a benign answer, never a fault.
	deps.Recall = recall.NewClient("", nil)
	degraded := execute(t, deps, tc, "get_knowledge_context", `{"query": "anything"}`)
	if degraded != "No additional context available." {
		t.Errorf("degraded result = %q", degraded)
	}
}

func TestStoreKnowledgeNote(t *testing.T) {
	var note recall.Note
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&note)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	deps, tc, _ := newFixture(t)
	deps.Recall = recall.NewClient(server.URL, nil)

	result := execute(t, deps, tc, "store_knowledge_note", `{"content": "Uses trunk-based dev", "tags": ["process"]}`)
	if !strings.Contains(result, `"stored":true`) {
		t.Errorf("result = %q", result)
	}
	if note.Domain != "foundry:acme-app" {
		t.Errorf("note domain = %q, want foundry:acme-app", note.Domain)
	}

	// Unreachable store surfaces as an error result the model can read.
	deps.Recall = recall.NewClient("", nil)
	failed := execute(t, deps, tc, "store_knowledge_note", `{"content": "x"}`)
	if !strings.HasPrefix(failed, `{"error": "Tool execution failed:`) {
		t.Errorf("failed store = %q", failed)
	}
}
