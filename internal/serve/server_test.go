package serve

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foundryhq/foundry-agent/internal/agent"
	"github.com/foundryhq/foundry-agent/internal/convo"
	"github.com/foundryhq/foundry-agent/internal/llm"
	"github.com/foundryhq/foundry-agent/internal/store"
)

type serverFixture struct {
	ts       *httptest.Server
	store    *store.SQLiteStore
	provider *llm.MockProvider
	project  *store.Project
}

func newServerFixture(t *testing.T) *serverFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foundry.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	ctx := context.Background()
	p := &store.Project{Name: "Acme App", Slug: "acme-app"}
	if err := s.CreateProject(ctx, p); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}
	if err := s.AddMember(ctx, p.ID, "u1", "owner"); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}
	if err := s.AddMember(ctx, p.ID, "u2", "editor"); err != nil {
		t.Fatalf("AddMember() error = %v", err)
	}

	provider := llm.NewMockProvider("anthropic")
	manager := convo.NewManager(s)
	chat := agent.NewChatService(agent.Options{
		Store:     s,
		Convo:     manager,
		Providers: map[string]llm.Provider{"anthropic": provider},
	})
	srv := NewServer(Options{Chat: chat, Store: s, Convo: manager})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return &serverFixture{ts: ts, store: s, provider: provider, project: p}
}

func (f *serverFixture) request(t *testing.T, method, path, user string, body any) *http.Response {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = strings.NewReader(string(b))
	}
	req, err := http.NewRequest(method, f.ts.URL+path, reader)
	if err != nil {
		t.Fatalf("NewRequest() error = %v", err)
	}
	if user != "" {
		req.Header.Set("X-User-ID", user)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request %s %s: %v", method, path, err)
	}
	return resp
}

func decodeBody(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

type sseEvent struct {
	Name string
	Data map[string]any
}

func parseSSE(t *testing.T, body string) []sseEvent {
	t.Helper()
	var events []sseEvent
	var current sseEvent
	for _, line := range strings.Split(body, "\n") {
		switch {
		case strings.HasPrefix(line, "event: "):
			current = sseEvent{Name: strings.TrimPrefix(line, "event: ")}
		case strings.HasPrefix(line, "data: "):
			data := map[string]any{}
			if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &data); err != nil {
				t.Fatalf("bad SSE data line %q: %v", line, err)
			}
			current.Data = data
			events = append(events, current)
		}
	}
	return events
}

func TestHealth(t *testing.T) {
	f := newServerFixture(t)
	resp := f.request(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body := decodeBody(t, resp); body["status"] != "ok" {
		t.Errorf("body = %v", body)
	}
}

func TestModels_RequiresIdentity(t *testing.T) {
	f := newServerFixture(t)

	resp := f.request(t, http.MethodGet, "/api/ai/models", "", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", resp.StatusCode)
	}

	resp = f.request(t, http.MethodGet, "/api/ai/models", "u1", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	body := decodeBody(t, resp)
	models, ok := body["models"].([]any)
	if !ok || len(models) != len(agent.Models()) {
		t.Errorf("models = %v", body["models"])
	}
}

func TestChat_SSEWireShape(t *testing.T) {
	f := newServerFixture(t)
	f.provider.AddToolCall("t1", "get_ideas", map[string]any{})
	f.provider.AddTextResponse("No ideas yet.")

	resp := f.request(t, http.MethodPost, "/api/ai/chat", "u1", map[string]any{
		"project_id": f.project.ID,
		"message":    "What ideas exist?",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	events := parseSSE(t, string(raw))
	if len(events) < 3 {
		t.Fatalf("events = %+v", events)
	}

	if events[0].Name != "tool_use_start" {
		t.Errorf("events[0] = %+v", events[0])
	}
	if events[0].Data["name"] != "get_ideas" || events[0].Data["callId"] != "t1" {
		t.Errorf("tool_use_start data = %v", events[0].Data)
	}
	if events[1].Name != "tool_use" || events[1].Data["name"] != "get_ideas" {
		t.Errorf("events[1] = %+v", events[1])
	}

	last := events[len(events)-1]
	if last.Name != "done" {
		t.Fatalf("terminal event = %+v", last)
	}
	if last.Data["model"] != agent.DefaultModel() || last.Data["conversationId"] == "" {
		t.Errorf("done data = %v", last.Data)
	}

	var text strings.Builder
	for _, ev := range events[2 : len(events)-1] {
		if ev.Name != "text" {
			t.Errorf("unexpected mid-stream event %+v", ev)
			continue
		}
		text.WriteString(ev.Data["text"].(string))
	}
	if text.String() != "No ideas yet." {
		t.Errorf("assembled text = %q", text.String())
	}
}

func TestChat_Validation(t *testing.T) {
	f := newServerFixture(t)

	resp := f.request(t, http.MethodPost, "/api/ai/chat", "u1", map[string]any{
		"project_id": f.project.ID,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("empty message status = %d, want 400", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/api/ai/chat", "intruder", map[string]any{
		"project_id": f.project.ID,
		"message":    "hi",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("non-member status = %d, want 403", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodPost, f.ts.URL+"/api/ai/chat", strings.NewReader("message=hi"))
	req.Header.Set("X-User-ID", "u1")
	req.Header.Set("Content-Type", "text/plain")
	raw, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("request error = %v", err)
	}
	raw.Body.Close()
	if raw.StatusCode != http.StatusUnsupportedMediaType {
		t.Errorf("wrong content type status = %d, want 415", raw.StatusCode)
	}
}

func TestChat_ErrorEvent(t *testing.T) {
	f := newServerFixture(t)
	f.provider.AddError(fmt.Errorf("429 too many requests"))

	resp := f.request(t, http.MethodPost, "/api/ai/chat", "u1", map[string]any{
		"project_id": f.project.ID,
		"message":    "hi",
	})
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	events := parseSSE(t, string(raw))
	if len(events) != 1 || events[0].Name != "error" {
		t.Fatalf("events = %+v, want single error", events)
	}
	if msg := events[0].Data["message"].(string); !strings.Contains(msg, "rate limiting") {
		t.Errorf("message = %q", msg)
	}
}

func TestSessionLifecycle(t *testing.T) {
	f := newServerFixture(t)
	f.provider.AddTextResponse("Hello!")

	sessionPath := "/api/ai/session?project_id=" + f.project.ID

	resp := f.request(t, http.MethodGet, sessionPath, "u1", nil)
	body := decodeBody(t, resp)
	if body["conversation"] != nil {
		t.Errorf("fresh session conversation = %v, want null", body["conversation"])
	}

	chat := f.request(t, http.MethodPost, "/api/ai/chat", "u1", map[string]any{
		"project_id": f.project.ID,
		"message":    "hi",
	})
	io.Copy(io.Discard, chat.Body)
	chat.Body.Close()

	resp = f.request(t, http.MethodGet, sessionPath, "u1", nil)
	body = decodeBody(t, resp)
	conv, ok := body["conversation"].(map[string]any)
	if !ok {
		t.Fatalf("conversation = %v", body["conversation"])
	}
	if conv["messageCount"].(float64) != 2 {
		t.Errorf("messageCount = %v", conv["messageCount"])
	}
	messages := body["messages"].([]any)
	if len(messages) != 2 {
		t.Fatalf("messages = %v", messages)
	}
	first := messages[0].(map[string]any)
	if first["role"] != "user" || first["text"] != "hi" {
		t.Errorf("first message = %v", first)
	}

	del := f.request(t, http.MethodDelete, sessionPath, "u1", nil)
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("clear status = %d, want 204", del.StatusCode)
	}

	// Soft reset: history survives the cache eviction.
	resp = f.request(t, http.MethodGet, sessionPath, "u1", nil)
	body = decodeBody(t, resp)
	if body["conversation"] == nil {
		t.Error("history lost after session clear")
	}

	created := f.request(t, http.MethodPost, "/api/ai/session", "u1", map[string]any{
		"project_id": f.project.ID,
	})
	if created.StatusCode != http.StatusCreated {
		t.Fatalf("new session status = %d", created.StatusCode)
	}
	newID := decodeBody(t, created)["conversationId"].(string)
	if newID == "" || newID == conv["id"] {
		t.Errorf("new conversation id = %q", newID)
	}
}

func TestConversationRoutes(t *testing.T) {
	f := newServerFixture(t)
	f.provider.AddTextResponse("Answer one.")

	chat := f.request(t, http.MethodPost, "/api/ai/chat", "u1", map[string]any{
		"project_id": f.project.ID,
		"message":    "Question one",
	})
	io.Copy(io.Discard, chat.Body)
	chat.Body.Close()

	listPath := "/api/ai/conversations?project_id=" + f.project.ID
	resp := f.request(t, http.MethodGet, listPath, "u1", nil)
	conversations := decodeBody(t, resp)["conversations"].([]any)
	if len(conversations) != 1 {
		t.Fatalf("conversations = %v", conversations)
	}
	convID := conversations[0].(map[string]any)["id"].(string)

	resp = f.request(t, http.MethodGet, "/api/ai/conversations/"+convID+"?project_id="+f.project.ID, "u1", nil)
	body := decodeBody(t, resp)
	if len(body["messages"].([]any)) != 2 {
		t.Errorf("messages = %v", body["messages"])
	}

	// Another member cannot see it: conversations are per user.
	resp = f.request(t, http.MethodGet, "/api/ai/conversations/"+convID+"?project_id="+f.project.ID, "u2", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("other user get status = %d, want 404", resp.StatusCode)
	}

	longTitle := strings.Repeat("t", 250)
	resp = f.request(t, http.MethodPatch, "/api/ai/conversations/"+convID, "u1", map[string]any{
		"project_id": f.project.ID,
		"title":      "  " + longTitle + "  ",
	})
	body = decodeBody(t, resp)
	if got := body["title"].(string); len(got) != 200 {
		t.Errorf("renamed title length = %d, want 200", len(got))
	}

	resp = f.request(t, http.MethodPost, "/api/ai/conversations/"+convID+"/resume", "u2", map[string]any{
		"project_id": f.project.ID,
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("other user resume status = %d, want 404", resp.StatusCode)
	}

	resp = f.request(t, http.MethodPost, "/api/ai/conversations/"+convID+"/resume", "u1", map[string]any{
		"project_id": f.project.ID,
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	if decodeBody(t, resp)["conversationId"] != convID {
		t.Error("resume returned wrong conversation")
	}

	del := f.request(t, http.MethodDelete, "/api/ai/conversations/"+convID+"?project_id="+f.project.ID, "u1", nil)
	del.Body.Close()
	if del.StatusCode != http.StatusNoContent {
		t.Errorf("delete status = %d", del.StatusCode)
	}
	resp = f.request(t, http.MethodGet, "/api/ai/conversations/"+convID+"?project_id="+f.project.ID, "u1", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("deleted conversation get status = %d, want 404", resp.StatusCode)
	}
}
