package agent

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/foundryhq/foundry-agent/internal/convo"
	"github.com/foundryhq/foundry-agent/internal/llm"
	"github.com/foundryhq/foundry-agent/internal/mcp"
	"github.com/foundryhq/foundry-agent/internal/store"
)

type fixture struct {
	store    *store.SQLiteStore
	convo    *convo.Manager
	provider *llm.MockProvider
	service  *ChatService
	project  *store.Project
}

func newServiceFixture(t *testing.T) *fixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "foundry.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	p := &store.Project{Name: "Acme App", Slug: "acme-app"}
	if err := s.CreateProject(context.Background(), p); err != nil {
		t.Fatalf("CreateProject() error = %v", err)
	}

	provider := llm.NewMockProvider("anthropic")
	manager := convo.NewManager(s)
	svc := NewChatService(Options{
		Store:     s,
		Convo:     manager,
		Providers: map[string]llm.Provider{"anthropic": provider},
	})
	return &fixture{store: s, convo: manager, provider: provider, service: svc, project: p}
}

func (f *fixture) chat(t *testing.T, req ChatRequest) []Event {
	t.Helper()
	if req.UserID == "" {
		req.UserID = "u1"
	}
	if req.ProjectID == "" {
		req.ProjectID = f.project.ID
	}
	var events []Event
	f.service.Chat(context.Background(), req, func(ev Event) {
		events = append(events, ev)
	})
	if len(events) == 0 {
		t.Fatal("chat produced no events")
	}
	return events
}

func eventTypes(events []Event) []EventType {
	types := make([]EventType, len(events))
	for i, ev := range events {
		types[i] = ev.Type
	}
	return types
}

func TestChat_PlainTextTurn(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddTextResponse("Hello! I can help with your project.")

	events := f.chat(t, ChatRequest{Message: "Hi"})

	last := events[len(events)-1]
	if last.Type != EventDone {
		t.Fatalf("terminal event = %+v, want done", last)
	}
	if last.Model != DefaultModel() || last.ConversationID == "" {
		t.Errorf("done event = %+v", last)
	}

	var text strings.Builder
	for _, ev := range events[:len(events)-1] {
		if ev.Type != EventText {
			t.Errorf("unexpected event before done: %+v", ev)
			continue
		}
		text.WriteString(ev.Text)
	}
	if text.String() != "Hello! I can help with your project." {
		t.Errorf("assembled text = %q", text.String())
	}
}

func TestChat_ToolCallEventOrder(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddToolCall("t1", "get_ideas", map[string]any{})
	f.provider.AddTextResponse("No ideas yet.")

	events := f.chat(t, ChatRequest{Message: "What ideas exist?"})

	types := eventTypes(events)
	if types[0] != EventToolUseStart || types[1] != EventToolUse {
		t.Fatalf("event order = %v", types)
	}
	if events[0].ToolName != "get_ideas" || events[0].CallID != "t1" {
		t.Errorf("tool_use_start = %+v", events[0])
	}
	if events[1].ToolName != "get_ideas" {
		t.Errorf("tool_use = %+v", events[1])
	}
	if types[len(types)-1] != EventDone {
		t.Errorf("terminal event = %v", types[len(types)-1])
	}
	sawText := false
	for _, typ := range types[2 : len(types)-1] {
		if typ == EventText {
			sawText = true
		}
	}
	if !sawText {
		t.Error("expected text fragments after tool events")
	}
}

func TestChat_MessageCountGrowsByTwoPerPlainTurn(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddTextResponse("First answer.")
	f.provider.AddTextResponse("Second answer.")

	first := f.chat(t, ChatRequest{Message: "One"})
	second := f.chat(t, ChatRequest{Message: "Two"})

	firstDone := first[len(first)-1]
	secondDone := second[len(second)-1]
	if firstDone.ConversationID != secondDone.ConversationID {
		t.Fatalf("conversation changed between turns: %q vs %q",
			firstDone.ConversationID, secondDone.ConversationID)
	}

	conv, err := f.store.FindConversation(context.Background(), firstDone.ConversationID, "u1", f.project.ID)
	if err != nil || conv == nil {
		t.Fatalf("FindConversation() = %v, %v", conv, err)
	}
	if conv.MessageCount != 4 {
		t.Errorf("message_count = %d, want 4", conv.MessageCount)
	}
}

func TestChat_SystemPromptAndPageContext(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddTextResponse("ok")

	f.chat(t, ChatRequest{Message: "What is here?", PageContext: "Canvas"})

	if len(f.provider.Requests) != 1 {
		t.Fatalf("recorded %d requests, want 1", len(f.provider.Requests))
	}
	req := f.provider.Requests[0]
	if req.Messages[0].Role != llm.RoleSystem {
		t.Fatalf("first message role = %s, want system", req.Messages[0].Role)
	}
	system := req.Messages[0].TextContent()
	if !strings.Contains(system, "Acme App") || !strings.Contains(system, "foundry:acme-app") {
		t.Errorf("system prompt = %q", system)
	}
	user := req.Messages[len(req.Messages)-1].TextContent()
	if !strings.HasPrefix(user, "[User is on the 'Canvas' page]") {
		t.Errorf("user message = %q", user)
	}

	if len(req.Tools) == 0 {
		t.Error("expected local tool specs in the request")
	}
}

func TestChat_FailureRollsBackMemoryOnly(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddError(errors.New("401 authentication_error: invalid x-api-key"))

	events := f.chat(t, ChatRequest{Message: "Hello?"})

	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v, want single error", events)
	}
	if !strings.Contains(events[0].Message, "credentials") {
		t.Errorf("error message = %q, want credential wording", events[0].Message)
	}

	// The durable log keeps the user message; the cached history dropped it.
	ctx := context.Background()
	conv, err := f.store.LatestConversation(ctx, "u1", f.project.ID)
	if err != nil || conv == nil {
		t.Fatalf("LatestConversation() = %v, %v", conv, err)
	}
	rows, err := f.store.GetMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("GetMessages() error = %v", err)
	}
	if len(rows) != 1 {
		t.Fatalf("persisted rows = %d, want 1", len(rows))
	}

	sess, err := f.convo.Ensure(ctx, "u1", f.project.ID, "", "")
	if err != nil {
		t.Fatalf("Ensure() error = %v", err)
	}
	sess.Lock()
	defer sess.Unlock()
	if sess.Len() != 0 {
		t.Errorf("in-memory history = %d messages, want 0 after rollback", sess.Len())
	}
}

func TestChat_RateLimitWording(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddError(errors.New("429 too many requests"))

	events := f.chat(t, ChatRequest{Message: "Hi"})
	if events[0].Type != EventError || !strings.Contains(events[0].Message, "rate limiting") {
		t.Errorf("events = %+v, want rate-limit error wording", events)
	}
}

func TestChat_UnknownModel(t *testing.T) {
	f := newServiceFixture(t)
	events := f.chat(t, ChatRequest{Message: "Hi", Model: "gpt-1"})
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v", events)
	}
	if events[0].Message != "Unknown model: gpt-1" {
		t.Errorf("message = %q", events[0].Message)
	}
}

func TestChat_ModelWithoutProvider(t *testing.T) {
	f := newServiceFixture(t)
	events := f.chat(t, ChatRequest{Message: "Hi", Model: "gpt-5.2"})
	if len(events) != 1 || events[0].Type != EventError {
		t.Fatalf("events = %+v", events)
	}
	if !strings.Contains(events[0].Message, "No provider configured") {
		t.Errorf("message = %q", events[0].Message)
	}
}

func TestChat_ProjectNotFound(t *testing.T) {
	f := newServiceFixture(t)
	events := f.chat(t, ChatRequest{Message: "Hi", ProjectID: "nope"})
	if len(events) != 1 || events[0].Type != EventError || events[0].Message != "Project not found" {
		t.Fatalf("events = %+v", events)
	}
}

func TestChat_UnknownToolStillCompletes(t *testing.T) {
	f := newServiceFixture(t)
	f.provider.AddToolCall("t1", "launch_rocket", map[string]any{})
	f.provider.AddTextResponse("That tool does not exist.")

	events := f.chat(t, ChatRequest{Message: "Launch it"})
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("terminal event = %+v, want done", events[len(events)-1])
	}

	// The folded tool result carries the error payload for the model.
	conv, _ := f.store.LatestConversation(context.Background(), "u1", f.project.ID)
	rows, _ := f.store.GetMessages(context.Background(), conv.ID)
	found := false
	for _, row := range rows {
		for _, part := range row.Parts {
			if part.Type == llm.PartToolResult && part.ToolResult != nil {
				if part.ToolResult.Content == `{"error": "Unknown tool: launch_rocket"}` {
					found = true
				}
			}
		}
	}
	if !found {
		t.Error("expected persisted error-payload tool result")
	}
}

func TestChat_UnconnectedServerToolResult(t *testing.T) {
	f := newServiceFixture(t)
	gateway := mcp.NewGateway(nil)
	gateway.SetConfig(&mcp.Config{})
	f.service.gateway = gateway

	f.provider.AddToolCall("t1", "mcp__search__query", map[string]any{"query": "roadmap"})
	f.provider.AddTextResponse("The search server is offline.")

	events := f.chat(t, ChatRequest{Message: "Search the docs"})
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("terminal event = %+v, want done", events[len(events)-1])
	}

	// The gateway, not the registry, answers for namespaced names: the model
	// must see the not-connected payload rather than an unknown-tool one.
	conv, _ := f.store.LatestConversation(context.Background(), "u1", f.project.ID)
	rows, _ := f.store.GetMessages(context.Background(), conv.ID)
	var got string
	for _, row := range rows {
		for _, part := range row.Parts {
			if part.Type == llm.PartToolResult && part.ToolResult != nil {
				got = part.ToolResult.Content
			}
		}
	}
	if want := `{"error": "MCP server 'search' is not connected"}`; got != want {
		t.Errorf("tool result = %q, want %q", got, want)
	}
}

func TestChat_MalformedGatewayNameToolResult(t *testing.T) {
	f := newServiceFixture(t)
	f.service.gateway = mcp.NewGateway(nil)

	f.provider.AddToolCall("t1", "mcp____query", map[string]any{})
	f.provider.AddTextResponse("That name is malformed.")

	events := f.chat(t, ChatRequest{Message: "Try it"})
	if events[len(events)-1].Type != EventDone {
		t.Fatalf("terminal event = %+v, want done", events[len(events)-1])
	}

	conv, _ := f.store.LatestConversation(context.Background(), "u1", f.project.ID)
	rows, _ := f.store.GetMessages(context.Background(), conv.ID)
	var got string
	for _, row := range rows {
		for _, part := range row.Parts {
			if part.Type == llm.PartToolResult && part.ToolResult != nil {
				got = part.ToolResult.Content
			}
		}
	}
	if want := `{"error": "Invalid MCP tool name: mcp____query"}`; got != want {
		t.Errorf("tool result = %q, want %q", got, want)
	}
}

func TestLookupModel(t *testing.T) {
	if _, ok := LookupModel("claude-opus-4-6"); !ok {
		t.Error("claude-opus-4-6 missing from catalog")
	}
	if _, ok := LookupModel("claude-2"); ok {
		t.Error("retired model should not resolve")
	}
	m, ok := LookupModel(DefaultModel())
	if !ok || !m.Default {
		t.Errorf("DefaultModel() = %q not marked default in catalog", DefaultModel())
	}
}
