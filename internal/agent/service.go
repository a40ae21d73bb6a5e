// Package agent runs a chat request end to end: conversation resolution,
// prompt assembly, the tool-calling loop against the model, incremental
// persistence, and translation of the loop's events into the wire shape the
// presentation layer replays.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"

	"github.com/foundryhq/foundry-agent/internal/convo"
	"github.com/foundryhq/foundry-agent/internal/llm"
	"github.com/foundryhq/foundry-agent/internal/mcp"
	"github.com/foundryhq/foundry-agent/internal/recall"
	"github.com/foundryhq/foundry-agent/internal/store"
	"github.com/foundryhq/foundry-agent/internal/tools"
)

// EventType names match the wire contract consumed by existing front ends and
// must not change.
type EventType string

const (
	EventText         EventType = "text"
	EventToolUseStart EventType = "tool_use_start"
	EventToolUse      EventType = "tool_use"
	EventDone         EventType = "done"
	EventError        EventType = "error"
)

// Event is one outbound chat event. Exactly one terminal event (done or
// error) ends every request.
type Event struct {
	Type EventType

	Text string // text

	ToolName string          // tool_use_start, tool_use
	CallID   string          // tool_use_start
	Input    json.RawMessage // tool_use

	Model          string // done
	ConversationID string // done

	Message string // error
}

// ChatRequest is one user turn.
type ChatRequest struct {
	UserID    string
	ProjectID string
	Message   string

	// Model optionally overrides the service default for this request.
	Model string

	// PageContext names the UI page the message was sent from, e.g. "ideas".
	PageContext string
}

// Options wires a ChatService's collaborators.
type Options struct {
	Store     *store.SQLiteStore
	Convo     *convo.Manager
	Gateway   *mcp.Gateway // may be nil: no external tool servers
	Recall    *recall.Client
	Providers map[string]llm.Provider // keyed by catalog provider name
	Model     string                  // default model ID; "" = catalog default
	MaxTurns  int                     // 0 = loop default
	Logger    *slog.Logger
}

// ChatService is the core chat entry point. One instance serves every
// conversation; per-conversation sequencing is the session lock.
type ChatService struct {
	store     *store.SQLiteStore
	convo     *convo.Manager
	gateway   *mcp.Gateway
	recall    *recall.Client
	providers map[string]llm.Provider
	model     string
	maxTurns  int
	logger    *slog.Logger
}

func NewChatService(opts Options) *ChatService {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	model := opts.Model
	if model == "" {
		model = DefaultModel()
	}
	rc := opts.Recall
	if rc == nil {
		rc = recall.NewClient("", logger)
	}
	return &ChatService{
		store:     opts.Store,
		convo:     opts.Convo,
		gateway:   opts.Gateway,
		recall:    rc,
		providers: opts.Providers,
		model:     model,
		maxTurns:  opts.MaxTurns,
		logger:    logger,
	}
}

// Convo exposes the conversation manager for session-level operations
// (explicit new thread, soft reset, resume).
func (s *ChatService) Convo() *convo.Manager {
	return s.convo
}

// recallContextBudget caps how much knowledge-store background is folded into
// the system prompt.
const recallContextBudget = 1000

// Chat runs one user turn and delivers events to emit in wire order. It
// always ends with exactly one done or error event; emit is never called
// after the terminal event.
func (s *ChatService) Chat(ctx context.Context, req ChatRequest, emit func(Event)) {
	modelID := req.Model
	if modelID == "" {
		modelID = s.model
	}
	model, ok := LookupModel(modelID)
	if !ok {
		emit(Event{Type: EventError, Message: fmt.Sprintf("Unknown model: %s", modelID)})
		return
	}
	provider, ok := s.providers[model.Provider]
	if !ok {
		emit(Event{Type: EventError, Message: fmt.Sprintf("No provider configured for model %s", modelID)})
		return
	}

	project, err := s.store.GetProject(ctx, req.ProjectID)
	if err != nil {
		emit(Event{Type: EventError, Message: fmt.Sprintf("Failed to load project: %v", err)})
		return
	}
	if project == nil {
		emit(Event{Type: EventError, Message: "Project not found"})
		return
	}

	sess, err := s.convo.Ensure(ctx, req.UserID, req.ProjectID, req.Message, modelID)
	if err != nil {
		emit(Event{Type: EventError, Message: fmt.Sprintf("Failed to resolve conversation: %v", err)})
		return
	}

	// Held across the whole request: model streaming, tool execution, and
	// persistence. Interleaved turns on one conversation would corrupt order.
	sess.Lock()
	defer sess.Unlock()

	// Best-effort background; an unavailable knowledge store degrades to an
	// empty section, never a failed chat.
	recallContext := s.recall.FetchContext(ctx, req.Message, recallContextBudget)
	systemPrompt := buildSystemPrompt(project, recallContext)

	userMsg := llm.UserText(foldPageContext(req.Message, req.PageContext))
	if err := sess.AppendAndPersist(ctx, userMsg); err != nil {
		emit(Event{Type: EventError, Message: fmt.Sprintf("Failed to record message: %v", err)})
		return
	}

	engine := s.buildEngine(provider, project, req.UserID)
	engine.SetTurnCompletedCallback(func(ctx context.Context, turnIndex int, messages []llm.Message, metrics llm.TurnMetrics) error {
		for _, msg := range messages {
			if err := sess.AppendAndPersist(ctx, msg); err != nil {
				s.logger.Error("failed to persist turn message",
					"conversation", sess.ConversationID, "turn", turnIndex, "error", err)
				return err
			}
		}
		return nil
	})

	history := sess.Messages()
	messages := make([]llm.Message, 0, len(history)+1)
	messages = append(messages, llm.SystemText(systemPrompt))
	messages = append(messages, history...)

	stream, err := engine.Stream(ctx, llm.Request{
		Model:    modelID,
		Messages: messages,
		MaxTurns: s.maxTurns,
	})
	if err != nil {
		s.failTurn(sess, err, emit)
		return
	}
	defer stream.Close()

	for {
		event, err := stream.Recv()
		if err == io.EOF {
			emit(Event{Type: EventDone, Model: modelID, ConversationID: sess.ConversationID})
			return
		}
		if err != nil {
			s.failTurn(sess, err, emit)
			return
		}
		switch event.Type {
		case llm.EventTextDelta:
			emit(Event{Type: EventText, Text: event.Text})
		case llm.EventToolCallStart:
			emit(Event{Type: EventToolUseStart, ToolName: event.ToolName, CallID: event.ToolCallID})
		case llm.EventToolCall:
			if event.Tool != nil {
				emit(Event{Type: EventToolUse, ToolName: event.Tool.Name, Input: event.Tool.Arguments})
			}
		}
	}
}

// buildEngine assembles the per-request loop: local tools scoped to the
// acting user and project, plus gateway tools re-synced before every model
// turn so the merged list tracks live connections.
func (s *ChatService) buildEngine(provider llm.Provider, project *store.Project, userID string) *llm.Engine {
	registry := llm.NewToolRegistry()
	tools.Register(registry, tools.Deps{Store: s.store, Recall: s.recall}, tools.Context{
		ProjectID:   project.ID,
		ProjectSlug: project.Slug,
		UserID:      userID,
	})

	engine := llm.NewEngine(provider, registry)
	engine.SetLogger(s.logger)
	if s.gateway != nil {
		engine.SetToolRefresh(func(reg *llm.ToolRegistry) {
			mcp.SyncGatewayTools(s.gateway, reg)
		})
		// Namespaced names always route to the gateway, registered or not:
		// the gateway owns the not-connected and malformed-name results for
		// servers whose tools never made it into the registry.
		engine.SetToolFallback(func(ctx context.Context, call llm.ToolCall) (string, bool) {
			if !mcp.IsGatewayTool(call.Name) {
				return "", false
			}
			return s.gateway.CallTool(ctx, call.Name, call.Arguments), true
		})
	}
	return engine
}

// failTurn rolls the in-memory history back one entry and emits the terminal
// error event. The durable copy of the rolled-back message is left intact:
// the next model call must not see the broken half-turn, but the log keeps
// what the user actually sent.
func (s *ChatService) failTurn(sess *convo.Session, err error, emit func(Event)) {
	sess.PopLast()
	s.logger.Warn("chat turn failed", "conversation", sess.ConversationID, "error", err)
	emit(Event{Type: EventError, Message: errorMessage(err)})
}

// errorMessage maps a loop failure to the short, human-readable text carried
// by the error event. Credential and rate-limit failures are distinguished so
// the caller can react (re-authenticate vs back off and retry later).
func errorMessage(err error) string {
	switch {
	case llm.IsCredentialError(err):
		return "Authentication with the AI provider failed. Please check the configured credentials."
	case llm.IsRateLimitError(err):
		return "The AI provider is rate limiting requests. Please try again in a moment."
	default:
		return fmt.Sprintf("AI request failed: %v", err)
	}
}
