package serve

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/foundryhq/foundry-agent/internal/agent"
	"github.com/foundryhq/foundry-agent/internal/llm"
	"github.com/foundryhq/foundry-agent/internal/store"
)

const maxTitleLength = 200

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleModels(w http.ResponseWriter, r *http.Request, id identity) {
	writeJSON(w, http.StatusOK, map[string]any{"models": agent.Models()})
}

type chatRequest struct {
	ProjectID   string `json:"project_id"`
	Message     string `json:"message"`
	Model       string `json:"model,omitempty"`
	PageContext string `json:"page_context,omitempty"`
}

// handleChat runs one user turn and replays the core's events as SSE. The
// event names and field names are the wire contract existing front ends
// depend on.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request, id identity) {
	if err := requireJSONContentType(r); err != nil {
		writeError(w, http.StatusUnsupportedMediaType, err.Error())
		return
	}
	var req chatRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message is required")
		return
	}
	if !s.requireMember(w, r, id, req.ProjectID) {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	setSSEHeaders(w)
	flusher.Flush()

	s.chat.Chat(r.Context(), agent.ChatRequest{
		UserID:      id.UserID,
		ProjectID:   req.ProjectID,
		Message:     req.Message,
		Model:       req.Model,
		PageContext: req.PageContext,
	}, func(ev agent.Event) {
		name, payload := ssePayload(ev)
		if err := writeSSEEvent(w, name, payload); err != nil {
			s.logger.Debug("sse write failed", "error", err)
			return
		}
		flusher.Flush()
	})
}

// ssePayload maps a core event to its wire name and JSON body.
func ssePayload(ev agent.Event) (string, any) {
	switch ev.Type {
	case agent.EventText:
		return "text", map[string]any{"text": ev.Text}
	case agent.EventToolUseStart:
		return "tool_use_start", map[string]any{"name": ev.ToolName, "callId": ev.CallID}
	case agent.EventToolUse:
		input := ev.Input
		if len(input) == 0 {
			input = json.RawMessage(`{}`)
		}
		return "tool_use", map[string]any{"name": ev.ToolName, "input": input}
	case agent.EventDone:
		return "done", map[string]any{"model": ev.Model, "conversationId": ev.ConversationID}
	case agent.EventError:
		return "error", map[string]any{"message": ev.Message}
	default:
		return string(ev.Type), map[string]any{}
	}
}

type conversationJSON struct {
	ID           string    `json:"id"`
	Title        string    `json:"title"`
	Model        string    `json:"model,omitempty"`
	MessageCount int       `json:"messageCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

func toConversationJSON(c *store.Conversation) conversationJSON {
	return conversationJSON{
		ID:           c.ID,
		Title:        c.Title,
		Model:        c.Model,
		MessageCount: c.MessageCount,
		CreatedAt:    c.CreatedAt,
		UpdatedAt:    c.UpdatedAt,
	}
}

type messageJSON struct {
	ID        int64          `json:"id"`
	Role      llm.Role       `json:"role"`
	Text      string         `json:"text"`
	ToolCalls []llm.ToolCall `json:"toolCalls,omitempty"`
	Sequence  int            `json:"sequence"`
	CreatedAt time.Time      `json:"createdAt"`
}

func toMessageJSON(rows []store.ConversationMessage) []messageJSON {
	out := make([]messageJSON, 0, len(rows))
	for i := range rows {
		row := rows[i]
		out = append(out, messageJSON{
			ID:        row.ID,
			Role:      row.Role,
			Text:      row.TextContent,
			ToolCalls: row.ToLLMMessage().ToolCalls(),
			Sequence:  row.Sequence,
			CreatedAt: row.CreatedAt,
		})
	}
	return out
}

// handleGetSession returns the caller's current conversation for a project:
// the most-recently-updated one, with its messages. A pair with no history
// gets a null conversation rather than an error.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request, id identity) {
	projectID := r.URL.Query().Get("project_id")
	if !s.requireMember(w, r, id, projectID) {
		return
	}

	conv, err := s.store.LatestConversation(r.Context(), id.UserID, projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load session")
		return
	}
	if conv == nil {
		writeJSON(w, http.StatusOK, map[string]any{"conversation": nil, "messages": []messageJSON{}})
		return
	}
	rows, err := s.store.GetMessages(r.Context(), conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": toConversationJSON(conv),
		"messages":     toMessageJSON(rows),
	})
}

type newSessionRequest struct {
	ProjectID string `json:"project_id"`
	Model     string `json:"model,omitempty"`
}

// handleNewSession starts a fresh conversation immediately and makes it the
// caller's current one.
func (s *Server) handleNewSession(w http.ResponseWriter, r *http.Request, id identity) {
	var req newSessionRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.requireMember(w, r, id, req.ProjectID) {
		return
	}
	sess, err := s.convo.StartNew(r.Context(), id.UserID, req.ProjectID, req.Model)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to start conversation")
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"conversationId": sess.ConversationID})
}

// handleClearSession drops the cached session only. Soft reset: the durable
// history is untouched and the next chat resumes from it.
func (s *Server) handleClearSession(w http.ResponseWriter, r *http.Request, id identity) {
	projectID := r.URL.Query().Get("project_id")
	if !s.requireMember(w, r, id, projectID) {
		return
	}
	s.convo.ClearCache(id.UserID, projectID)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request, id identity) {
	projectID := r.URL.Query().Get("project_id")
	if !s.requireMember(w, r, id, projectID) {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	conversations, err := s.store.ListConversations(r.Context(), id.UserID, projectID, limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	out := make([]conversationJSON, 0, len(conversations))
	for i := range conversations {
		out = append(out, toConversationJSON(&conversations[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversations": out})
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request, id identity) {
	projectID := r.URL.Query().Get("project_id")
	if !s.requireMember(w, r, id, projectID) {
		return
	}
	conv, err := s.store.FindConversation(r.Context(), r.PathValue("id"), id.UserID, projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if conv == nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	rows, err := s.store.GetMessages(r.Context(), conv.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to load messages")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"conversation": toConversationJSON(conv),
		"messages":     toMessageJSON(rows),
	})
}

type renameRequest struct {
	ProjectID string `json:"project_id"`
	Title     string `json:"title"`
}

func (s *Server) handleRenameConversation(w http.ResponseWriter, r *http.Request, id identity) {
	var req renameRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.requireMember(w, r, id, req.ProjectID) {
		return
	}
	title := strings.TrimSpace(req.Title)
	if title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength])
	}
	if err := s.store.RenameConversation(r.Context(), r.PathValue("id"), id.UserID, req.ProjectID, title); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"title": title})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request, id identity) {
	projectID := r.URL.Query().Get("project_id")
	if !s.requireMember(w, r, id, projectID) {
		return
	}
	if err := s.store.DeleteConversation(r.Context(), r.PathValue("id"), id.UserID, projectID); err != nil {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	// The cached session may point at the deleted conversation; eviction is
	// always safe, the next chat re-resolves.
	s.convo.ClearCache(id.UserID, projectID)
	w.WriteHeader(http.StatusNoContent)
}

type resumeRequest struct {
	ProjectID string `json:"project_id"`
}

// handleResumeConversation makes a specific past conversation the caller's
// current one. Ownership is enforced: a conversation from another user or
// project reads as not found.
func (s *Server) handleResumeConversation(w http.ResponseWriter, r *http.Request, id identity) {
	var req resumeRequest
	if err := decodeJSONBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.requireMember(w, r, id, req.ProjectID) {
		return
	}
	conversationID := r.PathValue("id")
	ok, err := s.convo.Load(r.Context(), conversationID, id.UserID, req.ProjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to resume conversation")
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "conversation not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"conversationId": conversationID})
}
