package store

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/foundryhq/foundry-agent/internal/llm"
)

// Project is the directory record the chat core resolves ids against.
type Project struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Slug        string    `json:"slug"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Canvas is a named workspace surface inside a project.
type Canvas struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Name      string    `json:"name"`
	Kind      string    `json:"kind,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanvasComponent is one element placed on a canvas.
type CanvasComponent struct {
	ID        string    `json:"id"`
	CanvasID  string    `json:"canvas_id"`
	Type      string    `json:"type"`
	Label     string    `json:"label,omitempty"`
	Content   string    `json:"content,omitempty"`
	Position  int       `json:"position"`
	CreatedAt time.Time `json:"created_at"`
}

// Idea is a captured project idea, searchable by full text.
type Idea struct {
	ID          string    `json:"id"`
	ProjectID   string    `json:"project_id"`
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	Status      string    `json:"status,omitempty"`
	CreatedBy   string    `json:"created_by,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// IdeaSearchResult is an FTS match with a highlighted snippet.
type IdeaSearchResult struct {
	Idea
	Snippet string `json:"snippet"`
}

// ScaffoldJob tracks one generated-artifact build for a project.
type ScaffoldJob struct {
	ID        string    `json:"id"`
	ProjectID string    `json:"project_id"`
	Status    string    `json:"status"`
	Stack     string    `json:"stack,omitempty"`
	Log       string    `json:"log,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// DeployConfig holds a project's deployment settings, one row per project.
type DeployConfig struct {
	ProjectID string            `json:"project_id"`
	Target    string            `json:"target"`
	Services  []DeployService   `json:"services,omitempty"`
	Env       map[string]string `json:"env,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// DeployService is one service entry in a deploy config.
type DeployService struct {
	Name  string `json:"name"`
	Image string `json:"image"`
	Port  int    `json:"port,omitempty"`
}

// Conversation is an AI chat thread owned by one (user, project) pair.
// MessageCount always equals the number of persisted messages.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	ProjectID    string    `json:"project_id"`
	Title        string    `json:"title"`
	Model        string    `json:"model"`
	MessageCount int       `json:"message_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// ConversationMessage is one persisted message row. The Parts field stores
// the full llm.Message.Parts as JSON so tool calls and results replay
// exactly.
type ConversationMessage struct {
	ID             int64      `json:"id"`
	ConversationID string     `json:"conversation_id"`
	Role           llm.Role   `json:"role"`
	Parts          []llm.Part `json:"parts"`
	TextContent    string     `json:"text_content"`
	CreatedAt      time.Time  `json:"created_at"`
	Sequence       int        `json:"sequence"`
}

// NewConversationMessage builds a row from an llm.Message. Sequence -1 asks
// the store to allocate the next sequence atomically.
func NewConversationMessage(conversationID string, msg llm.Message, sequence int) *ConversationMessage {
	m := &ConversationMessage{
		ConversationID: conversationID,
		Role:           msg.Role,
		Parts:          msg.Parts,
		CreatedAt:      time.Now(),
		Sequence:       sequence,
	}
	m.TextContent = m.ExtractTextContent()
	return m
}

// ExtractTextContent concatenates the plain-text parts for display and FTS.
func (m *ConversationMessage) ExtractTextContent() string {
	var text string
	for _, p := range m.Parts {
		if p.Type == llm.PartText && p.Text != "" {
			if text != "" {
				text += "\n"
			}
			text += p.Text
		}
	}
	return text
}

// ToLLMMessage converts a persisted row back to the protocol shape.
func (m *ConversationMessage) ToLLMMessage() llm.Message {
	return llm.Message{Role: m.Role, Parts: m.Parts}
}

// PartsJSON serializes Parts for storage.
func (m *ConversationMessage) PartsJSON() (string, error) {
	data, err := json.Marshal(m.Parts)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// SetPartsFromJSON deserializes JSON into the Parts field.
func (m *ConversationMessage) SetPartsFromJSON(data string) error {
	if data == "" {
		m.Parts = nil
		return nil
	}
	return json.Unmarshal([]byte(data), &m.Parts)
}

// TruncateSummary returns the first line of content, truncated to 100 chars.
// Used to derive a conversation title from its first message.
func TruncateSummary(content string) string {
	content = strings.TrimSpace(content)
	if idx := strings.Index(content, "\n"); idx != -1 {
		content = content[:idx]
	}
	if len(content) > 100 {
		content = content[:97] + "..."
	}
	return content
}
