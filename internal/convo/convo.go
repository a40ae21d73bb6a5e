// Package convo maps a (user, project) pair to a live, ordered message list
// backed by the durable conversation log, with an in-memory cache so history
// is not re-read from storage on every turn of a session.
package convo

import (
	"context"
	"fmt"
	"sync"

	"github.com/foundryhq/foundry-agent/internal/llm"
	"github.com/foundryhq/foundry-agent/internal/store"
)

// Manager owns the process-wide conversation cache. All mutation of the
// cache map goes through its mutex; per-conversation turn sequencing is the
// Session's own lock.
type Manager struct {
	store *store.SQLiteStore

	mu      sync.Mutex
	entries map[string]*Session
}

func NewManager(s *store.SQLiteStore) *Manager {
	return &Manager{
		store:   s,
		entries: make(map[string]*Session),
	}
}

// Session is the live handle for one cached conversation. Turns for a single
// conversation are strictly sequential: callers hold Lock for the duration
// of a chat request so interleaved turns cannot corrupt history order.
type Session struct {
	ConversationID string

	store    *store.SQLiteStore
	mu       sync.Mutex
	messages []llm.Message
}

func cacheKey(userID, projectID string) string {
	return userID + ":" + projectID
}

// Ensure resolves the (user, project) pair to a session. Cache hit returns
// the live entry. On a miss, the most-recently-updated persisted conversation
// is reconstructed from its rows; if the pair has none, a new conversation is
// created with a title derived from the first message.
func (m *Manager) Ensure(ctx context.Context, userID, projectID, firstMessage, model string) (*Session, error) {
	key := cacheKey(userID, projectID)

	m.mu.Lock()
	if sess, ok := m.entries[key]; ok {
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	// Resolve outside the cache lock: storage reads must not block other
	// pairs. The re-check below handles the race of two first requests.
	sess, err := m.resolve(ctx, userID, projectID, firstMessage, model)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.entries[key]; ok {
		return existing, nil
	}
	m.entries[key] = sess
	return sess, nil
}

func (m *Manager) resolve(ctx context.Context, userID, projectID, firstMessage, model string) (*Session, error) {
	latest, err := m.store.LatestConversation(ctx, userID, projectID)
	if err != nil {
		return nil, fmt.Errorf("find latest conversation: %w", err)
	}

	if latest != nil {
		messages, err := m.replay(ctx, latest.ID)
		if err != nil {
			return nil, err
		}
		return &Session{ConversationID: latest.ID, store: m.store, messages: messages}, nil
	}

	conv := &store.Conversation{
		UserID:    userID,
		ProjectID: projectID,
		Title:     store.TruncateSummary(firstMessage),
		Model:     model,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	return &Session{ConversationID: conv.ID, store: m.store}, nil
}

// replay reconstructs the in-protocol message list from persisted rows.
// Fidelity matters: roles, text, and tool-call blocks must come back exactly
// as they were sent, so the model sees a consistent dialogue after a restart.
func (m *Manager) replay(ctx context.Context, conversationID string) ([]llm.Message, error) {
	rows, err := m.store.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}
	messages := make([]llm.Message, 0, len(rows))
	for i := range rows {
		messages = append(messages, rows[i].ToLLMMessage())
	}
	return messages, nil
}

// StartNew evicts any cached entry for the pair and creates a fresh empty
// conversation immediately.
func (m *Manager) StartNew(ctx context.Context, userID, projectID, model string) (*Session, error) {
	conv := &store.Conversation{
		UserID:    userID,
		ProjectID: projectID,
		Model:     model,
	}
	if err := m.store.CreateConversation(ctx, conv); err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}

	sess := &Session{ConversationID: conv.ID, store: m.store}
	m.mu.Lock()
	m.entries[cacheKey(userID, projectID)] = sess
	m.mu.Unlock()
	return sess, nil
}

// ClearCache drops the cached entry only. The durable rows are untouched:
// soft reset, history preserved.
func (m *Manager) ClearCache(userID, projectID string) {
	m.mu.Lock()
	delete(m.entries, cacheKey(userID, projectID))
	m.mu.Unlock()
}

// Load resumes a specific past conversation. It must belong to the same
// user and project; on success the cache entry is replaced and true is
// returned.
func (m *Manager) Load(ctx context.Context, conversationID, userID, projectID string) (bool, error) {
	conv, err := m.store.FindConversation(ctx, conversationID, userID, projectID)
	if err != nil {
		return false, err
	}
	if conv == nil {
		return false, nil
	}

	messages, err := m.replay(ctx, conv.ID)
	if err != nil {
		return false, err
	}

	m.mu.Lock()
	m.entries[cacheKey(userID, projectID)] = &Session{
		ConversationID: conv.ID,
		store:          m.store,
		messages:       messages,
	}
	m.mu.Unlock()
	return true, nil
}

// Lock serializes turns for this conversation. Held for the whole chat
// request, across model streaming and tool execution.
func (s *Session) Lock() {
	s.mu.Lock()
}

func (s *Session) Unlock() {
	s.mu.Unlock()
}

// Messages returns a copy of the in-memory history. Callers must hold Lock.
func (s *Session) Messages() []llm.Message {
	out := make([]llm.Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Len returns the in-memory message count. Callers must hold Lock.
func (s *Session) Len() int {
	return len(s.messages)
}

// Append adds a message to the in-memory list only. Callers must hold Lock.
func (s *Session) Append(msg llm.Message) {
	s.messages = append(s.messages, msg)
}

// PopLast removes the most recent in-memory message. Used to roll back a
// just-appended user message after a model-call failure; the durable copy is
// deliberately left intact so the audit trail keeps what the user sent.
// Callers must hold Lock.
func (s *Session) PopLast() {
	if len(s.messages) > 0 {
		s.messages = s.messages[:len(s.messages)-1]
	}
}

// AppendAndPersist adds the message to the in-memory list and writes it to
// the durable log in one step. Callers must hold Lock.
func (s *Session) AppendAndPersist(ctx context.Context, msg llm.Message) error {
	row := store.NewConversationMessage(s.ConversationID, msg, -1)
	if err := s.store.AddMessage(ctx, s.ConversationID, row); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	s.messages = append(s.messages, msg)
	return nil
}
