// Package serve is the HTTP surface of the AI backend: the SSE chat stream,
// session and conversation management, and the model catalog. It replays the
// core's event sequence onto the wire without reshaping it.
package serve

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/foundryhq/foundry-agent/internal/agent"
	"github.com/foundryhq/foundry-agent/internal/convo"
	"github.com/foundryhq/foundry-agent/internal/store"
)

// Options wires a Server's collaborators.
type Options struct {
	Addr   string
	Chat   *agent.ChatService
	Store  *store.SQLiteStore
	Convo  *convo.Manager
	Logger *slog.Logger
}

// Server hosts the AI chat API.
type Server struct {
	addr   string
	chat   *agent.ChatService
	store  *store.SQLiteStore
	convo  *convo.Manager
	logger *slog.Logger
	server *http.Server
}

func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		addr:   opts.Addr,
		chat:   opts.Chat,
		store:  opts.Store,
		convo:  opts.Convo,
		logger: logger,
	}
}

// Handler builds the route table. Exposed so tests can drive the server
// through httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /api/ai/models", s.requireUser(s.handleModels))
	mux.HandleFunc("POST /api/ai/chat", s.requireUser(s.handleChat))
	mux.HandleFunc("GET /api/ai/session", s.requireUser(s.handleGetSession))
	mux.HandleFunc("POST /api/ai/session", s.requireUser(s.handleNewSession))
	mux.HandleFunc("DELETE /api/ai/session", s.requireUser(s.handleClearSession))
	mux.HandleFunc("GET /api/ai/conversations", s.requireUser(s.handleListConversations))
	mux.HandleFunc("GET /api/ai/conversations/{id}", s.requireUser(s.handleGetConversation))
	mux.HandleFunc("PATCH /api/ai/conversations/{id}", s.requireUser(s.handleRenameConversation))
	mux.HandleFunc("DELETE /api/ai/conversations/{id}", s.requireUser(s.handleDeleteConversation))
	mux.HandleFunc("POST /api/ai/conversations/{id}/resume", s.requireUser(s.handleResumeConversation))

	return mux
}

// Start begins listening. It returns once the listener is up or the bind
// failed.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
	}

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("start server: %w", err)
		}
		return nil
	case <-time.After(50 * time.Millisecond):
		s.logger.Info("http server listening", "addr", s.addr)
		return nil
	}
}

// Stop shuts the server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// identity is the per-request caller scope. The platform gateway in front of
// this service authenticates the user and forwards the ID in a header.
type identity struct {
	UserID string
}

// requireUser rejects requests without a forwarded user identity.
func (s *Server) requireUser(next func(http.ResponseWriter, *http.Request, identity)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
		if userID == "" {
			writeError(w, http.StatusUnauthorized, "missing user identity")
			return
		}
		next(w, r, identity{UserID: userID})
	}
}

// requireMember resolves the project and checks the caller belongs to it.
// Writes the error response itself and returns false when the caller must
// not proceed.
func (s *Server) requireMember(w http.ResponseWriter, r *http.Request, id identity, projectID string) bool {
	if projectID == "" {
		writeError(w, http.StatusBadRequest, "project_id is required")
		return false
	}
	_, ok, err := s.store.CheckMembership(r.Context(), id.UserID, projectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "membership check failed")
		return false
	}
	if !ok {
		writeError(w, http.StatusForbidden, "not a member of this project")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func decodeJSONBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return fmt.Errorf("request body must contain a single JSON object")
	}
	return nil
}

func requireJSONContentType(r *http.Request) error {
	contentType := r.Header.Get("Content-Type")
	if strings.TrimSpace(contentType) == "" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return fmt.Errorf("invalid Content-Type header")
	}
	if mediaType != "application/json" {
		return fmt.Errorf("Content-Type must be application/json")
	}
	return nil
}

func setSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

func writeSSEEvent(w io.Writer, event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", b)
	return err
}
