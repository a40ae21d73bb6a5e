// Package recall is the client for the external semantic-memory service.
// The chat core uses it two ways: pulling background context into the system
// prompt (best-effort, a failure is never fatal) and pushing discovered facts
// back as notes.
package recall

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

const defaultTimeout = 30 * time.Second

// Client talks to one recall service endpoint.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(baseURL string, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

// Available reports whether a recall endpoint is configured at all.
func (c *Client) Available() bool {
	return c != nil && c.baseURL != ""
}

type contextRequest struct {
	Query     string `json:"query"`
	MaxTokens int    `json:"max_tokens"`
}

type contextResponse struct {
	Context string `json:"context"`
}

// FetchContext retrieves background text for a query. Best-effort by
// contract: every failure path (unconfigured, timeout, transport error, bad
// payload) returns "" so the caller proceeds without extra context.
func (c *Client) FetchContext(ctx context.Context, query string, maxTokens int) string {
	if !c.Available() {
		return ""
	}
	if maxTokens <= 0 {
		maxTokens = 1000
	}

	body, err := json.Marshal(contextRequest{Query: query, MaxTokens: maxTokens})
	if err != nil {
		return ""
	}

	resp, err := c.post(ctx, "/search/context", body)
	if err != nil {
		c.logger.Debug("recall context fetch failed", "error", err)
		return ""
	}

	var parsed contextResponse
	if err := json.Unmarshal(resp, &parsed); err != nil {
		c.logger.Debug("recall context response malformed", "error", err)
		return ""
	}
	return parsed.Context
}

// Note is one fact pushed to the knowledge store.
type Note struct {
	Content    string   `json:"content"`
	MemoryType string   `json:"memory_type"`
	Domain     string   `json:"domain"`
	Importance float64  `json:"importance,omitempty"`
	Tags       []string `json:"tags,omitempty"`
}

// StoreNote persists a note. Unlike FetchContext this reports failure: the
// caller is a tool whose result string should tell the model whether the
// note stuck.
func (c *Client) StoreNote(ctx context.Context, note Note) error {
	if !c.Available() {
		return fmt.Errorf("recall service not configured")
	}
	if note.MemoryType == "" {
		note.MemoryType = "note"
	}

	body, err := json.Marshal(note)
	if err != nil {
		return fmt.Errorf("serialize note: %w", err)
	}
	if _, err := c.post(ctx, "/memory/store", body); err != nil {
		return fmt.Errorf("store note: %w", err)
	}
	return nil
}

// Health checks the service. Used by the status command, not the chat path.
func (c *Client) Health(ctx context.Context) error {
	if !c.Available() {
		return fmt.Errorf("recall service not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("recall health check: HTTP %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%s: HTTP %d", path, resp.StatusCode)
	}
	return data, nil
}
