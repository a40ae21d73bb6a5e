package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

// SQLiteStore is the durable data layer: project directory, canvases, ideas,
// scaffold jobs, deploy configs, and the conversation log.
type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS projects (
    id TEXT PRIMARY KEY,
    name TEXT NOT NULL,
    slug TEXT NOT NULL UNIQUE,
    description TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS project_members (
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    user_id TEXT NOT NULL,
    role TEXT NOT NULL DEFAULT 'member',
    PRIMARY KEY (project_id, user_id)
);

CREATE TABLE IF NOT EXISTS canvases (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    name TEXT NOT NULL,
    kind TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS canvas_components (
    id TEXT PRIMARY KEY,
    canvas_id TEXT NOT NULL REFERENCES canvases(id) ON DELETE CASCADE,
    type TEXT NOT NULL,
    label TEXT,
    content TEXT,
    position INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS ideas (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    description TEXT,
    status TEXT DEFAULT 'open',
    created_by TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS scaffold_jobs (
    id TEXT PRIMARY KEY,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    status TEXT NOT NULL DEFAULT 'pending',
    stack TEXT,
    log TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS deploy_configs (
    project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
    target TEXT NOT NULL,
    services TEXT,
    env TEXT,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversations (
    id TEXT PRIMARY KEY,
    user_id TEXT NOT NULL,
    project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
    title TEXT NOT NULL,
    model TEXT NOT NULL,
    message_count INTEGER NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS conversation_messages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    conversation_id TEXT NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL CHECK (role IN ('user', 'assistant', 'system')),
    parts TEXT NOT NULL,
    text_content TEXT,
    created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
    sequence INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_conversations_owner ON conversations(user_id, project_id, updated_at DESC);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_sequence ON conversation_messages(conversation_id, sequence);
CREATE INDEX IF NOT EXISTS idx_ideas_project ON ideas(project_id, created_at DESC);
CREATE INDEX IF NOT EXISTS idx_canvases_project ON canvases(project_id);

-- Full-text search over idea titles and descriptions
CREATE VIRTUAL TABLE IF NOT EXISTS ideas_fts USING fts5(
    title,
    description,
    content='ideas',
    content_rowid='rowid'
);

-- Triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS ideas_ai AFTER INSERT ON ideas BEGIN
    INSERT INTO ideas_fts(rowid, title, description) VALUES (new.rowid, new.title, new.description);
END;

CREATE TRIGGER IF NOT EXISTS ideas_ad AFTER DELETE ON ideas BEGIN
    INSERT INTO ideas_fts(ideas_fts, rowid, title, description) VALUES ('delete', old.rowid, old.title, old.description);
END;

CREATE TRIGGER IF NOT EXISTS ideas_au AFTER UPDATE ON ideas BEGIN
    INSERT INTO ideas_fts(ideas_fts, rowid, title, description) VALUES ('delete', old.rowid, old.title, old.description);
    INSERT INTO ideas_fts(rowid, title, description) VALUES (new.rowid, new.title, new.description);
END;
`

// NewID returns a fresh identifier for store rows.
func NewID() string {
	return uuid.NewString()
}

// Open opens (or creates) the database at path and brings the schema current.
func Open(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// schemaVersion is the current schema version.
// - Fresh databases get the full schema from the `schema` const and start here
// - Existing databases run migrations to reach this version
// Increment when adding new migrations.
const schemaVersion = 2

type migration struct {
	version     int
	description string
	up          func(db *sql.DB) error
}

// migrations upgrade databases created before a schema change. The base
// `schema` const always contains the FULL current schema, so fresh databases
// never run these.
var migrations = []migration{
	{
		// Migration 1: deploy configs were added after the initial release
		version:     1,
		description: "add deploy_configs table",
		up: func(db *sql.DB) error {
			_, err := db.Exec(`
				CREATE TABLE IF NOT EXISTS deploy_configs (
					project_id TEXT PRIMARY KEY REFERENCES projects(id) ON DELETE CASCADE,
					target TEXT NOT NULL,
					services TEXT,
					env TEXT,
					updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
				)`)
			return err
		},
	},
	{
		// Migration 2: enforce message sequence uniqueness at the DB level,
		// closing the race between concurrent appends to one conversation
		version:     2,
		description: "add unique constraint on conversation message sequences",
		up: func(db *sql.DB) error {
			_, err := db.Exec(`CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_conversation_sequence
				ON conversation_messages(conversation_id, sequence)`)
			return err
		},
	},
}

// initSchema brings the schema current. Optimized for the common case:
// schema already current = single SELECT query.
func initSchema(db *sql.DB) error {
	var currentVersion int
	err := db.QueryRow("SELECT version FROM schema_version").Scan(&currentVersion)
	if err == nil && currentVersion >= schemaVersion {
		return nil
	}
	return initSchemaFull(db, err, currentVersion)
}

func initSchemaFull(db *sql.DB, versionErr error, currentVersion int) error {
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("create base schema: %w", err)
	}

	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	if versionErr != nil && (versionErr == sql.ErrNoRows || strings.Contains(versionErr.Error(), "no such table")) {
		// No version record: distinguish a fresh DB (schema const already has
		// everything) from a pre-versioning DB that needs migrations.
		var tableCount int
		err = db.QueryRow(`
			SELECT COUNT(*) FROM sqlite_master
			WHERE type='table' AND name='conversations'
		`).Scan(&tableCount)
		if err != nil {
			return fmt.Errorf("check conversations table: %w", err)
		}

		if tableCount > 0 {
			currentVersion = 0
		} else {
			currentVersion = schemaVersion
		}

		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentVersion); err != nil {
			return fmt.Errorf("insert initial version: %w", err)
		}
	} else if versionErr != nil {
		return fmt.Errorf("get current version: %w", versionErr)
	}

	for _, m := range migrations {
		if m.version > currentVersion {
			if err := m.up(db); err != nil {
				return fmt.Errorf("migration %d (%s): %w", m.version, m.description, err)
			}
			if _, err := db.Exec("UPDATE schema_version SET version = ?", m.version); err != nil {
				return fmt.Errorf("update version to %d: %w", m.version, err)
			}
		}
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Project directory ---

// CreateProject inserts a project row.
func (s *SQLiteStore) CreateProject(ctx context.Context, p *Project) error {
	if p.ID == "" {
		p.ID = NewID()
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO projects (id, name, slug, description, created_at)
		VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.Name, p.Slug, nullString(p.Description), p.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	return nil
}

// GetProject resolves a project id to its record. Returns nil when missing.
func (s *SQLiteStore) GetProject(ctx context.Context, id string) (*Project, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, name, slug, description, created_at
		FROM projects WHERE id = ?`, id)

	var p Project
	var desc sql.NullString
	err := row.Scan(&p.ID, &p.Name, &p.Slug, &desc, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan project: %w", err)
	}
	if desc.Valid {
		p.Description = desc.String
	}
	return &p, nil
}

// AddMember grants a user a role on a project.
func (s *SQLiteStore) AddMember(ctx context.Context, projectID, userID, role string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO project_members (project_id, user_id, role)
		VALUES (?, ?, ?)`, projectID, userID, role)
	return err
}

// CheckMembership returns the user's role on the project, or false when the
// user is not a member.
func (s *SQLiteStore) CheckMembership(ctx context.Context, userID, projectID string) (string, bool, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id = ? AND user_id = ?`,
		projectID, userID).Scan(&role)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("check membership: %w", err)
	}
	return role, true, nil
}

// --- Canvases ---

// CreateCanvas inserts a canvas row.
func (s *SQLiteStore) CreateCanvas(ctx context.Context, c *Canvas) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canvases (id, project_id, name, kind, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.ID, c.ProjectID, c.Name, nullString(c.Kind), c.CreatedAt, c.UpdatedAt)
	return err
}

// ListCanvases returns a project's canvases, oldest first.
func (s *SQLiteStore) ListCanvases(ctx context.Context, projectID string) ([]Canvas, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, name, kind, created_at, updated_at
		FROM canvases WHERE project_id = ?
		ORDER BY created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("query canvases: %w", err)
	}
	defer rows.Close()

	var canvases []Canvas
	for rows.Next() {
		var c Canvas
		var kind sql.NullString
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.Name, &kind, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan canvas: %w", err)
		}
		if kind.Valid {
			c.Kind = kind.String
		}
		canvases = append(canvases, c)
	}
	return canvases, rows.Err()
}

// AddCanvasComponent inserts a component row.
func (s *SQLiteStore) AddCanvasComponent(ctx context.Context, c *CanvasComponent) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO canvas_components (id, canvas_id, type, label, content, position, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.CanvasID, c.Type, nullString(c.Label), nullString(c.Content), c.Position, c.CreatedAt)
	return err
}

// GetCanvasComponents returns a canvas's components in position order.
func (s *SQLiteStore) GetCanvasComponents(ctx context.Context, canvasID string) ([]CanvasComponent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, canvas_id, type, label, content, position, created_at
		FROM canvas_components WHERE canvas_id = ?
		ORDER BY position ASC, created_at ASC`, canvasID)
	if err != nil {
		return nil, fmt.Errorf("query canvas components: %w", err)
	}
	defer rows.Close()

	var components []CanvasComponent
	for rows.Next() {
		var c CanvasComponent
		var label, content sql.NullString
		if err := rows.Scan(&c.ID, &c.CanvasID, &c.Type, &label, &content, &c.Position, &c.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan canvas component: %w", err)
		}
		if label.Valid {
			c.Label = label.String
		}
		if content.Valid {
			c.Content = content.String
		}
		components = append(components, c)
	}
	return components, rows.Err()
}

// --- Ideas ---

// CreateIdea inserts an idea row.
func (s *SQLiteStore) CreateIdea(ctx context.Context, i *Idea) error {
	if i.ID == "" {
		i.ID = NewID()
	}
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now()
	}
	if i.Status == "" {
		i.Status = "open"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ideas (id, project_id, title, description, status, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		i.ID, i.ProjectID, i.Title, nullString(i.Description), i.Status, nullString(i.CreatedBy), i.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert idea: %w", err)
	}
	return nil
}

// ListIdeas returns a project's ideas, newest first.
func (s *SQLiteStore) ListIdeas(ctx context.Context, projectID string, limit int) ([]Idea, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, title, description, status, created_by, created_at
		FROM ideas WHERE project_id = ?
		ORDER BY created_at DESC
		LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query ideas: %w", err)
	}
	defer rows.Close()
	return scanIdeas(rows)
}

// SearchIdeas finds a project's ideas matching the query using FTS5.
func (s *SQLiteStore) SearchIdeas(ctx context.Context, projectID, query string, limit int) ([]IdeaSearchResult, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT i.id, i.project_id, i.title, i.description, i.status, i.created_by, i.created_at,
		       snippet(ideas_fts, 1, '**', '**', '...', 32)
		FROM ideas_fts f
		JOIN ideas i ON i.rowid = f.rowid
		WHERE ideas_fts MATCH ? AND i.project_id = ?
		ORDER BY rank
		LIMIT ?`, query, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("search ideas: %w", err)
	}
	defer rows.Close()

	var results []IdeaSearchResult
	for rows.Next() {
		var r IdeaSearchResult
		var desc, createdBy sql.NullString
		err := rows.Scan(&r.ID, &r.ProjectID, &r.Title, &desc, &r.Status, &createdBy, &r.CreatedAt, &r.Snippet)
		if err != nil {
			return nil, fmt.Errorf("scan idea search result: %w", err)
		}
		if desc.Valid {
			r.Description = desc.String
		}
		if createdBy.Valid {
			r.CreatedBy = createdBy.String
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

func scanIdeas(rows *sql.Rows) ([]Idea, error) {
	var ideas []Idea
	for rows.Next() {
		var i Idea
		var desc, createdBy sql.NullString
		if err := rows.Scan(&i.ID, &i.ProjectID, &i.Title, &desc, &i.Status, &createdBy, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan idea: %w", err)
		}
		if desc.Valid {
			i.Description = desc.String
		}
		if createdBy.Valid {
			i.CreatedBy = createdBy.String
		}
		ideas = append(ideas, i)
	}
	return ideas, rows.Err()
}

// --- Scaffold jobs ---

// CreateScaffoldJob inserts a job row.
func (s *SQLiteStore) CreateScaffoldJob(ctx context.Context, j *ScaffoldJob) error {
	if j.ID == "" {
		j.ID = NewID()
	}
	now := time.Now()
	if j.CreatedAt.IsZero() {
		j.CreatedAt = now
	}
	if j.UpdatedAt.IsZero() {
		j.UpdatedAt = j.CreatedAt
	}
	if j.Status == "" {
		j.Status = "pending"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO scaffold_jobs (id, project_id, status, stack, log, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		j.ID, j.ProjectID, j.Status, nullString(j.Stack), nullString(j.Log), j.CreatedAt, j.UpdatedAt)
	return err
}

// GetScaffoldJob fetches one job, scoped to its project. Returns nil when
// missing or owned by another project.
func (s *SQLiteStore) GetScaffoldJob(ctx context.Context, id, projectID string) (*ScaffoldJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, status, stack, log, created_at, updated_at
		FROM scaffold_jobs WHERE id = ? AND project_id = ?`, id, projectID)

	var j ScaffoldJob
	var stack, log sql.NullString
	err := row.Scan(&j.ID, &j.ProjectID, &j.Status, &stack, &log, &j.CreatedAt, &j.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan scaffold job: %w", err)
	}
	if stack.Valid {
		j.Stack = stack.String
	}
	if log.Valid {
		j.Log = log.String
	}
	return &j, nil
}

// --- Deploy configs ---

// SetDeployConfig upserts a project's deploy configuration.
func (s *SQLiteStore) SetDeployConfig(ctx context.Context, cfg *DeployConfig) error {
	if cfg.UpdatedAt.IsZero() {
		cfg.UpdatedAt = time.Now()
	}
	services, err := json.Marshal(cfg.Services)
	if err != nil {
		return fmt.Errorf("serialize services: %w", err)
	}
	env, err := json.Marshal(cfg.Env)
	if err != nil {
		return fmt.Errorf("serialize env: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO deploy_configs (project_id, target, services, env, updated_at)
		VALUES (?, ?, ?, ?, ?)`,
		cfg.ProjectID, cfg.Target, string(services), string(env), cfg.UpdatedAt)
	return err
}

// GetDeployConfig fetches a project's deploy configuration, nil when unset.
func (s *SQLiteStore) GetDeployConfig(ctx context.Context, projectID string) (*DeployConfig, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT project_id, target, services, env, updated_at
		FROM deploy_configs WHERE project_id = ?`, projectID)

	var cfg DeployConfig
	var services, env sql.NullString
	err := row.Scan(&cfg.ProjectID, &cfg.Target, &services, &env, &cfg.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan deploy config: %w", err)
	}
	if services.Valid && services.String != "" {
		if err := json.Unmarshal([]byte(services.String), &cfg.Services); err != nil {
			return nil, fmt.Errorf("deserialize services: %w", err)
		}
	}
	if env.Valid && env.String != "" {
		if err := json.Unmarshal([]byte(env.String), &cfg.Env); err != nil {
			return nil, fmt.Errorf("deserialize env: %w", err)
		}
	}
	return &cfg, nil
}

// --- Conversations ---

// CreateConversation inserts a conversation row.
func (s *SQLiteStore) CreateConversation(ctx context.Context, c *Conversation) error {
	if c.ID == "" {
		c.ID = NewID()
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	if c.UpdatedAt.IsZero() {
		c.UpdatedAt = c.CreatedAt
	}
	if c.Title == "" {
		c.Title = "New conversation"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO conversations (id, user_id, project_id, title, model, message_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		c.ID, c.UserID, c.ProjectID, c.Title, c.Model, c.MessageCount, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert conversation: %w", err)
	}
	return nil
}

// FindConversation fetches a conversation only if it belongs to the given
// user and project. Returns nil when missing or owned elsewhere.
func (s *SQLiteStore) FindConversation(ctx context.Context, id, userID, projectID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, title, model, message_count, created_at, updated_at
		FROM conversations WHERE id = ? AND user_id = ? AND project_id = ?`,
		id, userID, projectID)
	return scanConversation(row)
}

// LatestConversation returns the most-recently-updated conversation for the
// (user, project) pair, or nil when the pair has none.
func (s *SQLiteStore) LatestConversation(ctx context.Context, userID, projectID string) (*Conversation, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, project_id, title, model, message_count, created_at, updated_at
		FROM conversations WHERE user_id = ? AND project_id = ?
		ORDER BY updated_at DESC
		LIMIT 1`, userID, projectID)
	return scanConversation(row)
}

// ListConversations returns a pair's conversations, newest first.
func (s *SQLiteStore) ListConversations(ctx context.Context, userID, projectID string, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, project_id, title, model, message_count, created_at, updated_at
		FROM conversations WHERE user_id = ? AND project_id = ?
		ORDER BY updated_at DESC
		LIMIT ?`, userID, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var conversations []Conversation
	for rows.Next() {
		var c Conversation
		err := rows.Scan(&c.ID, &c.UserID, &c.ProjectID, &c.Title, &c.Model,
			&c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
		if err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conversations = append(conversations, c)
	}
	return conversations, rows.Err()
}

// RenameConversation updates the title of a conversation the pair owns.
func (s *SQLiteStore) RenameConversation(ctx context.Context, id, userID, projectID, title string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE conversations SET title = ?, updated_at = ?
		WHERE id = ? AND user_id = ? AND project_id = ?`,
		title, time.Now(), id, userID, projectID)
	if err != nil {
		return fmt.Errorf("rename conversation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation not found: %s", id)
	}
	return nil
}

// DeleteConversation removes a conversation the pair owns; the message rows
// go with it via the foreign key cascade.
func (s *SQLiteStore) DeleteConversation(ctx context.Context, id, userID, projectID string) error {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM conversations WHERE id = ? AND user_id = ? AND project_id = ?`,
		id, userID, projectID)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("conversation not found: %s", id)
	}
	return nil
}

// AddMessage appends a message to a conversation. If msg.Sequence < 0 the
// next sequence is allocated atomically; the conversation's message_count and
// updated_at move in the same transaction so the count invariant holds.
func (s *SQLiteStore) AddMessage(ctx context.Context, conversationID string, msg *ConversationMessage) error {
	msg.ConversationID = conversationID
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	partsJSON, err := msg.PartsJSON()
	if err != nil {
		return fmt.Errorf("serialize parts: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if msg.Sequence < 0 {
		var maxSeq sql.NullInt64
		err = tx.QueryRowContext(ctx,
			`SELECT MAX(sequence) FROM conversation_messages WHERE conversation_id = ?`,
			conversationID).Scan(&maxSeq)
		if err != nil {
			return fmt.Errorf("get max sequence: %w", err)
		}
		if maxSeq.Valid {
			msg.Sequence = int(maxSeq.Int64) + 1
		} else {
			msg.Sequence = 0
		}
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO conversation_messages (conversation_id, role, parts, text_content, created_at, sequence)
		VALUES (?, ?, ?, ?, ?, ?)`,
		conversationID, string(msg.Role), partsJSON, msg.TextContent, msg.CreatedAt, msg.Sequence)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	id, _ := result.LastInsertId()
	msg.ID = id

	_, err = tx.ExecContext(ctx, `
		UPDATE conversations SET message_count = message_count + 1, updated_at = ?
		WHERE id = ?`, time.Now(), conversationID)
	if err != nil {
		return fmt.Errorf("update conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetMessages retrieves a conversation's messages in sequence order.
func (s *SQLiteStore) GetMessages(ctx context.Context, conversationID string) ([]ConversationMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, conversation_id, role, parts, text_content, created_at, sequence
		FROM conversation_messages
		WHERE conversation_id = ?
		ORDER BY sequence ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var messages []ConversationMessage
	for rows.Next() {
		var msg ConversationMessage
		var partsJSON string
		var textContent sql.NullString
		err := rows.Scan(&msg.ID, &msg.ConversationID, &msg.Role, &partsJSON,
			&textContent, &msg.CreatedAt, &msg.Sequence)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		if textContent.Valid {
			msg.TextContent = textContent.String
		}
		if err := msg.SetPartsFromJSON(partsJSON); err != nil {
			return nil, fmt.Errorf("deserialize parts: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, rows.Err()
}

func scanConversation(row *sql.Row) (*Conversation, error) {
	var c Conversation
	err := row.Scan(&c.ID, &c.UserID, &c.ProjectID, &c.Title, &c.Model,
		&c.MessageCount, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scan conversation: %w", err)
	}
	return &c, nil
}

// nullString converts an empty string to NULL for database storage.
func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
