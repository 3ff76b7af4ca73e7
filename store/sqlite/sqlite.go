// Package sqlite implements strand.Store on pure-Go SQLite. Zero CGO
// required, which keeps single-binary deployments and CI simple.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	strand "github.com/strandhq/strand"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// StoreOption configures a SQLite Store.
type StoreOption func(*Store)

// WithLogger sets a structured logger for the store. When set, the store
// emits debug logs for every operation including timing and key
// parameters. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// Store implements strand.Store backed by a local SQLite file.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ strand.Store = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath. It opens a
// single shared connection pool with SetMaxOpenConns(1) so that all
// goroutines serialize through one connection, eliminating SQLITE_BUSY
// errors caused by concurrent writers opening independent connections.
func New(dbPath string, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s, nil
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sandbox TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			is_llm_visible INTEGER NOT NULL,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, created_at)`,
	}

	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	s.logger.Debug("sqlite: init done", "duration", time.Since(start))
	return nil
}

func (s *Store) CreateThread(ctx context.Context, t strand.Thread) error {
	start := time.Now()
	s.logger.Debug("sqlite: create thread", "id", t.ID, "project_id", t.ProjectID)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO threads (id, project_id, account_id, created_at) VALUES (?, ?, ?, ?)`,
		t.ID, t.ProjectID, t.AccountID, t.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create thread failed", "id", t.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create thread: %w", err)
	}
	s.logger.Debug("sqlite: create thread ok", "id", t.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) Thread(ctx context.Context, id string) (strand.Thread, error) {
	var t strand.Thread
	err := s.db.QueryRowContext(ctx,
		`SELECT id, project_id, account_id, created_at FROM threads WHERE id = ?`, id,
	).Scan(&t.ID, &t.ProjectID, &t.AccountID, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return strand.Thread{}, fmt.Errorf("thread %s: %w", id, strand.ErrNotFound)
	}
	if err != nil {
		return strand.Thread{}, fmt.Errorf("get thread: %w", err)
	}
	return t, nil
}

func (s *Store) AddMessage(ctx context.Context, m strand.Message) error {
	start := time.Now()
	s.logger.Debug("sqlite: add message", "id", m.ID, "thread_id", m.ThreadID, "kind", m.Kind)

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, thread_id, kind, content, is_llm_visible, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, string(m.Kind), string(m.Content), boolToInt(m.IsLLMVisible), m.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: add message failed", "id", m.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("add message: %w", err)
	}
	s.logger.Debug("sqlite: add message ok", "id", m.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) Message(ctx context.Context, id string) (strand.Message, error) {
	m, err := s.scanMessage(s.db.QueryRowContext(ctx,
		`SELECT id, thread_id, kind, content, is_llm_visible, created_at FROM messages WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return strand.Message{}, fmt.Errorf("message %s: %w", id, strand.ErrNotFound)
	}
	if err != nil {
		return strand.Message{}, fmt.Errorf("get message: %w", err)
	}
	return m, nil
}

// Messages returns the thread history in insertion order. IDs are
// time-sortable, so created_at plus id reproduces insertion order even
// when several messages land in the same second.
func (s *Store) Messages(ctx context.Context, threadID string, visibleOnly bool) ([]strand.Message, error) {
	start := time.Now()
	s.logger.Debug("sqlite: list messages", "thread_id", threadID, "visible_only", visibleOnly)

	query := `SELECT id, thread_id, kind, content, is_llm_visible, created_at
		 FROM messages WHERE thread_id = ?`
	if visibleOnly {
		query += ` AND is_llm_visible = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.db.QueryContext(ctx, query, threadID)
	if err != nil {
		s.logger.Error("sqlite: list messages failed", "thread_id", threadID, "error", err, "duration", time.Since(start))
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var msgs []strand.Message
	for rows.Next() {
		m, err := s.scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	s.logger.Debug("sqlite: list messages ok", "thread_id", threadID, "count", len(msgs), "duration", time.Since(start))
	return msgs, rows.Err()
}

func (s *Store) LatestMessage(ctx context.Context, threadID string, kinds ...strand.MessageKind) (strand.Message, error) {
	query := `SELECT id, thread_id, kind, content, is_llm_visible, created_at
		 FROM messages WHERE thread_id = ?`
	args := []any{threadID}
	if len(kinds) > 0 {
		query += ` AND kind IN (` + placeholders(len(kinds)) + `)`
		for _, k := range kinds {
			args = append(args, string(k))
		}
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	m, err := s.scanMessage(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return strand.Message{}, fmt.Errorf("thread %s latest message: %w", threadID, strand.ErrNotFound)
	}
	if err != nil {
		return strand.Message{}, fmt.Errorf("latest message: %w", err)
	}
	return m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("message %s: %w", id, strand.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateProject(ctx context.Context, p strand.Project) error {
	start := time.Now()
	s.logger.Debug("sqlite: create project", "id", p.ID, "name", p.Name)

	sandboxJSON, err := marshalSandbox(p.Sandbox)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO projects (id, account_id, name, sandbox, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ID, p.AccountID, p.Name, sandboxJSON, p.CreatedAt,
	)
	if err != nil {
		s.logger.Error("sqlite: create project failed", "id", p.ID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("create project: %w", err)
	}
	s.logger.Debug("sqlite: create project ok", "id", p.ID, "duration", time.Since(start))
	return nil
}

func (s *Store) Project(ctx context.Context, id string) (strand.Project, error) {
	var p strand.Project
	var sandboxJSON sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT id, account_id, name, sandbox, created_at FROM projects WHERE id = ?`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &sandboxJSON, &p.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return strand.Project{}, fmt.Errorf("project %s: %w", id, strand.ErrNotFound)
	}
	if err != nil {
		return strand.Project{}, fmt.Errorf("get project: %w", err)
	}
	if sandboxJSON.Valid && sandboxJSON.String != "" {
		var desc strand.SandboxDescriptor
		if err := json.Unmarshal([]byte(sandboxJSON.String), &desc); err != nil {
			return strand.Project{}, fmt.Errorf("decode sandbox descriptor: %w", err)
		}
		p.Sandbox = &desc
	}
	return p, nil
}

func (s *Store) SetProjectSandbox(ctx context.Context, projectID string, desc *strand.SandboxDescriptor) error {
	start := time.Now()
	s.logger.Debug("sqlite: set project sandbox", "project_id", projectID, "clear", desc == nil)

	sandboxJSON, err := marshalSandbox(desc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE projects SET sandbox = ? WHERE id = ?`, sandboxJSON, projectID)
	if err != nil {
		s.logger.Error("sqlite: set project sandbox failed", "project_id", projectID, "error", err, "duration", time.Since(start))
		return fmt.Errorf("set project sandbox: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("project %s: %w", projectID, strand.ErrNotFound)
	}
	s.logger.Debug("sqlite: set project sandbox ok", "project_id", projectID, "duration", time.Since(start))
	return nil
}

// DB exposes the underlying connection for callers that need raw SQL.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	s.logger.Debug("sqlite: closing store")
	err := s.db.Close()
	if err != nil {
		s.logger.Error("sqlite: close failed", "error", err)
	}
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanMessage(row rowScanner) (strand.Message, error) {
	var m strand.Message
	var kind, content string
	var visible int
	if err := row.Scan(&m.ID, &m.ThreadID, &kind, &content, &visible, &m.CreatedAt); err != nil {
		return strand.Message{}, err
	}
	m.Kind = strand.MessageKind(kind)
	m.Content = json.RawMessage(content)
	m.IsLLMVisible = visible != 0
	return m, nil
}

func marshalSandbox(desc *strand.SandboxDescriptor) (*string, error) {
	if desc == nil {
		return nil, nil
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode sandbox descriptor: %w", err)
	}
	v := string(data)
	return &v, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
