// Package postgres implements strand.Store on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close here is a
// no-op so several components can share one pool safely.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	strand "github.com/strandhq/strand"
)

// Store implements strand.Store backed by PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

var _ strand.Store = (*Store)(nil)

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Init creates all required tables.
func (s *Store) Init(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			account_id TEXT NOT NULL,
			name TEXT NOT NULL,
			sandbox JSONB,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS threads (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL,
			account_id TEXT NOT NULL,
			created_at BIGINT NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id TEXT PRIMARY KEY,
			thread_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			content JSONB NOT NULL,
			is_llm_visible BOOLEAN NOT NULL,
			created_at BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS messages_thread_idx ON messages(thread_id, created_at)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("postgres: init: %w", err)
		}
	}
	return nil
}

func (s *Store) CreateThread(ctx context.Context, t strand.Thread) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO threads (id, project_id, account_id, created_at) VALUES ($1, $2, $3, $4)`,
		t.ID, t.ProjectID, t.AccountID, t.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create thread: %w", err)
	}
	return nil
}

func (s *Store) Thread(ctx context.Context, id string) (strand.Thread, error) {
	var t strand.Thread
	err := s.pool.QueryRow(ctx,
		`SELECT id, project_id, account_id, created_at FROM threads WHERE id = $1`, id,
	).Scan(&t.ID, &t.ProjectID, &t.AccountID, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return strand.Thread{}, fmt.Errorf("thread %s: %w", id, strand.ErrNotFound)
	}
	if err != nil {
		return strand.Thread{}, fmt.Errorf("postgres: get thread: %w", err)
	}
	return t, nil
}

func (s *Store) AddMessage(ctx context.Context, m strand.Message) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO messages (id, thread_id, kind, content, is_llm_visible, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5, $6)`,
		m.ID, m.ThreadID, string(m.Kind), string(m.Content), m.IsLLMVisible, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: add message: %w", err)
	}
	return nil
}

func (s *Store) Message(ctx context.Context, id string) (strand.Message, error) {
	m, err := scanMessage(s.pool.QueryRow(ctx,
		`SELECT id, thread_id, kind, content, is_llm_visible, created_at FROM messages WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return strand.Message{}, fmt.Errorf("message %s: %w", id, strand.ErrNotFound)
	}
	if err != nil {
		return strand.Message{}, fmt.Errorf("postgres: get message: %w", err)
	}
	return m, nil
}

// Messages returns the thread history in insertion order. IDs are
// time-sortable, so created_at plus id reproduces insertion order even
// when several messages land in the same second.
func (s *Store) Messages(ctx context.Context, threadID string, visibleOnly bool) ([]strand.Message, error) {
	query := `SELECT id, thread_id, kind, content, is_llm_visible, created_at
		 FROM messages WHERE thread_id = $1`
	if visibleOnly {
		query += ` AND is_llm_visible`
	}
	query += ` ORDER BY created_at, id`

	rows, err := s.pool.Query(ctx, query, threadID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list messages: %w", err)
	}
	defer rows.Close()

	var msgs []strand.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan message: %w", err)
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func (s *Store) LatestMessage(ctx context.Context, threadID string, kinds ...strand.MessageKind) (strand.Message, error) {
	query := `SELECT id, thread_id, kind, content, is_llm_visible, created_at
		 FROM messages WHERE thread_id = $1`
	args := []any{threadID}
	if len(kinds) > 0 {
		ph := make([]string, len(kinds))
		for i, k := range kinds {
			args = append(args, string(k))
			ph[i] = "$" + strconv.Itoa(len(args))
		}
		query += ` AND kind IN (` + strings.Join(ph, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC, id DESC LIMIT 1`

	m, err := scanMessage(s.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) {
		return strand.Message{}, fmt.Errorf("thread %s latest message: %w", threadID, strand.ErrNotFound)
	}
	if err != nil {
		return strand.Message{}, fmt.Errorf("postgres: latest message: %w", err)
	}
	return m, nil
}

func (s *Store) DeleteMessage(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM messages WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("postgres: delete message: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("message %s: %w", id, strand.ErrNotFound)
	}
	return nil
}

func (s *Store) CreateProject(ctx context.Context, p strand.Project) error {
	sandboxJSON, err := marshalSandbox(p.Sandbox)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO projects (id, account_id, name, sandbox, created_at)
		 VALUES ($1, $2, $3, $4::jsonb, $5)`,
		p.ID, p.AccountID, p.Name, sandboxJSON, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("postgres: create project: %w", err)
	}
	return nil
}

func (s *Store) Project(ctx context.Context, id string) (strand.Project, error) {
	var p strand.Project
	var sandboxJSON []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, account_id, name, sandbox, created_at FROM projects WHERE id = $1`, id,
	).Scan(&p.ID, &p.AccountID, &p.Name, &sandboxJSON, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return strand.Project{}, fmt.Errorf("project %s: %w", id, strand.ErrNotFound)
	}
	if err != nil {
		return strand.Project{}, fmt.Errorf("postgres: get project: %w", err)
	}
	if len(sandboxJSON) > 0 {
		var desc strand.SandboxDescriptor
		if err := json.Unmarshal(sandboxJSON, &desc); err != nil {
			return strand.Project{}, fmt.Errorf("postgres: decode sandbox descriptor: %w", err)
		}
		p.Sandbox = &desc
	}
	return p, nil
}

func (s *Store) SetProjectSandbox(ctx context.Context, projectID string, desc *strand.SandboxDescriptor) error {
	sandboxJSON, err := marshalSandbox(desc)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE projects SET sandbox = $1::jsonb WHERE id = $2`, sandboxJSON, projectID)
	if err != nil {
		return fmt.Errorf("postgres: set project sandbox: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("project %s: %w", projectID, strand.ErrNotFound)
	}
	return nil
}

// Close is a no-op; the pool is owned by the caller.
func (s *Store) Close() error {
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (strand.Message, error) {
	var m strand.Message
	var kind string
	var content []byte
	if err := row.Scan(&m.ID, &m.ThreadID, &kind, &content, &m.IsLLMVisible, &m.CreatedAt); err != nil {
		return strand.Message{}, err
	}
	m.Kind = strand.MessageKind(kind)
	m.Content = json.RawMessage(content)
	return m, nil
}

func marshalSandbox(desc *strand.SandboxDescriptor) (*string, error) {
	if desc == nil {
		return nil, nil
	}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("postgres: encode sandbox descriptor: %w", err)
	}
	v := string(data)
	return &v, nil
}
