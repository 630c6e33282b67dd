// Package storage persists user sessions and identity-provider credentials.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"calbot/internal/model"
)

// SQLite stores sessions and tokens in a single database file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path and ensures
// the schema exists.
func OpenSQLite(path string) (*SQLite, error) {
	if path == "" {
		return nil, errors.New("database path is empty")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// database/sql would otherwise hand out separate :memory: databases.
	db.SetMaxOpenConns(1)

	if err := createTables(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &SQLite{db: db}, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func createTables(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		user_id INTEGER PRIMARY KEY,
		state TEXT NOT NULL,
		draft_task_name TEXT NOT NULL DEFAULT '',
		timezone_name TEXT NOT NULL DEFAULT 'UTC',
		timezone_declared INTEGER NOT NULL DEFAULT 0,
		calendar_ref TEXT NOT NULL DEFAULT '',
		updated_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS credentials (
		user_id INTEGER NOT NULL,
		provider TEXT NOT NULL,
		data BLOB NOT NULL,
		updated_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, provider)
	);
	`
	_, err := db.Exec(schema)
	return err
}

// LoadSession returns the stored session and whether it existed.
func (s *SQLite) LoadSession(ctx context.Context, userID int64) (model.Session, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, state, draft_task_name, timezone_name, timezone_declared, calendar_ref, updated_at
		FROM sessions WHERE user_id = ?`, userID)

	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Session{}, false, nil
	}
	if err != nil {
		return model.Session{}, false, fmt.Errorf("load session %d: %w", userID, err)
	}
	return sess, true, nil
}

// SaveSession upserts the session keyed by user id.
func (s *SQLite) SaveSession(ctx context.Context, sess model.Session) error {
	if sess.UpdatedAt.IsZero() {
		sess.UpdatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessions (user_id, state, draft_task_name, timezone_name, timezone_declared, calendar_ref, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id) DO UPDATE SET
			state = excluded.state,
			draft_task_name = excluded.draft_task_name,
			timezone_name = excluded.timezone_name,
			timezone_declared = excluded.timezone_declared,
			calendar_ref = excluded.calendar_ref,
			updated_at = excluded.updated_at`,
		sess.UserID, string(sess.State), sess.DraftTaskName, sess.TimezoneName,
		sess.TimezoneDeclared, sess.CalendarRef, sess.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("save session %d: %w", sess.UserID, err)
	}
	return nil
}

// AllSessions returns every stored session ordered by user id.
func (s *SQLite) AllSessions(ctx context.Context) ([]model.Session, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, state, draft_task_name, timezone_name, timezone_declared, calendar_ref, updated_at
		FROM sessions ORDER BY user_id`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSession(sc scanner) (model.Session, error) {
	var (
		sess  model.Session
		state string
	)
	err := sc.Scan(&sess.UserID, &state, &sess.DraftTaskName, &sess.TimezoneName,
		&sess.TimezoneDeclared, &sess.CalendarRef, &sess.UpdatedAt)
	if err != nil {
		return model.Session{}, err
	}
	sess.State = model.State(state)
	return sess, nil
}

// LoadCredential returns the opaque credential blob stored for a provider.
func (s *SQLite) LoadCredential(ctx context.Context, userID int64, provider string) ([]byte, bool, error) {
	var data []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT data FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load credential %d/%s: %w", userID, provider, err)
	}
	return data, true, nil
}

func (s *SQLite) SaveCredential(ctx context.Context, userID int64, provider string, data []byte) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, provider, data, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		userID, provider, data, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("save credential %d/%s: %w", userID, provider, err)
	}
	return nil
}

func (s *SQLite) DeleteCredential(ctx context.Context, userID int64, provider string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider)
	if err != nil {
		return fmt.Errorf("delete credential %d/%s: %w", userID, provider, err)
	}
	return nil
}
