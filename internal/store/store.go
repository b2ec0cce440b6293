// Package store persists server-issued session identity across client
// restarts, so a relaunched client can resume its backend sessions instead
// of starting fresh ones.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// ErrNotFound is returned when no session is recorded for an endpoint.
var ErrNotFound = errors.New("session not found")

// Record is the persisted identity of one endpoint's backend session.
type Record struct {
	Path      string
	Port      int
	SessionID string
	Cwd       string
	UpdatedAt time.Time
}

// Store is a SQLite-backed session registry keyed by (path, port).
type Store struct {
	db *sql.DB
}

// Open opens (and migrates) the store at dbPath.
func Open(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open session store: %w", err)
	}

	// WAL keeps concurrent readers cheap while a save is in flight.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// OpenMemory opens a fresh in-memory store, used by tests.
func OpenMemory() (*Store, error) {
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to open in-memory store: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

func migrate(db *sql.DB) error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		path TEXT NOT NULL,
		port INTEGER NOT NULL,
		session_id TEXT NOT NULL,
		cwd TEXT,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (path, port)
	);
	`
	if _, err := db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// Save records the session id (and optional cwd) for an endpoint,
// replacing any previous record. A server-issued id only ever overwrites
// an older one; callers must not invent ids.
func (s *Store) Save(ctx context.Context, path string, port int, sessionID, cwd string) error {
	query := `
		INSERT INTO sessions (path, port, session_id, cwd, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(path, port) DO UPDATE SET
			session_id = excluded.session_id,
			cwd = excluded.cwd,
			updated_at = excluded.updated_at
	`
	if _, err := s.db.ExecContext(ctx, query, path, port, sessionID, cwd, time.Now()); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// Get returns the recorded session for an endpoint.
func (s *Store) Get(ctx context.Context, path string, port int) (*Record, error) {
	query := `
		SELECT session_id, cwd, updated_at
		FROM sessions
		WHERE path = ? AND port = ?
	`
	rec := &Record{Path: path, Port: port}
	var cwd sql.NullString

	err := s.db.QueryRowContext(ctx, query, path, port).Scan(&rec.SessionID, &cwd, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	if cwd.Valid {
		rec.Cwd = cwd.String
	}
	return rec, nil
}

// Delete forgets the session recorded for an endpoint. Deleting an
// unknown endpoint is not an error.
func (s *Store) Delete(ctx context.Context, path string, port int) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE path = ? AND port = ?`, path, port); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// List returns every recorded session, newest first.
func (s *Store) List(ctx context.Context) ([]*Record, error) {
	query := `
		SELECT path, port, session_id, cwd, updated_at
		FROM sessions
		ORDER BY updated_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", err)
	}
	defer rows.Close()

	var out []*Record
	for rows.Next() {
		rec := &Record{}
		var cwd sql.NullString
		if err := rows.Scan(&rec.Path, &rec.Port, &rec.SessionID, &cwd, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		if cwd.Valid {
			rec.Cwd = cwd.String
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sessions: %w", err)
	}
	return out, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
