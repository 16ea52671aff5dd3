// Package history keeps a local SQLite log of render invocations for
// inspection via the CLI and HTTP API. Writes are best-effort from callers:
// a history failure never fails a render.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded render invocation.
type Entry struct {
	ID         string    `json:"id"`
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
	Executor   string    `json:"executor"`
	Charts     int       `json:"charts"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
	Width      int       `json:"width"`
	Height     int       `json:"height"`
	Error      string    `json:"error,omitempty"`
}

// Store persists render log entries.
type Store struct {
	db *sql.DB
}

// Open opens the render log at path.
func Open(ctx context.Context, path string) (*Store, error) {
	db, err := openSQLite(ctx, path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

// Close releases the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one invocation entry. A zero ID is assigned.
func (s *Store) Record(ctx context.Context, e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now().UTC()
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO render_log (id, started_at, duration_ms, executor, charts, succeeded, failed, width, height, error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID,
		e.StartedAt.Format(time.RFC3339Nano),
		e.DurationMs,
		e.Executor,
		e.Charts,
		e.Succeeded,
		e.Failed,
		e.Width,
		e.Height,
		nullable(e.Error),
	)
	if err != nil {
		return "", fmt.Errorf("record render: %w", err)
	}
	return e.ID, nil
}

// List returns the most recent entries, newest first.
func (s *Store) List(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, started_at, duration_ms, executor, charts, succeeded, failed, width, height, error
		 FROM render_log ORDER BY started_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list renders: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var startedAt string
		var errText sql.NullString
		if err := rows.Scan(&e.ID, &startedAt, &e.DurationMs, &e.Executor,
			&e.Charts, &e.Succeeded, &e.Failed, &e.Width, &e.Height, &errText); err != nil {
			return nil, fmt.Errorf("scan render entry: %w", err)
		}
		if t, perr := time.Parse(time.RFC3339Nano, startedAt); perr == nil {
			e.StartedAt = t
		}
		e.Error = errText.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
