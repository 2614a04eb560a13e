// Package history records completed invocations in an in-memory SQLite
// database for the diagnostic endpoints. Nothing survives a restart.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"
)

// Entry is one recorded invocation.
type Entry struct {
	ID          string    `json:"id"`
	Trigger     string    `json:"trigger"`
	Service     string    `json:"service"`
	Status      string    `json:"status"`
	HTTPStatus  int       `json:"http_status,omitempty"`
	Error       string    `json:"error,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
}

// Store is the invocation history backed by an in-memory SQLite database.
type Store struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS invocations (
	id TEXT PRIMARY KEY,
	trigger_name TEXT NOT NULL,
	service TEXT NOT NULL,
	status TEXT NOT NULL,
	http_status INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	started_at TEXT NOT NULL,
	completed_at TEXT NOT NULL,
	duration_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_invocations_completed ON invocations(completed_at);
`

// timestampLayout is RFC3339 with a fixed-width fraction, so stored UTC
// timestamps compare chronologically as strings.
const timestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// openSeq distinguishes memory databases so separate stores never share
// state through the cache name.
var openSeq atomic.Int64

// Open creates the in-memory store. The shared-cache DSN keeps the single
// table visible across the pool's connections.
func Open() (*Store, error) {
	dsn := fmt.Sprintf("file:ember-history-%d?mode=memory&cache=shared", openSeq.Add(1))
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening history database: %w", err)
	}
	// A memory database vanishes when its last connection closes.
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating history schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close releases the database, discarding all history.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record inserts one completed invocation.
func (s *Store) Record(ctx context.Context, e *Entry) error {
	query := `
		INSERT INTO invocations (
			id, trigger_name, service, status, http_status, error,
			started_at, completed_at, duration_ms
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		e.ID,
		e.Trigger,
		e.Service,
		e.Status,
		e.HTTPStatus,
		e.Error,
		e.StartedAt.UTC().Format(timestampLayout),
		e.CompletedAt.UTC().Format(timestampLayout),
		e.DurationMs,
	)
	if err != nil {
		return fmt.Errorf("inserting invocation record: %w", err)
	}
	return nil
}

// ListOptions filter List results.
type ListOptions struct {
	Trigger string
	Service string
	Status  string
	Limit   int
}

// List returns entries newest first.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]*Entry, error) {
	if opts.Limit <= 0 || opts.Limit > 1000 {
		opts.Limit = 100
	}

	query := `
		SELECT id, trigger_name, service, status, http_status, error,
		       started_at, completed_at, duration_ms
		FROM invocations
		WHERE (? = '' OR trigger_name = ?)
		  AND (? = '' OR service = ?)
		  AND (? = '' OR status = ?)
		ORDER BY completed_at DESC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		opts.Trigger, opts.Trigger,
		opts.Service, opts.Service,
		opts.Status, opts.Status,
		opts.Limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing invocations: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		var startedAt, completedAt string
		if err := rows.Scan(
			&e.ID, &e.Trigger, &e.Service, &e.Status, &e.HTTPStatus, &e.Error,
			&startedAt, &completedAt, &e.DurationMs,
		); err != nil {
			return nil, fmt.Errorf("scanning invocation row: %w", err)
		}
		e.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
		e.CompletedAt, _ = time.Parse(time.RFC3339Nano, completedAt)
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating invocation rows: %w", err)
	}

	return entries, nil
}

// DeleteOlderThan removes entries completed before the retention cutoff and
// returns how many were deleted.
func (s *Store) DeleteOlderThan(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UTC().Format(timestampLayout)

	result, err := s.db.ExecContext(ctx,
		`DELETE FROM invocations WHERE completed_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("pruning invocation history: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	return deleted, nil
}

// Count returns the number of stored entries.
func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM invocations`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting invocations: %w", err)
	}
	return n, nil
}
