// Package buildcache persists completed-job records so unchanged work
// can be skipped on later runs.
//
// The store is SQLite-backed and append-only during a run: a job's
// cache key already encodes its command line and input fingerprints,
// so a present key means the work was done and its outputs were
// produced. Rows are never updated, only inserted or pruned.
package buildcache

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/kilnworks/kiln/internal/planner"
)

//go:embed schema.sql
var schemaSQL string

// Store provides durable storage for the rebuild cache.
// Uses SQLite with WAL mode for concurrent read access.
type Store struct {
	db *sql.DB
}

// Open creates or opens a SQLite database at the given path.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	// to avoid SQLITE_BUSY under worker-pool write pressure.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}
	return nil
}

// Lookup reports whether a job with the given cache key has a recorded
// completion.
func (s *Store) Lookup(ctx context.Context, key string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM jobs WHERE key = ?`, key).Scan(&one)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("cache lookup: %w", err)
	}
	return true, nil
}

// Record stores a completed job under its cache key.
// Uses ON CONFLICT(key) DO NOTHING for idempotency: the key identity
// already encodes every varying input, so concurrent writers racing on
// the same key recorded the same work.
func (s *Store) Record(ctx context.Context, key string, job *planner.Job, invocation string, elapsed time.Duration) error {
	args, err := json.Marshal(job.Args)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	outputs, err := json.Marshal(job.Outputs)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO jobs (key, component, tool, cmd, args, outputs, invocation_id, elapsed_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO NOTHING
	`,
		key,
		job.Component,
		job.Tool,
		job.Cmd,
		string(args),
		string(outputs),
		invocation,
		elapsed.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("record job: %w", err)
	}
	return nil
}

// Entry is one recorded job completion.
type Entry struct {
	Key          string
	Component    string
	Tool         string
	Cmd          string
	Args         []string
	Outputs      []string
	InvocationID string
	ElapsedMS    int64
	CreatedAt    string
}

// Get returns the recorded entry for a cache key.
func (s *Store) Get(ctx context.Context, key string) (*Entry, bool, error) {
	var e Entry
	var args, outputs string
	err := s.db.QueryRowContext(ctx, `
		SELECT key, component, tool, cmd, args, outputs, invocation_id, elapsed_ms, created_at
		FROM jobs WHERE key = ?
	`, key).Scan(&e.Key, &e.Component, &e.Tool, &e.Cmd, &args, &outputs, &e.InvocationID, &e.ElapsedMS, &e.CreatedAt)
	switch {
	case err == sql.ErrNoRows:
		return nil, false, nil
	case err != nil:
		return nil, false, fmt.Errorf("cache get: %w", err)
	}

	if err := json.Unmarshal([]byte(args), &e.Args); err != nil {
		return nil, false, fmt.Errorf("cache get: corrupt args for %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(outputs), &e.Outputs); err != nil {
		return nil, false, fmt.Errorf("cache get: corrupt outputs for %s: %w", key, err)
	}
	return &e, true, nil
}

// Count returns the number of recorded jobs.
func (s *Store) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs`).Scan(&n); err != nil {
		return 0, fmt.Errorf("cache count: %w", err)
	}
	return n, nil
}

// Prune deletes every recorded job.
func (s *Store) Prune(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return fmt.Errorf("cache prune: %w", err)
	}
	return nil
}
