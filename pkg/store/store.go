// Package store is the relational storage layer for agent records and
// telemetry. It runs on SQLite through database/sql; every write path goes
// through a bounded-retry wrapper that absorbs transient busy/locked
// failures, and multi-row updates run in a transaction re-created on each
// attempt so they apply atomically or not at all.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

const (
	retryInitialDelay = 50 * time.Millisecond
	retryMaxDelay     = 2 * time.Second
	retryMaxAttempts  = 5
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS agents (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    name        TEXT NOT NULL,
    status      TEXT NOT NULL,
    parent_id   INTEGER REFERENCES agents(id),
    pid         INTEGER,
    start_time  TEXT NOT NULL,
    end_time    TEXT,
    duration_ms INTEGER,
    prompt      TEXT NOT NULL DEFAULT '',
    log_path    TEXT NOT NULL DEFAULT '',
    error       TEXT,
    engine_id   TEXT NOT NULL DEFAULT '',
    model       TEXT NOT NULL DEFAULT '',
    session_id  TEXT
);

CREATE INDEX IF NOT EXISTS idx_agents_parent_id ON agents(parent_id);
CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);

CREATE TABLE IF NOT EXISTS telemetry (
    agent_id              INTEGER PRIMARY KEY REFERENCES agents(id),
    tokens_in             INTEGER NOT NULL DEFAULT 0,
    tokens_out            INTEGER NOT NULL DEFAULT 0,
    cached_tokens         INTEGER,
    cache_creation_tokens INTEGER,
    cache_read_tokens     INTEGER,
    cost                  REAL
);
`

// Store wraps the monitoring database.
type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the registry database at path.
// Pass ":memory:" for an in-process test database.
func Open(path string) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_fk=1", path)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite allows one writer; keep the pool at a single connection so
	// in-process writers queue instead of hitting SQLITE_BUSY.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.init(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if _, err := s.db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// isBusy reports whether err is a transient SQLite busy/locked condition.
func isBusy(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrBusy || sqliteErr.Code == sqlite3.ErrLocked
	}
	// Fallback for wrapped driver errors.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "database is busy")
}

// withRetry runs op with exponential backoff on busy/locked failures:
// 50ms initial, doubling, capped at 2s, up to 5 attempts. Non-busy errors
// surface immediately.
func withRetry(ctx context.Context, op func() error) error {
	delay := retryInitialDelay
	var err error
	for attempt := 1; attempt <= retryMaxAttempts; attempt++ {
		err = op()
		if err == nil || !isBusy(err) {
			return err
		}
		if attempt == retryMaxAttempts {
			break
		}
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
		delay *= 2
		if delay > retryMaxDelay {
			delay = retryMaxDelay
		}
	}
	return fmt.Errorf("storage busy after %d attempts: %w", retryMaxAttempts, err)
}

// withTx runs op inside a transaction. The whole transaction is re-created
// on each retry attempt so partial work never commits.
func (s *Store) withTx(ctx context.Context, op func(tx *sql.Tx) error) error {
	return withRetry(ctx, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		if err := op(tx); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}
