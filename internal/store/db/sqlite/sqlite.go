// Package sqlite provides the SQLite backend of the store, used for
// single-node deployments and tests.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/capitalize-ai/chatstream/internal/store"
)

// Open opens the SQLite database at dsn. The pool is limited to one
// connection so write transactions are serialized.
func Open(dsn string) (*store.Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout = 5000`); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	return store.New(db, Dialect{}), nil
}

// Dialect implements store.Dialect for SQLite.
type Dialect struct{}

// Name returns the driver name.
func (Dialect) Name() string { return "sqlite" }

// Rebind returns query unchanged; SQLite understands '?'.
func (Dialect) Rebind(query string) string { return query }

// ForUpdate returns nothing: SQLite has no row locks and the single
// connection pool serializes transactions instead.
func (Dialect) ForUpdate() string { return "" }

// Schema returns the DDL.
func (Dialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS thread (
			id            TEXT    PRIMARY KEY,
			owner_id      TEXT    NOT NULL,
			title         TEXT,
			status        TEXT    NOT NULL DEFAULT 'ready' CHECK (status IN ('ready', 'submitted', 'streaming')),
			stream_handle TEXT,
			created_ts    INTEGER NOT NULL,
			updated_ts    INTEGER NOT NULL,
			CHECK (status <> 'streaming' OR stream_handle IS NOT NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_owner ON thread(owner_id, updated_ts DESC)`,
		`CREATE TABLE IF NOT EXISTS message (
			id         TEXT    PRIMARY KEY,
			thread_id  TEXT    NOT NULL REFERENCES thread(id) ON DELETE CASCADE,
			author_id  TEXT    NOT NULL,
			role       TEXT    NOT NULL,
			content    TEXT    NOT NULL DEFAULT '[]',
			created_ts INTEGER NOT NULL,
			updated_ts INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_thread ON message(thread_id, created_ts)`,
		`CREATE TABLE IF NOT EXISTS usage_counter (
			user_id        TEXT    PRIMARY KEY,
			credits        INTEGER NOT NULL DEFAULT 0,
			search_calls   INTEGER NOT NULL DEFAULT 0,
			research_calls INTEGER NOT NULL DEFAULT 0,
			updated_ts     INTEGER NOT NULL DEFAULT 0
		)`,
	}
}

// IsTransient reports busy and locked database errors.
func (Dialect) IsTransient(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}
