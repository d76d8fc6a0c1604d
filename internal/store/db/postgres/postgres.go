// Package postgres provides the PostgreSQL backend of the store.
package postgres

import (
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/capitalize-ai/chatstream/internal/store"
)

// Open connects to PostgreSQL and returns a store bound to it.
func Open(dsn string) (*store.Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(time.Hour)

	return store.New(db, Dialect{}), nil
}

// Dialect implements store.Dialect for PostgreSQL.
type Dialect struct{}

// Name returns the driver name.
func (Dialect) Name() string { return "postgres" }

// Rebind rewrites '?' placeholders to $1, $2, ...
func (Dialect) Rebind(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// ForUpdate returns the row locking clause.
func (Dialect) ForUpdate() string { return " FOR UPDATE" }

// Schema returns the DDL.
func (Dialect) Schema() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS thread (
			id            TEXT   PRIMARY KEY,
			owner_id      TEXT   NOT NULL,
			title         TEXT,
			status        TEXT   NOT NULL DEFAULT 'ready' CHECK (status IN ('ready', 'submitted', 'streaming')),
			stream_handle TEXT,
			created_ts    BIGINT NOT NULL,
			updated_ts    BIGINT NOT NULL,
			CHECK (status <> 'streaming' OR stream_handle IS NOT NULL)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_thread_owner ON thread(owner_id, updated_ts DESC)`,
		`CREATE TABLE IF NOT EXISTS message (
			id         TEXT   PRIMARY KEY,
			thread_id  TEXT   NOT NULL REFERENCES thread(id) ON DELETE CASCADE,
			author_id  TEXT   NOT NULL,
			role       TEXT   NOT NULL,
			content    JSONB  NOT NULL DEFAULT '[]'::jsonb,
			created_ts BIGINT NOT NULL,
			updated_ts BIGINT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_message_thread ON message(thread_id, created_ts)`,
		`CREATE TABLE IF NOT EXISTS usage_counter (
			user_id        TEXT    PRIMARY KEY,
			credits        BIGINT  NOT NULL DEFAULT 0,
			search_calls   BIGINT  NOT NULL DEFAULT 0,
			research_calls BIGINT  NOT NULL DEFAULT 0,
			updated_ts     BIGINT  NOT NULL DEFAULT 0
		)`,
	}
}

// IsTransient classifies connection loss, serialization failures and
// deadlocks as retryable.
func (Dialect) IsTransient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "57": // connection exception, operator intervention
			return true
		}
		switch pqErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return true
		}
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}
