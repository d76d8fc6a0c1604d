// Package store persists threads, messages and usage counters.
//
// The SQL is shared by every backend; a Dialect supplies the parts that
// differ (placeholder syntax, row locking, schema, transient error
// classification). Drivers live under store/db.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Dialect captures the differences between SQL backends.
type Dialect interface {
	// Name returns the driver name, e.g. "postgres".
	Name() string
	// Rebind converts '?' placeholders to the backend syntax.
	Rebind(query string) string
	// ForUpdate returns the row locking suffix for SELECT statements.
	ForUpdate() string
	// Schema returns the idempotent DDL statements.
	Schema() []string
	// IsTransient reports whether err is worth retrying.
	IsTransient(err error) bool
}

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// queries holds the statements shared by Store and Tx.
type queries struct {
	q       querier
	dialect Dialect
}

func (q queries) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return q.q.ExecContext(ctx, q.dialect.Rebind(query), args...)
}

func (q queries) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return q.q.QueryContext(ctx, q.dialect.Rebind(query), args...)
}

func (q queries) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return q.q.QueryRowContext(ctx, q.dialect.Rebind(query), args...)
}

// Store is the database facade.
type Store struct {
	queries
	db *sql.DB
}

// New wraps an open database.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{
		queries: queries{q: db, dialect: dialect},
		db:      db,
	}
}

// Tx is a store bound to one database transaction.
type Tx struct {
	queries
}

// Migrate applies the dialect schema.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema() {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// WithTx runs fn inside a transaction. The transaction is committed when fn
// returns nil and rolled back otherwise.
func (s *Store) WithTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&Tx{queries: queries{q: sqlTx, dialect: s.dialect}}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// IsTransient reports whether err came from a retryable infrastructure failure.
func (s *Store) IsTransient(err error) bool {
	return err != nil && s.dialect.IsTransient(err)
}

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Driver returns the dialect name.
func (s *Store) Driver() string {
	return s.dialect.Name()
}

func toMicros(t time.Time) int64 {
	return t.UnixMicro()
}

func fromMicros(v int64) time.Time {
	return time.UnixMicro(v).UTC()
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
