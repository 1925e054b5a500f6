// Package journal is an optional, Postgres-backed event store for agent
// Events. It is a reference sink — nothing in pkg/agent imports it — meant
// to be wired in by a host application via Agent.Subscribe when durable
// event history is wanted (audit trails, cross-process replay).
package journal

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is satisfied by both *pgxpool.Pool and pgx.Tx, so Store can run
// inside a caller-supplied transaction as well as against a bare pool.
type DBTX interface {
	Exec(ctx context.Context, sql string, arguments ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, arguments ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, arguments ...interface{}) pgx.Row
}

// TableName is the journal table name, overridable for multi-tenant prefixing.
var TableName = "agent_events"

// Store persists and retrieves journal Entries.
type Store struct {
	db     DBTX
	table  string
	logger *slog.Logger
}

// NewStore builds a Store bound to db (a *pgxpool.Pool or a pgx.Tx). logger
// may be nil, in which case slog.Default() is used.
func NewStore(db DBTX, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{db: db, table: TableName, logger: logger}
}

// Connect opens a pgxpool against databaseURL and pings it once to fail
// fast on misconfiguration, mirroring the pack's connection-pool helper.
func Connect(ctx context.Context, databaseURL string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// EnsureSchema creates the journal table if it doesn't already exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			id            BIGSERIAL PRIMARY KEY,
			session_id    TEXT NOT NULL,
			event_type    TEXT NOT NULL,
			tool_name     TEXT,
			tool_call_id  TEXT,
			is_error      BOOLEAN NOT NULL DEFAULT FALSE,
			payload       JSONB NOT NULL,
			created_at    TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`, s.table)
	if _, err := s.db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure journal schema: %w", err)
	}
	idx := fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s_session_idx ON %s (session_id, created_at)`, s.table, s.table)
	if _, err := s.db.Exec(ctx, idx); err != nil {
		return fmt.Errorf("ensure journal index: %w", err)
	}
	return nil
}

// Append inserts one journal Entry. Failures are returned, not swallowed —
// unlike Agent event listeners, a durability sink should surface write
// errors to its caller.
func (s *Store) Append(ctx context.Context, e Entry) error {
	query, args := insertQuery(s.table, e)
	if _, err := s.db.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("append journal entry: %w", err)
	}
	return nil
}

// Sink returns a func(Entry) that logs (rather than propagates) append
// errors, suitable for wiring as a best-effort subscriber alongside
// Agent.Subscribe's func(Event) signature via an adapter at the call site.
func (s *Store) Sink(ctx context.Context) func(Entry) {
	return func(e Entry) {
		if err := s.Append(ctx, e); err != nil {
			s.logger.Error("journal append failed", "error", err, "event_type", e.EventType)
		}
	}
}

// Query returns entries matching filter, newest first, bounded by
// filter.Limit (defaulted to 100).
func (s *Store) Query(ctx context.Context, filter Filter) ([]Entry, error) {
	query, args := selectQuery(s.table, filter)
	rows, err := s.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.SessionID, &e.EventType, &e.ToolName, &e.ToolCallID, &e.IsError, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan journal entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
