// Package auditstore mirrors the settlement authority's in-memory audit
// log to a durable PostgreSQL table. It is an optional sink: the core
// ledger/consensus/authority logic never depends on it being reachable,
// and a write failure here is logged, not fatal.
package auditstore

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/digitalruble/settlement-core/pkg/config"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id         BIGSERIAL PRIMARY KEY,
	occurred_at TIMESTAMPTZ NOT NULL,
	kind       TEXT NOT NULL,
	detail     TEXT NOT NULL
);
`

// Store is a connection-pooled client for the durable audit table.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

// Option is a functional option for configuring the store.
type Option func(*Store)

// WithLogger sets a custom logger for the store.
func WithLogger(logger *log.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open connects to the audit database named by cfg.AuditDatabaseURL and
// ensures the audit_entries table exists. It returns (nil, nil) when no
// audit database URL is configured: the caller should treat a nil Store
// as "no durable sink," not an error.
func Open(cfg *config.Config, opts ...Option) (*Store, error) {
	if cfg.AuditDatabaseURL == "" {
		return nil, nil
	}

	s := &Store{
		logger: log.New(log.Writer(), "[AuditStore] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := sql.Open("postgres", cfg.AuditDatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("auditstore: open database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(time.Hour)
	s.db = db

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditstore: ping database: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditstore: ensure schema: %w", err)
	}

	s.logger.Println("connected to audit database")
	return s, nil
}

// Close closes the underlying connection pool. Safe to call on a nil
// Store.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Append writes one audit entry. Safe to call on a nil Store, in which
// case it is a no-op -- callers should not branch on whether a durable
// sink is configured before recording an entry.
func (s *Store) Append(ctx context.Context, at time.Time, kind, detail string) error {
	if s == nil || s.db == nil {
		return nil
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (occurred_at, kind, detail) VALUES ($1, $2, $3)`,
		at, kind, detail)
	return err
}

// AppendAsync writes one audit entry in the background and logs, rather
// than returns, any failure. This is the method the authority's audit
// hook calls: a durable-sink outage must never block or fail a
// settlement operation.
func (s *Store) AppendAsync(at time.Time, kind, detail string) {
	if s == nil || s.db == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.Append(ctx, at, kind, detail); err != nil {
			s.logger.Printf("failed to persist audit entry (kind=%s): %v", kind, err)
		}
	}()
}

// Recent returns the most recent audit entries, newest first, up to
// limit.
func (s *Store) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if s == nil || s.db == nil {
		return nil, ErrNoDurableSink
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT occurred_at, kind, detail FROM audit_entries ORDER BY id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.At, &e.Kind, &e.Detail); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Entry is one durable audit record.
type Entry struct {
	At     time.Time
	Kind   string
	Detail string
}
