// Package store persists entitlements, sessions, and usage counters in a
// single SQLite database. Every multi-step decision the correctness of the
// engine depends on (heartbeat-then-evict, quota check-and-increment,
// entitlement upsert) is executed here as one atomic server-side operation.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store provides durable state for the entitlement and session services.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) the engine database in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	dbPath := filepath.Join(dir, "engine.db")
	dsn := dbPath + "?" + url.Values{
		"_pragma": []string{
			"busy_timeout(30000)",
			"journal_mode(WAL)",
			"synchronous(NORMAL)",
			"foreign_keys(ON)",
		},
	}.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open engine db: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS entitlements (
		id                    TEXT PRIMARY KEY,
		account_id            TEXT NOT NULL,
		product_type          TEXT NOT NULL,
		item_ref              TEXT,
		status                TEXT NOT NULL DEFAULT 'active',
		provider_ref          TEXT NOT NULL DEFAULT '',
		provider_customer_id  TEXT NOT NULL DEFAULT '',
		period_start          INTEGER,
		period_end            INTEGER,
		created_at            INTEGER NOT NULL,
		updated_at            INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entitlements_account_product
		ON entitlements(account_id, product_type)
		WHERE product_type != 'single_item';
	CREATE UNIQUE INDEX IF NOT EXISTS idx_entitlements_account_item
		ON entitlements(account_id, item_ref)
		WHERE product_type = 'single_item';
	CREATE INDEX IF NOT EXISTS idx_entitlements_account ON entitlements(account_id);

	CREATE TABLE IF NOT EXISTS billing_customers (
		account_id            TEXT PRIMARY KEY,
		provider_customer_id  TEXT NOT NULL,
		created_at            INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS sessions (
		account_id      TEXT NOT NULL,
		device_token    TEXT NOT NULL,
		fingerprint     TEXT NOT NULL DEFAULT '',
		ip              TEXT NOT NULL DEFAULT '',
		last_active_at  INTEGER NOT NULL,
		active          INTEGER NOT NULL DEFAULT 1,
		created_at      INTEGER NOT NULL,
		PRIMARY KEY (account_id, device_token)
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_account_active
		ON sessions(account_id, active, last_active_at);

	CREATE TABLE IF NOT EXISTS session_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id   TEXT NOT NULL,
		ip           TEXT NOT NULL DEFAULT '',
		fingerprint  TEXT NOT NULL DEFAULT '',
		occurred_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_session_events_account_time
		ON session_events(account_id, occurred_at);

	CREATE TABLE IF NOT EXISTS usage_counters (
		account_id  TEXT NOT NULL,
		day         TEXT NOT NULL,
		count       INTEGER NOT NULL DEFAULT 0,
		updated_at  INTEGER NOT NULL,
		PRIMARY KEY (account_id, day)
	);

	CREATE TABLE IF NOT EXISTS usage_events (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		account_id   TEXT NOT NULL,
		day          TEXT NOT NULL,
		ip           TEXT NOT NULL DEFAULT '',
		recorded_at  INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_usage_events_account_day
		ON usage_events(account_id, day);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init engine schema: %w", err)
	}
	return nil
}

// Ping checks database connectivity (used for readiness probes).
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// scanner is an interface satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}
