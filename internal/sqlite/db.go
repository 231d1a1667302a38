// Package sqlite opens the single-node SQLite backend used in place of Postgres
// for local development and tests.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	tier       TEXT NOT NULL DEFAULT 'free',
	created_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s', 'now') AS INTEGER) * 1000)
);

CREATE TABLE IF NOT EXISTS profiles (
	user_id    TEXT PRIMARY KEY,
	tenant_id  TEXT REFERENCES tenants(id),
	tier       TEXT NOT NULL DEFAULT 'free',
	created_at INTEGER NOT NULL DEFAULT (CAST(strftime('%s', 'now') AS INTEGER) * 1000)
);

CREATE TABLE IF NOT EXISTS ai_quota_counters (
	user_id       TEXT NOT NULL,
	service_type  TEXT NOT NULL,
	tenant_id     TEXT,
	used          INTEGER NOT NULL DEFAULT 0 CHECK (used >= 0),
	last_reset_at INTEGER NOT NULL,
	PRIMARY KEY (user_id, service_type)
);

CREATE TABLE IF NOT EXISTS ai_usage_logs (
	id              TEXT PRIMARY KEY,
	idempotency_key TEXT UNIQUE,
	request_id      TEXT NOT NULL,
	user_id         TEXT NOT NULL,
	tenant_id       TEXT,
	service_type    TEXT NOT NULL,
	provider        TEXT NOT NULL,
	model           TEXT NOT NULL,
	status          TEXT NOT NULL,
	error_kind      TEXT,
	input_tokens    INTEGER NOT NULL DEFAULT 0,
	output_tokens   INTEGER NOT NULL DEFAULT 0,
	cost_usd        TEXT NOT NULL DEFAULT '0',
	latency_ms      INTEGER NOT NULL DEFAULT 0,
	error_message   TEXT,
	metadata        TEXT NOT NULL DEFAULT '{}',
	created_at      INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ai_usage_logs_user_created ON ai_usage_logs (user_id, created_at);
`

// Open opens (or creates) the database at path and applies the schema. Use
// ":memory:" for a throwaway database.
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "" && dir != "." {
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("failed to create database directory: %w", err)
			}
		}
	}

	dsn := path +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(ON)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=synchronous(NORMAL)"

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %q: %w", path, err)
	}
	// Counter updates must be serialized; a single connection also keeps
	// ":memory:" databases from splitting per connection.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to sqlite %q: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return db, nil
}
