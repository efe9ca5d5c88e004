// Package sqlite persists connections, the sent-order dedup ledger, the
// retry queue and sync logs in an embedded SQLite database with write-ahead
// logging and enforced foreign keys.
package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

const schema = `
CREATE TABLE IF NOT EXISTS connections (
	id                    INTEGER PRIMARY KEY AUTOINCREMENT,
	name                  TEXT    NOT NULL UNIQUE,
	base_url              TEXT    NOT NULL,
	db_name               TEXT    NOT NULL,
	login                 TEXT    NOT NULL,
	api_key               TEXT    NOT NULL,
	webhook_secret        TEXT    NOT NULL,
	webhook_url           TEXT    NOT NULL,
	poll_interval_seconds INTEGER NOT NULL DEFAULT 300 CHECK (poll_interval_seconds >= 5),
	enabled               INTEGER NOT NULL DEFAULT 1,
	last_sync_at          TIMESTAMP,
	last_success_at       TIMESTAMP,
	breaker_state         TEXT    NOT NULL DEFAULT 'closed',
	consecutive_failures  INTEGER NOT NULL DEFAULT 0,
	open_until            TIMESTAMP,
	half_open_successes   INTEGER NOT NULL DEFAULT 0,
	created_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at            TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS sent_orders (
	connection_id INTEGER NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	odoo_order_id INTEGER NOT NULL,
	write_date    TEXT    NOT NULL,
	sent_at       TIMESTAMP NOT NULL,
	payload_hash  TEXT    NOT NULL,
	PRIMARY KEY (connection_id, odoo_order_id, write_date)
);

CREATE TABLE IF NOT EXISTS retry_queue (
	id              INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id   INTEGER NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	odoo_order_id   INTEGER NOT NULL,
	payload         BLOB    NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMP NOT NULL,
	last_error      TEXT    NOT NULL DEFAULT '',
	status          TEXT    NOT NULL DEFAULT 'pending',
	created_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at      TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_retry_queue_due
	ON retry_queue (connection_id, status, next_attempt_at);

CREATE TABLE IF NOT EXISTS sync_logs (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	connection_id  INTEGER NOT NULL REFERENCES connections(id) ON DELETE CASCADE,
	started_at     TIMESTAMP NOT NULL,
	finished_at    TIMESTAMP NOT NULL,
	orders_found   INTEGER NOT NULL DEFAULT 0,
	orders_sent    INTEGER NOT NULL DEFAULT 0,
	orders_failed  INTEGER NOT NULL DEFAULT 0,
	orders_retried INTEGER NOT NULL DEFAULT 0,
	error_message  TEXT    NOT NULL DEFAULT ''
);

CREATE INDEX IF NOT EXISTS idx_sync_logs_connection
	ON sync_logs (connection_id, id);
`

// Open opens (creating if needed) the bridge database with WAL journaling,
// foreign keys enforced and a busy timeout, then applies the schema.
// Writes serialize on a single SQL connection; SQLite's own locking plus the
// busy timeout covers the external CLI writing concurrently.
func Open(path string) (*sqlx.DB, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000", path)
	db, err := sqlx.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: %w: %w", domain.ErrPersistence, err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: %w: %w", domain.ErrPersistence, err)
	}
	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("op=sqlite.Open: migrate: %w: %w", domain.ErrPersistence, err)
	}
	return db, nil
}

// Ping verifies the store is reachable; used by the readiness endpoint.
func Ping(ctx context.Context, db *sqlx.DB) error {
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("op=sqlite.Ping: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}
