package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/adapter/fieldcrypt"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// ConnectionRepo loads and persists connections. Credential columns are
// encrypted at rest; the repo transparently decrypts on read and encrypts on
// write so callers only ever see plaintext.
type ConnectionRepo struct {
	DB    *sqlx.DB
	Crypt *fieldcrypt.Encryptor
}

// NewConnectionRepo constructs a ConnectionRepo.
func NewConnectionRepo(db *sqlx.DB, crypt *fieldcrypt.Encryptor) *ConnectionRepo {
	return &ConnectionRepo{DB: db, Crypt: crypt}
}

type connectionRow struct {
	ID                  int64        `db:"id"`
	Name                string       `db:"name"`
	BaseURL             string       `db:"base_url"`
	DBName              string       `db:"db_name"`
	Login               string       `db:"login"`
	APIKey              string       `db:"api_key"`
	WebhookSecret       string       `db:"webhook_secret"`
	WebhookURL          string       `db:"webhook_url"`
	PollIntervalSeconds int          `db:"poll_interval_seconds"`
	Enabled             bool         `db:"enabled"`
	LastSyncAt          sql.NullTime `db:"last_sync_at"`
	LastSuccessAt       sql.NullTime `db:"last_success_at"`
	BreakerState        string       `db:"breaker_state"`
	ConsecutiveFailures int          `db:"consecutive_failures"`
	OpenUntil           sql.NullTime `db:"open_until"`
	HalfOpenSuccesses   int          `db:"half_open_successes"`
	CreatedAt           time.Time    `db:"created_at"`
	UpdatedAt           time.Time    `db:"updated_at"`
}

const connectionColumns = `id, name, base_url, db_name, login, api_key, webhook_secret,
	webhook_url, poll_interval_seconds, enabled, last_sync_at, last_success_at,
	breaker_state, consecutive_failures, open_until, half_open_successes,
	created_at, updated_at`

func (r *ConnectionRepo) toDomain(row connectionRow) (domain.Connection, error) {
	apiKey, err := r.Crypt.Decrypt(row.APIKey)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("op=connections.decrypt api_key: %w", err)
	}
	secret, err := r.Crypt.Decrypt(row.WebhookSecret)
	if err != nil {
		return domain.Connection{}, fmt.Errorf("op=connections.decrypt webhook_secret: %w", err)
	}
	c := domain.Connection{
		ID:                  row.ID,
		Name:                row.Name,
		BaseURL:             row.BaseURL,
		Database:            row.DBName,
		Login:               row.Login,
		APIKey:              apiKey,
		WebhookSecret:       secret,
		WebhookURL:          row.WebhookURL,
		PollIntervalSeconds: row.PollIntervalSeconds,
		Enabled:             row.Enabled,
		Breaker: domain.BreakerSnapshot{
			State:               domain.BreakerState(row.BreakerState),
			ConsecutiveFailures: row.ConsecutiveFailures,
			HalfOpenSuccesses:   row.HalfOpenSuccesses,
		},
		CreatedAt: row.CreatedAt,
		UpdatedAt: row.UpdatedAt,
	}
	if row.LastSyncAt.Valid {
		t := row.LastSyncAt.Time
		c.LastSyncAt = &t
	}
	if row.LastSuccessAt.Valid {
		t := row.LastSuccessAt.Time
		c.LastSuccessAt = &t
	}
	if row.OpenUntil.Valid {
		t := row.OpenUntil.Time
		c.Breaker.OpenUntil = &t
	}
	return c, nil
}

// ListEnabled returns all enabled connections with credentials decrypted.
func (r *ConnectionRepo) ListEnabled(ctx context.Context) ([]domain.Connection, error) {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.ListEnabled")
	defer span.End()
	var rows []connectionRow
	q := `SELECT ` + connectionColumns + ` FROM connections WHERE enabled = 1 ORDER BY id`
	if err := r.DB.SelectContext(ctx, &rows, q); err != nil {
		return nil, fmt.Errorf("op=connections.list_enabled: %w: %w", domain.ErrPersistence, err)
	}
	out := make([]domain.Connection, 0, len(rows))
	for _, row := range rows {
		c, err := r.toDomain(row)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, nil
}

// Get loads one connection by id.
func (r *ConnectionRepo) Get(ctx context.Context, id int64) (domain.Connection, error) {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.Get")
	defer span.End()
	var row connectionRow
	q := `SELECT ` + connectionColumns + ` FROM connections WHERE id = ?`
	if err := r.DB.GetContext(ctx, &row, q, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Connection{}, fmt.Errorf("op=connections.get id=%d: %w", id, domain.ErrNotFound)
		}
		return domain.Connection{}, fmt.Errorf("op=connections.get: %w: %w", domain.ErrPersistence, err)
	}
	return r.toDomain(row)
}

// Create inserts a connection, encrypting its credentials. The interactive
// CLI is the usual caller; the engine itself never creates rows.
func (r *ConnectionRepo) Create(ctx context.Context, c domain.Connection) (int64, error) {
	encKey, err := r.Crypt.Encrypt(c.APIKey)
	if err != nil {
		return 0, fmt.Errorf("op=connections.create: %w", err)
	}
	encSecret, err := r.Crypt.Encrypt(c.WebhookSecret)
	if err != nil {
		return 0, fmt.Errorf("op=connections.create: %w", err)
	}
	now := time.Now().UTC()
	q := `INSERT INTO connections
		(name, base_url, db_name, login, api_key, webhook_secret, webhook_url,
		 poll_interval_seconds, enabled, breaker_state, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	state := c.Breaker.State
	if state == "" {
		state = domain.BreakerClosed
	}
	res, err := r.DB.ExecContext(ctx, q, c.Name, c.BaseURL, c.Database, c.Login,
		encKey, encSecret, c.WebhookURL, c.PollIntervalSeconds, c.Enabled, state, now, now)
	if err != nil {
		return 0, fmt.Errorf("op=connections.create: %w: %w", domain.ErrPersistence, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("op=connections.create: %w: %w", domain.ErrPersistence, err)
	}
	return id, nil
}

// UpdateSyncState writes the post-cycle sync cursor and breaker snapshot.
// The SQL guards the last_sync_at monotonicity invariant even if a stale
// snapshot is written back.
func (r *ConnectionRepo) UpdateSyncState(ctx context.Context, id int64, lastSyncAt, lastSuccessAt *time.Time, br domain.BreakerSnapshot) error {
	ctx, span := otel.Tracer("repo.connections").Start(ctx, "connections.UpdateSyncState")
	defer span.End()
	q := `UPDATE connections SET
		last_sync_at = CASE
			WHEN ? IS NULL THEN last_sync_at
			WHEN last_sync_at IS NULL OR ? > last_sync_at THEN ?
			ELSE last_sync_at END,
		last_success_at = COALESCE(?, last_success_at),
		breaker_state = ?,
		consecutive_failures = ?,
		open_until = ?,
		half_open_successes = ?,
		updated_at = ?
		WHERE id = ?`
	var ls, lsu, openUntil any
	if lastSyncAt != nil {
		ls = lastSyncAt.UTC()
	}
	if lastSuccessAt != nil {
		lsu = lastSuccessAt.UTC()
	}
	if br.OpenUntil != nil {
		openUntil = br.OpenUntil.UTC()
	}
	_, err := r.DB.ExecContext(ctx, q, ls, ls, ls, lsu,
		string(br.State), br.ConsecutiveFailures, openUntil, br.HalfOpenSuccesses,
		time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("op=connections.update_sync_state: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// ResetBreaker forces a connection's breaker closed with zeroed counters
// (operator command).
func (r *ConnectionRepo) ResetBreaker(ctx context.Context, id int64) error {
	q := `UPDATE connections SET
		breaker_state = ?, consecutive_failures = 0, open_until = NULL,
		half_open_successes = 0, updated_at = ?
		WHERE id = ?`
	res, err := r.DB.ExecContext(ctx, q, string(domain.BreakerClosed), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("op=connections.reset_breaker: %w: %w", domain.ErrPersistence, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("op=connections.reset_breaker id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}
