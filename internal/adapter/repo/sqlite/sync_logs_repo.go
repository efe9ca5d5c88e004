package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// SyncLogRepo appends the per-cycle ledger.
type SyncLogRepo struct {
	DB *sqlx.DB
}

// NewSyncLogRepo constructs a SyncLogRepo.
func NewSyncLogRepo(db *sqlx.DB) *SyncLogRepo { return &SyncLogRepo{DB: db} }

type syncLogRow struct {
	ID            int64     `db:"id"`
	ConnectionID  int64     `db:"connection_id"`
	StartedAt     time.Time `db:"started_at"`
	FinishedAt    time.Time `db:"finished_at"`
	OrdersFound   int       `db:"orders_found"`
	OrdersSent    int       `db:"orders_sent"`
	OrdersFailed  int       `db:"orders_failed"`
	OrdersRetried int       `db:"orders_retried"`
	ErrorMessage  string    `db:"error_message"`
}

// Append inserts one row; sync logs are never updated or deleted by the
// engine.
func (r *SyncLogRepo) Append(ctx context.Context, l domain.SyncLog) (int64, error) {
	ctx, span := otel.Tracer("repo.sync_logs").Start(ctx, "sync_logs.Append")
	defer span.End()
	q := `INSERT INTO sync_logs
		(connection_id, started_at, finished_at, orders_found, orders_sent, orders_failed, orders_retried, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.DB.ExecContext(ctx, q, l.ConnectionID, l.StartedAt.UTC(), l.FinishedAt.UTC(),
		l.OrdersFound, l.OrdersSent, l.OrdersFailed, l.OrdersRetried, l.ErrorMessage)
	if err != nil {
		return 0, fmt.Errorf("op=sync_logs.append: %w: %w", domain.ErrPersistence, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("op=sync_logs.append: %w: %w", domain.ErrPersistence, err)
	}
	return id, nil
}

// Recent returns the newest logs for a connection, newest first.
func (r *SyncLogRepo) Recent(ctx context.Context, connectionID int64, limit int) ([]domain.SyncLog, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows []syncLogRow
	q := `SELECT * FROM sync_logs WHERE connection_id = ? ORDER BY id DESC LIMIT ?`
	if err := r.DB.SelectContext(ctx, &rows, q, connectionID, limit); err != nil {
		return nil, fmt.Errorf("op=sync_logs.recent: %w: %w", domain.ErrPersistence, err)
	}
	out := make([]domain.SyncLog, 0, len(rows))
	for _, row := range rows {
		out = append(out, domain.SyncLog{
			ID:            row.ID,
			ConnectionID:  row.ConnectionID,
			StartedAt:     row.StartedAt,
			FinishedAt:    row.FinishedAt,
			OrdersFound:   row.OrdersFound,
			OrdersSent:    row.OrdersSent,
			OrdersFailed:  row.OrdersFailed,
			OrdersRetried: row.OrdersRetried,
			ErrorMessage:  row.ErrorMessage,
		})
	}
	return out, nil
}
