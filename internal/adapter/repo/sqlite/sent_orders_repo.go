package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// SentOrderRepo maintains the dedup ledger: one row per delivered order
// identity, inserted after the webhook 2xx, never mutated.
type SentOrderRepo struct {
	DB *sqlx.DB
}

// NewSentOrderRepo constructs a SentOrderRepo.
func NewSentOrderRepo(db *sqlx.DB) *SentOrderRepo { return &SentOrderRepo{DB: db} }

// Exists reports whether the (connection, order, write_date) triple was
// already delivered.
func (r *SentOrderRepo) Exists(ctx context.Context, connectionID, orderID int64, writeDate string) (bool, error) {
	ctx, span := otel.Tracer("repo.sent_orders").Start(ctx, "sent_orders.Exists")
	defer span.End()
	var n int
	q := `SELECT COUNT(1) FROM sent_orders WHERE connection_id = ? AND odoo_order_id = ? AND write_date = ?`
	if err := r.DB.GetContext(ctx, &n, q, connectionID, orderID, writeDate); err != nil {
		return false, fmt.Errorf("op=sent_orders.exists: %w: %w", domain.ErrPersistence, err)
	}
	return n > 0, nil
}

// Insert records a delivery. INSERT OR IGNORE keeps re-execution after a
// crash idempotent: the first row for a triple wins.
func (r *SentOrderRepo) Insert(ctx context.Context, so domain.SentOrder) error {
	ctx, span := otel.Tracer("repo.sent_orders").Start(ctx, "sent_orders.Insert")
	defer span.End()
	q := `INSERT OR IGNORE INTO sent_orders
		(connection_id, odoo_order_id, write_date, sent_at, payload_hash)
		VALUES (?, ?, ?, ?, ?)`
	_, err := r.DB.ExecContext(ctx, q, so.ConnectionID, so.OdooOrderID, so.WriteDate,
		so.SentAt.UTC(), so.PayloadHash)
	if err != nil {
		return fmt.Errorf("op=sent_orders.insert: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}
