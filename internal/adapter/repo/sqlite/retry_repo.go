package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// RetryRepo persists failed deliveries awaiting redelivery.
type RetryRepo struct {
	DB *sqlx.DB
}

// NewRetryRepo constructs a RetryRepo.
func NewRetryRepo(db *sqlx.DB) *RetryRepo { return &RetryRepo{DB: db} }

type retryRow struct {
	ID            int64     `db:"id"`
	ConnectionID  int64     `db:"connection_id"`
	OdooOrderID   int64     `db:"odoo_order_id"`
	Payload       []byte    `db:"payload"`
	Attempts      int       `db:"attempts"`
	NextAttemptAt time.Time `db:"next_attempt_at"`
	LastError     string    `db:"last_error"`
	Status        string    `db:"status"`
	CreatedAt     time.Time `db:"created_at"`
	UpdatedAt     time.Time `db:"updated_at"`
}

func (row retryRow) toDomain() domain.RetryItem {
	return domain.RetryItem{
		ID:            row.ID,
		ConnectionID:  row.ConnectionID,
		OdooOrderID:   row.OdooOrderID,
		Payload:       row.Payload,
		Attempts:      row.Attempts,
		NextAttemptAt: row.NextAttemptAt,
		LastError:     row.LastError,
		Status:        domain.RetryStatus(row.Status),
		CreatedAt:     row.CreatedAt,
		UpdatedAt:     row.UpdatedAt,
	}
}

// Create inserts a new pending item and returns its id.
func (r *RetryRepo) Create(ctx context.Context, item domain.RetryItem) (int64, error) {
	ctx, span := otel.Tracer("repo.retry_queue").Start(ctx, "retry_queue.Create")
	defer span.End()
	now := time.Now().UTC()
	status := item.Status
	if status == "" {
		status = domain.RetryPending
	}
	q := `INSERT INTO retry_queue
		(connection_id, odoo_order_id, payload, attempts, next_attempt_at, last_error, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`
	res, err := r.DB.ExecContext(ctx, q, item.ConnectionID, item.OdooOrderID, item.Payload,
		item.Attempts, item.NextAttemptAt.UTC(), item.LastError, string(status), now, now)
	if err != nil {
		return 0, fmt.Errorf("op=retry_queue.create: %w: %w", domain.ErrPersistence, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("op=retry_queue.create: %w: %w", domain.ErrPersistence, err)
	}
	return id, nil
}

// ListDue returns pending items for the connection whose next attempt is due,
// oldest first.
func (r *RetryRepo) ListDue(ctx context.Context, connectionID int64, now time.Time) ([]domain.RetryItem, error) {
	ctx, span := otel.Tracer("repo.retry_queue").Start(ctx, "retry_queue.ListDue")
	defer span.End()
	var rows []retryRow
	q := `SELECT * FROM retry_queue
		WHERE connection_id = ? AND status = ? AND next_attempt_at <= ?
		ORDER BY id`
	if err := r.DB.SelectContext(ctx, &rows, q, connectionID, string(domain.RetryPending), now.UTC()); err != nil {
		return nil, fmt.Errorf("op=retry_queue.list_due: %w: %w", domain.ErrPersistence, err)
	}
	items := make([]domain.RetryItem, 0, len(rows))
	for _, row := range rows {
		items = append(items, row.toDomain())
	}
	return items, nil
}

// Update writes back attempts, schedule, status and last error.
func (r *RetryRepo) Update(ctx context.Context, item domain.RetryItem) error {
	ctx, span := otel.Tracer("repo.retry_queue").Start(ctx, "retry_queue.Update")
	defer span.End()
	q := `UPDATE retry_queue SET
		attempts = ?, next_attempt_at = ?, last_error = ?, status = ?, updated_at = ?
		WHERE id = ?`
	_, err := r.DB.ExecContext(ctx, q, item.Attempts, item.NextAttemptAt.UTC(),
		item.LastError, string(item.Status), time.Now().UTC(), item.ID)
	if err != nil {
		return fmt.Errorf("op=retry_queue.update: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// Delete removes an item after a successful redelivery.
func (r *RetryRepo) Delete(ctx context.Context, id int64) error {
	ctx, span := otel.Tracer("repo.retry_queue").Start(ctx, "retry_queue.Delete")
	defer span.End()
	if _, err := r.DB.ExecContext(ctx, `DELETE FROM retry_queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("op=retry_queue.delete: %w: %w", domain.ErrPersistence, err)
	}
	return nil
}

// MarkPending requeues an item (operator command). Attempts are left
// unchanged; the next attempt is scheduled at the given time.
func (r *RetryRepo) MarkPending(ctx context.Context, id int64, nextAttemptAt time.Time) error {
	return r.setStatus(ctx, id, domain.RetryPending, &nextAttemptAt)
}

// MarkDiscarded drops an item from further processing (operator command).
func (r *RetryRepo) MarkDiscarded(ctx context.Context, id int64) error {
	return r.setStatus(ctx, id, domain.RetryDiscarded, nil)
}

func (r *RetryRepo) setStatus(ctx context.Context, id int64, status domain.RetryStatus, nextAttemptAt *time.Time) error {
	var res sql.Result
	var err error
	if nextAttemptAt != nil {
		res, err = r.DB.ExecContext(ctx,
			`UPDATE retry_queue SET status = ?, next_attempt_at = ?, updated_at = ? WHERE id = ?`,
			string(status), nextAttemptAt.UTC(), time.Now().UTC(), id)
	} else {
		res, err = r.DB.ExecContext(ctx,
			`UPDATE retry_queue SET status = ?, updated_at = ? WHERE id = ?`,
			string(status), time.Now().UTC(), id)
	}
	if err != nil {
		return fmt.Errorf("op=retry_queue.set_status: %w: %w", domain.ErrPersistence, err)
	}
	if n, aerr := res.RowsAffected(); aerr == nil && n == 0 {
		return fmt.Errorf("op=retry_queue.set_status id=%d: %w", id, domain.ErrNotFound)
	}
	return nil
}

// CountPending returns the pending depth for a connection; feeds the retry
// queue gauge.
func (r *RetryRepo) CountPending(ctx context.Context, connectionID int64) (int64, error) {
	var n int64
	q := `SELECT COUNT(1) FROM retry_queue WHERE connection_id = ? AND status = ?`
	if err := r.DB.GetContext(ctx, &n, q, connectionID, string(domain.RetryPending)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("op=retry_queue.count_pending: %w: %w", domain.ErrPersistence, err)
	}
	return n, nil
}
