package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// PollWorker runs one end-to-end polling cycle for a connection: breaker
// gate, Odoo fetch, payload mapping, webhook delivery, retry processing,
// cursor advancement and sync logging. Cycles for one connection are
// strictly sequential; the worker mutates only the snapshot it is handed.
type PollWorker struct {
	Connections domain.ConnectionRepository
	Sent        domain.SentOrderRepository
	Retries     domain.RetryRepository
	Logs        domain.SyncLogRepository
	Breaker     *domain.CircuitBreaker
	Mapper      *Mapper
	// MaxAttempts caps retry deliveries before an item is exhausted.
	MaxAttempts int
	// DryRun bypasses all durable writes except the sync log; used by the
	// operator test command.
	DryRun bool
	// Now is the time source; overridable in tests.
	Now func() time.Time
}

// CycleStats summarizes one cycle for the sync log and metrics.
type CycleStats struct {
	Found   int
	Sent    int
	Failed  int
	Retried int
}

func (w *PollWorker) clock() time.Time {
	if w.Now != nil {
		return w.Now()
	}
	return time.Now().UTC()
}

func (w *PollWorker) maxAttempts() int {
	if w.MaxAttempts > 0 {
		return w.MaxAttempts
	}
	return domain.DefaultRetryMaxAttempts
}

// RunCycle executes one cycle against the given connection snapshot. The
// snapshot's sync cursor and breaker state are updated in place and
// persisted; the returned error is the cycle-level failure (already recorded
// on the breaker), nil for a healthy cycle.
func (w *PollWorker) RunCycle(ctx context.Context, api domain.OdooAPI, sender domain.WebhookSender, conn *domain.Connection) (CycleStats, error) {
	ctx, span := otel.Tracer("usecase.poll").Start(ctx, "poll.RunCycle")
	defer span.End()

	started := w.clock()
	var stats CycleStats

	if !w.Breaker.Allow(&conn.Breaker) {
		slog.InfoContext(ctx, "cycle short-circuited: circuit open",
			slog.String("connection", conn.Name))
		w.appendLog(ctx, conn, started, stats, "circuit open")
		return stats, nil
	}

	cycleErr := w.runGuarded(ctx, api, sender, conn, &stats)
	if cycleErr != nil {
		w.Breaker.RecordFailure(&conn.Breaker)
		slog.ErrorContext(ctx, "cycle failed",
			slog.String("connection", conn.Name),
			slog.Any("error", cycleErr))
	} else {
		w.Breaker.RecordSuccess(&conn.Breaker)
	}

	msg := ""
	if cycleErr != nil {
		msg = cycleErr.Error()
	}
	w.appendLog(ctx, conn, started, stats, msg)

	if !w.DryRun {
		if err := w.Connections.UpdateSyncState(ctx, conn.ID, conn.LastSyncAt, conn.LastSuccessAt, conn.Breaker); err != nil {
			slog.ErrorContext(ctx, "failed to persist sync state",
				slog.String("connection", conn.Name),
				slog.Any("error", err))
			if cycleErr == nil {
				cycleErr = err
			}
		}
	}
	return stats, cycleErr
}

// runGuarded converts anything unexpected into a cycle failure so nothing
// escapes the worker to the scheduler.
func (w *PollWorker) runGuarded(ctx context.Context, api domain.OdooAPI, sender domain.WebhookSender, conn *domain.Connection, stats *CycleStats) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("op=poll.cycle: unexpected panic: %v", r)
		}
	}()
	return w.run(ctx, api, sender, conn, stats)
}

func (w *PollWorker) run(ctx context.Context, api domain.OdooAPI, sender domain.WebhookSender, conn *domain.Connection, stats *CycleStats) error {
	mapped, err := w.Mapper.MapConnectionOrders(ctx, api, *conn, conn.LastSyncAt)
	stats.Found = mapped.Found
	stats.Failed += mapped.MappingFailed
	if err != nil {
		return err
	}

	attempted := 0
	unreachable := 0
	delivered := false

	// Deliver in the order Odoo returned; an individual failure never stops
	// the remaining orders.
	for _, p := range mapped.Payloads {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("op=poll.cycle: %w", err)
		}
		res := sender.Send(ctx, *conn, p)
		attempted++
		switch res.Status {
		case domain.Delivered:
			delivered = true
			stats.Sent++
			if !w.DryRun {
				if err := w.insertSentOrder(ctx, conn.ID, p); err != nil {
					return err
				}
			}
		case domain.TransientFailure:
			if res.Unreachable() {
				unreachable++
			}
			stats.Retried++
			if !w.DryRun {
				if err := w.enqueueRetry(ctx, conn.ID, p, res); err != nil {
					return err
				}
			}
		case domain.PermanentFailure:
			stats.Failed++
			slog.WarnContext(ctx, "order rejected permanently, not retrying",
				slog.String("connection", conn.Name),
				slog.Int64("order_id", p.OrderID),
				slog.Int("status_code", res.StatusCode))
		}
	}

	if !w.DryRun {
		ra, ru, rd, err := w.processRetries(ctx, sender, conn, stats)
		if err != nil {
			return err
		}
		attempted += ra
		unreachable += ru
		delivered = delivered || rd
	}

	if !mapped.MaxWriteDate.IsZero() && (conn.LastSyncAt == nil || mapped.MaxWriteDate.After(*conn.LastSyncAt)) {
		t := mapped.MaxWriteDate
		conn.LastSyncAt = &t
	}
	if delivered {
		now := w.clock()
		conn.LastSuccessAt = &now
	}

	// Per-order webhook failures stay isolated in the retry queue; only an
	// endpoint that answered nothing at all this cycle counts against the
	// breaker.
	if attempted > 0 && unreachable == attempted {
		return fmt.Errorf("op=poll.cycle: webhook endpoint unreachable for all %d deliveries: %w", attempted, domain.ErrTransport)
	}
	return nil
}

func (w *PollWorker) processRetries(ctx context.Context, sender domain.WebhookSender, conn *domain.Connection, stats *CycleStats) (attempted, unreachable int, delivered bool, err error) {
	now := w.clock()
	due, err := w.Retries.ListDue(ctx, conn.ID, now)
	if err != nil {
		return 0, 0, false, err
	}
	for _, item := range due {
		if err := ctx.Err(); err != nil {
			return attempted, unreachable, delivered, fmt.Errorf("op=poll.retries: %w", err)
		}
		var p domain.OrderPayload
		if uerr := json.Unmarshal(item.Payload, &p); uerr != nil {
			item.Status = domain.RetryExhausted
			item.LastError = fmt.Sprintf("payload snapshot unreadable: %v", uerr)
			if err := w.Retries.Update(ctx, item); err != nil {
				return attempted, unreachable, delivered, err
			}
			stats.Failed++
			continue
		}

		res := sender.SendRaw(ctx, *conn, p.IdempotencyKey(), item.Payload)
		attempted++
		switch res.Status {
		case domain.Delivered:
			delivered = true
			stats.Sent++
			if err := w.insertSentOrder(ctx, conn.ID, p); err != nil {
				return attempted, unreachable, delivered, err
			}
			if err := w.Retries.Delete(ctx, item.ID); err != nil {
				return attempted, unreachable, delivered, err
			}
		case domain.TransientFailure:
			if res.Unreachable() {
				unreachable++
			}
			item.Attempts++
			item.LastError = errString(res.Err)
			if item.Attempts >= w.maxAttempts() {
				item.Status = domain.RetryExhausted
				stats.Failed++
				slog.WarnContext(ctx, "retry item exhausted",
					slog.String("connection", conn.Name),
					slog.Int64("order_id", item.OdooOrderID),
					slog.Int("attempts", item.Attempts))
			} else {
				item.NextAttemptAt = now.Add(domain.RetryDelay(item.Attempts))
				stats.Retried++
			}
			if err := w.Retries.Update(ctx, item); err != nil {
				return attempted, unreachable, delivered, err
			}
		case domain.PermanentFailure:
			item.Status = domain.RetryExhausted
			item.LastError = errString(res.Err)
			stats.Failed++
			if err := w.Retries.Update(ctx, item); err != nil {
				return attempted, unreachable, delivered, err
			}
		}
	}
	return attempted, unreachable, delivered, nil
}

func (w *PollWorker) insertSentOrder(ctx context.Context, connectionID int64, p domain.OrderPayload) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=poll.sent_order: marshal: %w", err)
	}
	sum := sha256.Sum256(body)
	return w.Sent.Insert(ctx, domain.SentOrder{
		ConnectionID: connectionID,
		OdooOrderID:  p.OrderID,
		WriteDate:    p.WriteDate,
		SentAt:       w.clock(),
		PayloadHash:  hex.EncodeToString(sum[:]),
	})
}

func (w *PollWorker) enqueueRetry(ctx context.Context, connectionID int64, p domain.OrderPayload, res domain.DeliveryResult) error {
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("op=poll.retry: marshal: %w", err)
	}
	_, err = w.Retries.Create(ctx, domain.RetryItem{
		ConnectionID:  connectionID,
		OdooOrderID:   p.OrderID,
		Payload:       body,
		Attempts:      1,
		NextAttemptAt: w.clock().Add(domain.RetryDelay(1)),
		LastError:     errString(res.Err),
		Status:        domain.RetryPending,
	})
	return err
}

func (w *PollWorker) appendLog(ctx context.Context, conn *domain.Connection, started time.Time, stats CycleStats, msg string) {
	if w.DryRun && msg == "" {
		msg = "dry run"
	}
	_, err := w.Logs.Append(ctx, domain.SyncLog{
		ConnectionID:  conn.ID,
		StartedAt:     started,
		FinishedAt:    w.clock(),
		OrdersFound:   stats.Found,
		OrdersSent:    stats.Sent,
		OrdersFailed:  stats.Failed,
		OrdersRetried: stats.Retried,
		ErrorMessage:  msg,
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to append sync log",
			slog.String("connection", conn.Name),
			slog.Any("error", err))
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
