// Package domain defines the entities, ports and invariants of the polling
// bridge: Odoo connections, the sent-order dedup ledger, the retry queue and
// the per-cycle sync log.
package domain

import (
	"context"
	"fmt"
	"time"
)

// OdooTimeLayout is the timestamp format Odoo uses for write_date and
// domain filters.
const OdooTimeLayout = "2006-01-02 15:04:05"

// ParseWriteDate parses an Odoo write_date string.
func ParseWriteDate(s string) (time.Time, error) {
	t, err := time.Parse(OdooTimeLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: bad write_date %q", ErrMapping, s)
	}
	return t, nil
}

// Connection is a configured Odoo instance with credentials and a webhook
// target. Rows are created by the external CLI; the engine reads a fresh
// snapshot at the start of every cycle and writes back sync and breaker
// state. APIKey and WebhookSecret are plaintext in memory only; the
// repository stores them encrypted.
type Connection struct {
	ID                  int64
	Name                string
	BaseURL             string
	Database            string
	Login               string
	APIKey              string
	WebhookSecret       string
	WebhookURL          string
	PollIntervalSeconds int
	Enabled             bool
	LastSyncAt          *time.Time
	LastSuccessAt       *time.Time
	Breaker             BreakerSnapshot
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// PollInterval returns the effective sleep between cycles, clamped to min.
func (c Connection) PollInterval(min time.Duration) time.Duration {
	iv := time.Duration(c.PollIntervalSeconds) * time.Second
	if iv < min {
		return min
	}
	return iv
}

// SentOrder marks that an order identity was acknowledged with a 2xx by the
// webhook receiver. The (ConnectionID, OdooOrderID, WriteDate) triple is the
// idempotence anchor: inserted at most once, never mutated.
type SentOrder struct {
	ConnectionID int64
	OdooOrderID  int64
	WriteDate    string
	SentAt       time.Time
	PayloadHash  string
}

// RetryStatus enumerates retry queue item states.
type RetryStatus string

const (
	RetryPending   RetryStatus = "pending"
	RetryExhausted RetryStatus = "exhausted"
	RetryDiscarded RetryStatus = "discarded"
)

// RetryItem is a failed delivery parked for a later attempt. The payload
// snapshot is the JSON body that will be re-sent verbatim.
type RetryItem struct {
	ID            int64
	ConnectionID  int64
	OdooOrderID   int64
	Payload       []byte
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
	Status        RetryStatus
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// SyncLog is one append-only row per completed cycle, including cycles
// short-circuited by the breaker.
type SyncLog struct {
	ID            int64
	ConnectionID  int64
	StartedAt     time.Time
	FinishedAt    time.Time
	OrdersFound   int
	OrdersSent    int
	OrdersFailed  int
	OrdersRetried int
	ErrorMessage  string
}

// Repositories (ports)

type ConnectionRepository interface {
	ListEnabled(ctx context.Context) ([]Connection, error)
	Get(ctx context.Context, id int64) (Connection, error)
	// UpdateSyncState persists last_sync_at, last_success_at and the breaker
	// snapshot after a cycle. last_sync_at never moves backwards.
	UpdateSyncState(ctx context.Context, id int64, lastSyncAt, lastSuccessAt *time.Time, br BreakerSnapshot) error
	ResetBreaker(ctx context.Context, id int64) error
}

type SentOrderRepository interface {
	Exists(ctx context.Context, connectionID, orderID int64, writeDate string) (bool, error)
	// Insert is idempotent: re-inserting an existing triple is a no-op.
	Insert(ctx context.Context, so SentOrder) error
}

type RetryRepository interface {
	Create(ctx context.Context, item RetryItem) (int64, error)
	ListDue(ctx context.Context, connectionID int64, now time.Time) ([]RetryItem, error)
	Update(ctx context.Context, item RetryItem) error
	Delete(ctx context.Context, id int64) error
	MarkPending(ctx context.Context, id int64, nextAttemptAt time.Time) error
	MarkDiscarded(ctx context.Context, id int64) error
	CountPending(ctx context.Context, connectionID int64) (int64, error)
}

type SyncLogRepository interface {
	Append(ctx context.Context, l SyncLog) (int64, error)
	Recent(ctx context.Context, connectionID int64, limit int) ([]SyncLog, error)
}

// OdooAPI (port)
//
// SearchRead must omit limit and order from the RPC kwargs when zero/empty;
// Odoo rejects nulls. Implementations re-authenticate transparently once on
// session invalidation and surface HTTP 429 as ErrRateLimited without retry.
type OdooAPI interface {
	Authenticate(ctx context.Context) error
	SearchRead(ctx context.Context, model string, filter []any, fields []string, limit int, order string) ([]map[string]any, error)
	Read(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error)
}

// WebhookSender (port)

type DeliveryStatus int

const (
	// Delivered: receiver acknowledged with any 2xx.
	Delivered DeliveryStatus = iota
	// TransientFailure: 408, 429, 5xx, network error or timeout; eligible
	// for the retry queue.
	TransientFailure
	// PermanentFailure: any other 4xx; never retried.
	PermanentFailure
)

func (s DeliveryStatus) String() string {
	switch s {
	case Delivered:
		return "delivered"
	case TransientFailure:
		return "transient_failure"
	case PermanentFailure:
		return "permanent_failure"
	default:
		return "unknown"
	}
}

// DeliveryResult describes one webhook POST outcome. StatusCode is zero when
// the request never produced an HTTP response (network error, timeout).
type DeliveryResult struct {
	Status     DeliveryStatus
	StatusCode int
	Err        error
}

// Unreachable reports whether the endpoint produced no HTTP response at all.
func (r DeliveryResult) Unreachable() bool {
	return r.Status == TransientFailure && r.StatusCode == 0
}

type WebhookSender interface {
	Send(ctx context.Context, conn Connection, p OrderPayload) DeliveryResult
	// SendRaw re-delivers a captured payload snapshot from the retry queue.
	SendRaw(ctx context.Context, conn Connection, idempotencyKey string, body []byte) DeliveryResult
}
