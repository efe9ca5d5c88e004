// Package webhook delivers normalized order payloads to a connection's
// webhook URL with signed headers and a strict result taxonomy.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/adapter/observability"
	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// Sender POSTs payloads using the connection's dedicated HTTP client.
type Sender struct {
	hc *http.Client
}

// NewSender constructs a Sender over the per-connection HTTP client.
func NewSender(hc *http.Client) *Sender { return &Sender{hc: hc} }

// Send delivers one payload and classifies the outcome:
// 2xx delivered; 408/429/5xx/network transient; any other 4xx permanent.
func (s *Sender) Send(ctx context.Context, conn domain.Connection, p domain.OrderPayload) domain.DeliveryResult {
	body, err := json.Marshal(p)
	if err != nil {
		return domain.DeliveryResult{
			Status: domain.PermanentFailure,
			Err:    fmt.Errorf("op=webhook.send: marshal: %w", err),
		}
	}
	return s.SendRaw(ctx, conn, p.IdempotencyKey(), body)
}

// SendRaw delivers a previously captured payload snapshot (retry queue path)
// without re-marshalling.
func (s *Sender) SendRaw(ctx context.Context, conn domain.Connection, idempotencyKey string, body []byte) domain.DeliveryResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, conn.WebhookURL, bytes.NewReader(body))
	if err != nil {
		return domain.DeliveryResult{
			Status: domain.PermanentFailure,
			Err:    fmt.Errorf("op=webhook.send: build request: %w", err),
		}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Secret", conn.WebhookSecret)
	req.Header.Set("X-Odoo-Connection-Id", strconv.FormatInt(conn.ID, 10))
	req.Header.Set("X-Idempotency-Key", idempotencyKey)
	req.Header.Set("X-Request-Id", uuid.New().String())

	timer := prometheus.NewTimer(observability.WebhookRequestDuration.WithLabelValues(conn.Name))
	resp, err := s.hc.Do(req)
	timer.ObserveDuration()
	if err != nil {
		observability.WebhookDeliveriesTotal.WithLabelValues(conn.Name, "transient_failure").Inc()
		return domain.DeliveryResult{
			Status: domain.TransientFailure,
			Err:    fmt.Errorf("op=webhook.send: %w: %w", domain.ErrTransport, err),
		}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	res := classify(resp.StatusCode)
	observability.WebhookDeliveriesTotal.WithLabelValues(conn.Name, res.Status.String()).Inc()
	if res.Status != domain.Delivered {
		slog.DebugContext(ctx, "webhook delivery rejected",
			slog.String("connection", conn.Name),
			slog.Int("status_code", resp.StatusCode),
			slog.String("idempotency_key", idempotencyKey))
	}
	return res
}

func classify(code int) domain.DeliveryResult {
	switch {
	case code >= 200 && code < 300:
		return domain.DeliveryResult{Status: domain.Delivered, StatusCode: code}
	case code == http.StatusRequestTimeout || code == http.StatusTooManyRequests:
		return domain.DeliveryResult{
			Status:     domain.TransientFailure,
			StatusCode: code,
			Err:        fmt.Errorf("op=webhook.send: http %d", code),
		}
	case code >= 400 && code < 500:
		return domain.DeliveryResult{
			Status:     domain.PermanentFailure,
			StatusCode: code,
			Err:        fmt.Errorf("op=webhook.send: http %d", code),
		}
	default:
		return domain.DeliveryResult{
			Status:     domain.TransientFailure,
			StatusCode: code,
			Err:        fmt.Errorf("op=webhook.send: http %d", code),
		}
	}
}

// NewHTTPClient builds the per-connection bulkhead client: small pool,
// bounded per-request timeout, shared by that connection's Odoo client and
// sender only.
func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			MaxIdleConns:        4,
			MaxIdleConnsPerHost: 4,
			IdleConnTimeout:     90 * time.Second,
		},
	}
}
