// Package odoo implements a JSON-RPC client for Odoo's /jsonrpc endpoint,
// covering common.authenticate and object.execute_kw with transparent
// one-shot re-authentication on session invalidation.
package odoo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync/atomic"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// errSessionExpired marks an RPC fault caused by session invalidation; the
// caller re-authenticates once and retries.
var errSessionExpired = errors.New("odoo session expired")

type rpcRequest struct {
	Jsonrpc string    `json:"jsonrpc"`
	Method  string    `json:"method"`
	Params  rpcParams `json:"params"`
	ID      int64     `json:"id"`
}

type rpcParams struct {
	Service string `json:"service"`
	Method  string `json:"method"`
	Args    []any  `json:"args"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	} `json:"data"`
}

func (e *rpcError) Error() string {
	if e.Data.Name != "" {
		return fmt.Sprintf("%s: %s", e.Data.Name, e.Data.Message)
	}
	return e.Message
}

// Client talks to one Odoo instance. Each worker task owns one Client and
// runs strictly sequential cycles, so the cached uid needs no locking; the
// request id counter is atomic anyway so shared use stays correct.
type Client struct {
	hc      *http.Client
	baseURL string
	db      string
	login   string
	apiKey  string
	uid     int64
	nextID  atomic.Int64
}

// NewClient builds a client against baseURL using the given per-connection
// HTTP client (the bulkhead: its pool and timeout are not shared with other
// connections).
func NewClient(hc *http.Client, baseURL, db, login, apiKey string) *Client {
	return &Client{
		hc:      hc,
		baseURL: strings.TrimRight(baseURL, "/"),
		db:      db,
		login:   login,
		apiKey:  apiKey,
	}
}

// UID returns the cached session user id (zero before authentication).
func (c *Client) UID() int64 { return c.uid }

func (c *Client) call(ctx context.Context, service, method string, args []any) (json.RawMessage, error) {
	reqBody := rpcRequest{
		Jsonrpc: "2.0",
		Method:  "call",
		Params:  rpcParams{Service: service, Method: method, Args: args},
		ID:      c.nextID.Add(1),
	}
	buf, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("op=odoo.call: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/jsonrpc", bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("op=odoo.call: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("op=odoo.call %s.%s: %w: %w", service, method, domain.ErrTransport, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, fmt.Errorf("op=odoo.call %s.%s: %w", service, method, domain.ErrRateLimited)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("op=odoo.call %s.%s: http %d: %w", service, method, resp.StatusCode, domain.ErrTransport)
	}

	var out rpcResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("op=odoo.call %s.%s: decode: %w: %w", service, method, domain.ErrTransport, err)
	}
	if out.Error != nil {
		return nil, c.classifyFault(service, method, out.Error)
	}
	return out.Result, nil
}

func (c *Client) classifyFault(service, method string, fault *rpcError) error {
	name := strings.ToLower(fault.Data.Name + " " + fault.Data.Message + " " + fault.Message)
	switch {
	case strings.Contains(name, "sessionexpired") || strings.Contains(name, "session expired"):
		return fmt.Errorf("op=odoo.call %s.%s: %w", service, method, errSessionExpired)
	case strings.Contains(name, "accessdenied") || strings.Contains(name, "access denied"):
		return fmt.Errorf("op=odoo.call %s.%s: %w: %s", service, method, domain.ErrAuth, fault.Error())
	default:
		// Any other server fault means the Odoo side cannot serve this
		// cycle; treat like a transport-level failure for breaker purposes.
		return fmt.Errorf("op=odoo.call %s.%s: %w: %s", service, method, domain.ErrTransport, fault.Error())
	}
}

// Authenticate obtains and caches the session uid via common.authenticate.
// Odoo answers false (not an error) on invalid credentials.
func (c *Client) Authenticate(ctx context.Context) error {
	raw, err := c.call(ctx, "common", "authenticate", []any{c.db, c.login, c.apiKey, map[string]any{}})
	if err != nil {
		return err
	}
	var uid float64
	if err := json.Unmarshal(raw, &uid); err != nil || uid <= 0 {
		return fmt.Errorf("op=odoo.authenticate db=%s login=%s: %w", c.db, c.login, domain.ErrAuth)
	}
	c.uid = int64(uid)
	return nil
}

// executeKw runs object.execute_kw, authenticating lazily and retrying
// exactly once after a session-expired fault. A second failure surfaces.
func (c *Client) executeKw(ctx context.Context, model, method string, positional []any, kwargs map[string]any) (json.RawMessage, error) {
	if c.uid == 0 {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
	}
	args := []any{c.db, c.uid, c.apiKey, model, method, positional, kwargs}
	raw, err := c.call(ctx, "object", "execute_kw", args)
	if errors.Is(err, errSessionExpired) {
		if err := c.Authenticate(ctx); err != nil {
			return nil, err
		}
		args[1] = c.uid
		raw, err = c.call(ctx, "object", "execute_kw", args)
	}
	return raw, err
}

// SearchRead runs search_read on model. limit and order are included in the
// kwargs only when non-zero/non-empty; Odoo rejects null values for them.
func (c *Client) SearchRead(ctx context.Context, model string, filter []any, fields []string, limit int, order string) ([]map[string]any, error) {
	kwargs := map[string]any{"fields": fields}
	if limit > 0 {
		kwargs["limit"] = limit
	}
	if order != "" {
		kwargs["order"] = order
	}
	raw, err := c.executeKw(ctx, model, "search_read", []any{filter}, kwargs)
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("op=odoo.search_read model=%s: %w: %w", model, domain.ErrMapping, err)
	}
	return records, nil
}

// Read batch-reads the given record ids. One call per model, never per item.
func (c *Client) Read(ctx context.Context, model string, ids []int64, fields []string) ([]map[string]any, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw, err := c.executeKw(ctx, model, "read", []any{ids}, map[string]any{"fields": fields})
	if err != nil {
		return nil, err
	}
	var records []map[string]any
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("op=odoo.read model=%s: %w: %w", model, domain.ErrMapping, err)
	}
	return records, nil
}
