package usecase

import (
	"context"
	"fmt"
	"time"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// Test doubles shared by the mapper and poll worker tests.

type searchCall struct {
	model  string
	filter []any
	limit  int
	order  string
}

type fakeOdoo struct {
	searchResult []map[string]any
	searchErr    error
	searchCalls  []searchCall

	// readData maps model name to its records; Read serves the requested ids
	// from it.
	readData  map[string][]map[string]any
	readCalls map[string]int
}

func (f *fakeOdoo) Authenticate(context.Context) error { return nil }

func (f *fakeOdoo) SearchRead(_ context.Context, model string, filter []any, _ []string, limit int, order string) ([]map[string]any, error) {
	f.searchCalls = append(f.searchCalls, searchCall{model: model, filter: filter, limit: limit, order: order})
	if f.searchErr != nil {
		return nil, f.searchErr
	}
	return f.searchResult, nil
}

func (f *fakeOdoo) Read(_ context.Context, model string, ids []int64, _ []string) ([]map[string]any, error) {
	if f.readCalls == nil {
		f.readCalls = map[string]int{}
	}
	f.readCalls[model]++
	want := map[int64]struct{}{}
	for _, id := range ids {
		want[id] = struct{}{}
	}
	var out []map[string]any
	for _, rec := range f.readData[model] {
		if id, ok := asInt64(rec["id"]); ok {
			if _, hit := want[id]; hit {
				out = append(out, rec)
			}
		}
	}
	return out, nil
}

type rawSend struct {
	key  string
	body []byte
}

type fakeSender struct {
	// sendFn classifies live deliveries; nil means everything is delivered.
	sendFn func(p domain.OrderPayload) domain.DeliveryResult
	// rawFn classifies retry redeliveries; nil means delivered.
	rawFn func(key string, body []byte) domain.DeliveryResult

	sent []domain.OrderPayload
	raw  []rawSend
}

func (f *fakeSender) Send(_ context.Context, _ domain.Connection, p domain.OrderPayload) domain.DeliveryResult {
	f.sent = append(f.sent, p)
	if f.sendFn == nil {
		return domain.DeliveryResult{Status: domain.Delivered, StatusCode: 200}
	}
	return f.sendFn(p)
}

func (f *fakeSender) SendRaw(_ context.Context, _ domain.Connection, key string, body []byte) domain.DeliveryResult {
	f.raw = append(f.raw, rawSend{key: key, body: body})
	if f.rawFn == nil {
		return domain.DeliveryResult{Status: domain.Delivered, StatusCode: 200}
	}
	return f.rawFn(key, body)
}

type fakeSent struct {
	rows      map[string]struct{}
	inserted  []domain.SentOrder
	existsErr error
}

func newFakeSent() *fakeSent { return &fakeSent{rows: map[string]struct{}{}} }

func sentKey(connID, orderID int64, wd string) string {
	return fmt.Sprintf("%d:%d:%s", connID, orderID, wd)
}

func (f *fakeSent) Exists(_ context.Context, connID, orderID int64, wd string) (bool, error) {
	if f.existsErr != nil {
		return false, f.existsErr
	}
	_, ok := f.rows[sentKey(connID, orderID, wd)]
	return ok, nil
}

func (f *fakeSent) Insert(_ context.Context, so domain.SentOrder) error {
	f.rows[sentKey(so.ConnectionID, so.OdooOrderID, so.WriteDate)] = struct{}{}
	f.inserted = append(f.inserted, so)
	return nil
}

type fakeRetries struct {
	nextID  int64
	items   map[int64]domain.RetryItem
	deleted []int64
}

func newFakeRetries() *fakeRetries { return &fakeRetries{items: map[int64]domain.RetryItem{}} }

func (f *fakeRetries) Create(_ context.Context, item domain.RetryItem) (int64, error) {
	f.nextID++
	item.ID = f.nextID
	f.items[item.ID] = item
	return item.ID, nil
}

func (f *fakeRetries) ListDue(_ context.Context, connID int64, now time.Time) ([]domain.RetryItem, error) {
	var out []domain.RetryItem
	for id := int64(1); id <= f.nextID; id++ {
		item, ok := f.items[id]
		if ok && item.ConnectionID == connID && item.Status == domain.RetryPending && !item.NextAttemptAt.After(now) {
			out = append(out, item)
		}
	}
	return out, nil
}

func (f *fakeRetries) Update(_ context.Context, item domain.RetryItem) error {
	f.items[item.ID] = item
	return nil
}

func (f *fakeRetries) Delete(_ context.Context, id int64) error {
	delete(f.items, id)
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeRetries) MarkPending(_ context.Context, id int64, at time.Time) error {
	item := f.items[id]
	item.Status = domain.RetryPending
	item.NextAttemptAt = at
	f.items[id] = item
	return nil
}

func (f *fakeRetries) MarkDiscarded(_ context.Context, id int64) error {
	item := f.items[id]
	item.Status = domain.RetryDiscarded
	f.items[id] = item
	return nil
}

func (f *fakeRetries) CountPending(_ context.Context, connID int64) (int64, error) {
	var n int64
	for _, item := range f.items {
		if item.ConnectionID == connID && item.Status == domain.RetryPending {
			n++
		}
	}
	return n, nil
}

type fakeLogs struct {
	appended []domain.SyncLog
}

func (f *fakeLogs) Append(_ context.Context, l domain.SyncLog) (int64, error) {
	f.appended = append(f.appended, l)
	return int64(len(f.appended)), nil
}

func (f *fakeLogs) Recent(_ context.Context, _ int64, _ int) ([]domain.SyncLog, error) {
	return nil, nil
}

type syncStateWrite struct {
	id            int64
	lastSyncAt    *time.Time
	lastSuccessAt *time.Time
	breaker       domain.BreakerSnapshot
}

type fakeConns struct {
	conns   map[int64]domain.Connection
	updates []syncStateWrite
}

func newFakeConns(conns ...domain.Connection) *fakeConns {
	f := &fakeConns{conns: map[int64]domain.Connection{}}
	for _, c := range conns {
		f.conns[c.ID] = c
	}
	return f
}

func (f *fakeConns) ListEnabled(context.Context) ([]domain.Connection, error) {
	var out []domain.Connection
	for _, c := range f.conns {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out, nil
}

func (f *fakeConns) Get(_ context.Context, id int64) (domain.Connection, error) {
	c, ok := f.conns[id]
	if !ok {
		return domain.Connection{}, domain.ErrNotFound
	}
	return c, nil
}

func (f *fakeConns) UpdateSyncState(_ context.Context, id int64, lastSyncAt, lastSuccessAt *time.Time, br domain.BreakerSnapshot) error {
	f.updates = append(f.updates, syncStateWrite{id: id, lastSyncAt: lastSyncAt, lastSuccessAt: lastSuccessAt, breaker: br})
	return nil
}

func (f *fakeConns) ResetBreaker(_ context.Context, id int64) error {
	c := f.conns[id]
	c.Breaker = domain.BreakerSnapshot{State: domain.BreakerClosed}
	f.conns[id] = c
	return nil
}

// Odoo record builders.

func m2o(id int64, label string) []any { return []any{float64(id), label} }

func orderRec(id int64, name, writeDate string, partner any, lineIDs ...int64) map[string]any {
	lines := make([]any, 0, len(lineIDs))
	for _, l := range lineIDs {
		lines = append(lines, float64(l))
	}
	return map[string]any{
		"id":           float64(id),
		"name":         name,
		"partner_id":   partner,
		"order_line":   lines,
		"amount_total": 100.0,
		"currency_id":  m2o(1, "EUR"),
		"write_date":   writeDate,
	}
}

func lineRec(id, productID int64, name string, qty, price float64) map[string]any {
	return map[string]any{
		"id":              float64(id),
		"product_id":      m2o(productID, name),
		"name":            name,
		"product_uom_qty": qty,
		"price_unit":      price,
		"price_subtotal":  qty * price,
	}
}
