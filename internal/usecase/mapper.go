// Package usecase contains the polling engine's application logic: the order
// mapper that normalizes Odoo sale orders into webhook payloads and the poll
// worker that runs one end-to-end cycle per connection.
package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fairyhunter13/odoo-stockmaster-bridge/internal/domain"
)

// Confirmed sale order states worth exporting.
var confirmedStates = []any{"sale", "done"}

var (
	orderFields    = []string{"id", "name", "partner_id", "order_line", "amount_total", "currency_id", "write_date"}
	partnerFields  = []string{"name", "email", "vat"}
	lineFields     = []string{"product_id", "name", "product_uom_qty", "price_unit", "price_subtotal"}
	productFields  = []string{"default_code", "barcode", "name", "product_tmpl_id"}
	templateFields = []string{"default_code", "barcode"}
)

// Mapper fetches confirmed orders plus their related entities in batches and
// joins them into webhook payloads. Related models are read once per model
// per cycle, never per order line.
type Mapper struct {
	Sent domain.SentOrderRepository
}

// NewMapper constructs a Mapper over the dedup ledger.
func NewMapper(sent domain.SentOrderRepository) *Mapper { return &Mapper{Sent: sent} }

// MappedOrders is the result of one mapping pass.
type MappedOrders struct {
	Payloads []domain.OrderPayload
	// Found counts orders returned by Odoo before dedup filtering.
	Found int
	// MappingFailed counts orders skipped because their shape was unusable.
	MappingFailed int
	// MaxWriteDate is the largest write_date across all found orders (zero
	// when none); the cycle advances last_sync_at to it.
	MaxWriteDate time.Time
}

// MapConnectionOrders searches confirmed orders modified after since, drops
// the ones already delivered, batch-fetches partners, lines, products and
// templates, and builds the payloads in the order Odoo returned them.
func (m *Mapper) MapConnectionOrders(ctx context.Context, api domain.OdooAPI, conn domain.Connection, since *time.Time) (MappedOrders, error) {
	var out MappedOrders

	filter := []any{[]any{"state", "in", confirmedStates}}
	if since != nil {
		filter = append(filter, []any{"write_date", ">", since.UTC().Format(domain.OdooTimeLayout)})
	}
	records, err := api.SearchRead(ctx, "sale.order", filter, orderFields, 0, "write_date asc, id asc")
	if err != nil {
		return out, err
	}
	out.Found = len(records)

	// Track the freshness cursor over everything found, delivered or not;
	// the dedup ledger absorbs replays.
	fresh := make([]map[string]any, 0, len(records))
	for _, rec := range records {
		wd := asString(rec["write_date"])
		if t, err := domain.ParseWriteDate(wd); err == nil && t.After(out.MaxWriteDate) {
			out.MaxWriteDate = t
		}
		id, ok := asInt64(rec["id"])
		if !ok {
			out.MappingFailed++
			slog.WarnContext(ctx, "order without usable id skipped", slog.String("connection", conn.Name))
			continue
		}
		sent, err := m.Sent.Exists(ctx, conn.ID, id, wd)
		if err != nil {
			return out, err
		}
		if !sent {
			fresh = append(fresh, rec)
		}
	}
	if len(fresh) == 0 {
		return out, nil
	}

	related, err := m.fetchRelated(ctx, api, fresh)
	if err != nil {
		return out, err
	}

	for _, rec := range fresh {
		p, err := m.buildPayload(conn, rec, related)
		if err != nil {
			out.MappingFailed++
			slog.WarnContext(ctx, "order skipped: unusable shape",
				slog.String("connection", conn.Name),
				slog.Any("error", err))
			continue
		}
		out.Payloads = append(out.Payloads, p)
	}
	return out, nil
}

// relatedEntities holds the batched lookups keyed by record id.
type relatedEntities struct {
	partners  map[int64]map[string]any
	lines     map[int64]map[string]any
	products  map[int64]map[string]any
	templates map[int64]map[string]any
}

func (m *Mapper) fetchRelated(ctx context.Context, api domain.OdooAPI, orders []map[string]any) (relatedEntities, error) {
	re := relatedEntities{}

	partnerIDs := map[int64]struct{}{}
	lineIDs := map[int64]struct{}{}
	for _, rec := range orders {
		if id, _, ok := many2one(rec["partner_id"]); ok {
			partnerIDs[id] = struct{}{}
		}
		for _, id := range idList(rec["order_line"]) {
			lineIDs[id] = struct{}{}
		}
	}

	var err error
	re.partners, err = readByID(ctx, api, "res.partner", keys(partnerIDs), partnerFields)
	if err != nil {
		return re, err
	}
	re.lines, err = readByID(ctx, api, "sale.order.line", keys(lineIDs), lineFields)
	if err != nil {
		return re, err
	}

	productIDs := map[int64]struct{}{}
	for _, line := range re.lines {
		if id, _, ok := many2one(line["product_id"]); ok {
			productIDs[id] = struct{}{}
		}
	}
	re.products, err = readByID(ctx, api, "product.product", keys(productIDs), productFields)
	if err != nil {
		return re, err
	}

	templateIDs := map[int64]struct{}{}
	for _, prod := range re.products {
		if id, _, ok := many2one(prod["product_tmpl_id"]); ok {
			templateIDs[id] = struct{}{}
		}
	}
	re.templates, err = readByID(ctx, api, "product.template", keys(templateIDs), templateFields)
	if err != nil {
		return re, err
	}
	return re, nil
}

func (m *Mapper) buildPayload(conn domain.Connection, rec map[string]any, re relatedEntities) (domain.OrderPayload, error) {
	orderID, ok := asInt64(rec["id"])
	if !ok {
		return domain.OrderPayload{}, fmt.Errorf("%w: order id missing", domain.ErrMapping)
	}
	wd := asString(rec["write_date"])
	if wd == "" {
		return domain.OrderPayload{}, fmt.Errorf("%w: order %d has no write_date", domain.ErrMapping, orderID)
	}

	p := domain.OrderPayload{
		ConnectionID: conn.ID,
		OrderID:      orderID,
		OrderName:    asString(rec["name"]),
		WriteDate:    wd,
		AmountTotal:  asFloat(rec["amount_total"]),
		Lines:        []domain.OrderLinePayload{},
	}
	if _, label, ok := many2one(rec["currency_id"]); ok {
		p.Currency = label
	}
	if pid, label, ok := many2one(rec["partner_id"]); ok {
		p.Partner = domain.PartnerPayload{ID: pid, Name: label}
		if partner, ok := re.partners[pid]; ok {
			p.Partner.Name = asString(partner["name"])
			p.Partner.Email = asString(partner["email"])
			p.Partner.VAT = asString(partner["vat"])
		}
	}

	for _, lineID := range idList(rec["order_line"]) {
		line, ok := re.lines[lineID]
		if !ok {
			continue
		}
		qty := asFloat(line["product_uom_qty"])
		if qty == 0 {
			continue
		}
		lp := domain.OrderLinePayload{
			ProductName: asString(line["name"]),
			Quantity:    qty,
			UnitPrice:   asFloat(line["price_unit"]),
			Subtotal:    asFloat(line["price_subtotal"]),
		}
		if prodID, prodLabel, ok := many2one(line["product_id"]); ok {
			if lp.ProductName == "" {
				lp.ProductName = prodLabel
			}
			lp.SKU = m.resolveSKU(conn, prodID, re)
		}
		p.Lines = append(p.Lines, lp)
	}
	return p, nil
}

// resolveSKU walks the fallback chain: product default_code, product
// barcode, template default_code, template barcode, then a synthetic
// ODOO-{db}-{product_id} identifier.
func (m *Mapper) resolveSKU(conn domain.Connection, productID int64, re relatedEntities) string {
	if prod, ok := re.products[productID]; ok {
		if sku := asString(prod["default_code"]); sku != "" {
			return sku
		}
		if sku := asString(prod["barcode"]); sku != "" {
			return sku
		}
		if tmplID, _, ok := many2one(prod["product_tmpl_id"]); ok {
			if tmpl, ok := re.templates[tmplID]; ok {
				if sku := asString(tmpl["default_code"]); sku != "" {
					return sku
				}
				if sku := asString(tmpl["barcode"]); sku != "" {
					return sku
				}
			}
		}
	}
	return fmt.Sprintf("ODOO-%s-%d", conn.Database, productID)
}

func readByID(ctx context.Context, api domain.OdooAPI, model string, ids []int64, fields []string) (map[int64]map[string]any, error) {
	out := make(map[int64]map[string]any, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	records, err := api.Read(ctx, model, ids, fields)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		if id, ok := asInt64(rec["id"]); ok {
			out[id] = rec
		}
	}
	return out, nil
}

func keys(set map[int64]struct{}) []int64 {
	out := make([]int64, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out
}

// Odoo JSON value helpers. Odoo encodes empty scalar fields as false, and
// many2one references as [id, display_name] pairs.

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case float64:
		return int64(n), true
	case int64:
		return n, true
	case int:
		return int64(n), true
	default:
		return 0, false
	}
}

func asFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case int:
		return float64(n)
	default:
		return 0
	}
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

func many2one(v any) (int64, string, bool) {
	pair, ok := v.([]any)
	if !ok || len(pair) == 0 {
		return 0, "", false
	}
	id, ok := asInt64(pair[0])
	if !ok {
		return 0, "", false
	}
	label := ""
	if len(pair) > 1 {
		label = asString(pair[1])
	}
	return id, label, true
}

func idList(v any) []int64 {
	list, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]int64, 0, len(list))
	for _, item := range list {
		if id, ok := asInt64(item); ok {
			out = append(out, id)
		}
	}
	return out
}
