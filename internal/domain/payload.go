package domain

import "fmt"

// PartnerPayload is the normalized customer block of a webhook payload.
type PartnerPayload struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email,omitempty"`
	VAT   string `json:"vat,omitempty"`
}

// OrderLinePayload is one normalized sale order line. Zero-quantity lines
// are filtered out before payload construction. Monetary values pass through
// verbatim, no unit conversion.
type OrderLinePayload struct {
	SKU         string  `json:"sku"`
	ProductName string  `json:"product_name"`
	Quantity    float64 `json:"quantity"`
	UnitPrice   float64 `json:"unit_price"`
	Subtotal    float64 `json:"subtotal"`
}

// OrderPayload is the webhook body delivered to StockMaster for one
// confirmed sale order.
type OrderPayload struct {
	ConnectionID int64              `json:"connection_id"`
	OrderID      int64              `json:"order_id"`
	OrderName    string             `json:"order_name"`
	WriteDate    string             `json:"write_date"`
	Partner      PartnerPayload     `json:"partner"`
	Currency     string             `json:"currency"`
	AmountTotal  float64            `json:"amount_total"`
	Lines        []OrderLinePayload `json:"lines"`
}

// IdempotencyKey identifies one delivery: the receiver can collapse the
// occasional re-POST after a crash between send and dedup insert.
func (p OrderPayload) IdempotencyKey() string {
	return fmt.Sprintf("%d:%d:%s", p.ConnectionID, p.OrderID, p.WriteDate)
}
