package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_cycles_total",
			Help: "Total number of poll cycles by connection and outcome",
		},
		[]string{"connection", "outcome"},
	)
	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_cycle_duration_seconds",
			Help:    "Poll cycle duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"connection"},
	)
	OrdersDeliveredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_orders_delivered_total",
			Help: "Total number of orders acknowledged by the webhook receiver",
		},
		[]string{"connection"},
	)
	OrdersFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_orders_failed_total",
			Help: "Total number of orders that failed permanently or could not be mapped",
		},
		[]string{"connection"},
	)
	WebhookDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "bridge_webhook_deliveries_total",
			Help: "Total number of webhook POSTs by connection and result",
		},
		[]string{"connection", "result"},
	)
	WebhookRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "bridge_webhook_request_duration_seconds",
			Help:    "Webhook POST duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"connection"},
	)
	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_circuit_breaker_state",
			Help: "Circuit breaker state per connection (0=closed, 1=half_open, 2=open)",
		},
		[]string{"connection"},
	)
	RetryQueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "bridge_retry_queue_depth",
			Help: "Pending retry queue items per connection",
		},
		[]string{"connection"},
	)
)

// InitMetrics registers all bridge metrics with the default registry.
func InitMetrics() {
	prometheus.MustRegister(
		CyclesTotal,
		CycleDuration,
		OrdersDeliveredTotal,
		OrdersFailedTotal,
		WebhookDeliveriesTotal,
		WebhookRequestDuration,
		CircuitBreakerState,
		RetryQueueDepth,
	)
}

// BreakerStateValue maps a breaker state string to its gauge value.
func BreakerStateValue(state string) float64 {
	switch state {
	case "open":
		return 2
	case "half_open":
		return 1
	default:
		return 0
	}
}
