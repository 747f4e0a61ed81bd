package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		WebhookDeliveries,
		WebhookDuration,
		InvoiceTransitions,
	)
}

var (
	// Inbound deliveries grouped by bounded outcome.
	// outcome: applied|payment_recorded|duplicate|ignored|noop|invalid_transition|rejected|malformed|failed
	WebhookDeliveries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "webhook_deliveries_total",
			Help: "Inbound payment webhook deliveries by event type and outcome.",
		},
		[]string{"type", "outcome"},
	)

	WebhookDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "webhook_handle_duration_seconds",
			Help:    "Duration of inbound webhook handling in seconds.",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
		[]string{"outcome"},
	)

	// source: webhook|poll|reconciler
	InvoiceTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_transitions_total",
			Help: "Applied invoice status transitions by target status and source.",
		},
		[]string{"to", "source"},
	)
)

func IncWebhook(eventType, outcome string) {
	t := norm(eventType)
	if t == "" {
		t = "unknown"
	}
	WebhookDeliveries.WithLabelValues(t, norm(outcome)).Inc()
}

func ObserveWebhook(outcome string, seconds float64) {
	WebhookDuration.WithLabelValues(norm(outcome)).Observe(seconds)
}

func IncTransition(to, source string) {
	InvoiceTransitions.WithLabelValues(norm(to), norm(source)).Inc()
}
