package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() {
	register(
		coinsCreditedTotal,
		invoicesCreatedTotal,
	)
}

var (
	coinsCreditedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "coins_credited_total",
			Help: "Coins credited to user balances from settled invoices.",
		},
	)

	// result: created|reused|failed
	invoicesCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoices_created_total",
			Help: "Invoice creation requests by currency and result.",
		},
		[]string{"currency", "result"},
	)
)

func AddCoinsCredited(coins int64) {
	if coins > 0 {
		coinsCreditedTotal.Add(float64(coins))
	}
}

func IncInvoiceCreated(currency, result string) {
	invoicesCreatedTotal.WithLabelValues(norm(currency), norm(result)).Inc()
}
