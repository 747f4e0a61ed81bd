package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(invoiceCacheLookups, invoiceCacheErrors) }

var (
	// result: hit | miss | stale (cached but no longer payable)
	invoiceCacheLookups = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_cache_lookups_total",
			Help: "Invoice creation cache lookups by result.",
		},
		[]string{"result"},
	)

	// op: get | put | decode
	invoiceCacheErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_cache_backend_errors_total",
			Help: "Shared invoice cache failures, each served as a miss.",
		},
		[]string{"op"},
	)
)

func IncInvoiceCacheLookup(result string) {
	invoiceCacheLookups.WithLabelValues(norm(result)).Inc()
}

func IncInvoiceCacheError(op string) {
	invoiceCacheErrors.WithLabelValues(norm(op)).Inc()
}
