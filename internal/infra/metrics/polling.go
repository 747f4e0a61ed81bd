package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(activeWatches, pollsTotal) }

var (
	activeWatches = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "invoice_watches_active",
			Help: "Invoices currently polled on behalf of subscribers.",
		},
	)

	// result: unchanged|changed|error
	pollsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_polls_total",
			Help: "Status polls by result.",
		},
		[]string{"result"},
	)
)

func SetActiveWatches(n int) { activeWatches.Set(float64(n)) }

func IncPoll(result string) { pollsTotal.WithLabelValues(norm(result)).Inc() }
