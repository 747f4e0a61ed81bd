package metrics

import "github.com/prometheus/client_golang/prometheus"

func init() { register(sweepItems, sweepRuns) }

var (
	// job: stale_reconciler|archive; result: applied|unchanged|error
	sweepItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_sweep_items_total",
			Help: "Invoices handled by background sweeps, by job and result.",
		},
		[]string{"job", "result"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "invoice_sweep_runs_total",
			Help: "Background sweep runs by job and result.",
		},
		[]string{"job", "result"},
	)
)

func IncSweepItem(job, result string) { sweepItems.WithLabelValues(norm(job), norm(result)).Inc() }

func IncSweepRun(job, result string) { sweepRuns.WithLabelValues(norm(job), norm(result)).Inc() }
