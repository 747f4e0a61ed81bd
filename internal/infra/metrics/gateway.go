package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(
		gatewayRequestsTotal,
		gatewayRequestDuration,
		gatewayRateLimitedTotal,
		gatewayRetriesTotal,
	)
}

var (
	// One sample per HTTP attempt, retries included.
	// code: the HTTP status, or "error" for transport failures
	gatewayRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_requests_total",
			Help: "Payment processor HTTP attempts by operation and status code.",
		},
		[]string{"op", "code"},
	)

	gatewayRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gateway_request_duration_seconds",
			Help:    "Duration of a logical payment processor call, retries and waits included.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"op", "result"},
	)

	// source: local (sliding window) | remote (429 ceiling)
	gatewayRateLimitedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_rate_limited_total",
			Help: "Calls refused by the local window or aborted by the remote 429 ceiling.",
		},
		[]string{"op", "source"},
	)

	// reason: transient | throttled
	gatewayRetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gateway_retries_total",
			Help: "Retries scheduled by the payment processor client.",
		},
		[]string{"op", "reason"},
	)
)

func IncGatewayRequest(op string, code int) {
	c := "error"
	if code > 0 {
		c = strconv.Itoa(code)
	}
	gatewayRequestsTotal.WithLabelValues(norm(op), c).Inc()
}

func ObserveGatewayCall(op string, ok bool, seconds float64) {
	res := ResultOK
	if !ok {
		res = ResultFail
	}
	gatewayRequestDuration.WithLabelValues(norm(op), res).Observe(seconds)
}

func IncGatewayRateLimited(op, source string) {
	gatewayRateLimitedTotal.WithLabelValues(norm(op), norm(source)).Inc()
}

func IncGatewayRetry(op, reason string) {
	gatewayRetriesTotal.WithLabelValues(norm(op), norm(reason)).Inc()
}
