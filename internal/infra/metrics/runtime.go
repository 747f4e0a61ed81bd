package metrics

import (
	"runtime"

	"github.com/prometheus/client_golang/prometheus"
)

func init() {
	register(buildInfo, dbPoolConns, dbPoolEmptyAcquires, redisPoolConns, redisPoolTimeouts)
}

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "coinshop_payments_build_info",
			Help: "Version, commit and Go runtime of the running payment service.",
		},
		[]string{"version", "commit", "go_version"},
	)

	// state: total | idle | acquired | max
	dbPoolConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "db_pool_connections",
			Help: "Postgres pool connections by state.",
		},
		[]string{"state"},
	)

	dbPoolEmptyAcquires = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "db_pool_empty_acquires",
		Help: "Acquires that had to wait for a connection since the pool was opened.",
	})

	// state: total | idle | stale
	redisPoolConns = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "redis_pool_connections",
			Help: "Redis pool connections by state.",
		},
		[]string{"state"},
	)

	redisPoolTimeouts = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "redis_pool_timeouts",
		Help: "Times a redis connection could not be obtained in time since startup.",
	})
)

// PoolStats is a snapshot of the Postgres pool.
type PoolStats struct {
	Total         int32
	Idle          int32
	Acquired      int32
	Max           int32
	EmptyAcquires int64
}

func SetBuildInfo(version, commit string) {
	buildInfo.WithLabelValues(version, commit, runtime.Version()).Set(1)
}

func SetDBPoolStats(s PoolStats) {
	dbPoolConns.WithLabelValues("total").Set(float64(s.Total))
	dbPoolConns.WithLabelValues("idle").Set(float64(s.Idle))
	dbPoolConns.WithLabelValues("acquired").Set(float64(s.Acquired))
	dbPoolConns.WithLabelValues("max").Set(float64(s.Max))
	dbPoolEmptyAcquires.Set(float64(s.EmptyAcquires))
}

func SetRedisPoolStats(total, idle, stale, timeouts uint32) {
	redisPoolConns.WithLabelValues("total").Set(float64(total))
	redisPoolConns.WithLabelValues("idle").Set(float64(idle))
	redisPoolConns.WithLabelValues("stale").Set(float64(stale))
	redisPoolTimeouts.Set(float64(timeouts))
}
