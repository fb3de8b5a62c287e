package askdb

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus collectors, registered once at package init via promauto.
// The CLI exposes them on /metrics.
var (
	// metricRequests counts Ask outcomes, labeled by failure kind or "ok".
	metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askdb_requests_total",
		Help: "Ask requests by outcome",
	}, []string{"outcome"})

	// metricRequestDuration tracks end-to-end Ask latency.
	metricRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "askdb_request_duration_seconds",
		Help:    "End-to-end Ask duration",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
	})

	// metricEngineAttempts counts engine invocations, labeled by attempt result.
	metricEngineAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askdb_engine_attempts_total",
		Help: "Engine invocations by result",
	}, []string{"result"})

	// metricPoolRebuilds counts pool rebuilds by status.
	metricPoolRebuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "askdb_pool_rebuilds_total",
		Help: "Connection pool rebuilds",
	}, []string{"status"})

	// metricAcquireRetries counts extra acquisition attempts after a failed probe.
	metricAcquireRetries = promauto.NewCounter(prometheus.CounterOpts{
		Name: "askdb_pool_acquire_retries_total",
		Help: "Connection acquisition retries after a failed liveness probe",
	})

	// metricPoolUp is 1 while the pool has verified connectivity.
	metricPoolUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "askdb_pool_up",
		Help: "Pool connectivity (1 = last probe succeeded, 0 = down)",
	})
)
