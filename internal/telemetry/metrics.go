package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsClaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claimed_total", Help: "Jobs moved from pending to processing by this process"})
	JobsCompleted  = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_retried_total", Help: "Failed attempts returned to pending"})
	JobsFailed     = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_failed_total", Help: "Jobs that exhausted their retries"})
	ClaimErrors    = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_claim_errors_total", Help: "Claim transactions that failed"})
	FinalizeErrors = prometheus.NewCounter(prometheus.CounterOpts{Name: "jobs_finalize_errors_total", Help: "Complete or fail writes that did not reach the store"})
	PendingGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_pending", Help: "Pending jobs in the queue table"})
	InFlightGauge  = prometheus.NewGauge(prometheus.GaugeOpts{Name: "jobs_inflight", Help: "Jobs currently executing in this process"})
	ExecDuration   = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "jobs_execution_seconds",
		Help:    "Wall time spent in the executor per attempt",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			ClaimErrors,
			FinalizeErrors,
			PendingGauge,
			InFlightGauge,
			ExecDuration,
		)
	})
	return promhttp.Handler()
}
