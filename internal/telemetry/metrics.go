package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	JobsEnqueued     = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_jobs_enqueued_total", Help: "Total enqueued ledger jobs"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_rate_limit_rejects_total", Help: "Enqueue requests rejected by rate limiter"})
	JobsSucceeded    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_jobs_succeeded_total", Help: "Jobs confirmed on the ledger"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_jobs_retried_total", Help: "Transient failures scheduled for retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_jobs_failed_total", Help: "Jobs that reached a terminal failed state"})
	JobsReclaimed    = prometheus.NewCounter(prometheus.CounterOpts{Name: "ledger_jobs_reclaimed_total", Help: "Orphaned running jobs recovered after a worker death"})
	PendingDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ledger_jobs_pending", Help: "Jobs waiting to be claimed"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "ledger_jobs_inflight", Help: "Jobs currently being processed"})
	SubmitLatency    = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "ledger_submit_duration_seconds",
		Help:    "Latency of submit-and-confirm round trips",
		Buckets: prometheus.ExponentialBuckets(0.1, 2, 12),
	})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			JobsEnqueued,
			RateLimitRejects,
			JobsSucceeded,
			JobsRetried,
			JobsFailed,
			JobsReclaimed,
			PendingDepth,
			InFlightGauge,
			SubmitLatency,
		)
	})
	return promhttp.Handler()
}
