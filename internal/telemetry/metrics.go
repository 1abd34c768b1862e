package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	ExportEnqueued   = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_enqueued_total", Help: "Export jobs enqueued"})
	JobsClaimed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_claimed_total", Help: "Jobs claimed for processing"})
	JobsCompleted    = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_completed_total", Help: "Jobs completed successfully"})
	JobsRetried      = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_retried_total", Help: "Jobs requeued for retry"})
	JobsFailed       = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_failed_total", Help: "Jobs terminally failed"})
	StaleRecovered   = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_jobs_stale_recovered_total", Help: "Stuck processing jobs swept back to pending"})
	RateLimitRejects = prometheus.NewCounter(prometheus.CounterOpts{Name: "export_trigger_rate_limit_rejects_total", Help: "Trigger calls rejected by rate limiter"})
	PendingDepth     = prometheus.NewGauge(prometheus.GaugeOpts{Name: "export_jobs_pending", Help: "Jobs currently claimable"})
	InFlightGauge    = prometheus.NewGauge(prometheus.GaugeOpts{Name: "export_jobs_inflight", Help: "Jobs currently being processed"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			ExportEnqueued,
			JobsClaimed,
			JobsCompleted,
			JobsRetried,
			JobsFailed,
			StaleRecovered,
			RateLimitRejects,
			PendingDepth,
			InFlightGauge,
		)
	})
	return promhttp.Handler()
}
