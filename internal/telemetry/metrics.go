package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	PublishSuccess     = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_publish_success_total", Help: "Platform posts that succeeded"})
	PublishFailures    = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_publish_failed_total", Help: "Platform posts that failed"})
	SalesRecorded      = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_sales_total", Help: "Sales recorded across all platforms"})
	CancelsProcessed   = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_cancellations_total", Help: "Scheduled cancellations executed successfully"})
	CancelsFailed      = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_cancellations_failed_total", Help: "Cancellation attempts that failed and will be retried"})
	RetriesAttempted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_retries_total", Help: "Publish retry attempts"})
	RetriesExhausted   = prometheus.NewCounter(prometheus.CounterOpts{Name: "listing_retries_exhausted_total", Help: "Platform rows that used up their retry budget"})
	PendingCancelGauge = prometheus.NewGauge(prometheus.GaugeOpts{Name: "listing_pending_cancels", Help: "Rows currently awaiting scheduled cancellation"})
)

// Handler exposes the /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			PublishSuccess,
			PublishFailures,
			SalesRecorded,
			CancelsProcessed,
			CancelsFailed,
			RetriesAttempted,
			RetriesExhausted,
			PendingCancelGauge,
		)
	})
	return promhttp.Handler()
}
