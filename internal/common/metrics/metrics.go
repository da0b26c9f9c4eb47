// internal/common/metrics/metrics.go
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sb_requests_total",
			Help: "Total HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sb_errors_total",
			Help: "HTTP 5xx responses",
		},
		[]string{"path"},
	)

	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "sb_request_latency_seconds",
			Help: "Request latency in seconds",
		},
		[]string{"method", "path"},
	)

	RateLimitDenied = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sb_ratelimit_denied_total",
			Help: "Requests rejected by the rate limiter",
		},
	)

	IdempotencyReplays = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sb_idempotency_replays_total",
			Help: "Responses served from the idempotency ledger",
		},
		[]string{"scope"},
	)

	DeadLettersEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sb_dlq_enqueued_total",
			Help: "Entries added to the dead-letter queue",
		},
		[]string{"reason"},
	)

	DeadLetterRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sb_dlq_retry_total",
			Help: "Dead-letter replays by result",
		},
		[]string{"result"},
	)

	ReconcileRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sb_reconcile_runs_total",
			Help: "Reconciliation passes by result",
		},
		[]string{"result"},
	)

	ReconcileBackoff = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sb_reconcile_backoff_seconds",
			Help: "Current reconciliation backoff delay",
		},
	)

	WriteBackTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sb_writeback_total",
			Help: "Remote write-through attempts by result",
		},
		[]string{"result"},
	)
)

// ObserveRequest records one finished HTTP request.
func ObserveRequest(method, path string, status int, elapsed time.Duration) {
	RequestLatency.WithLabelValues(method, path).Observe(elapsed.Seconds())
	RequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	if status >= 500 {
		ErrorsTotal.WithLabelValues(path).Inc()
	}
}

// Result labels a success or failure.
func Result(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}
