// Package metrics exposes Prometheus collectors for the rank-check processor.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	rankTicksTotal            prometheus.Counter
	rankChecksTotal           *prometheus.CounterVec
	rankRetriesTotal          prometheus.Counter
	rankRunsTotal             *prometheus.CounterVec
	rankReapedRunsTotal       prometheus.Counter
	rankCreditsRefundedTotal  prometheus.Counter
	rankProviderCheckDuration *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		rankTicksTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rank_ticks_total",
				Help: "Total number of worker invocations.",
			},
		)

		rankChecksTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_checks_total",
				Help: "Total number of ranking sub-checks, labeled by device and outcome.",
			},
			[]string{"device", "outcome"},
		)

		rankRetriesTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rank_retries_total",
				Help: "Total number of sub-checks returned to pending for retry.",
			},
		)

		rankRunsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rank_runs_total",
				Help: "Total number of finalized batch runs, labeled by status.",
			},
			[]string{"status"},
		)

		rankReapedRunsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rank_reaped_runs_total",
				Help: "Total number of abandoned runs failed by the reaper.",
			},
		)

		rankCreditsRefundedTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "rank_credits_refunded_total",
				Help: "Total credits refunded for failed or skipped sub-checks.",
			},
		)

		rankProviderCheckDuration = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "rank_provider_check_duration_seconds",
				Help:    "Histogram of ranking provider call latencies, labeled by device.",
				Buckets: []float64{0.25, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"device"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTick increments the invocation counter.
func ObserveTick() {
	rankTicksTotal.Inc()
}

// ObserveCheck records the outcome and latency of one sub-check.
func ObserveCheck(device, outcome string, duration time.Duration) {
	rankChecksTotal.WithLabelValues(device, outcome).Inc()
	rankProviderCheckDuration.WithLabelValues(device).Observe(duration.Seconds())
}

// ObserveRetry increments the retry counter.
func ObserveRetry() {
	rankRetriesTotal.Inc()
}

// ObserveRun increments the finalized run counter for the given status.
func ObserveRun(status string) {
	rankRunsTotal.WithLabelValues(status).Inc()
}

// ObserveReapedRun increments the reaped run counter.
func ObserveReapedRun() {
	rankReapedRunsTotal.Inc()
}

// ObserveRefund adds the refunded credit amount.
func ObserveRefund(credits int) {
	rankCreditsRefundedTotal.Add(float64(credits))
}
