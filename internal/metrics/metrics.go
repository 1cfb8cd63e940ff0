// Package metrics exposes Prometheus collectors for the archive service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zkarchive/internal/archive"
)

var (
	stageOutcomesTotal          *prometheus.CounterVec
	stageAttemptDurationSeconds *prometheus.HistogramVec
	reconcilePassesTotal        *prometheus.CounterVec
	manifestUniverseSize        prometheus.Gauge
	httpRequestsTotal           *prometheus.CounterVec
	httpRequestDurationSeconds  *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus collectors. Safe to call more than once.
func Init() {
	once.Do(func() {
		stageOutcomesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_stage_outcomes_total",
				Help: "Total recorded stage outcomes, labeled by stage and outcome kind.",
			},
			[]string{"stage", "outcome"},
		)

		stageAttemptDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "archive_stage_attempt_duration_seconds",
				Help:    "Histogram of single stage attempt latencies, labeled by stage.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 15, 45},
			},
			[]string{"stage"},
		)

		reconcilePassesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "archive_reconcile_passes_total",
				Help: "Total reconciliation passes executed, labeled by stage.",
			},
			[]string{"stage"},
		)

		manifestUniverseSize = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "archive_manifest_universe_size",
				Help: "Number of identifiers currently registered in the universe.",
			},
		)

		httpRequestsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests, labeled by method and code.",
			},
			[]string{"method", "code"},
		)

		httpRequestDurationSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Histogram of HTTP request latencies, labeled by method and route.",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
			},
			[]string{"method", "route"},
		)
	})
}

// Handler returns the http.Handler exposing the collectors.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObservePass increments the pass counter for a stage.
func ObservePass(stage archive.StageID) {
	reconcilePassesTotal.WithLabelValues(string(stage)).Inc()
}

// SetUniverseSize records the current universe size.
func SetUniverseSize(n int) {
	manifestUniverseSize.Set(float64(n))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Observer adapts the collectors to the stage runner's telemetry hook.
type Observer struct{}

// NewObserver initializes the collectors and returns an Observer.
func NewObserver() Observer {
	Init()
	return Observer{}
}

// ObserveAttempt records one stage attempt's latency.
func (Observer) ObserveAttempt(stage archive.StageID, d time.Duration) {
	stageAttemptDurationSeconds.WithLabelValues(string(stage)).Observe(d.Seconds())
}

// ObserveOutcome counts one recorded outcome.
func (Observer) ObserveOutcome(stage archive.StageID, kind archive.OutcomeKind) {
	stageOutcomesTotal.WithLabelValues(string(stage), string(kind)).Inc()
}

// ObservePass counts one completed reconciliation pass.
func (Observer) ObservePass(stage archive.StageID) {
	ObservePass(stage)
}
