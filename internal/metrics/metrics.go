// Package metrics exposes Prometheus collectors for the coordinator service.
package metrics

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	assignmentsTotal           prometheus.Counter
	resultsTotal               *prometheus.CounterVec
	accountBansTotal           prometheus.Counter
	connectedWorkers           prometheus.Gauge
	jobInFlight                prometheus.Gauge
	nextResourceID             prometheus.Gauge
	jobDurationSeconds         prometheus.Histogram
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		assignmentsTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_assignments_total",
				Help: "Total number of jobs handed to workers.",
			},
		)

		resultsTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "coordinator_results_total",
				Help: "Total number of job results received, labeled by outcome.",
			},
			[]string{"outcome"},
		)

		accountBansTotal = promauto.NewCounter(
			prometheus.CounterOpts{
				Name: "coordinator_account_bans_total",
				Help: "Total number of account bans reported by workers.",
			},
		)

		connectedWorkers = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_connected_workers",
				Help: "Number of workers currently registered.",
			},
		)

		jobInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_job_in_flight",
				Help: "Whether a job is currently assigned to a worker (0 or 1).",
			},
		)

		nextResourceID = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "coordinator_next_resource_id",
				Help: "The next commentary id the cursor will hand out.",
			},
		)

		jobDurationSeconds = promauto.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "coordinator_job_duration_seconds",
				Help:    "Histogram of assignment-to-result latencies.",
				Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 60},
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

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveAssignment increments the assignment counter.
func ObserveAssignment() {
	assignmentsTotal.Inc()
}

// ObserveResult records one finished job with its outcome and latency.
func ObserveResult(outcome string, duration time.Duration) {
	resultsTotal.WithLabelValues(outcome).Inc()
	jobDurationSeconds.Observe(duration.Seconds())
}

// ObserveAccountBan increments the ban counter.
func ObserveAccountBan() {
	accountBansTotal.Inc()
}

// SetConnectedWorkers records the current pool size.
func SetConnectedWorkers(n int) {
	connectedWorkers.Set(float64(n))
}

// SetJobInFlight flips the in-flight gauge.
func SetJobInFlight(inFlight bool) {
	if inFlight {
		jobInFlight.Set(1)
	} else {
		jobInFlight.Set(0)
	}
}

// SetNextResourceID publishes the distribution cursor.
func SetNextResourceID(id int64) {
	nextResourceID.Set(float64(id))
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}
