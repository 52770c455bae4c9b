// Package metrics exposes Prometheus collectors for the classification service.
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
	tasksStartedTotal          *prometheus.CounterVec
	tasksCompletedTotal        *prometheus.CounterVec
	tasksInFlight              prometheus.Gauge
	progressMessagesTotal      *prometheus.CounterVec
	resultEnvelopesTotal       *prometheus.CounterVec
	httpRequestsTotal          *prometheus.CounterVec
	httpRequestDurationSeconds *prometheus.HistogramVec
	engineDispatchSeconds      *prometheus.HistogramVec

	once sync.Once
)

// Init initializes the Prometheus metrics collectors.
// It is safe to call this function multiple times.
func Init() {
	once.Do(func() {
		tasksStartedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classify_tasks_started_total",
				Help: "Total number of classification tasks dispatched, labeled by kind.",
			},
			[]string{"kind"},
		)

		tasksCompletedTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classify_tasks_completed_total",
				Help: "Total number of classification tasks that reached a terminal state, labeled by kind and result.",
			},
			[]string{"kind", "result"},
		)

		tasksInFlight = promauto.NewGauge(
			prometheus.GaugeOpts{
				Name: "classify_tasks_in_flight",
				Help: "Number of tasks currently listening for engine progress.",
			},
		)

		progressMessagesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classify_progress_messages_total",
				Help: "Total progress messages consumed from ephemeral channels, labeled by status.",
			},
			[]string{"status"},
		)

		resultEnvelopesTotal = promauto.NewCounterVec(
			prometheus.CounterOpts{
				Name: "classify_result_envelopes_total",
				Help: "Total result envelopes relayed to rooms, labeled by channel.",
			},
			[]string{"channel"},
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

		engineDispatchSeconds = promauto.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "classify_engine_dispatch_seconds",
				Help:    "Histogram of synchronous engine dispatch call durations, labeled by kind.",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"kind"},
		)
	})
}

// Handler returns an http.Handler for exposing Prometheus metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ObserveTaskStarted increments the dispatched-task counter.
func ObserveTaskStarted(kind string) {
	tasksStartedTotal.WithLabelValues(kind).Inc()
}

// ObserveTaskCompleted increments the terminal-state counter.
func ObserveTaskCompleted(kind, result string) {
	tasksCompletedTotal.WithLabelValues(kind, result).Inc()
}

// IncTasksInFlight increments the listening-task gauge.
func IncTasksInFlight() {
	tasksInFlight.Inc()
}

// DecTasksInFlight decrements the listening-task gauge.
func DecTasksInFlight() {
	tasksInFlight.Dec()
}

// ObserveProgressMessage counts one consumed progress message.
func ObserveProgressMessage(status string) {
	progressMessagesTotal.WithLabelValues(status).Inc()
}

// ObserveResultEnvelope counts one relayed result envelope.
func ObserveResultEnvelope(channel string) {
	resultEnvelopesTotal.WithLabelValues(channel).Inc()
}

// ObserveHTTPRequest increments the HTTP request metrics.
func ObserveHTTPRequest(method, route string, code int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, strconv.Itoa(code)).Inc()
	httpRequestDurationSeconds.WithLabelValues(method, route).Observe(duration.Seconds())
}

// ObserveEngineDispatch records the duration of one engine call.
func ObserveEngineDispatch(kind string, duration time.Duration) {
	engineDispatchSeconds.WithLabelValues(kind).Observe(duration.Seconds())
}
