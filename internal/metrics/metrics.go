// Package metrics exposes Prometheus collectors for the emulator gateway.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_http_requests_total",
			Help: "Total number of HTTP requests handled by the gateway",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ember_http_request_duration_seconds",
			Help:    "HTTP request latency in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"method", "path"},
	)

	httpRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ember_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	invocationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_invocations_total",
			Help: "Total number of function invocations by service",
		},
		[]string{"service", "status"},
	)

	invocationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ember_invocation_duration_seconds",
			Help:    "Function invocation time in seconds",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"service"},
	)

	workerSpawnsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ember_worker_spawns_total",
			Help: "Total number of worker processes spawned",
		},
		[]string{"kind"},
	)

	reloadsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ember_trigger_reloads_total",
			Help: "Total number of trigger table reloads",
		},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	statusStr := strconv.Itoa(status)
	httpRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

func IncrementInFlight() {
	httpRequestsInFlight.Inc()
}

func DecrementInFlight() {
	httpRequestsInFlight.Dec()
}

// RecordInvocation tags one invocation by service: "https" for HTTP
// triggers, the event service name otherwise.
func RecordInvocation(service, status string, duration time.Duration) {
	invocationsTotal.WithLabelValues(service, status).Inc()
	invocationDuration.WithLabelValues(service).Observe(duration.Seconds())
}

func RecordWorkerSpawn(diagnostic bool) {
	kind := "invocation"
	if diagnostic {
		kind = "diagnostic"
	}
	workerSpawnsTotal.WithLabelValues(kind).Inc()
}

func RecordReload() {
	reloadsTotal.Inc()
}
