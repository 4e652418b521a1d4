package httpx

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	histogramBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5}
)

// initMetrics registers request collectors on a registry owned by the router,
// so several routers (tests included) never collide on the global registry.
func (r *Router) initMetrics() {
	r.registry = prometheus.NewRegistry()
	r.requestTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accounts",
		Subsystem: "api",
		Name:      "http_requests_total",
		Help:      "Count of processed HTTP requests",
	}, []string{"method", "route", "status"})

	r.requestLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "accounts",
		Subsystem: "api",
		Name:      "http_request_duration_seconds",
		Help:      "Latency distribution of HTTP handlers",
		Buckets:   histogramBuckets,
	}, []string{"method", "route", "status"})

	r.authOutcomes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "accounts",
		Subsystem: "auth",
		Name:      "attempts_total",
		Help:      "Authentication attempts by flow and outcome",
	}, []string{"flow", "outcome"})

	r.registry.MustRegister(
		r.requestTotal,
		r.requestLatency,
		r.authOutcomes,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

func (r *Router) metricsHandler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

func (r *Router) recordRequestMetrics(method, route string, status int, duration time.Duration) {
	labels := prometheus.Labels{
		"method": method,
		"route":  route,
		"status": strconv.Itoa(status),
	}
	r.requestTotal.With(labels).Inc()
	r.requestLatency.With(labels).Observe(duration.Seconds())
}

func (r *Router) recordAuthOutcome(flow, outcome string) {
	r.authOutcomes.With(prometheus.Labels{"flow": flow, "outcome": outcome}).Inc()
}
