// Package metrics exposes Prometheus instrumentation shared by the
// gateway and the worker.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// HTTPRequests counts gateway requests by route and status code.
	HTTPRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qjazz_http_requests_total",
		Help: "Count of HTTP requests handled by the gateway.",
	}, []string{"method", "route", "code"})

	// HTTPDuration tracks gateway request latency by route.
	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qjazz_http_request_duration_seconds",
		Help:    "Histogram of HTTP request handling time.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})

	// JobsTotal counts finished jobs by terminal status.
	JobsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "qjazz_worker_jobs_total",
		Help: "Count of jobs finished by a worker, by terminal status.",
	}, []string{"service", "status"})

	// JobDuration tracks wall time of job executions.
	JobDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "qjazz_worker_job_duration_seconds",
		Help:    "Histogram of job execution wall time.",
		Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 3600},
	}, []string{"service"})

	// ActiveJobs gauges jobs currently held by the worker pool.
	ActiveJobs = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "qjazz_worker_active_jobs",
		Help: "Jobs currently executing on the worker pool.",
	}, []string{"service"})
)

func init() {
	prometheus.MustRegister(HTTPRequests)
	prometheus.MustRegister(HTTPDuration)
	prometheus.MustRegister(JobsTotal)
	prometheus.MustRegister(JobDuration)
	prometheus.MustRegister(ActiveJobs)
}

// Handler returns the scrape endpoint handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
