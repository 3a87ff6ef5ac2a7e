package observability

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
)

var (
	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		},
		[]string{"route", "method"},
	)

	JobsDispatchedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_dispatched_total",
			Help: "Total number of jobs pushed onto broker queues by queue type",
		},
		[]string{"queue_type"},
	)
	DispatchErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatch_errors_total",
			Help: "Total number of jobs that could not be routed or enqueued",
		},
	)
	ResultsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "results_processed_total",
			Help: "Total number of results consumed from the results channel by status",
		},
		[]string{"status"},
	)
	CampaignsCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "campaigns_completed_total",
			Help: "Total number of campaigns driven to completion",
		},
	)
	JobRetriesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "job_retries_total",
			Help: "Total number of job requeues performed by the timeout engine",
		},
	)
	JobsTimedOutTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "jobs_timed_out_total",
			Help: "Total number of running jobs that exceeded their timeout",
		},
	)
	WorkersRegisteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workers_registered_total",
			Help: "Total number of worker registrations by action",
		},
		[]string{"action"},
	)
	WorkersFaultyTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "workers_faulty_total",
			Help: "Total number of workers marked faulty by reason",
		},
		[]string{"reason"},
	)
	HeartbeatsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "heartbeats_total",
			Help: "Total number of worker heartbeats recorded",
		},
	)
	SnapshotWrites = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "snapshot_writes_total",
			Help: "Total number of state snapshot writes by outcome",
		},
		[]string{"outcome"},
	)
	SnapshotDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "snapshot_duration_seconds",
			Help:    "State snapshot write duration in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		},
	)
)

func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(JobsDispatchedTotal)
	prometheus.MustRegister(DispatchErrorsTotal)
	prometheus.MustRegister(ResultsProcessedTotal)
	prometheus.MustRegister(CampaignsCompletedTotal)
	prometheus.MustRegister(JobRetriesTotal)
	prometheus.MustRegister(JobsTimedOutTotal)
	prometheus.MustRegister(WorkersRegisteredTotal)
	prometheus.MustRegister(WorkersFaultyTotal)
	prometheus.MustRegister(HeartbeatsTotal)
	prometheus.MustRegister(SnapshotWrites)
	prometheus.MustRegister(SnapshotDuration)
}

// HTTPMetricsMiddleware records Prometheus metrics for each request.
func HTTPMetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		dur := time.Since(start).Seconds()
		// Route pattern may be unavailable outside chi router; guard nil
		var route string
		if rc := chi.RouteContext(r.Context()); rc != nil {
			route = rc.RoutePattern()
		}
		if route == "" {
			// fallback when route pattern is unavailable
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
