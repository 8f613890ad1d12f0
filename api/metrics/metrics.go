package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/woudc/woudc-api/api/apierr"
)

var (
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "woudc_api_build_info",
			Help: "Build information of the WOUDC API",
		},
		[]string{"version", "commit", "date"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woudc_api_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "woudc_api_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	HTTPRequestsInFlight = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "woudc_api_http_requests_in_flight",
			Help: "Number of HTTP requests currently being processed",
		},
	)

	// Store metrics
	StoreRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woudc_api_store_requests_total",
			Help: "Total number of document store requests",
		},
		[]string{"operation", "status"},
	)

	StoreRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "woudc_api_store_request_duration_seconds",
			Help:    "Duration of document store requests in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12), // 5ms to ~20s
		},
		[]string{"operation"},
	)

	// Process metrics
	ProcessExecutionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woudc_api_process_executions_total",
			Help: "Total number of process executions",
		},
		[]string{"process", "status"},
	)

	ProcessExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "woudc_api_process_execution_duration_seconds",
			Help:    "Duration of process executions in seconds",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
		[]string{"process"},
	)

	ValidationReportsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "woudc_api_validation_reports_total",
			Help: "Total number of extended CSV validation reports by outcome",
		},
		[]string{"passed"},
	)
)

// Middleware returns a chi middleware that records HTTP metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		HTTPRequestsInFlight.Inc()
		defer HTTPRequestsInFlight.Dec()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		// Use the route pattern if available, otherwise use the path
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			path = rctx.RoutePattern()
		}

		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(ww.Status())).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
	})
}

// status labels an outcome as "success" or its error kind.
func status(err error) string {
	if err == nil {
		return "success"
	}
	return apierr.KindOf(err).String()
}

// RecordStoreRequest records metrics for one search or aggregate call.
func RecordStoreRequest(operation string, duration time.Duration, err error) {
	StoreRequestsTotal.WithLabelValues(operation, status(err)).Inc()
	StoreRequestDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// RecordProcess records metrics for one process execution.
func RecordProcess(process string, duration time.Duration, err error) {
	ProcessExecutionsTotal.WithLabelValues(process, status(err)).Inc()
	ProcessExecutionDuration.WithLabelValues(process).Observe(duration.Seconds())
}

// RecordValidation counts a validation report by outcome.
func RecordValidation(passed bool) {
	ValidationReportsTotal.WithLabelValues(strconv.FormatBool(passed)).Inc()
}
