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

	TasksCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_created_total",
			Help: "Total number of tasks created, by task name",
		},
		[]string{"name"},
	)
	TasksTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tasks_terminal_total",
			Help: "Total number of tasks reaching a terminal state",
		},
		[]string{"name", "status"},
	)
	DeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "task_deliveries_total",
			Help: "Delivery attempts by outcome (delivered, rejected, retryable, undeliverable, unroutable)",
		},
		[]string{"outcome"},
	)
	DeliveryDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "task_delivery_duration_seconds",
			Help:    "Duration of worker delivery POSTs",
			Buckets: []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30},
		},
	)
	TasksReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tasks_reaped_total",
			Help: "Processing tasks failed by the worker-timeout reaper",
		},
	)
	ConsumersReady = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "consumers_ready",
			Help: "Number of consumers currently marked ready",
		},
	)

	PipelineRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_runs_total",
			Help: "Index pipeline runs by outcome",
		},
		[]string{"outcome"},
	)
	PipelineStepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pipeline_steps_total",
			Help: "Pipeline step executions by step and outcome",
		},
		[]string{"step", "outcome"},
	)
	PipelineStepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "pipeline_step_duration_seconds",
			Help:    "Wall-clock duration of pipeline steps",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 60, 300, 900, 1800},
		},
		[]string{"step"},
	)
)

// InitMetrics registers all Prometheus collectors once per process.
func InitMetrics() {
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
	prometheus.MustRegister(TasksCreatedTotal)
	prometheus.MustRegister(TasksTerminalTotal)
	prometheus.MustRegister(DeliveriesTotal)
	prometheus.MustRegister(DeliveryDuration)
	prometheus.MustRegister(TasksReapedTotal)
	prometheus.MustRegister(ConsumersReady)
	prometheus.MustRegister(PipelineRunsTotal)
	prometheus.MustRegister(PipelineStepsTotal)
	prometheus.MustRegister(PipelineStepDuration)
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
			route = r.URL.Path
		}
		method := r.Method
		status := ww.Status()
		HTTPRequestsTotal.WithLabelValues(route, method, http.StatusText(status)).Inc()
		HTTPRequestDuration.WithLabelValues(route, method).Observe(dur)
	})
}
