package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Scheduler metrics
	TasksSubmittedTotal *prometheus.CounterVec
	TasksRejectedTotal  *prometheus.CounterVec
	TasksCompletedTotal *prometheus.CounterVec
	TaskDuration        *prometheus.HistogramVec
	TaskQueueWait       *prometheus.HistogramVec
	QueueDepth          *prometheus.GaugeVec
	TasksInFlight       prometheus.Gauge

	// Sandbox metrics
	HostCallsTotal   *prometheus.CounterVec
	GuardAbortsTotal *prometheus.CounterVec
	InstancesCreated *prometheus.CounterVec
	InstancesDropped *prometheus.CounterVec

	// Registry metrics
	PluginsLoaded      prometheus.Gauge
	PluginLoadsTotal   *prometheus.CounterVec
	PluginReloadsTotal *prometheus.CounterVec
	PluginsDisabled    prometheus.Gauge

	// Engine metrics
	EventsProcessedTotal *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksSubmittedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_tasks_submitted_total",
				Help: "Total number of tasks accepted by the scheduler",
			},
			[]string{"priority"},
		),
		TasksRejectedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_tasks_rejected_total",
				Help: "Total number of tasks refused because a queue was full",
			},
			[]string{"priority"},
		),
		TasksCompletedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_tasks_completed_total",
				Help: "Total number of tasks reaching a terminal state",
			},
			[]string{"plugin", "priority", "state"},
		),
		TaskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zenith_task_duration_seconds",
				Help:    "Plugin call duration in seconds",
				Buckets: []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1},
			},
			[]string{"plugin"},
		),
		TaskQueueWait: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zenith_task_queue_wait_seconds",
				Help:    "Time between enqueue and admission in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"priority"},
		),
		QueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "zenith_queue_depth",
				Help: "Number of enqueued tasks per priority",
			},
			[]string{"priority"},
		),
		TasksInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zenith_tasks_in_flight",
				Help: "Number of tasks holding an execution slot",
			},
		),

		HostCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_host_calls_total",
				Help: "Total number of host calls made by plugins",
			},
			[]string{"function", "outcome"},
		),
		GuardAbortsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_guard_aborts_total",
				Help: "Total number of calls aborted by the sandbox guard",
			},
			[]string{"plugin", "reason"},
		),
		InstancesCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_vm_instances_created_total",
				Help: "Total number of VM instances created",
			},
			[]string{"plugin"},
		),
		InstancesDropped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_vm_instances_dropped_total",
				Help: "Total number of VM instances discarded after a trap or abort",
			},
			[]string{"plugin"},
		),

		PluginsLoaded: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zenith_plugins_loaded",
				Help: "Number of published plugins",
			},
		),
		PluginLoadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_plugin_loads_total",
				Help: "Total number of plugin load attempts",
			},
			[]string{"status"},
		),
		PluginReloadsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_plugin_reloads_total",
				Help: "Total number of hot reloads triggered by the watcher",
			},
			[]string{"status"},
		),
		PluginsDisabled: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "zenith_plugins_disabled",
				Help: "Number of plugins disabled by the circuit breaker",
			},
		),

		EventsProcessedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_events_processed_total",
				Help: "Total number of events processed per verdict",
			},
			[]string{"verdict"},
		),

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "zenith_http_requests_total",
				Help: "Total number of admin API requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "zenith_http_request_duration_seconds",
				Help:    "Admin API request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	registry.MustRegister(
		m.TasksSubmittedTotal,
		m.TasksRejectedTotal,
		m.TasksCompletedTotal,
		m.TaskDuration,
		m.TaskQueueWait,
		m.QueueDepth,
		m.TasksInFlight,
		m.HostCallsTotal,
		m.GuardAbortsTotal,
		m.InstancesCreated,
		m.InstancesDropped,
		m.PluginsLoaded,
		m.PluginLoadsTotal,
		m.PluginReloadsTotal,
		m.PluginsDisabled,
		m.EventsProcessedTotal,
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
	)

	return m
}

// ObserveHostCall is a hostcall observer that counts calls by outcome
func (m *Metrics) ObserveHostCall(function, outcome string) {
	m.HostCallsTotal.WithLabelValues(function, outcome).Inc()
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics.
// pathLabel maps a request to a bounded label, usually the route template.
func HTTPMetricsMiddleware(metrics *Metrics, pathLabel func(*http.Request) string) func(http.Handler) http.Handler {
	if pathLabel == nil {
		pathLabel = func(r *http.Request) string { return r.URL.Path }
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			path := pathLabel(r)
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler returns the /metrics handler for registry
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
