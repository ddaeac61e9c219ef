package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets   = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	engineDurationBuckets = []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
)

// Metrics holds all Prometheus metric instruments for caseflow.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Workflow metrics
	WorkflowStartsTotal      *prometheus.CounterVec
	WorkflowTransitionsTotal *prometheus.CounterVec
	WorkflowRejectionsTotal  *prometheus.CounterVec
	WorkflowCompletionsTotal *prometheus.CounterVec
	WorkflowActiveInstances  *prometheus.GaugeVec
	WorkflowFireDuration     *prometheus.HistogramVec
	WorkflowConflictRetries  *prometheus.CounterVec
	TasksOpenedTotal         *prometheus.CounterVec

	// Collaborator metrics
	PersistenceFailuresTotal *prometheus.CounterVec
	NotificationsTotal       *prometheus.CounterVec
	NotifierBreakerState     *prometheus.GaugeVec

	// System metrics
	DefinitionsLoaded prometheus.Gauge
}

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),

		// Workflows
		WorkflowStartsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_starts_total",
			Help: "Total number of workflow instances started.",
		}, []string{"definition"}),
		WorkflowTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_transitions_total",
			Help: "Total number of fired triggers by outcome.",
		}, []string{"definition", "trigger", "outcome"}),
		WorkflowRejectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_rejections_total",
			Help: "Total number of rejected transitions by reason.",
		}, []string{"definition", "reason"}),
		WorkflowCompletionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_completions_total",
			Help: "Total number of workflow instances reaching a terminal status.",
		}, []string{"definition", "final_status"}),
		WorkflowActiveInstances: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_workflow_active_instances",
			Help: "Number of active workflow instances started by this process.",
		}, []string{"definition"}),
		WorkflowFireDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "caseflow_workflow_fire_duration_seconds",
			Help:    "Duration of the read-evaluate-write cycle for a fired trigger.",
			Buckets: engineDurationBuckets,
		}, []string{"definition"}),
		WorkflowConflictRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_workflow_conflict_retries_total",
			Help: "Total number of optimistic version conflicts that caused a retry.",
		}, []string{"operation"}),
		TasksOpenedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_tasks_opened_total",
			Help: "Total number of pending tasks opened.",
		}, []string{"definition", "step_id"}),

		// Collaborators
		PersistenceFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_persistence_failures_total",
			Help: "Total number of datastore operations that failed after retry.",
		}, []string{"operation"}),
		NotificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "caseflow_notifications_total",
			Help: "Total number of notifications dispatched by outcome.",
		}, []string{"template", "status"}),
		NotifierBreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "caseflow_notifier_circuit_breaker_state",
			Help: "Notifier circuit breaker state (0=closed, 1=half-open, 2=open).",
		}, []string{"notifier"}),

		// System
		DefinitionsLoaded: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "caseflow_definitions_loaded",
			Help: "Number of registered workflow definitions.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		// Workflows
		m.WorkflowStartsTotal,
		m.WorkflowTransitionsTotal,
		m.WorkflowRejectionsTotal,
		m.WorkflowCompletionsTotal,
		m.WorkflowActiveInstances,
		m.WorkflowFireDuration,
		m.WorkflowConflictRetries,
		m.TasksOpenedTotal,
		// Collaborators
		m.PersistenceFailuresTotal,
		m.NotificationsTotal,
		m.NotifierBreakerState,
		// System
		m.DefinitionsLoaded,
	)

	return m
}

// --- Recording helpers ---
//
// Every helper is safe to call on a nil *Metrics so library users that do
// not export metrics need not construct one.

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
}

// RecordWorkflowStart records a workflow start.
func (m *Metrics) RecordWorkflowStart(definition string) {
	if m == nil {
		return
	}
	m.WorkflowStartsTotal.WithLabelValues(definition).Inc()
	m.WorkflowActiveInstances.WithLabelValues(definition).Inc()
}

// RecordTransition records an accepted transition.
func (m *Metrics) RecordTransition(definition, trigger string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(definition, trigger, "accepted").Inc()
	m.WorkflowFireDuration.WithLabelValues(definition).Observe(duration.Seconds())
}

// RecordRejection records a rejected transition.
func (m *Metrics) RecordRejection(definition, trigger, reason string, duration time.Duration) {
	if m == nil {
		return
	}
	m.WorkflowTransitionsTotal.WithLabelValues(definition, trigger, "rejected").Inc()
	m.WorkflowRejectionsTotal.WithLabelValues(definition, reason).Inc()
	m.WorkflowFireDuration.WithLabelValues(definition).Observe(duration.Seconds())
}

// RecordWorkflowCompletion records an instance reaching completed or
// cancelled.
func (m *Metrics) RecordWorkflowCompletion(definition, finalStatus string) {
	if m == nil {
		return
	}
	m.WorkflowCompletionsTotal.WithLabelValues(definition, finalStatus).Inc()
	m.WorkflowActiveInstances.WithLabelValues(definition).Dec()
}

// RecordConflictRetry records a version conflict that triggered a retry.
func (m *Metrics) RecordConflictRetry(operation string) {
	if m == nil {
		return
	}
	m.WorkflowConflictRetries.WithLabelValues(operation).Inc()
}

// RecordTasksOpened records pending tasks opened on entering a step.
func (m *Metrics) RecordTasksOpened(definition, stepID string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.TasksOpenedTotal.WithLabelValues(definition, stepID).Add(float64(count))
}

// RecordPersistenceFailure records a datastore failure surfaced to a caller.
func (m *Metrics) RecordPersistenceFailure(operation string) {
	if m == nil {
		return
	}
	m.PersistenceFailuresTotal.WithLabelValues(operation).Inc()
}

// RecordNotification records a notification dispatch outcome.
func (m *Metrics) RecordNotification(template, status string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(template, status).Inc()
}

// SetNotifierBreakerState sets the breaker state for a notifier.
// State: 0=closed, 1=half-open, 2=open.
func (m *Metrics) SetNotifierBreakerState(notifier string, state float64) {
	if m == nil {
		return
	}
	m.NotifierBreakerState.WithLabelValues(notifier).Set(state)
}

// SetDefinitionsLoaded sets the number of registered definitions.
func (m *Metrics) SetDefinitionsLoaded(count float64) {
	if m == nil {
		return
	}
	m.DefinitionsLoaded.Set(count)
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := newStatusRecorder(w)

		next.ServeHTTP(rec, r)

		m.RecordHTTPRequest(r.Method, routePattern(r), rec.status, time.Since(start))
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := rctx.RoutePattern()
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status  int
	written bool
}

func newStatusRecorder(w http.ResponseWriter) *statusRecorder {
	return &statusRecorder{ResponseWriter: w, status: http.StatusOK}
}

func (w *statusRecorder) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusRecorder) Write(b []byte) (int, error) {
	w.written = true
	return w.ResponseWriter.Write(b)
}
