package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/caseflow/internal/config"
	"github.com/pitabwire/caseflow/internal/observability"
	"github.com/pitabwire/caseflow/internal/workflow"
	"github.com/pitabwire/caseflow/model"
)

// AuditService is the slice of the workflow engine the audit routes read.
type AuditService interface {
	Instance(ctx context.Context, instanceID string) (model.WorkflowInstance, error)
	GetHistory(ctx context.Context, instanceID string) ([]model.HistoryEntry, error)
	QueryHistory(ctx context.Context, q workflow.HistoryQuery) ([]model.HistoryEntry, error)
	Tasks(ctx context.Context, q workflow.TaskQuery) ([]model.PendingTask, error)
	AvailableTriggers(ctx context.Context, instanceID string) ([]string, error)
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Audit     AuditService
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness and metrics skip request logging.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/healthz", observability.HandleHealth())
	r.Get("/readyz", observability.HandleReady(deps.Readiness))
	if deps.Gatherer != nil && deps.Config.Observability.Metrics.Enabled {
		r.Method(http.MethodGet, deps.Config.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	r.Route("/audit", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(BuildRequestContext)
		r.Use(InjectLogger(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging)
		if deps.Metrics != nil {
			r.Use(deps.Metrics.MetricsMiddleware)
		}

		h := &auditHandler{svc: deps.Audit}
		r.Get("/instances/{instanceId}", h.instance)
		r.Get("/instances/{instanceId}/history", h.instanceHistory)
		r.Get("/history", h.history)
		r.Get("/tasks", h.tasks)
	})

	return r
}
