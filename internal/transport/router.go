package transport

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/flowcore/internal/config"
	"github.com/pitabwire/flowcore/internal/observability"
	"github.com/pitabwire/flowcore/internal/sla"
	"github.com/pitabwire/flowcore/internal/trigger"
	"github.com/pitabwire/flowcore/model"
)

// EventSink accepts domain events.
type EventSink interface {
	Dispatch(ctx context.Context, evt model.DomainEvent) error
}

// RuntimeEventSink accepts callbacks from the process runtime.
type RuntimeEventSink interface {
	HandleRuntimeEvent(ctx context.Context, evt model.RuntimeEvent) error
}

// TriggerService manages trigger definitions and receives webhooks.
type TriggerService interface {
	Create(ctx context.Context, workspaceID string, req trigger.CreateRequest) (model.TriggerDefinition, error)
	Get(ctx context.Context, workspaceID, id string) (model.TriggerDefinition, error)
	SetActive(ctx context.Context, workspaceID, id string, active bool) (model.TriggerDefinition, error)
	Delete(ctx context.Context, workspaceID, id string) error
	HandleWebhook(ctx context.Context, workspaceID, triggerID string, body []byte, signature, deliveryID string) (trigger.Fire, error)
}

// SlaService exposes SLA status and manual pause control.
type SlaService interface {
	Status(ctx context.Context, workspaceID, targetType, targetID string) ([]sla.View, error)
	Pause(ctx context.Context, workspaceID, instanceID, reason string) (model.SlaInstance, error)
	Resume(ctx context.Context, workspaceID, instanceID string) (model.SlaInstance, error)
}

// TaskService exposes the human task operations.
type TaskService interface {
	Get(ctx context.Context, rctx *model.RequestContext, taskID string) (model.TaskInstance, error)
	Claim(ctx context.Context, rctx *model.RequestContext, taskID string) (model.TaskInstance, error)
	BatchClaim(ctx context.Context, rctx *model.RequestContext, taskIDs []string) ([]model.BatchClaimResult, error)
	Delegate(ctx context.Context, rctx *model.RequestContext, taskID, toUserID string) (model.TaskInstance, error)
	Complete(ctx context.Context, rctx *model.RequestContext, taskID string, formData map[string]any) (model.TaskInstance, error)
	AddComment(ctx context.Context, rctx *model.RequestContext, taskID, content string) (model.TaskInstance, error)
}

// DecisionService evaluates decision tables by ID.
type DecisionService interface {
	EvaluateByID(ctx context.Context, workspaceID, tableID string, row map[string]any) (*model.DecisionResult, error)
}

// NotificationSource streams a workspace's notifications.
type NotificationSource interface {
	Subscribe(workspaceID string) (<-chan model.Notification, func())
}

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config       *config.Config
	Logger       *zap.Logger
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Authenticate func(http.Handler) http.Handler
	Readiness    observability.ReadinessChecks

	Events        EventSink
	Runtime       RuntimeEventSink
	Triggers      TriggerService
	SLA           SlaService
	Tasks         TaskService
	Decisions     DecisionService
	Notifications NotificationSource
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, metrics, and webhook endpoints
// bypass bearer authentication.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(CORS(deps.Config.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if deps.Config.Observability.Metrics.Enabled {
		metricsPath := deps.Config.Observability.Metrics.Path
		if metricsPath == "" {
			metricsPath = "/metrics"
		}
		if deps.Gatherer != nil {
			r.Method(http.MethodGet, metricsPath, observability.HandlerFor(deps.Gatherer))
		} else {
			r.Method(http.MethodGet, metricsPath, observability.Handler())
		}
	}

	// Webhooks authenticate by signature, not bearer token.
	r.Group(func(r chi.Router) {
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))
		r.Use(RequestLogging(logger))
		r.Post("/v1/webhooks/{workspaceId}/{triggerId}", handleWebhook(deps.Triggers))
	})

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(deps.Config.Identity.ClaimPaths))
		r.Use(RequestLogging(logger))

		// Runtime callbacks come from a service identity without a workspace.
		r.With(HandlerTimeout(deps.Config.Server.HandlerTimeout)).
			Post("/v1/runtime/events", handleRuntimeEvent(deps.Runtime))

		r.Group(func(r chi.Router) {
			r.Use(RequireWorkspace)

			// The stream outlives the handler timeout.
			r.Get("/v1/notifications/stream", handleNotificationStream(deps.Notifications, logger))

			r.Group(func(r chi.Router) {
				r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

				r.Post("/v1/events", handleEvent(deps.Events))

				r.Post("/v1/triggers", handleTriggerCreate(deps.Triggers))
				r.Get("/v1/triggers/{id}", handleTriggerGet(deps.Triggers))
				r.Patch("/v1/triggers/{id}", handleTriggerUpdate(deps.Triggers))
				r.Delete("/v1/triggers/{id}", handleTriggerDelete(deps.Triggers))

				r.Get("/v1/sla/{targetType}/{targetId}", handleSlaStatus(deps.SLA))
				r.Post("/v1/sla/{instanceId}/pause", handleSlaPause(deps.SLA))
				r.Post("/v1/sla/{instanceId}/resume", handleSlaResume(deps.SLA))

				r.Post("/v1/tasks/batch-claim", handleTaskBatchClaim(deps.Tasks))
				r.Get("/v1/tasks/{taskId}", handleTaskGet(deps.Tasks))
				r.Post("/v1/tasks/{taskId}/claim", handleTaskClaim(deps.Tasks))
				r.Post("/v1/tasks/{taskId}/delegate", handleTaskDelegate(deps.Tasks))
				r.Post("/v1/tasks/{taskId}/complete", handleTaskComplete(deps.Tasks))
				r.Post("/v1/tasks/{taskId}/comments", handleTaskComment(deps.Tasks))

				r.Post("/v1/decisions/{tableId}/evaluate", handleDecisionEvaluate(deps.Decisions))
			})
		})
	})

	return r
}
