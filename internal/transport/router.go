package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/hoa/internal/config"
	"github.com/pitabwire/hoa/internal/observability"
	"github.com/pitabwire/hoa/model"
)

// Dependencies holds everything the HTTP layer needs.
type Dependencies struct {
	Config             *config.Config
	Logger             *zap.Logger
	Metrics            *observability.Metrics
	Gatherer           prometheus.Gatherer
	Authenticate       func(http.Handler) http.Handler
	CapabilityResolver model.CapabilityResolver
	Admin              AdminService
	Runtime            RuntimeService
	Readiness          observability.ReadinessChecks
}

// NewRouter builds the chi router. Health, readiness and metrics bypass
// authentication; every other route runs the full middleware chain and a
// per-route capability check.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := deps.Config
	if cfg == nil {
		cfg = config.Defaults()
	}

	r := chi.NewRouter()

	r.Use(Recovery(logger))
	r.Use(observability.TracingMiddleware)
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled {
		path := cfg.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	admin := &adminHandlers{svc: deps.Admin, logger: logger}
	runtime := &runtimeHandlers{svc: deps.Runtime, logger: logger}

	r.Group(func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContextMiddleware(cfg.Identity.ClaimPaths))
		r.Use(ResolveCapabilities(deps.CapabilityResolver, logger))
		r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))
		r.Use(MaxBody(cfg.Server.MaxBodyBytes))
		r.Use(RequestLogging(logger))
		r.Use(deps.Metrics.MetricsMiddleware)

		r.Route("/admin/workflows", func(r chi.Router) {
			r.With(RequireCapability(model.CapWorkflowsView)).Get("/", admin.list)
			r.With(RequireCapability(model.CapWorkflowsView)).Get("/{workflowKey}", admin.get)
			r.With(RequireCapability(model.CapWorkflowsEdit)).Put("/{workflowKey}/overrides", admin.putOverrides)
		})

		r.Route("/workflows/{workflowKey}", func(r chi.Router) {
			r.Use(RequireCapability(model.CapWorkflowsRuntime))
			r.Get("/effective", runtime.effective)
			r.Post("/transitions/check", runtime.checkTransition)
			r.Post("/notifications/match", runtime.matchNotifications)
		})
	})

	return r
}
