package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/orderdesk/pkg/httputil"
	"github.com/platinummonkey/orderdesk/pkg/middleware"
	"github.com/platinummonkey/orderdesk/pkg/observability"
)

// Deps wires the API to its services. Realtime, Health, Registry,
// RateLimit and Metrics are optional.
type Deps struct {
	Orders        OrderService
	Notifications NotificationService
	Config        ConfigStore
	Users         UserStore
	Authz         Authorizer

	Actors    *middleware.ActorMiddleware
	RateLimit *middleware.RateLimitMiddleware
	Realtime  http.Handler
	Health    *observability.HealthChecker
	Registry  *prometheus.Registry
	Metrics   *observability.Metrics

	AllowedOrigins []string
	MaxBodyBytes   int64
	Logger         *observability.Logger
}

// Server is the orderdesk HTTP surface
type Server struct {
	router  *mux.Router
	handler http.Handler
	logger  *observability.Logger
}

// NewServer builds the router:
//
//	/health/live, /health/ready   probes, no actor
//	/metrics                      Prometheus exposition
//	/ws                           realtime gateway, actor required
//	/api/...                      actor required, rate limited
func NewServer(deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = observability.NewNopLogger()
	}
	if deps.MaxBodyBytes <= 0 {
		deps.MaxBodyBytes = 1 << 20
	}
	if deps.Actors == nil {
		deps.Actors = middleware.NewActorMiddleware(nil, false, logger)
	}

	router := mux.NewRouter()
	router.Use(observability.HTTPMetricsMiddleware(deps.Metrics, routeTemplate))

	if deps.Health != nil {
		router.HandleFunc("/health/live", deps.Health.Liveness).Methods("GET")
		router.HandleFunc("/health/ready", deps.Health.Readiness).Methods("GET")
	}
	if deps.Registry != nil {
		router.Handle("/metrics", observability.MetricsHandler(deps.Registry)).Methods("GET")
	}
	if deps.Realtime != nil {
		router.Handle("/ws", deps.Actors.Handler(deps.Realtime)).Methods("GET")
	}

	apiRouter := router.PathPrefix("/api").Subrouter()
	apiRouter.Use(deps.Actors.Handler)
	if deps.RateLimit != nil {
		apiRouter.Use(deps.RateLimit.Handler)
	}
	apiRouter.Use(middleware.RequireActor)

	NewOrderHandlers(deps.Orders).RegisterRoutes(apiRouter)
	NewNotificationHandlers(deps.Notifications).RegisterRoutes(apiRouter)
	NewConfigHandlers(deps.Config, deps.Authz).RegisterRoutes(apiRouter)
	NewUserHandlers(deps.Users, deps.Authz).RegisterRoutes(apiRouter)

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteDetailedError(w, http.StatusNotFound, CodeNotFound, "route not found", nil)
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httputil.WriteErrorMessage(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	handler := httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.RecoveryMiddleware(logger),
		httputil.LoggingMiddleware(logger),
		httputil.CORSMiddleware(deps.AllowedOrigins),
		httputil.MaxBytesMiddleware(deps.MaxBodyBytes),
	)(router)

	return &Server{
		router:  router,
		handler: otelhttp.NewHandler(handler, "orderdesk.http"),
		logger:  logger,
	}
}

// Handler returns the fully wrapped HTTP handler
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Router exposes the underlying router for tests and extra routes
func (s *Server) Router() *mux.Router {
	return s.router
}

// routeTemplate labels metrics with the matched route instead of the raw
// path so IDs don't explode label cardinality
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}
