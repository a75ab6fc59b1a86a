package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/zenith/pkg/httputil"
	"github.com/platinummonkey/zenith/pkg/observability"
)

// DefaultMaxUploadBytes bounds plugin uploads when no limit is configured.
const DefaultMaxUploadBytes = 16 << 20

// ServerOption configures a Server.
type ServerOption func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *observability.Logger) ServerOption {
	return func(s *Server) { s.logger = l }
}

// WithMetrics instruments routes and serves /metrics from registry.
func WithMetrics(m *observability.Metrics, registry *prometheus.Registry) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.registry = registry
	}
}

// WithHealthChecker serves the health endpoints from checker.
func WithHealthChecker(checker *observability.HealthChecker) ServerOption {
	return func(s *Server) { s.health = checker }
}

// WithMaxUploadBytes bounds the size of uploaded plugins.
func WithMaxUploadBytes(n int64) ServerOption {
	return func(s *Server) { s.maxUpload = n }
}

// WithRateLimiter limits /api/v1 requests per client.
func WithRateLimiter(rl *httputil.RateLimiter) ServerOption {
	return func(s *Server) { s.limiter = rl }
}

// WithTracing wraps the handler in OpenTelemetry HTTP instrumentation.
func WithTracing() ServerOption {
	return func(s *Server) { s.tracing = true }
}

// Server represents our API server
type Server struct {
	runtime   Runtime
	router    *mux.Router
	handler   http.Handler
	logger    *observability.Logger
	metrics   *observability.Metrics
	registry  *prometheus.Registry
	health    *observability.HealthChecker
	maxUpload int64
	limiter   *httputil.RateLimiter
	tracing   bool
}

// NewServer creates a new API server for runtime
func NewServer(runtime Runtime, opts ...ServerOption) *Server {
	s := &Server{
		runtime:   runtime,
		router:    mux.NewRouter(),
		maxUpload: DefaultMaxUploadBytes,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = observability.NewNopLogger()
	}
	if s.health == nil {
		s.health = observability.NewHealthChecker(nil, nil)
	}

	s.setupRoutes()

	var handler http.Handler = s.router
	if s.tracing {
		handler = otelhttp.NewHandler(handler, "zenith.admin")
	}
	s.handler = httputil.Chain(
		httputil.RequestIDMiddleware,
		httputil.LoggingMiddleware(s.logger),
		httputil.RecoveryMiddleware(s.logger),
	)(handler)
	return s
}

// setupRoutes configures all the API routes
func (s *Server) setupRoutes() {
	if s.metrics != nil {
		s.router.Use(observability.HTTPMetricsMiddleware(s.metrics, routeTemplate))
	}

	v1 := s.router.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		v1.Use(s.limiter.Middleware)
	}
	v1.HandleFunc("/stats", s.getStats).Methods(http.MethodGet)

	v1.HandleFunc("/plugins", s.listPlugins).Methods(http.MethodGet)
	v1.HandleFunc("/plugins", s.loadPlugin).Methods(http.MethodPost)
	v1.HandleFunc("/plugins/{name}", s.getPlugin).Methods(http.MethodGet)
	v1.HandleFunc("/plugins/{name}", s.unloadPlugin).Methods(http.MethodDelete)

	v1.HandleFunc("/events", s.submitEvent).Methods(http.MethodPost)

	observability.RegisterHealthRoutes(s.router, s.health)
	if s.registry != nil {
		s.router.Handle("/metrics", observability.MetricsHandler(s.registry)).Methods(http.MethodGet)
	}
}

// routeTemplate labels metrics by route so plugin names stay out of them.
func routeTemplate(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "unmatched"
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}
