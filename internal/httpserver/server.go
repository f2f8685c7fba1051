package httpserver

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/wisbric/gateway/internal/config"
)

// ComponentStatus reports the health of the gateway's subsystems, per
// spec.md §6's GET /health contract.
type ComponentStatus struct {
	KV    string `json:"kv"`    // ok | degraded
	DB    string `json:"db"`    // ok | degraded
	Bloom string `json:"bloom"` // ok | disabled
}

// Overall reports "healthy" only if KV and DB are both "ok"; a disabled
// bloom filter on its own does not make the gateway "degraded".
func (c ComponentStatus) Overall() string {
	if c.KV == "ok" && c.DB == "ok" && (c.Bloom == "ok" || c.Bloom == "disabled") {
		return "healthy"
	}
	return "degraded"
}

// HealthChecker reports the live status of the gateway's dependencies.
type HealthChecker interface {
	Health(r *http.Request) ComponentStatus
}

// JSONCounters reports a flat snapshot of counters for the GET /metrics
// JSON surface (spec.md §6), independent of the Prometheus registry exposed
// at /metrics/prom.
type JSONCounters interface {
	Counters() map[string]int64
}

// Server holds the gateway's own HTTP surface: the proxy entrypoint plus
// health and metrics endpoints. The proxy handler itself (the pipeline) is
// supplied by the caller and mounted at /g/{route}/{path...}.
type Server struct {
	Router    *chi.Mux
	Logger    *slog.Logger
	Metrics   *prometheus.Registry
	health    HealthChecker
	counters  JSONCounters
	startedAt time.Time
}

// NewServer builds the gateway's router: global middleware, health/metrics
// endpoints, and the proxy surface mounted on proxyHandler.
func NewServer(cfg *config.Config, logger *slog.Logger, metricsReg *prometheus.Registry, health HealthChecker, counters JSONCounters, proxyHandler http.Handler) *Server {
	s := &Server{
		Router:    chi.NewRouter(),
		Logger:    logger,
		Metrics:   metricsReg,
		health:    health,
		counters:  counters,
		startedAt: time.Now(),
	}

	s.Router.Use(RequestID)
	s.Router.Use(Logger(logger))
	s.Router.Use(Metrics)
	s.Router.Use(middleware.Recoverer)
	s.Router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSAllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-API-Key", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "X-Cache", "Age", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	s.Router.Get("/health", s.handleHealth)
	s.Router.Get("/metrics", s.handleMetricsJSON)
	s.Router.Handle("/metrics/prom", promhttp.HandlerFor(metricsReg, promhttp.HandlerOpts{}))

	// Gateway proxy surface: ANY /g/{route_name}/{path...} (spec.md §6).
	s.Router.Handle("/g/{route}/*", proxyHandler)
	s.Router.Handle("/g/{route}", proxyHandler)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Router.ServeHTTP(w, r)
}

// healthResponse is the JSON shape returned by GET /health.
type healthResponse struct {
	Status     string          `json:"status"`
	Components ComponentStatus `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components := s.health.Health(r)
	resp := healthResponse{
		Status:     components.Overall(),
		Components: components,
	}

	status := http.StatusOK
	if resp.Status != "healthy" {
		status = http.StatusOK // degraded is still a 200: the gateway is up, just running without some optional subsystem
	}
	Respond(w, status, resp)
}

func (s *Server) handleMetricsJSON(w http.ResponseWriter, _ *http.Request) {
	Respond(w, http.StatusOK, s.counters.Counters())
}
