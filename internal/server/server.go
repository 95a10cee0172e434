package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/endharassment/surveillance-reports/internal/report"
	"github.com/endharassment/surveillance-reports/internal/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Config holds server configuration.
type Config struct {
	// SessionSecret signs CSRF tokens.
	SessionSecret string
	// TrustProxy makes the server take the client address from
	// X-Forwarded-For / X-Real-IP. Enable only behind a reverse proxy.
	TrustProxy bool
	RateLimits RateLimiterConfig
}

// Deps are the collaborators the HTTP API is built on.
type Deps struct {
	Store       store.Store
	Reports     *report.Service
	Authorities report.AuthorityResolver
	// Registry receives the HTTP metrics and is served at /metrics.
	Registry *prometheus.Registry
	Logger   *slog.Logger
}

// Server is the JSON HTTP API of the complaint service.
type Server struct {
	config      Config
	store       store.Store
	reports     *report.Service
	authorities report.AuthorityResolver
	registry    *prometheus.Registry
	metrics     *Metrics
	rl          *RateLimiter
	router      chi.Router
	logger      *slog.Logger
	now         func() time.Time
}

// NewServer creates a new Server. Call Stop to release its resources.
func NewServer(cfg Config, deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Registry == nil {
		deps.Registry = prometheus.NewRegistry()
	}
	srv := &Server{
		config:      cfg,
		store:       deps.Store,
		reports:     deps.Reports,
		authorities: deps.Authorities,
		registry:    deps.Registry,
		metrics:     NewMetrics(deps.Registry),
		rl:          NewRateLimiter(cfg.RateLimits),
		logger:      deps.Logger,
		now:         time.Now,
	}
	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	if s.config.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger, s.metrics))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware)

	// Unauthenticated health and metrics endpoints.
	r.Get("/healthz", s.HandleHealth)
	r.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.Use(IPRateLimitMiddleware(s.rl, s.metrics))
		r.Use(CSRFMiddleware([]byte(s.config.SessionSecret)))
		r.Use(s.SessionMiddleware)
		r.Use(RequireAuth)

		r.Post("/auth/logout", s.HandleLogout)

		r.Route("/reports", func(r chi.Router) {
			r.Post("/", s.HandleCreateReport)
			r.Get("/", s.HandleListReports)
			r.Route("/{reportID}", func(r chi.Router) {
				r.Get("/", s.HandleGetReport)
				r.Patch("/", s.HandleUpdateReport)
				r.Delete("/", s.HandleDeleteReport)
				r.Put("/location", s.HandleSetLocation)
				r.Put("/postal-code", s.HandleSetPostalCode)
				r.Get("/nearby", s.HandleNearby)
				r.Post("/evidence", s.HandleUploadEvidence)
				r.With(SubmitRateLimitMiddleware(s.rl, s.metrics)).Post("/submit", s.HandleSubmit)
			})
		})

		r.Get("/authorities/{postalCode}", s.HandleGetAuthority)

		r.Route("/admin", func(r chi.Router) {
			r.Use(RequireAdmin)
			r.Get("/reports/{reportID}", s.HandleAdminGetReport)
			r.Post("/reports/{reportID}/status", s.HandleAdminTransition)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusNotFound, codeNotFound, "no such endpoint")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSONError(w, http.StatusMethodNotAllowed, codeBadRequest, "method not allowed")
	})
	return r
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Stop cleans up server resources.
func (s *Server) Stop() {
	s.rl.Stop()
}

// HandleHealth reports whether the database is reachable.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if p, ok := s.store.(interface{ Ping(context.Context) error }); ok {
		if err := p.Ping(r.Context()); err != nil {
			s.logger.Error("health check", "error", err)
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
