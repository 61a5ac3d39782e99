package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/flowpbx/calltrack/internal/api/middleware"
	"github.com/flowpbx/calltrack/internal/callback"
	"github.com/flowpbx/calltrack/internal/config"
	"github.com/flowpbx/calltrack/internal/database"
	"github.com/flowpbx/calltrack/internal/ingest"
	"github.com/flowpbx/calltrack/internal/live"
	"github.com/flowpbx/calltrack/internal/stats"
)

// DirectoryService exposes the size of the queue and user directory and
// reloads it from disk.
type DirectoryService interface {
	Len() (queues, users int)
	Reload() error
}

// Deps holds the engine components the HTTP layer serves. Directory, Hub,
// Metrics and Limiter are optional: a nil Hub disables the live route, a
// nil Metrics handler disables /metrics and a nil Limiter disables ingest
// rate limiting.
type Deps struct {
	DB        *database.DB
	Ingest    *ingest.Processor
	Callbacks *callback.Scheduler
	Stats     *stats.Aggregator
	Directory DirectoryService
	Hub       *live.Hub
	Metrics   http.Handler
	Limiter   *middleware.IPRateLimiter
	StartTime time.Time
	Logger    *slog.Logger
}

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	cfg       *config.Config
	db        *database.DB
	ingest    *ingest.Processor
	callbacks *callback.Scheduler
	stats     *stats.Aggregator
	directory DirectoryService
	hub       *live.Hub
	metrics   http.Handler
	limiter   *middleware.IPRateLimiter
	jwtSecret []byte
	startTime time.Time
	logger    *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted.
func NewServer(cfg *config.Config, deps Deps) (*Server, error) {
	secret, err := cfg.JWTSecretBytes()
	if err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	startTime := deps.StartTime
	if startTime.IsZero() {
		startTime = time.Now()
	}

	s := &Server{
		router:    chi.NewRouter(),
		cfg:       cfg,
		db:        deps.DB,
		ingest:    deps.Ingest,
		callbacks: deps.Callbacks,
		stats:     deps.Stats,
		directory: deps.Directory,
		hub:       deps.Hub,
		metrics:   deps.Metrics,
		limiter:   deps.Limiter,
		jwtSecret: secret,
		startTime: startTime,
		logger:    logger.With("subsystem", "api"),
	}

	s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// routes configures all middleware and mounts all route groups.
func (s *Server) routes() {
	r := s.router

	// Global middleware stack.
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.StructuredLogger(s.logger))
	r.Use(middleware.Recoverer(s.logger))
	r.Use(middleware.CORS(s.cfg.CORSOriginList()))

	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		// PBX integration, authenticated by the shared secret.
		r.Group(func(r chi.Router) {
			if s.limiter != nil {
				r.Use(middleware.RateLimit(s.limiter))
			}
			r.Use(middleware.RequireIngestSecret(s.cfg.IngestSecret))
			r.Post("/ingest/events", s.handleIngestEvents)
		})

		// Operator routes.
		r.Group(func(r chi.Router) {
			r.Use(middleware.RequireOperator(s.jwtSecret))

			r.Route("/calls", func(r chi.Router) {
				r.Get("/", s.handleListCalls)
				r.Get("/{id}", s.handleGetCall)
			})

			r.Get("/lookup", s.handleLookup)

			r.Route("/callbacks", func(r chi.Router) {
				r.Get("/", s.handleListCallbacks)
				r.Get("/{id}", s.handleGetCallback)
				r.Post("/{id}/outcome", s.handleCallbackOutcome)
			})

			r.Route("/stats", func(r chi.Router) {
				r.Get("/overview", s.handleStatsOverview)
				r.Get("/agents", s.handleStatsAgents)
				r.Get("/queues", s.handleStatsQueues)
			})

			r.Route("/system", func(r chi.Router) {
				r.Get("/status", s.handleSystemStatus)
				r.Post("/reload", s.handleSystemReload)
			})

			if s.hub != nil {
				r.Handle("/live", live.NewHandler(s.hub, s.cfg.CORSOriginList()))
			}
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	})

	s.logger.Info("api routes mounted")
}

// handleHealth returns basic health status. Unauthenticated.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.db != nil {
		if err := s.db.PingContext(r.Context()); err != nil {
			s.logger.Error("health: database ping failed", "error", err)
			writeError(w, http.StatusServiceUnavailable, "database unavailable")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
