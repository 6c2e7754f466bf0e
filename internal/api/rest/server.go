package rest

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/civicgov/audit-trail/internal/audit"
	"github.com/civicgov/audit-trail/internal/cache"
	"github.com/civicgov/audit-trail/internal/metrics"
)

// Config configures the HTTP server.
type Config struct {
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration

	// EnableAuth gates the audit surface behind bearer tokens. Disabled
	// only for local development.
	EnableAuth bool
	JWTSecret  []byte

	Version string
}

// DefaultConfig returns default HTTP server configuration. The write
// timeout is generous because exports stream unbounded result sets.
func DefaultConfig() Config {
	return Config{
		Port:         8080,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
		Version:      "1.0.0",
	}
}

// Dependencies are the audit components the server fronts. Recorder is the
// sole write path; everything else is a read-only consumer of the store.
type Dependencies struct {
	Recorder *audit.Recorder
	Queries  *audit.QueryEngine
	Verifier *audit.Verifier
	Exporter *audit.Exporter

	// StatsCache is optional; nil disables stats caching.
	StatsCache *cache.StatsCache

	// Metrics is optional; nil disables instrumentation.
	Metrics *metrics.Metrics
}

// Server is the audit trail's HTTP server.
type Server struct {
	deps          Dependencies
	router        *mux.Router
	httpServer    *http.Server
	logger        *zap.Logger
	config        Config
	authenticator *Authenticator
	startTime     time.Time
}

// New creates the HTTP server and registers all routes.
func New(cfg Config, deps Dependencies, logger *zap.Logger) (*Server, error) {
	if deps.Recorder == nil || deps.Queries == nil || deps.Verifier == nil || deps.Exporter == nil {
		return nil, fmt.Errorf("recorder, queries, verifier, and exporter are required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Server{
		deps:      deps,
		router:    mux.NewRouter(),
		logger:    logger,
		config:    cfg,
		startTime: time.Now(),
	}
	if cfg.EnableAuth {
		if len(cfg.JWTSecret) == 0 {
			return nil, fmt.Errorf("auth enabled without a JWT secret")
		}
		s.authenticator = NewAuthenticator(cfg.JWTSecret)
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func (s *Server) registerRoutes() {
	s.router.Use(requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.healthHandler).Methods("GET")
	if s.deps.Metrics != nil {
		s.router.Handle("/metrics", s.deps.Metrics.Handler()).Methods("GET")
	}

	v1 := s.router.PathPrefix("/v1/audit").Subrouter()

	// Producers append; reviewers read. Nothing updates or deletes.
	v1.HandleFunc("/events", s.requireRole([]string{"service", "admin"}, s.ingestHandler)).Methods("POST")
	v1.HandleFunc("/logs", s.requireRole([]string{"admin", "auditor"}, s.logsHandler)).Methods("GET")
	v1.HandleFunc("/stats", s.requireRole([]string{"admin", "auditor"}, s.statsHandler)).Methods("GET")
	v1.HandleFunc("/export", s.requireRole([]string{"admin", "auditor"}, s.exportHandler)).Methods("GET")
	v1.HandleFunc("/verify", s.requireRole([]string{"admin", "auditor"}, s.verifyHandler)).Methods("GET")
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.logger.Info("audit HTTP server starting",
		zap.Int("port", s.config.Port),
		zap.Bool("auth_enabled", s.config.EnableAuth),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("audit HTTP server shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "ok",
		"version":        s.config.Version,
		"uptime_seconds": int64(time.Since(s.startTime).Seconds()),
	})
}
