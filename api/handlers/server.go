// Package handlers serves the HTTP API for datasets, sessions and questions.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/churnguard/lake/agent/pkg/executor"
	"github.com/churnguard/lake/agent/pkg/session"
	"github.com/churnguard/lake/agent/pkg/workflow"
	"github.com/churnguard/lake/api/audit"
	"github.com/churnguard/lake/api/metrics"
	"github.com/churnguard/lake/indexer/pkg/indexer"
)

// Compiler answers a question against a dataset.
type Compiler interface {
	CompileAndRun(ctx context.Context, sess *session.Session, question, datasetRef string) (*executor.Result, error)
}

// AuditLog lists recorded failures.
type AuditLog interface {
	Recent(ctx context.Context, f audit.Filter) ([]workflow.AuditEvent, error)
	CountByKind(ctx context.Context, since time.Time) (map[string]int64, error)
}

type Config struct {
	Logger   *slog.Logger
	Clock    clockwork.Clock
	Compiler Compiler
	Sessions *session.Store
	Indexer  *indexer.Indexer

	// Audit is nil when no audit database is configured.
	Audit AuditLog

	// AllowedOrigins for CORS. Empty allows none.
	AllowedOrigins []string

	// QueryRPS and QueryBurst bound questions per client IP.
	QueryRPS   float64
	QueryBurst int

	Version BuildVersion
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Compiler == nil {
		return errors.New("compiler is required")
	}
	if cfg.Sessions == nil {
		return errors.New("session store is required")
	}
	if cfg.Indexer == nil {
		return errors.New("indexer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.QueryRPS <= 0 {
		cfg.QueryRPS = 100.0 / 60
	}
	if cfg.QueryBurst <= 0 {
		cfg.QueryBurst = 20
	}
	return nil
}

// Server routes the HTTP API.
type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	limiter *RateLimiter
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:     cfg.Logger,
		cfg:     cfg,
		router:  chi.NewRouter(),
		limiter: NewRateLimiter(cfg.Clock, rate.Limit(cfg.QueryRPS), cfg.QueryBurst),
	}
	s.setupRoutes()
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Close stops background work owned by the server.
func (s *Server) Close() {
	s.limiter.Close()
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(metrics.Middleware)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/datasets", s.handleListDatasets)
		r.Post("/datasets", s.handleUploadDataset)
		r.Get("/datasets/{ref}/schema", s.handleGetSchema)

		r.Post("/sessions", s.handleCreateSession)
		r.Get("/sessions/{id}", s.handleGetSession)
		r.With(RateLimitMiddleware(s.limiter)).Post("/sessions/{id}/query", s.handleQuery)
		r.With(RateLimitMiddleware(s.limiter)).Post("/query", s.handleOneShotQuery)

		r.Get("/audit", s.handleListAudit)
		r.Get("/audit/summary", s.handleAuditSummary)
	})
}

func sessionIDParam(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	return id, err == nil
}
