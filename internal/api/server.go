package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/opensource-finance/vigil/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)
	router.Use(RecoverMiddleware)
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware)
	router.Use(MetricsMiddleware(deps.Metrics))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))

	// Ops endpoints (no terminal required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)
	if deps.Gatherer != nil {
		router.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	} else {
		router.Handle("/metrics", promhttp.Handler())
	}

	// Capture routes (terminal required)
	router.Group(func(r chi.Router) {
		r.Use(TerminalMiddleware)

		r.Post("/sessions", handler.StartSession)
		r.Post("/sessions/quick", handler.QuickCheck)
		r.Post("/sessions/{id}/captures", handler.SubmitCapture)
		r.Post("/sessions/{id}/cancel", handler.CancelSession)

		r.Post("/signatures", handler.Sign)
	})

	router.Get("/sessions/{id}", handler.GetSession)
	router.Get("/signatures/{entityType}/{entityId}/{action}", handler.GetSignature)

	// Fraud scoring and review
	router.Route("/fraud", func(r chi.Router) {
		r.Post("/evaluate", handler.EvaluateFraud)
		r.Get("/decisions/{sessionId}", handler.GetDecision)
		r.Get("/decisions/{sessionId}/explain", handler.ExplainDecision)

		r.Get("/alerts", handler.ListAlerts)
		r.Get("/alerts/{id}", handler.GetAlert)
		r.Post("/alerts/{id}/resolve", handler.ResolveAlert)
		r.Get("/stats", handler.AlertStats)

		r.Get("/policy", handler.ActivePolicy)
		r.Get("/policies", handler.ListPolicies)
		r.Get("/policies/{version}", handler.GetPolicy)
		r.Post("/policies", handler.CreatePolicy)
	})

	// Audit ledger
	router.Route("/audit", func(r chi.Router) {
		r.Get("/sessions/{id}", handler.AuditBySession)
		r.Get("/terminals/{id}", handler.AuditByTerminal)
		r.Get("/verify", handler.VerifyChain)
		r.Get("/stats", handler.AuditStats)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
