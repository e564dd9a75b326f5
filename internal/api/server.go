package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/merchantops/refundgate/internal/domain"
	"github.com/merchantops/refundgate/internal/refund"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, svc *refund.Service, repo domain.Repository, cache domain.Cache, version string) *Server {
	handler := NewHandler(svc, repo, cache, version)
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware)         // CORS for browser clients
	router.Use(RecoverMiddleware)      // Recover from panics
	router.Use(TracingMiddleware)      // OpenTelemetry tracing
	router.Use(LoggingMiddleware)      // Request logging
	router.Use(middleware.RealIP)      // Extract real IP
	router.Use(middleware.Compress(5)) // Gzip compression

	// Health endpoints (no tenant required)
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// API routes (tenant and actor required)
	router.Route("/", func(r chi.Router) {
		r.Use(TenantMiddleware)
		r.Use(ActorMiddleware)

		// Refund pipeline
		r.Post("/refunds", handler.ExecuteRefund)
		r.Post("/refunds/evaluate", handler.EvaluateRefund)
		r.Post("/refunds/preview-batch", handler.PreviewBatch)

		// Ruleset management
		r.Get("/rulesets/active", handler.GetActiveRuleSet)
		r.Post("/rulesets", handler.PublishRuleSet)
		r.Delete("/rulesets/active", handler.DeactivateRuleSet)
		r.Get("/rulesets/versions", handler.ListRuleSetVersions)

		// Supervisor approvals
		r.Get("/approvals", handler.ListApprovals)
		r.Get("/approvals/{id}", handler.GetApproval)
		r.Post("/approvals/{id}/approve", handler.ApproveRefund)
		r.Post("/approvals/{id}/deny", handler.DenyRefund)

		// Refund ledger
		r.Get("/ledger/{customerKey}", handler.GetLedgerEntry)
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
