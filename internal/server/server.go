package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/routegate/internal/domain"
	"github.com/alanyoungcy/routegate/internal/server/handler"
	"github.com/alanyoungcy/routegate/internal/server/middleware"
	"github.com/alanyoungcy/routegate/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port            int
	CORSOrigins     []string
	RateLimitPerMin int
}

// Handlers aggregates the HTTP handlers that the server registers.
type Handlers struct {
	Health        *handler.HealthHandler
	Status        *handler.StatusHandler
	Policy        *handler.PolicyHandler
	Governance    *handler.GovernanceHandler
	Opportunities *handler.OpportunityHandler
}

// Server is the HTTP + WebSocket control surface for the gate: policy reads,
// governance proposals, circuit reset, and the audit event stream.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (auth, rate limiting, logging, CORS) wired around it.
// limiter may be nil, in which case rate limiting is disabled.
func NewServer(cfg Config, handlers Handlers, tokens *middleware.TokenTable, limiter domain.RateLimiter, wsHub *ws.Hub, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.Health.HealthCheck)
	mux.HandleFunc("GET /api/v1/status", handlers.Status.GetStatus)

	// Policy reads plus the guardian circuit reset.
	mux.HandleFunc("GET /api/v1/limits/{asset}", handlers.Policy.GetLimits)
	mux.HandleFunc("GET /api/v1/oracle/{asset}", handlers.Policy.GetOracle)
	mux.HandleFunc("GET /api/v1/circuit", handlers.Policy.GetCircuit)
	mux.HandleFunc("POST /api/v1/circuit/reset", handlers.Policy.ResetCircuit)

	// Governance proposal lifecycle.
	mux.HandleFunc("POST /api/v1/proposals", handlers.Governance.CreateProposal)
	mux.HandleFunc("GET /api/v1/proposals", handlers.Governance.ListProposals)
	mux.HandleFunc("GET /api/v1/proposals/{id}", handlers.Governance.GetProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/execute", handlers.Governance.ExecuteProposal)
	mux.HandleFunc("POST /api/v1/proposals/{id}/cancel", handlers.Governance.CancelProposal)

	// Evaluated opportunity history.
	mux.HandleFunc("GET /api/v1/opportunities", handlers.Opportunities.ListRecent)

	// Audit event stream.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	var h http.Handler = mux
	h = middleware.Auth(tokens)(h)
	if limiter != nil && cfg.RateLimitPerMin > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimitPerMin, time.Minute)(h)
	}
	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
