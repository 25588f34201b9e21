package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sendgate/sendgate/internal/capacity"
	"github.com/sendgate/sendgate/internal/config"
	"github.com/sendgate/sendgate/internal/dispatch"
	"github.com/sendgate/sendgate/internal/store"
)

// Server is the HTTP API server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server

	identities *store.IdentityRepository
	campaigns  *store.CampaignRepository
	contacts   *store.ContactRepository
	scheduler  *dispatch.Scheduler
	ledger     *capacity.Ledger

	config    *config.APIConfig
	logger    *slog.Logger
	now       func() time.Time
	startTime time.Time
}

// NewServer creates a new API server
func NewServer(
	identities *store.IdentityRepository,
	campaigns *store.CampaignRepository,
	contacts *store.ContactRepository,
	scheduler *dispatch.Scheduler,
	ledger *capacity.Ledger,
	cfg *config.APIConfig,
	logger *slog.Logger,
) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		identities: identities,
		campaigns:  campaigns,
		contacts:   contacts,
		scheduler:  scheduler,
		ledger:     ledger,
		config:     cfg,
		logger:     logger.With("component", "api"),
		now:        time.Now,
		startTime:  time.Now(),
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the HTTP routes
func (s *Server) setupRoutes() {
	// Middleware
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	// Health check (no auth required)
	s.router.Get("/health", s.handleHealth)

	// API v1 routes (auth required)
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(s.authMiddleware)

		r.Route("/identities", func(r chi.Router) {
			r.Post("/", s.handleIdentityCreate)
			r.Get("/", s.handleIdentityList)
			r.Get("/{id}", s.handleIdentityGet)
			r.Get("/{id}/capacity", s.handleIdentityCapacity)
			r.Post("/{id}/suspend", s.handleIdentitySuspend)
		})

		r.Route("/campaigns", func(r chi.Router) {
			r.Post("/", s.handleCampaignCreate)
			r.Get("/", s.handleCampaignList)
			r.Get("/{id}", s.handleCampaignGet)
			r.Post("/{id}/contacts", s.handleCampaignAddContacts)
			r.Post("/{id}/schedule", s.handleCampaignSchedule)
			r.Post("/{id}/start", s.handleCampaignStart)
			r.Post("/{id}/pause", s.handleCampaignPause)
			r.Post("/{id}/resume", s.handleCampaignResume)
			r.Post("/{id}/cancel", s.handleCampaignCancel)
			r.Get("/{id}/progress", s.handleCampaignProgress)
			r.Get("/{id}/experiment", s.handleExperimentReport)
			r.Post("/{id}/winner", s.handleSelectWinner)
		})

		r.Post("/outcomes", s.handleOutcome)
	})
}

// Handler exposes the router for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP API server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP API server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
