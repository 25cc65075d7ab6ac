// Package server exposes the broker over a JSON REST API.
package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/me/taskbroker/internal/config"
	"github.com/me/taskbroker/internal/cost"
	"github.com/me/taskbroker/internal/scheduler"
	"github.com/me/taskbroker/pkg/model"
)

// Submitter accepts new work items. The supervisor queues them; the direct
// dispatcher also starts processing right away.
type Submitter interface {
	Submit(ctx context.Context, req model.SubmitRequest) (*model.WorkItem, error)
}

// Providers lists the provider catalog with live health.
type Providers interface {
	List() []model.Provider
}

// Budget reports spend against limits.
type Budget interface {
	Summary(ownerID string) cost.Summary
}

// Server is the broker REST API server.
type Server struct {
	router      chi.Router
	logger      *slog.Logger
	config      config.ServerConfig
	startTime   time.Time
	supervisor  *scheduler.Supervisor
	submitter   Submitter
	providers   Providers
	budget      Budget
	workers     func() map[model.QueueName]int
	maxWait     time.Duration // cap on ?wait= for results
	sseInterval time.Duration
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithSubmitter routes submissions through sub instead of the supervisor.
func WithSubmitter(sub Submitter) Option {
	return func(s *Server) { s.submitter = sub }
}

// WithProviders sets the provider catalog served by /providers.
func WithProviders(p Providers) Option {
	return func(s *Server) { s.providers = p }
}

// WithBudget sets the budget view served by /budget.
func WithBudget(b Budget) Option {
	return func(s *Server) { s.budget = b }
}

// WithWorkers reports pool sizes on /health.
func WithWorkers(fn func() map[model.QueueName]int) Option {
	return func(s *Server) { s.workers = fn }
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, sup *scheduler.Supervisor, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:      chi.NewRouter(),
		logger:      logger.With("component", "server"),
		config:      cfg,
		startTime:   time.Now(),
		supervisor:  sup,
		submitter:   sup,
		maxWait:     60 * time.Second,
		sseInterval: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Work items
		r.Route("/items", func(r chi.Router) {
			r.Get("/", s.handleListItems)
			r.Post("/", s.handleSubmitItem)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetItem)
				r.Delete("/", s.handleCancelItem)
				r.Get("/result", s.handleGetResult)
				r.Get("/attempts", s.handleListAttempts)
				r.Get("/events", s.handleSSEItem)
			})
		})

		// Dead-letter queue
		r.Route("/dead-letters", func(r chi.Router) {
			r.Get("/", s.handleListDeadLetters)
			r.Post("/{id}/replay", s.handleReplayDeadLetter)
		})

		r.Get("/providers", s.handleListProviders)
		r.Get("/budget", s.handleBudget)
	})
}
