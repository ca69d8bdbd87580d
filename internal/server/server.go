// Package server provides the management HTTP API of the rebalancer.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/aristath/rebalancer/internal/broker"
	"github.com/aristath/rebalancer/internal/domain"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/ingest"
	"github.com/aristath/rebalancer/internal/metrics"
	"github.com/aristath/rebalancer/internal/orchestrator"
	"github.com/aristath/rebalancer/internal/pdt"
	"github.com/aristath/rebalancer/internal/queue"
	"github.com/aristath/rebalancer/internal/results"
)

// Submitter accepts a command for asynchronous execution and returns its event id
type Submitter interface {
	Submit(ctx context.Context, cmd domain.Command) (string, error)
}

// PDTChecker reports the PDT state of an account
type PDTChecker interface {
	Check(ctx context.Context, account domain.AccountConfig, now time.Time) pdt.Decision
}

// SessionLister reports open broker sessions
type SessionLister interface {
	Open() []broker.HandleInfo
}

// ActiveLister reports in-flight dedup keys
type ActiveLister interface {
	Active(ctx context.Context) ([]string, error)
}

// QueueStatter reports queue depth
type QueueStatter interface {
	Stats(ctx context.Context) (queue.Stats, error)
}

// ExecutionStore reads archived executions
type ExecutionStore interface {
	Get(ctx context.Context, executionID string) (*orchestrator.StrategyExecutionResult, error)
	Recent(ctx context.Context, strategy string, limit int) ([]results.Summary, error)
}

// Schedule manages the market-open account list
type Schedule interface {
	AddAccount(accountID string) error
	Scheduled() ([]string, error)
}

// Info is static service information
type Info struct {
	Version     string             `json:"version"`
	TradingMode domain.TradingType `json:"trading_mode"`
	BrokerKinds []string           `json:"broker_kinds"`
	Schedule    string             `json:"schedule,omitempty"`
	QueueMode   bool               `json:"queue_mode"`
	StartedAt   time.Time          `json:"started_at"`
}

// Config holds server configuration. Optional collaborators may be nil.
type Config struct {
	Log       zerolog.Logger
	Port      int
	DevMode   bool
	Info      Info
	Accounts  domain.AccountRepository
	Parser    *ingest.Parser
	Submitter Submitter
	PDT       PDTChecker
	Sessions  SessionLister
	Active    ActiveLister
	Metrics   *metrics.Metrics
	Bus       *events.Bus

	Queue      QueueStatter
	Executions ExecutionStore
	Schedule   Schedule
	NextRun    func() time.Time // Next scheduled market-open run
}

// Server represents the HTTP server
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger
	cfg    Config
	now    func() time.Time
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	if cfg.Parser == nil {
		cfg.Parser = ingest.NewParser()
	}
	if cfg.Info.StartedAt.IsZero() {
		cfg.Info.StartedAt = time.Now()
	}

	s := &Server{
		router: chi.NewRouter(),
		log:    cfg.Log.With().Str("component", "server").Logger(),
		cfg:    cfg,
		now:    time.Now,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Port),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Handler exposes the router, mainly for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupMiddleware configures middleware
func (s *Server) setupMiddleware(devMode bool) {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5, "application/json"))
	}
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/status", s.handleStatus)
		r.Get("/info", s.handleInfo)
		if s.cfg.Metrics != nil {
			r.Method(http.MethodGet, "/metrics", s.cfg.Metrics.Handler())
		}
	})

	s.router.Route("/api", func(r chi.Router) {
		// The event stream is long-lived and stays outside the timeout group
		if s.cfg.Bus != nil {
			r.Get("/events/stream", NewEventsStreamHandler(s.cfg.Bus, s.log).ServeHTTP)
		}

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Post("/rebalance", s.handleRebalance)
			r.Post("/strategies/{name}/rebalance", s.handleStrategyRebalance)

			r.Get("/accounts", s.handleAccounts)
			r.Get("/pdt/{account_id}", s.handlePDT)

			r.Get("/schedule", s.handleScheduled)
			r.Post("/schedule/{account_id}", s.handleScheduleAccount)

			r.Get("/executions", s.handleExecutions)
			r.Get("/executions/{execution_id}", s.handleExecution)
		})
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Int("port", s.cfg.Port).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests and records request metrics
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		route := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.ObserveHTTP(r.Method, route, ww.Status(), time.Since(start))
		}

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
