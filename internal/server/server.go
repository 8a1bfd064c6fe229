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

	"github.com/aristath/streamgate/internal/accounts"
	"github.com/aristath/streamgate/internal/broker"
	"github.com/aristath/streamgate/internal/bus"
	"github.com/aristath/streamgate/internal/database"
	"github.com/aristath/streamgate/internal/executor"
	"github.com/aristath/streamgate/internal/metrics"
	"github.com/aristath/streamgate/internal/registry"
	"github.com/aristath/streamgate/internal/store"
	"github.com/aristath/streamgate/internal/streaming"
)

// Config holds the collaborators the control plane fronts. Every field
// is the same live instance cmd/server wires into the streaming pipeline;
// the server never owns its own copy of anything.
type Config struct {
	Port    int
	Log     zerolog.Logger
	DevMode bool

	DB           *database.DB
	Subs         *store.SubscriptionStore
	Orders       *store.OrderStore
	Accounts     *accounts.Orchestrator
	Pool         *broker.Pool
	RegistryImpl *registry.Registry
	Streaming    *streaming.Orchestrator
	Executor     *executor.Executor
	BusPub       *bus.Publisher
	Metrics      *metrics.Registry

	APIKeyEnabled bool
}

// Server is the thin control plane described in the external interfaces
// contract: subscription and order CRUD plus health/metrics. It holds no
// business logic of its own — every handler delegates to a component.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	db        *database.DB
	subs      *store.SubscriptionStore
	orders    *store.OrderStore
	accounts  *accounts.Orchestrator
	pool      *broker.Pool
	registry  *registry.Registry
	streaming *streaming.Orchestrator
	executor  *executor.Executor
	busPub    *bus.Publisher
	metrics   *metrics.Registry

	apiKeyEnabled bool
	port          int
}

// New creates a new HTTP server.
func New(cfg Config) *Server {
	s := &Server{
		router:        chi.NewRouter(),
		log:           cfg.Log.With().Str("component", "server").Logger(),
		db:            cfg.DB,
		subs:          cfg.Subs,
		orders:        cfg.Orders,
		accounts:      cfg.Accounts,
		pool:          cfg.Pool,
		registry:      cfg.RegistryImpl,
		streaming:     cfg.Streaming,
		executor:      cfg.Executor,
		busPub:        cfg.BusPub,
		metrics:       cfg.Metrics,
		apiKeyEnabled: cfg.APIKeyEnabled,
		port:          cfg.Port,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// setupMiddleware configures middleware.
func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))

	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

// setupRoutes configures the control-plane contract's routes.
func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Handle("/metrics", s.metrics.Handler())

	s.router.Route("/subscriptions", func(r chi.Router) {
		r.Post("/", s.handleCreateSubscription)
		r.Get("/", s.handleListSubscriptions)
		r.Delete("/{token}", s.handleDeleteSubscription)
	})

	s.router.Route("/orders", func(r chi.Router) {
		r.Post("/", s.handleCreateOrder)
		r.Get("/{task_id}", s.handleGetOrder)
	})
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info().Int("port", s.port).Msg("starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.log.Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration_ms", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
