// Package server provides the HTTP monitoring and operations API. Everything
// here is read or admit: the API can inspect the queue, admit new events and
// remove stuck ones, but rebalancing itself only ever runs through the
// processing loop.
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

	"github.com/aristath/rebalancer/internal/config"
	"github.com/aristath/rebalancer/internal/events"
	"github.com/aristath/rebalancer/internal/queue"
)

// BrokerStatus is the slice of the gateway client the status endpoint reads
type BrokerStatus interface {
	IsConnected() bool
	TradingMode() string
}

// Config holds server configuration
type Config struct {
	Log      zerolog.Logger
	Port     int
	Store    *queue.Store
	Intake   *queue.Intake
	Bus      *events.Bus
	Accounts []config.Account
	Broker   BrokerStatus
}

// Server represents the HTTP server
type Server struct {
	router   *chi.Mux
	server   *http.Server
	log      zerolog.Logger
	handlers *Handlers
	stream   *EventsStreamHandler
}

// New creates a new HTTP server
func New(cfg Config) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		log:      cfg.Log.With().Str("component", "server").Logger(),
		handlers: NewHandlers(cfg.Store, cfg.Intake, cfg.Bus, cfg.Accounts, cfg.Broker, cfg.Log),
		stream:   NewEventsStreamHandler(cfg.Bus, cfg.Log),
	}

	s.setupMiddleware()
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

// setupMiddleware configures middleware
func (s *Server) setupMiddleware() {
	// Recovery from panics
	s.router.Use(middleware.Recoverer)

	// Request ID
	s.router.Use(middleware.RequestID)

	// Real IP
	s.router.Use(middleware.RealIP)

	// Logging
	s.router.Use(s.loggingMiddleware)

	// Timeout
	s.router.Use(middleware.Timeout(60 * time.Second))

	// CORS
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

// setupRoutes configures all routes
func (s *Server) setupRoutes() {
	// Liveness probe, no queue access
	s.router.Get("/health", s.handlers.HandleLiveness)

	s.router.Route("/api", func(r chi.Router) {
		// SSE stream must bypass the write timeout set on s.server, so the
		// stream handler manages its own flushing
		r.Get("/events/stream", s.stream.ServeHTTP)

		r.Route("/events", func(r chi.Router) {
			r.Get("/", s.handlers.HandleListEvents)
			r.Get("/stats", s.handlers.HandleQueueStats)
			r.Post("/", s.handlers.HandleAdmitEvent)
			r.Get("/{eventID}", s.handlers.HandleGetEvent)
			r.Delete("/{eventID}", s.handlers.HandleRemoveEvent)
		})

		r.Get("/health", s.handlers.HandleQueueHealth)

		r.Route("/accounts", func(r chi.Router) {
			r.Get("/", s.handlers.HandleListAccounts)
			r.Post("/{accountID}/rebalance", s.handlers.HandleTriggerRebalance)
		})

		r.Get("/system/status", s.handlers.HandleSystemStatus)
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("Starting HTTP server")
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("Shutting down HTTP server")
	return s.server.Shutdown(ctx)
}

// Router exposes the mux for tests
func (s *Server) Router() http.Handler {
	return s.router
}

// loggingMiddleware logs HTTP requests
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
			Msg("HTTP request")
	})
}
