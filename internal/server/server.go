// internal/server/server.go

package server

import (
	"context"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"areareport/internal/config"
	"areareport/internal/server/handlers"
	appMiddleware "areareport/internal/server/middleware"
)

// Server represents the HTTP server
type Server struct {
	server *http.Server
	router *chi.Mux
}

// NewServer creates a new HTTP server
func NewServer(
	cfg config.ServerConfig,
	logger zerolog.Logger,
	messageHandler *handlers.MessageHandler,
	regionFeed http.Handler,
	healthHandler *handlers.HealthHandler,
) *Server {
	router := chi.NewRouter()

	// Middleware
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(appMiddleware.Logger(logger))
	router.Use(appMiddleware.Metrics)
	router.Use(middleware.Recoverer)

	// CORS configuration
	router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CorsOrigins,
		AllowedMethods:   []string{"GET", "HEAD", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Routes
	router.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(cfg.RequestTimeout))

		r.Get("/health", healthHandler.Health)

		// API version
		r.Route("/v1", func(r chi.Router) {
			r.Route("/messages", func(r chi.Router) {
				r.Get("/list", messageHandler.ListMessages)
				r.Head("/list", messageHandler.HeadMessages)
				r.Post("/request", messageHandler.RequestMessages)
				r.Put("/areareport", messageHandler.PutAreaReport)
				r.Get("/{id}", messageHandler.GetMessage)
			})
		})
	})

	router.Handle("/metrics", promhttp.Handler())

	// WebSocket endpoint for region events, outside the request timeout
	router.Handle("/ws/regions", regionFeed)

	// Create HTTP server
	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return &Server{
		server: httpServer,
		router: router,
	}
}

// Handler returns the root handler, for tests
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe starts the HTTP server
func (s *Server) ListenAndServe() error {
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
