package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/upb/rag-gateway/app"
	"github.com/upb/rag-gateway/handlers"
	"github.com/upb/rag-gateway/middleware"
	"github.com/upb/rag-gateway/services"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)

	// CORS middleware
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.CORS.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", middleware.RequestIDHeader},
		ExposedHeaders:   []string{middleware.RequestIDHeader},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	var recorder handlers.InteractionRecorder
	if deps.InteractionLog != nil {
		recorder = deps.InteractionLog
	}
	chat := handlers.NewChatStreamHandler(deps.Orchestrator, recorder, deps.Logger)

	checks := map[string]handlers.HealthChecker{}
	if deps.DB != nil {
		checks["database"] = deps.DB
	}
	health := handlers.NewHealthHandler(checks, deps.Logger)

	// Streaming route: no request timeout, the client's connection bounds it
	r.Group(func(r chi.Router) {
		if deps.AuthMiddleware != nil {
			r.Use(deps.AuthMiddleware.RequireAuth)
		}
		if deps.RateLimiter != nil {
			r.Use(deps.RateLimiter.Limit)
		}
		r.Post("/chat/stream", chat.HandleChatStream)
	})

	r.Group(func(r chi.Router) {
		if timeout := deps.Config.Server.RequestTimeout; timeout > 0 {
			r.Use(chimiddleware.Timeout(timeout))
		}

		r.Get("/health", health.HandleHealth)
		r.Get("/readyz", health.HandleReadiness)

		if deps.Config.Observability.MetricsEnabled {
			r.Handle("/metrics", deps.Metrics.Handler())
		}
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		handlers.HandleServiceError(w, services.ErrNotFound, deps.Logger)
	})

	return r
}
