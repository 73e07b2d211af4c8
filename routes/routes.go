package routes

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/harinish45/xare-core/app"
	"github.com/harinish45/xare-core/handlers"
	"github.com/harinish45/xare-core/middleware"
)

// SetupRoutes configures all application routes and middleware
func SetupRoutes(deps *app.Dependencies) http.Handler {
	r := chi.NewRouter()

	// Core middleware. No chi timeout on top: streaming responses run
	// for minutes and manage their own deadlines.
	r.Use(middleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	// CORS: the browser extension calls from its own origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   deps.Config.Server.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	chatHandler := handlers.NewChatHandler(deps.Orchestrator, deps.Logger)
	providerHandler := handlers.NewProviderHandler(deps.Registry, deps.Health, deps.Credentials, deps.Logger)
	usageHandler := handlers.NewUsageHandler(deps.Costs, deps.Logger)
	adminHandler := handlers.NewAdminHandler(deps.Health, deps.Costs, deps.Credentials, deps.Orchestrator, deps.Logger)

	// Health check endpoints
	r.Get("/healthz", handlers.HealthCheck())
	r.Get("/readyz", handlers.ReadinessCheck(readiness(deps)))

	// Extension-facing API
	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/chat", chatHandler.HandleChat)
		r.Get("/providers", providerHandler.HandleListProviders)
		r.Get("/health", providerHandler.HandleProviderHealth)
		r.Get("/usage", usageHandler.HandleUsage)
		r.Get("/costs", usageHandler.HandleCostSummary)
		r.Get("/alerts", usageHandler.HandleAlerts)

		// Admin API (require admin role)
		r.Route("/admin", func(r chi.Router) {
			r.Use(deps.AuthMiddleware.RequireAuth)
			r.Use(deps.AuthMiddleware.RequireRole("admin"))
			r.Route("/providers/{name}", func(r chi.Router) {
				r.Post("/disable", adminHandler.HandleDisableProvider)
				r.Post("/enable", adminHandler.HandleEnableProvider)
				r.Post("/reset", adminHandler.HandleResetProvider)
				r.Put("/credentials", adminHandler.HandleSetCredential)
				r.Put("/quota", adminHandler.HandleSetQuota)
			})
			r.Post("/usage/reset", adminHandler.HandleResetUsage)
			r.Post("/alerts/clear", adminHandler.HandleClearAlerts)
			r.Get("/permission", adminHandler.HandleGetPermission)
			r.Put("/permission", adminHandler.HandleSetPermission)
		})
	})

	// 404 handler
	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"not_found","message":"Route not found"}`))
	})

	return r
}

// readiness avoids handing a typed-nil *postgres.DB to the handler
func readiness(deps *app.Dependencies) handlers.Pinger {
	if deps.DB == nil {
		return nil
	}
	return deps.DB
}
