package api

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/Fantasim/chainsync/internal/api/handlers"
	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/provider"
	"github.com/Fantasim/chainsync/internal/store"
)

// Version is set at build time via ldflags.
var Version = "dev"

// NewRouter creates and configures the Chi router for the observability API.
func NewRouter(cfg *config.Config, registry *provider.Registry, manager *provider.Manager, database *store.DB) chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	slog.Info("router initialized")

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]interface{}{
				"data": map[string]interface{}{
					"status":  "ok",
					"version": Version,
					"network": cfg.Network,
				},
			})
		})

		r.Route("/providers/{chain}", func(r chi.Router) {
			r.Get("/", handlers.ListProviders(registry))
			r.Get("/health", handlers.GetProviderHealth(manager))
			r.Get("/circuits", handlers.GetCircuitStates(manager))
		})

		r.Get("/cursors", handlers.ListCursors(database))
		r.Get("/events/sse", handlers.EventsSSE(manager.Bus()))
	})

	return r
}
