package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// ProviderHealthResponse is the per-provider health info returned by the API.
type ProviderHealthResponse struct {
	Name             string  `json:"name"`
	Score            float64 `json:"score"`
	AvgLatencyMs     float64 `json:"avgLatencyMs"`
	ConsecutiveFails int     `json:"consecutiveFails"`
	CircuitState     string  `json:"circuitState"`
	Requests         int64   `json:"requests"`
	Successes        int64   `json:"successes"`
	Failures         int64   `json:"failures"`
}

// GetProviderHealth returns a handler for GET /api/providers/{chain}/health.
func GetProviderHealth(manager *provider.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chain := models.Chain(chi.URLParam(r, "chain"))

		health := manager.GetHealth(chain)
		circuits := manager.GetCircuitStates(chain)

		out := make([]ProviderHealthResponse, 0, len(health))
		for name, h := range health {
			state := circuits[name]
			if state == "" {
				state = config.CircuitClosed
			}
			out = append(out, ProviderHealthResponse{
				Name:             name,
				Score:            h.Score,
				AvgLatencyMs:     h.AvgLatencyMs,
				ConsecutiveFails: h.ConsecutiveFailures,
				CircuitState:     state,
				Requests:         h.Requests,
				Successes:        h.Successes,
				Failures:         h.Failures,
			})
		}

		slog.Debug("provider health requested",
			"chain", chain,
			"providerCount", len(out),
		)
		respondJSON(w, http.StatusOK, out)
	}
}

// GetCircuitStates returns a handler for GET /api/providers/{chain}/circuits.
func GetCircuitStates(manager *provider.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chain := models.Chain(chi.URLParam(r, "chain"))
		respondJSON(w, http.StatusOK, manager.GetCircuitStates(chain))
	}
}

// ProviderMetadataResponse is one registry entry rendered for dashboards.
type ProviderMetadataResponse struct {
	Name            string   `json:"name"`
	Operations      []string `json:"operations"`
	StreamTypes     []string `json:"streamTypes,omitempty"`
	PreferredCursor string   `json:"preferredCursor"`
	RequiresAPIKey  bool     `json:"requiresApiKey"`
	HasAPIKey       bool     `json:"hasApiKey"`
}

// ListProviders returns a handler for GET /api/providers/{chain}.
func ListProviders(registry *provider.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		chain := models.Chain(chi.URLParam(r, "chain"))

		metas := registry.GetAvailable(chain)
		out := make([]ProviderMetadataResponse, 0, len(metas))
		for _, m := range metas {
			ops := make([]string, len(m.Operations))
			for i, op := range m.Operations {
				ops[i] = string(op)
			}
			streams := make([]string, len(m.StreamTypes))
			for i, st := range m.StreamTypes {
				streams[i] = string(st)
			}
			out = append(out, ProviderMetadataResponse{
				Name:            m.Name,
				Operations:      ops,
				StreamTypes:     streams,
				PreferredCursor: string(m.PreferredCursor),
				RequiresAPIKey:  m.RequiresAPIKey,
				HasAPIKey:       m.HasRequiredKey(),
			})
		}
		respondJSON(w, http.StatusOK, out)
	}
}
