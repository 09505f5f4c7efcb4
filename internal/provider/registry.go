package provider

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

// Factory builds an adapter instance from its registered metadata and the
// effective provider configuration.
type Factory func(meta Metadata, cfg ProviderConfig) (Adapter, error)

// ProviderConfig is the effective per-provider configuration: registry
// defaults merged with any override from the pool configuration.
type ProviderConfig struct {
	Enabled      bool            `json:"enabled"`
	Priority     int             `json:"priority"`
	RateLimit    RateLimitPolicy `json:"rateLimit"`
	TimeoutMs    int             `json:"timeout,omitempty"`
	Retries      int             `json:"retries"`
	APIKeyEnvVar string          `json:"apiKeyEnvVar,omitempty"`
}

// ChainPoolConfig configures the provider pool for one chain.
type ChainPoolConfig struct {
	DefaultEnabled []string                  `json:"defaultEnabled,omitempty"`
	Overrides      map[string]ProviderConfig `json:"overrides,omitempty"`
}

// PoolConfig is the full provider-pool configuration, keyed by chain name.
// An absent chain means "all registered providers enabled with defaults".
type PoolConfig map[models.Chain]ChainPoolConfig

// ValidationResult is the outcome of validating a PoolConfig against the
// registry.
type ValidationResult struct {
	Valid       bool     `json:"valid"`
	Errors      []string `json:"errors,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
}

type registryKey struct {
	chain models.Chain
	name  string
}

type registryEntry struct {
	meta    Metadata
	factory Factory
}

// Registry is the static catalog of provider metadata and factories, keyed by
// (chain, name). Constructed once per process and passed by reference; never
// mutated after startup registration completes.
type Registry struct {
	mu      sync.RWMutex
	entries map[registryKey]*registryEntry
	order   map[models.Chain][]string
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[registryKey]*registryEntry),
		order:   make(map[models.Chain][]string),
	}
}

// Register catalogs a provider. Idempotent by (chain, name): a later
// registration overwrites the earlier one but keeps its position in
// registration order.
func (r *Registry) Register(meta Metadata, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := registryKey{chain: meta.Chain, name: meta.Name}
	if _, exists := r.entries[key]; !exists {
		r.order[meta.Chain] = append(r.order[meta.Chain], meta.Name)
	}
	r.entries[key] = &registryEntry{meta: meta, factory: factory}

	slog.Info("provider registered",
		"chain", meta.Chain,
		"provider", meta.Name,
		"operations", len(meta.Operations),
		"requiresAPIKey", meta.RequiresAPIKey,
	)
}

// GetMetadata returns the metadata for (chain, name).
func (r *Registry) GetMetadata(chain models.Chain, name string) (Metadata, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[registryKey{chain: chain, name: name}]
	if !ok {
		return Metadata{}, fmt.Errorf("%w: %s for chain %s", config.ErrUnknownProvider, name, chain)
	}
	return entry.meta, nil
}

// GetFactory returns the factory for (chain, name).
func (r *Registry) GetFactory(chain models.Chain, name string) (Factory, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.entries[registryKey{chain: chain, name: name}]
	if !ok {
		return nil, fmt.Errorf("%w: %s for chain %s", config.ErrUnknownProvider, name, chain)
	}
	return entry.factory, nil
}

// GetAvailable returns all registered metadata for a chain in registration order.
func (r *Registry) GetAvailable(chain models.Chain) []Metadata {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := r.order[chain]
	metas := make([]Metadata, 0, len(names))
	for _, name := range names {
		if entry, ok := r.entries[registryKey{chain: chain, name: name}]; ok {
			metas = append(metas, entry.meta)
		}
	}
	return metas
}

// Chains returns every chain with at least one registered provider.
func (r *Registry) Chains() []models.Chain {
	r.mu.RLock()
	defer r.mu.RUnlock()

	chains := make([]models.Chain, 0, len(r.order))
	for _, chain := range models.AllChains {
		if len(r.order[chain]) > 0 {
			chains = append(chains, chain)
		}
	}
	return chains
}

// ValidateConfig checks a pool configuration against the registry. Every
// configured provider name absent from the registry produces an error, with
// the registered names offered as suggestions.
func (r *Registry) ValidateConfig(cfg PoolConfig) ValidationResult {
	result := ValidationResult{Valid: true}

	for chain, chainCfg := range cfg {
		registered := r.GetAvailable(chain)
		known := make(map[string]bool, len(registered))
		names := make([]string, 0, len(registered))
		for _, m := range registered {
			known[m.Name] = true
			names = append(names, m.Name)
		}

		check := func(name string) {
			if !known[name] {
				result.Valid = false
				result.Errors = append(result.Errors,
					fmt.Sprintf("Preferred provider '%s' not found for %s", name, chain))
				result.Suggestions = append(result.Suggestions,
					fmt.Sprintf("registered providers for %s: %v", chain, names))
			}
		}

		for _, name := range chainCfg.DefaultEnabled {
			check(name)
		}
		for name := range chainCfg.Overrides {
			check(name)
		}
	}

	return result
}

// CreateDefaultConfig builds the effective configuration for a registered
// provider from its metadata defaults.
func (r *Registry) CreateDefaultConfig(chain models.Chain, name string) (ProviderConfig, error) {
	meta, err := r.GetMetadata(chain, name)
	if err != nil {
		return ProviderConfig{}, err
	}

	timeout := meta.Timeout
	if timeout <= 0 {
		timeout = config.ProviderRequestTimeout
	}
	retries := meta.Retries
	if retries <= 0 {
		retries = config.ProviderMaxRetries
	}

	return ProviderConfig{
		Enabled:      true,
		RateLimit:    meta.RateLimit,
		TimeoutMs:    int(timeout.Milliseconds()),
		Retries:      retries,
		APIKeyEnvVar: meta.APIKeyEnvVar,
	}, nil
}
