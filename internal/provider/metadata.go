package provider

import (
	"os"
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

// RateLimitPolicy describes the pacing budget for one provider.
// Zero values mean "no limit at that granularity".
type RateLimitPolicy struct {
	RequestsPerSecond float64 `json:"requestsPerSecond"`
	RequestsPerMinute int     `json:"requestsPerMinute"`
	RequestsPerHour   int     `json:"requestsPerHour"`
	BurstLimit        int     `json:"burstLimit"`
}

// ReplayWindow is the backward shift applied to a cursor on cross-provider
// failover so that no events straddling the boundary are lost.
type ReplayWindow struct {
	Blocks  int64 `json:"blocks"`
	Seconds int64 `json:"seconds"`
}

// Metadata is the immutable handle describing one provider's capabilities.
type Metadata struct {
	Name            string
	Chain           models.Chain
	Operations      []models.OperationKind
	StreamTypes     []models.StreamType
	CursorTypes     []models.CursorType
	PreferredCursor models.CursorType
	ReplayWindow    ReplayWindow
	RateLimit       RateLimitPolicy
	RequiresAPIKey  bool
	APIKeyEnvVar    string
	Timeout         time.Duration
	Retries         int
	BaseURL         string
}

// SupportsOperation reports whether the provider declares the operation kind.
func (m Metadata) SupportsOperation(kind models.OperationKind) bool {
	for _, op := range m.Operations {
		if op == kind {
			return true
		}
	}
	return false
}

// SupportsStreamType reports whether the provider declares the stream type.
func (m Metadata) SupportsStreamType(st models.StreamType) bool {
	for _, s := range m.StreamTypes {
		if s == st {
			return true
		}
	}
	return false
}

// SupportsCursorType reports whether the provider can resume from ct.
func (m Metadata) SupportsCursorType(ct models.CursorType) bool {
	for _, c := range m.CursorTypes {
		if c == ct {
			return true
		}
	}
	return false
}

// APIKey reads the provider's API key from its declared environment variable.
// The documentation placeholder value is treated as unset.
func (m Metadata) APIKey() string {
	if m.APIKeyEnvVar == "" {
		return ""
	}
	key := os.Getenv(m.APIKeyEnvVar)
	if key == config.APIKeyPlaceholder {
		return ""
	}
	return key
}

// HasRequiredKey reports whether the provider is usable from a key standpoint:
// either no key is required, or the declared env var holds a real value.
func (m Metadata) HasRequiredKey() bool {
	if !m.RequiresAPIKey {
		return true
	}
	return m.APIKey() != ""
}
