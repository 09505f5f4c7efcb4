package provider

import (
	"log/slog"
	"sync"
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

// Health is the mutable per-(chain, provider) record tracked by the manager.
type Health struct {
	Score               float64   `json:"score"`
	AvgLatencyMs        float64   `json:"avgLatencyMs"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastSuccess         time.Time `json:"lastSuccess,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
	Requests            int64     `json:"requests"`
	Successes           int64     `json:"successes"`
	Failures            int64     `json:"failures"`
}

type healthKey struct {
	chain models.Chain
	name  string
}

// HealthTracker maintains health records keyed by (chain, provider). Records
// are created lazily on first use and reset only by explicit re-registration.
type HealthTracker struct {
	mu      sync.Mutex
	records map[healthKey]*Health
}

// NewHealthTracker creates an empty health tracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{records: make(map[healthKey]*Health)}
}

func (t *HealthTracker) record(chain models.Chain, name string) *Health {
	key := healthKey{chain: chain, name: name}
	h, ok := t.records[key]
	if !ok {
		h = &Health{Score: config.HealthMaxScore}
		t.records[key] = h
	}
	return h
}

// RecordSuccess rewards the provider and folds the observed latency into the
// exponential moving average.
func (t *HealthTracker) RecordSuccess(chain models.Chain, name string, latency time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.record(chain, name)
	h.Score = min(config.HealthMaxScore, h.Score+config.HealthSuccessReward)
	ms := float64(latency.Milliseconds())
	if h.AvgLatencyMs == 0 {
		h.AvgLatencyMs = ms
	} else {
		h.AvgLatencyMs = h.AvgLatencyMs*(1-config.HealthLatencySmoothing) + ms*config.HealthLatencySmoothing
	}
	h.ConsecutiveFailures = 0
	h.LastSuccess = time.Now()
	h.Requests++
	h.Successes++
}

// RecordFailure penalizes the provider.
func (t *HealthTracker) RecordFailure(chain models.Chain, name string) {
	t.recordFailure(chain, name, config.HealthFailurePenalty)
}

// RecordAuthFailure applies the heavier penalty reserved for authentication
// rejections. The provider stays selectable but sinks in the ordering.
func (t *HealthTracker) RecordAuthFailure(chain models.Chain, name string) {
	t.recordFailure(chain, name, config.HealthAuthPenalty)
}

func (t *HealthTracker) recordFailure(chain models.Chain, name string, penalty float64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	h := t.record(chain, name)
	h.Score = max(0, h.Score-penalty)
	h.ConsecutiveFailures++
	h.LastFailure = time.Now()
	h.Requests++
	h.Failures++

	slog.Debug("provider health degraded",
		"chain", chain,
		"provider", name,
		"score", h.Score,
		"consecutiveFailures", h.ConsecutiveFailures,
	)
}

// Get returns a copy of the provider's health record, creating it if absent.
func (t *HealthTracker) Get(chain models.Chain, name string) Health {
	t.mu.Lock()
	defer t.mu.Unlock()
	return *t.record(chain, name)
}

// Snapshot returns copies of all health records for a chain.
func (t *HealthTracker) Snapshot(chain models.Chain) map[string]Health {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make(map[string]Health)
	for key, h := range t.records {
		if key.chain == chain {
			out[key.name] = *h
		}
	}
	return out
}

// Reset clears the record for a provider. Used on registry re-registration.
func (t *HealthTracker) Reset(chain models.Chain, name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, healthKey{chain: chain, name: name})
}
