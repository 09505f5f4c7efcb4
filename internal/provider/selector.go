package provider

import (
	"sort"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

// Candidate is one provider admitted by selection, with its computed score.
type Candidate struct {
	Meta  Metadata
	Score float64
}

// Rejection records why a provider was excluded from selection.
type Rejection struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

// SelectCandidates produces the deterministic ordered candidate list for one
// operation. It is pure: inputs fully determine the output and no state is
// mutated.
//
// Filters: the provider must declare the operation (and, for streams, the
// requested stream type), its circuit must not be open, and its API key must
// be present when required. Score = health score + a rate-limit adjustment;
// ties keep registration order.
func SelectCandidates(
	metas []Metadata,
	op models.Operation,
	health map[string]Health,
	circuits map[string]string,
) ([]Candidate, []Rejection) {
	var candidates []Candidate
	var rejections []Rejection

	for _, meta := range metas {
		if !meta.SupportsOperation(op.Kind) {
			rejections = append(rejections, Rejection{meta.Name, "operation not supported"})
			continue
		}
		if op.Kind == models.OpGetAddressTransactions && !meta.SupportsStreamType(op.EffectiveStreamType()) {
			rejections = append(rejections, Rejection{meta.Name, "stream type not supported"})
			continue
		}
		if state, ok := circuits[meta.Name]; ok && state == config.CircuitOpen {
			rejections = append(rejections, Rejection{meta.Name, "circuit open"})
			continue
		}
		if !meta.HasRequiredKey() {
			rejections = append(rejections, Rejection{meta.Name, "API key missing"})
			continue
		}

		score := config.HealthMaxScore
		if h, ok := health[meta.Name]; ok {
			score = h.Score
		}
		score += rateLimitAdjustment(meta.RateLimit.RequestsPerSecond)

		candidates = append(candidates, Candidate{Meta: meta, Score: score})
	}

	// Stable sort keeps registration order within equal scores.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Score > candidates[j].Score
	})

	return candidates, rejections
}

// rateLimitAdjustment biases selection toward providers with more headroom.
func rateLimitAdjustment(rps float64) float64 {
	switch {
	case rps <= config.SelectorSlowRPS:
		return config.SelectorSlowPenalty
	case rps <= config.SelectorMidRPS:
		return config.SelectorMidPenalty
	case rps >= config.SelectorFastRPS:
		return config.SelectorFastBonus
	default:
		return 0
	}
}
