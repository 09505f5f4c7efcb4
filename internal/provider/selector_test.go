package provider

import (
	"reflect"
	"testing"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

func streamMeta(name string, rps float64, streams ...models.StreamType) Metadata {
	if len(streams) == 0 {
		streams = []models.StreamType{models.StreamNormal}
	}
	return Metadata{
		Name:  name,
		Chain: models.ChainBitcoin,
		Operations: []models.OperationKind{
			models.OpGetAddressTransactions,
			models.OpGetAddressBalances,
		},
		StreamTypes: streams,
		RateLimit:   RateLimitPolicy{RequestsPerSecond: rps},
	}
}

func streamOp() models.Operation {
	return models.Operation{Kind: models.OpGetAddressTransactions, Address: "bc1qxyz"}
}

func TestSelectCandidates_FiltersUnsupportedOperation(t *testing.T) {
	metas := []Metadata{
		{Name: "probe-only", Chain: models.ChainBitcoin, Operations: []models.OperationKind{models.OpHasAddressTransactions}},
		streamMeta("full", 2),
	}

	candidates, rejections := SelectCandidates(metas, streamOp(), nil, nil)
	if len(candidates) != 1 || candidates[0].Meta.Name != "full" {
		t.Fatalf("expected only full provider, got %+v", candidates)
	}
	if len(rejections) != 1 || rejections[0].Reason != "operation not supported" {
		t.Errorf("expected operation rejection, got %+v", rejections)
	}
}

func TestSelectCandidates_FiltersStreamType(t *testing.T) {
	metas := []Metadata{
		streamMeta("normal-only", 2, models.StreamNormal),
		streamMeta("tokens", 2, models.StreamNormal, models.StreamToken),
	}
	op := models.Operation{Kind: models.OpGetAddressTransactions, StreamType: models.StreamToken}

	candidates, rejections := SelectCandidates(metas, op, nil, nil)
	if len(candidates) != 1 || candidates[0].Meta.Name != "tokens" {
		t.Fatalf("expected only tokens provider, got %+v", candidates)
	}
	if len(rejections) != 1 || rejections[0].Reason != "stream type not supported" {
		t.Errorf("expected stream rejection, got %+v", rejections)
	}
}

func TestSelectCandidates_FiltersOpenCircuit(t *testing.T) {
	metas := []Metadata{streamMeta("a", 2), streamMeta("b", 2)}
	circuits := map[string]string{"a": config.CircuitOpen, "b": config.CircuitHalfOpen}

	candidates, rejections := SelectCandidates(metas, streamOp(), nil, circuits)
	if len(candidates) != 1 || candidates[0].Meta.Name != "b" {
		t.Fatalf("expected half-open b admitted, open a rejected; got %+v", candidates)
	}
	if len(rejections) != 1 || rejections[0].Provider != "a" {
		t.Errorf("expected rejection for a, got %+v", rejections)
	}
}

func TestSelectCandidates_FiltersMissingAPIKey(t *testing.T) {
	meta := streamMeta("keyed", 2)
	meta.RequiresAPIKey = true
	meta.APIKeyEnvVar = "SELECTOR_TEST_MISSING_KEY"
	t.Setenv("SELECTOR_TEST_MISSING_KEY", config.APIKeyPlaceholder)

	candidates, rejections := SelectCandidates([]Metadata{meta}, streamOp(), nil, nil)
	if len(candidates) != 0 {
		t.Fatalf("placeholder key must count as missing, got %+v", candidates)
	}
	if len(rejections) != 1 || rejections[0].Reason != "API key missing" {
		t.Errorf("expected key rejection, got %+v", rejections)
	}
}

func TestSelectCandidates_ScoreOrdering(t *testing.T) {
	metas := []Metadata{
		streamMeta("slow", 0.5),  // -40
		streamMeta("mid", 1.0),   // -20
		streamMeta("fast", 3.0),  // +10
		streamMeta("plain", 2.0), // 0
	}
	health := map[string]Health{
		"slow":  {Score: 100},
		"mid":   {Score: 100},
		"fast":  {Score: 100},
		"plain": {Score: 100},
	}

	candidates, _ := SelectCandidates(metas, streamOp(), health, nil)

	got := make([]string, len(candidates))
	for i, c := range candidates {
		got[i] = c.Meta.Name
	}
	want := []string{"fast", "plain", "mid", "slow"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("expected order %v, got %v", want, got)
	}
}

func TestSelectCandidates_StableWithinTies(t *testing.T) {
	metas := []Metadata{streamMeta("first", 2), streamMeta("second", 2)}

	candidates, _ := SelectCandidates(metas, streamOp(), nil, nil)
	if candidates[0].Meta.Name != "first" || candidates[1].Meta.Name != "second" {
		t.Errorf("ties must keep registration order, got %+v", candidates)
	}
}

// Identical inputs must produce identical output across calls.
func TestSelectCandidates_Deterministic(t *testing.T) {
	metas := []Metadata{streamMeta("a", 3), streamMeta("b", 2), streamMeta("c", 0.5)}
	health := map[string]Health{"a": {Score: 40}, "b": {Score: 90}, "c": {Score: 100}}
	circuits := map[string]string{"c": config.CircuitHalfOpen}

	baseline, _ := SelectCandidates(metas, streamOp(), health, circuits)
	for i := 0; i < 10; i++ {
		again, _ := SelectCandidates(metas, streamOp(), health, circuits)
		if !reflect.DeepEqual(baseline, again) {
			t.Fatalf("selection not deterministic on run %d", i)
		}
	}
}

func TestSelectCandidates_MissingHealthDefaultsToFull(t *testing.T) {
	metas := []Metadata{streamMeta("fresh", 2)}

	candidates, _ := SelectCandidates(metas, streamOp(), map[string]Health{}, nil)
	if len(candidates) != 1 || candidates[0].Score != config.HealthMaxScore {
		t.Errorf("expected full score for unseen provider, got %+v", candidates)
	}
}
