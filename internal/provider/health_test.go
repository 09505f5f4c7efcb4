package provider

import (
	"testing"
	"time"

	"github.com/Fantasim/chainsync/internal/models"
)

func TestHealthTracker_StartsAtFullScore(t *testing.T) {
	tr := NewHealthTracker()

	h := tr.Get(models.ChainBitcoin, "mempool")
	if h.Score != 100 {
		t.Errorf("expected initial score 100, got %f", h.Score)
	}
}

func TestHealthTracker_FailurePenaltyAndRecovery(t *testing.T) {
	tr := NewHealthTracker()

	tr.RecordFailure(models.ChainBitcoin, "mempool")
	h := tr.Get(models.ChainBitcoin, "mempool")
	if h.Score != 90 {
		t.Errorf("expected score 90 after one failure, got %f", h.Score)
	}
	if h.ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure, got %d", h.ConsecutiveFailures)
	}

	tr.RecordSuccess(models.ChainBitcoin, "mempool", 50*time.Millisecond)
	h = tr.Get(models.ChainBitcoin, "mempool")
	if h.Score != 91 {
		t.Errorf("expected score 91 after recovery, got %f", h.Score)
	}
	if h.ConsecutiveFailures != 0 {
		t.Errorf("expected failures reset, got %d", h.ConsecutiveFailures)
	}
}

func TestHealthTracker_ScoreBounds(t *testing.T) {
	tr := NewHealthTracker()

	for i := 0; i < 20; i++ {
		tr.RecordFailure(models.ChainBitcoin, "mempool")
	}
	if h := tr.Get(models.ChainBitcoin, "mempool"); h.Score != 0 {
		t.Errorf("score must clamp at 0, got %f", h.Score)
	}

	for i := 0; i < 200; i++ {
		tr.RecordSuccess(models.ChainBitcoin, "mempool", time.Millisecond)
	}
	if h := tr.Get(models.ChainBitcoin, "mempool"); h.Score != 100 {
		t.Errorf("score must clamp at 100, got %f", h.Score)
	}
}

func TestHealthTracker_LatencyEMA(t *testing.T) {
	tr := NewHealthTracker()

	tr.RecordSuccess(models.ChainBitcoin, "mempool", 100*time.Millisecond)
	h := tr.Get(models.ChainBitcoin, "mempool")
	if h.AvgLatencyMs != 100 {
		t.Fatalf("first sample sets the average, got %f", h.AvgLatencyMs)
	}

	tr.RecordSuccess(models.ChainBitcoin, "mempool", 200*time.Millisecond)
	h = tr.Get(models.ChainBitcoin, "mempool")
	// 100*0.8 + 200*0.2
	if h.AvgLatencyMs != 120 {
		t.Errorf("expected EMA 120, got %f", h.AvgLatencyMs)
	}
}

func TestHealthTracker_AuthPenaltyIsHeavier(t *testing.T) {
	tr := NewHealthTracker()

	tr.RecordAuthFailure(models.ChainEthereum, "etherscan")
	h := tr.Get(models.ChainEthereum, "etherscan")
	if h.Score != 70 {
		t.Errorf("expected score 70 after auth failure, got %f", h.Score)
	}
}

func TestHealthTracker_Counters(t *testing.T) {
	tr := NewHealthTracker()

	tr.RecordSuccess(models.ChainBitcoin, "mempool", time.Millisecond)
	tr.RecordSuccess(models.ChainBitcoin, "mempool", time.Millisecond)
	tr.RecordFailure(models.ChainBitcoin, "mempool")

	h := tr.Get(models.ChainBitcoin, "mempool")
	if h.Requests != 3 || h.Successes != 2 || h.Failures != 1 {
		t.Errorf("unexpected counters: %+v", h)
	}
	if h.LastSuccess.IsZero() || h.LastFailure.IsZero() {
		t.Error("expected timestamps recorded")
	}
}

func TestHealthTracker_KeyedByChainAndProvider(t *testing.T) {
	tr := NewHealthTracker()

	tr.RecordFailure(models.ChainBitcoin, "shared")
	if h := tr.Get(models.ChainEthereum, "shared"); h.Score != 100 {
		t.Errorf("records must be keyed by (chain, provider), got %f", h.Score)
	}

	snap := tr.Snapshot(models.ChainBitcoin)
	if len(snap) != 1 {
		t.Errorf("expected 1 bitcoin record, got %d", len(snap))
	}
}

func TestHealthTracker_Reset(t *testing.T) {
	tr := NewHealthTracker()

	tr.RecordFailure(models.ChainBitcoin, "mempool")
	tr.Reset(models.ChainBitcoin, "mempool")

	if h := tr.Get(models.ChainBitcoin, "mempool"); h.Score != 100 {
		t.Errorf("expected fresh record after reset, got %f", h.Score)
	}
}
