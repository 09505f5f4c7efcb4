package provider

import (
	"testing"
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb := NewCircuitBreaker(5, time.Minute)

	for i := 0; i < 4; i++ {
		cb.RecordFailure()
	}
	if cb.State() != config.CircuitClosed {
		t.Fatalf("expected closed after 4 failures, got %s", cb.State())
	}

	cb.RecordFailure()
	if cb.State() != config.CircuitOpen {
		t.Fatalf("expected open after 5th failure, got %s", cb.State())
	}
	if cb.Allow() {
		t.Error("open circuit must reject requests")
	}
}

func TestCircuitBreaker_HalfOpenAfterCooldown(t *testing.T) {
	cb := NewCircuitBreaker(1, 10*time.Millisecond)
	cb.RecordFailure()

	if cb.Allow() {
		t.Fatal("expected rejection while open")
	}

	time.Sleep(15 * time.Millisecond)

	// Exactly one probe is admitted.
	if !cb.Allow() {
		t.Fatal("expected probe after cooldown")
	}
	if cb.Allow() {
		t.Error("expected second request rejected while probe in flight")
	}
}

func TestCircuitBreaker_ClosesOnSuccessfulProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, 0)
	cb.RecordFailure()

	if !cb.Allow() {
		t.Fatal("expected probe with zero cooldown")
	}
	cb.RecordSuccess()

	if cb.State() != config.CircuitClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
	if cb.ConsecutiveFailures() != 0 {
		t.Errorf("expected failure count reset, got %d", cb.ConsecutiveFailures())
	}
	if !cb.Allow() {
		t.Error("closed circuit must allow requests")
	}
}

func TestCircuitBreaker_ReopensOnFailedProbe(t *testing.T) {
	cb := NewCircuitBreaker(1, time.Minute)
	cb.RecordFailure()

	// Force half-open by faking the cooldown via a fresh breaker with zero
	// cooldown, then fail the probe.
	cb = NewCircuitBreaker(1, 0)
	cb.RecordFailure()
	if !cb.Allow() {
		t.Fatal("expected probe")
	}
	cb.RecordFailure()

	// A zero cooldown re-admits a probe immediately, but the probe slot must
	// have been released by the failure and the open timer restarted.
	if !cb.Allow() {
		t.Error("expected new probe admitted after restart with zero cooldown")
	}
}

func TestCircuitBreaker_SuccessKeepsClosed(t *testing.T) {
	cb := NewCircuitBreaker(3, time.Minute)

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()

	if cb.State() != config.CircuitClosed {
		t.Errorf("interleaved successes must keep the circuit closed, got %s", cb.State())
	}
}

func TestCircuitManager_LazyPerKey(t *testing.T) {
	cm := NewCircuitManagerWith(2, time.Minute)

	a := cm.Get(models.ChainBitcoin, "mempool")
	b := cm.Get(models.ChainBitcoin, "blockstream")
	if a == b {
		t.Fatal("expected distinct breakers per provider")
	}
	if cm.Get(models.ChainBitcoin, "mempool") != a {
		t.Error("expected same breaker on repeat lookup")
	}

	a.RecordFailure()
	a.RecordFailure()

	states := cm.States(models.ChainBitcoin)
	if states["mempool"] != config.CircuitOpen {
		t.Errorf("expected mempool open, got %s", states["mempool"])
	}
	if states["blockstream"] != config.CircuitClosed {
		t.Errorf("expected blockstream closed, got %s", states["blockstream"])
	}
}
