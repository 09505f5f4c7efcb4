package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

type fetchCall struct {
	cursor    ResolvedCursor
	pageToken string
}

// mockAdapter implements Adapter for testing.
type mockAdapter struct {
	meta      Metadata
	executeFn func(ctx context.Context, op models.Operation) (any, error)
	fetchFn   func(ctx context.Context, op models.Operation, cursor ResolvedCursor, pageToken string) (*StreamingPage, error)

	mu           sync.Mutex
	executeCalls int
	fetchCalls   []fetchCall
}

func (m *mockAdapter) Metadata() Metadata { return m.meta }

func (m *mockAdapter) Execute(ctx context.Context, op models.Operation) (any, error) {
	m.mu.Lock()
	m.executeCalls++
	m.mu.Unlock()
	if m.executeFn != nil {
		return m.executeFn(ctx, op)
	}
	return nil, errors.New("no execute stub")
}

func (m *mockAdapter) FetchPage(ctx context.Context, op models.Operation, cursor ResolvedCursor, pageToken string) (*StreamingPage, error) {
	m.mu.Lock()
	m.fetchCalls = append(m.fetchCalls, fetchCall{cursor: cursor, pageToken: pageToken})
	m.mu.Unlock()
	if m.fetchFn != nil {
		return m.fetchFn(ctx, op, cursor, pageToken)
	}
	return &StreamingPage{IsComplete: true}, nil
}

func (m *mockAdapter) ExtractCursors(item models.NormalizedTransaction) []models.Cursor {
	return []models.Cursor{
		{Type: models.CursorPageToken, PageToken: item.ID, ProviderName: m.meta.Name},
		{Type: models.CursorBlockNumber, BlockNumber: item.BlockNumber},
		{Type: models.CursorTimestamp, Timestamp: item.Timestamp},
	}
}

func (m *mockAdapter) ApplyReplayWindow(c models.Cursor) models.Cursor {
	return ShiftCursor(c, m.meta.ReplayWindow)
}

func (m *mockAdapter) fetches() []fetchCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]fetchCall(nil), m.fetchCalls...)
}

func btcMeta(name string, rps float64, replayBlocks int64) Metadata {
	return Metadata{
		Name:  name,
		Chain: models.ChainBitcoin,
		Operations: []models.OperationKind{
			models.OpGetAddressTransactions,
			models.OpGetAddressBalances,
			models.OpHasAddressTransactions,
		},
		StreamTypes:     []models.StreamType{models.StreamNormal},
		CursorTypes:     []models.CursorType{models.CursorPageToken, models.CursorBlockNumber, models.CursorTimestamp},
		PreferredCursor: models.CursorPageToken,
		ReplayWindow:    ReplayWindow{Blocks: replayBlocks},
		RateLimit:       RateLimitPolicy{RequestsPerSecond: rps},
	}
}

func newTestManager(t *testing.T, adapters ...*mockAdapter) *Manager {
	t.Helper()
	registry := NewRegistry()
	m := NewManager(registry, nil)
	for _, a := range adapters {
		registry.Register(a.meta, func(meta Metadata, cfg ProviderConfig) (Adapter, error) {
			return a, nil
		})
		m.RegisterAdapter(a)
	}
	return m
}

func makeItems(prefix string, from, count int, startBlock int64) []models.TransactionItem {
	items := make([]models.TransactionItem, count)
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-%d", prefix, from+i)
		items[i] = models.TransactionItem{Normalized: models.NormalizedTransaction{
			ID:          id,
			EventID:     id,
			Chain:       models.ChainBitcoin,
			BlockNumber: startBlock + int64(i),
			Timestamp:   1_700_000_000 + int64(from+i),
			Amount:      "1",
			Asset:       "BTC",
		}}
	}
	return items
}

func collectEvents(ch chan Event) []Event {
	var events []Event
	for {
		select {
		case e := <-ch:
			events = append(events, e)
		default:
			return events
		}
	}
}

func eventTypes(events []Event) []EventType {
	out := make([]EventType, len(events))
	for i, e := range events {
		out[i] = e.Type
	}
	return out
}

// Straight-line stream: three pages from the first candidate, no failover.
func TestManager_StreamStraightLine(t *testing.T) {
	mempool := &mockAdapter{meta: btcMeta("mempool", 3, 4)}
	blockstream := &mockAdapter{meta: btcMeta("blockstream", 2, 6)}

	pages := []*StreamingPage{
		{Items: makeItems("tx", 0, 50, 1000), NextPageToken: "tx-49"},
		{Items: makeItems("tx", 50, 50, 1050), NextPageToken: "tx-99"},
		{Items: makeItems("tx", 100, 12, 1100), IsComplete: true},
	}
	call := 0
	mempool.fetchFn = func(_ context.Context, _ models.Operation, _ ResolvedCursor, _ string) (*StreamingPage, error) {
		p := pages[call]
		call++
		return p, nil
	}

	m := newTestManager(t, mempool, blockstream)
	events := m.Bus().Subscribe()

	op := models.Operation{Kind: models.OpGetAddressTransactions, Address: "bc1qxyz"}
	var batches []*models.StreamingBatch
	for res := range m.ExecuteWithFailover(context.Background(), models.ChainBitcoin, op, nil) {
		if res.Err != nil {
			t.Fatalf("unexpected stream error: %v", res.Err)
		}
		batches = append(batches, res.Batch)
	}

	if len(batches) != 3 {
		t.Fatalf("expected 3 batches, got %d", len(batches))
	}
	total := 0
	for _, b := range batches {
		total += len(b.Items)
		if b.ProviderName != "mempool" {
			t.Errorf("expected all batches from mempool, got %s", b.ProviderName)
		}
	}
	if total != 112 {
		t.Errorf("expected 112 items, got %d", total)
	}

	final := batches[2]
	if !final.IsComplete {
		t.Error("final batch must be complete")
	}
	if final.Cursor.Metadata.ProviderName != "mempool" {
		t.Errorf("cursor must name the producing provider, got %s", final.Cursor.Metadata.ProviderName)
	}
	if final.Cursor.Primary.Type != models.CursorPageToken {
		t.Errorf("expected page-token primary cursor, got %s", final.Cursor.Primary.Type)
	}

	if len(blockstream.fetches()) != 0 {
		t.Error("blockstream must never be invoked")
	}

	got := eventTypes(collectEvents(events))
	want := []EventType{
		EventSelection,
		EventCallSuccess, EventStreamBatch,
		EventCallSuccess, EventStreamBatch,
		EventCallSuccess, EventStreamBatch,
		EventStreamComplete,
	}
	if len(got) != len(want) {
		t.Fatalf("expected events %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

// Failover with replay: the block cursor extracted from the last mempool item
// is shifted by mempool's replay window before blockstream takes over, and
// the dedup window hides the overlap.
func TestManager_StreamFailoverAppliesReplay(t *testing.T) {
	mempool := &mockAdapter{meta: btcMeta("mempool", 3, 4)}
	blockstream := &mockAdapter{meta: btcMeta("blockstream", 2, 6)}

	call := 0
	mempool.fetchFn = func(_ context.Context, _ models.Operation, _ ResolvedCursor, _ string) (*StreamingPage, error) {
		call++
		if call == 1 {
			// Last item lands on block 1049.
			return &StreamingPage{Items: makeItems("tx", 0, 50, 1000), NextPageToken: "tx-49"}, nil
		}
		return nil, &ServiceError{Provider: "mempool", Status: 503}
	}

	blockstream.fetchFn = func(_ context.Context, _ models.Operation, _ ResolvedCursor, _ string) (*StreamingPage, error) {
		// Replays the last five mempool items, then fresh ones.
		items := append(makeItems("tx", 45, 5, 1045), makeItems("tx", 50, 10, 1050)...)
		return &StreamingPage{Items: items, IsComplete: true}, nil
	}

	m := newTestManager(t, mempool, blockstream)
	events := m.Bus().Subscribe()

	op := models.Operation{Kind: models.OpGetAddressTransactions, Address: "bc1qxyz"}
	var batches []*models.StreamingBatch
	for res := range m.ExecuteWithFailover(context.Background(), models.ChainBitcoin, op, nil) {
		if res.Err != nil {
			t.Fatalf("unexpected stream error: %v", res.Err)
		}
		batches = append(batches, res.Batch)
	}

	if len(batches) != 2 {
		t.Fatalf("expected 2 batches, got %d", len(batches))
	}
	if batches[1].ProviderName != "blockstream" {
		t.Errorf("expected second batch from blockstream, got %s", batches[1].ProviderName)
	}
	// Dedup drops the five replayed items.
	if len(batches[1].Items) != 10 {
		t.Errorf("expected 10 new items after dedup, got %d", len(batches[1].Items))
	}

	// Mempool's page token is useless to blockstream; the blockNumber
	// alternative (1049) shifts back by mempool's replay window (4).
	fetches := blockstream.fetches()
	if len(fetches) != 1 {
		t.Fatalf("expected 1 blockstream fetch, got %d", len(fetches))
	}
	if !fetches[0].cursor.HasBlock || fetches[0].cursor.FromBlock != 1045 {
		t.Errorf("expected fromBlock 1045, got %+v", fetches[0].cursor)
	}

	got := eventTypes(collectEvents(events))
	var sawFailover, sawAdjusted bool
	for i, e := range got {
		switch e {
		case EventFailover:
			sawFailover = true
		case EventCursorAdjusted:
			if !sawFailover {
				t.Error("cursor.adjusted must follow failover")
			}
			sawAdjusted = true
			// The adjusted cursor precedes the next fetch's success event.
			for _, later := range got[i+1:] {
				if later == EventFailover {
					t.Error("unexpected second failover")
				}
			}
		}
	}
	if !sawFailover || !sawAdjusted {
		t.Errorf("expected failover and cursor.adjusted events, got %v", got)
	}

	// Mempool took the failure on health and circuit.
	health := m.GetHealth(models.ChainBitcoin)
	if health["mempool"].ConsecutiveFailures != 1 {
		t.Errorf("expected 1 consecutive failure for mempool, got %d", health["mempool"].ConsecutiveFailures)
	}
}

// One-shot fallback: first provider times out, second answers.
func TestManager_ExecuteFallsOver(t *testing.T) {
	alchemy := &mockAdapter{meta: btcMeta("alchemy", 5, 12)}
	moralis := &mockAdapter{meta: btcMeta("moralis", 2, 12)}

	alchemy.executeFn = func(context.Context, models.Operation) (any, error) {
		return nil, &TimeoutError{Provider: "alchemy", Elapsed: time.Second}
	}
	moralis.executeFn = func(context.Context, models.Operation) (any, error) {
		return &models.Balance{DecimalAmount: "1.25", Symbol: "ETH", Decimals: 18}, nil
	}

	m := newTestManager(t, alchemy, moralis)

	balance, err := m.GetAddressBalances(context.Background(), models.ChainBitcoin, "0xabc")
	if err != nil {
		t.Fatalf("expected fallback success, got %v", err)
	}
	if balance.DecimalAmount != "1.25" || balance.ProviderName != "moralis" {
		t.Errorf("unexpected payload: %+v", balance)
	}

	health := m.GetHealth(models.ChainBitcoin)
	if health["alchemy"].Score != 90 {
		t.Errorf("expected alchemy score 90, got %f", health["alchemy"].Score)
	}
	if health["alchemy"].ConsecutiveFailures != 1 {
		t.Errorf("expected alchemy consecutiveFailures 1, got %d", health["alchemy"].ConsecutiveFailures)
	}
}

func TestManager_ExecuteClientErrorFailsFast(t *testing.T) {
	first := &mockAdapter{meta: btcMeta("first", 3, 4)}
	second := &mockAdapter{meta: btcMeta("second", 3, 4)}

	first.executeFn = func(context.Context, models.Operation) (any, error) {
		return nil, &HttpError{Provider: "first", Status: 400, BodyExcerpt: "bad address"}
	}

	m := newTestManager(t, first, second)

	_, err := m.Execute(context.Background(), models.ChainBitcoin, models.Operation{Kind: models.OpGetAddressBalances, Address: "junk"})

	var httpErr *HttpError
	if !errors.As(err, &httpErr) {
		t.Fatalf("expected HttpError, got %v", err)
	}
	second.mu.Lock()
	calls := second.executeCalls
	second.mu.Unlock()
	if calls != 0 {
		t.Error("a client error must not fail over to the next provider")
	}
}

// Circuit opens after the threshold of consecutive failures, excludes the
// provider from selection, and admits exactly one probe after the cooldown.
func TestManager_CircuitOpensAndProbes(t *testing.T) {
	flaky := &mockAdapter{meta: btcMeta("flaky", 3, 4)}
	flaky.executeFn = func(context.Context, models.Operation) (any, error) {
		return nil, &ServiceError{Provider: "flaky", Status: 500}
	}

	m := newTestManager(t, flaky)
	m.circuits = NewCircuitManagerWith(5, 30*time.Millisecond)

	op := models.Operation{Kind: models.OpGetAddressBalances, Address: "bc1qxyz"}

	for i := 0; i < 5; i++ {
		if _, err := m.Execute(context.Background(), models.ChainBitcoin, op); err == nil {
			t.Fatal("expected failure")
		}
	}

	if states := m.GetCircuitStates(models.ChainBitcoin); states["flaky"] != config.CircuitOpen {
		t.Fatalf("expected open circuit after 5 failures, got %s", states["flaky"])
	}

	// While open, selection rejects the provider without touching it.
	before := flaky.executeCalls
	_, err := m.Execute(context.Background(), models.ChainBitcoin, op)
	var noneErr *NoProvidersError
	if !errors.As(err, &noneErr) {
		t.Fatalf("expected NoProvidersError while open, got %v", err)
	}
	if flaky.executeCalls != before {
		t.Error("open circuit must prevent provider calls")
	}

	// After cooldown exactly one probe goes through.
	time.Sleep(40 * time.Millisecond)
	m.Execute(context.Background(), models.ChainBitcoin, op)
	if flaky.executeCalls != before+1 {
		t.Errorf("expected exactly one probe, got %d extra calls", flaky.executeCalls-before)
	}
}

// No-candidate fast-fail: one error, zero fetches.
func TestManager_StreamNoCandidatesFastFail(t *testing.T) {
	probeOnly := &mockAdapter{meta: Metadata{
		Name:       "probe-only",
		Chain:      models.ChainBitcoin,
		Operations: []models.OperationKind{models.OpHasAddressTransactions},
	}}

	m := newTestManager(t, probeOnly)

	op := models.Operation{Kind: models.OpGetAddressTransactions, Address: "bc1qxyz"}
	var results []StreamResult
	for res := range m.ExecuteWithFailover(context.Background(), models.ChainBitcoin, op, nil) {
		results = append(results, res)
	}

	if len(results) != 1 {
		t.Fatalf("expected exactly one result, got %d", len(results))
	}
	var noneErr *NoProvidersError
	if !errors.As(results[0].Err, &noneErr) {
		t.Fatalf("expected NoProvidersError, got %v", results[0].Err)
	}
	if len(probeOnly.fetches()) != 0 {
		t.Error("no HTTP requests may be issued")
	}
}

// Same-provider resume is exact and the seeded dedup window suppresses the
// overlap inside the first page.
func TestManager_StreamResumeSameProvider(t *testing.T) {
	mempool := &mockAdapter{meta: btcMeta("mempool", 3, 4)}
	mempool.meta.PreferredCursor = models.CursorBlockNumber

	mempool.fetchFn = func(_ context.Context, _ models.Operation, cursor ResolvedCursor, _ string) (*StreamingPage, error) {
		// Page includes ids 15..50 starting at the resume block.
		return &StreamingPage{Items: makeItems("id", 15, 36, cursor.FromBlock), IsComplete: true}, nil
	}

	m := newTestManager(t, mempool)
	events := m.Bus().Subscribe()

	recent := make([]string, 20)
	for i := range recent {
		recent[i] = fmt.Sprintf("id-%d", i+1)
	}
	resume := &models.CursorState{
		Primary: models.Cursor{Type: models.CursorBlockNumber, BlockNumber: 100},
		Metadata: models.CursorMetadata{
			ProviderName: "mempool",
			RecentIDs:    recent,
		},
	}

	op := models.Operation{Kind: models.OpGetAddressTransactions, Address: "bc1qxyz"}
	var batches []*models.StreamingBatch
	for res := range m.ExecuteWithFailover(context.Background(), models.ChainBitcoin, op, resume) {
		if res.Err != nil {
			t.Fatalf("unexpected error: %v", res.Err)
		}
		batches = append(batches, res.Batch)
	}

	fetches := mempool.fetches()
	if len(fetches) != 1 || fetches[0].cursor.FromBlock != 100 {
		t.Fatalf("same-provider resume must use block 100 exactly, got %+v", fetches)
	}

	if len(batches) != 1 || len(batches[0].Items) != 30 {
		t.Fatalf("expected 30 deduplicated items, got %d", len(batches[0].Items))
	}
	if first := batches[0].Items[0].Normalized.EventID; first != "id-21" {
		t.Errorf("expected first emitted id-21, got %s", first)
	}

	got := eventTypes(collectEvents(events))
	if got[0] != EventSelection || got[1] != EventResume {
		t.Errorf("expected selection then resume, got %v", got)
	}
}

// Probe on an empty address: one request, Ok(false), no stream events.
func TestManager_HasAddressTransactionsEmpty(t *testing.T) {
	mempool := &mockAdapter{meta: btcMeta("mempool", 3, 4)}
	mempool.executeFn = func(context.Context, models.Operation) (any, error) {
		return false, nil
	}

	m := newTestManager(t, mempool)
	events := m.Bus().Subscribe()

	has, err := m.HasAddressTransactions(context.Background(), models.ChainBitcoin, "bc1qnew")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if has {
		t.Error("expected false for empty address")
	}
	if mempool.executeCalls != 1 {
		t.Errorf("expected exactly one request, got %d", mempool.executeCalls)
	}

	for _, e := range collectEvents(events) {
		if e.Type == EventStreamBatch || e.Type == EventStreamComplete {
			t.Errorf("one-shot call must not emit stream events, got %s", e.Type)
		}
	}
}

// Dropping the consumer stops the stream: at most one extra fetch, channel
// closes, no events after the cancellation marker.
func TestManager_StreamCancellation(t *testing.T) {
	mempool := &mockAdapter{meta: btcMeta("mempool", 3, 4)}

	call := 0
	mempool.fetchFn = func(_ context.Context, _ models.Operation, _ ResolvedCursor, _ string) (*StreamingPage, error) {
		call++
		return &StreamingPage{
			Items:         makeItems("tx", call*100, 5, int64(call*100)),
			NextPageToken: fmt.Sprintf("tx-%d", call*100+4),
		}, nil
	}

	m := newTestManager(t, mempool)

	ctx, cancel := context.WithCancel(context.Background())
	stream := m.ExecuteWithFailover(ctx, models.ChainBitcoin, models.Operation{
		Kind: models.OpGetAddressTransactions, Address: "bc1qxyz",
	}, nil)

	for i := 0; i < 2; i++ {
		res, ok := <-stream
		if !ok || res.Err != nil {
			t.Fatalf("expected batch %d, got ok=%v err=%v", i, ok, res.Err)
		}
	}
	cancel()

	// Drain until close.
	for range stream {
	}

	fetchCount := len(mempool.fetches())
	if fetchCount > 3 {
		t.Errorf("expected at most one extra fetch after cancellation, got %d total", fetchCount)
	}
}

// Mid-stream exhaustion of all candidates ends with one typed error.
func TestManager_StreamAllCandidatesFail(t *testing.T) {
	a := &mockAdapter{meta: btcMeta("a", 3, 4)}
	b := &mockAdapter{meta: btcMeta("b", 2, 4)}

	fail := func(context.Context, models.Operation, ResolvedCursor, string) (*StreamingPage, error) {
		return nil, &ServiceError{Provider: "x", Status: 500}
	}
	a.fetchFn = fail
	b.fetchFn = fail

	m := newTestManager(t, a, b)

	op := models.Operation{Kind: models.OpGetAddressTransactions, Address: "bc1qxyz"}
	var results []StreamResult
	for res := range m.ExecuteWithFailover(context.Background(), models.ChainBitcoin, op, nil) {
		results = append(results, res)
	}

	if len(results) != 1 {
		t.Fatalf("expected exactly one terminal error, got %d results", len(results))
	}
	var noneErr *NoProvidersError
	if !errors.As(results[0].Err, &noneErr) {
		t.Fatalf("expected NoProvidersError with attempts, got %v", results[0].Err)
	}
	if len(noneErr.Reasons) != 2 {
		t.Errorf("expected both attempts recorded, got %+v", noneErr.Reasons)
	}
}

// Non-retriable stream error propagates without failover.
func TestManager_StreamNonRetriableStops(t *testing.T) {
	a := &mockAdapter{meta: btcMeta("a", 3, 4)}
	b := &mockAdapter{meta: btcMeta("b", 2, 4)}

	a.fetchFn = func(context.Context, models.Operation, ResolvedCursor, string) (*StreamingPage, error) {
		return nil, &HttpError{Provider: "a", Status: 400, BodyExcerpt: "bad request"}
	}

	m := newTestManager(t, a, b)

	op := models.Operation{Kind: models.OpGetAddressTransactions, Address: "bc1qxyz"}
	var last StreamResult
	count := 0
	for res := range m.ExecuteWithFailover(context.Background(), models.ChainBitcoin, op, nil) {
		last = res
		count++
	}

	if count != 1 {
		t.Fatalf("expected single terminal result, got %d", count)
	}
	var httpErr *HttpError
	if !errors.As(last.Err, &httpErr) {
		t.Fatalf("expected HttpError, got %v", last.Err)
	}
	if len(b.fetches()) != 0 {
		t.Error("non-retriable errors must not fail over")
	}
}
