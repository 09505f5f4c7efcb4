package provider

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

// ExecuteResult is the outcome of a one-shot operation.
type ExecuteResult struct {
	Payload      any
	ProviderName string
	Attempts     []string
}

// StreamResult is one element of a streaming sequence: either a batch or the
// terminal error.
type StreamResult struct {
	Batch *models.StreamingBatch
	Err   error
}

// Manager fronts the provider pool for every chain and exposes the operation
// interface to importers. Safe for concurrent use; the importer layer
// serializes streaming calls per (chain, address).
type Manager struct {
	registry *Registry
	health   *HealthTracker
	circuits *CircuitManager
	bus      *Bus

	mu       sync.Mutex
	adapters map[healthKey]Adapter
	order    map[models.Chain][]string
}

// NewManager creates a manager over the given registry. A nil bus gets a
// private one.
func NewManager(registry *Registry, bus *Bus) *Manager {
	if bus == nil {
		bus = NewBus()
	}
	return &Manager{
		registry: registry,
		health:   NewHealthTracker(),
		circuits: NewCircuitManager(),
		bus:      bus,
		adapters: make(map[healthKey]Adapter),
		order:    make(map[models.Chain][]string),
	}
}

// Bus returns the manager's event bus for subscription.
func (m *Manager) Bus() *Bus { return m.bus }

// RegisterAdapter attaches a live adapter instance. Re-registration replaces
// the instance and resets its health record.
func (m *Manager) RegisterAdapter(a Adapter) {
	meta := a.Metadata()
	key := healthKey{chain: meta.Chain, name: meta.Name}

	m.mu.Lock()
	if _, exists := m.adapters[key]; !exists {
		m.order[meta.Chain] = append(m.order[meta.Chain], meta.Name)
	}
	m.adapters[key] = a
	m.mu.Unlock()

	m.health.Reset(meta.Chain, meta.Name)

	slog.Info("adapter registered",
		"chain", meta.Chain,
		"provider", meta.Name,
	)
}

// AutoRegisterFromConfig instantiates adapters for every enabled provider of
// a chain. An absent chain entry enables all registered providers with
// registry defaults. preferred, when set, is moved to the front of the pool.
func (m *Manager) AutoRegisterFromConfig(chain models.Chain, cfg PoolConfig, preferred string) error {
	if result := m.registry.ValidateConfig(cfg); !result.Valid {
		return &ConfigurationError{Chain: chain, Errors: result.Errors}
	}

	available := m.registry.GetAvailable(chain)
	if len(available) == 0 {
		return &ConfigurationError{Chain: chain, Errors: []string{"no providers registered"}}
	}

	chainCfg := cfg[chain]
	enabled := chainCfg.DefaultEnabled
	if len(enabled) == 0 {
		for _, meta := range available {
			enabled = append(enabled, meta.Name)
		}
	}

	if preferred != "" {
		reordered := []string{}
		for _, name := range enabled {
			if name == preferred {
				reordered = append([]string{name}, reordered...)
			} else {
				reordered = append(reordered, name)
			}
		}
		enabled = reordered
	}

	usable := 0
	var keyDiagnostics []string
	for _, name := range enabled {
		if override, ok := chainCfg.Overrides[name]; ok && !override.Enabled {
			continue
		}

		meta, err := m.registry.GetMetadata(chain, name)
		if err != nil {
			return err
		}

		providerCfg, err := m.registry.CreateDefaultConfig(chain, name)
		if err != nil {
			return err
		}
		if override, ok := chainCfg.Overrides[name]; ok {
			mergeOverride(&providerCfg, override)
		}

		if !meta.HasRequiredKey() {
			diag := fmt.Sprintf("provider %s requires API key in %s", name, meta.APIKeyEnvVar)
			keyDiagnostics = append(keyDiagnostics, diag)
			slog.Warn("provider excluded: API key missing",
				"chain", chain,
				"provider", name,
				"envVar", meta.APIKeyEnvVar,
			)
			continue
		}

		factory, err := m.registry.GetFactory(chain, name)
		if err != nil {
			return err
		}
		adapter, err := factory(meta, providerCfg)
		if err != nil {
			return fmt.Errorf("create adapter %s for %s: %w", name, chain, err)
		}

		m.RegisterAdapter(adapter)
		usable++
	}

	if usable == 0 {
		return &ConfigurationError{Chain: chain, Errors: keyDiagnostics}
	}
	return nil
}

func mergeOverride(base *ProviderConfig, override ProviderConfig) {
	if override.RateLimit.RequestsPerSecond > 0 {
		base.RateLimit.RequestsPerSecond = override.RateLimit.RequestsPerSecond
	}
	if override.RateLimit.RequestsPerMinute > 0 {
		base.RateLimit.RequestsPerMinute = override.RateLimit.RequestsPerMinute
	}
	if override.RateLimit.RequestsPerHour > 0 {
		base.RateLimit.RequestsPerHour = override.RateLimit.RequestsPerHour
	}
	if override.RateLimit.BurstLimit > 0 {
		base.RateLimit.BurstLimit = override.RateLimit.BurstLimit
	}
	if override.TimeoutMs > 0 {
		base.TimeoutMs = override.TimeoutMs
	}
	if override.Retries > 0 {
		base.Retries = override.Retries
	}
	if override.Priority != 0 {
		base.Priority = override.Priority
	}
}

// GetHealth returns health records for every provider of a chain.
func (m *Manager) GetHealth(chain models.Chain) map[string]Health {
	return m.health.Snapshot(chain)
}

// GetCircuitStates returns circuit states for every provider of a chain.
func (m *Manager) GetCircuitStates(chain models.Chain) map[string]string {
	return m.circuits.States(chain)
}

// Destroy disconnects event subscribers. Providers themselves hold no
// resources beyond their HTTP clients.
func (m *Manager) Destroy() {
	m.bus.Close()
	slog.Info("provider manager destroyed")
}

// enabledMetas returns adapter metadata in registration order for a chain.
func (m *Manager) enabledMetas(chain models.Chain) ([]Metadata, map[string]Adapter) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := m.order[chain]
	metas := make([]Metadata, 0, len(names))
	adapters := make(map[string]Adapter, len(names))
	for _, name := range names {
		if a, ok := m.adapters[healthKey{chain: chain, name: name}]; ok {
			metas = append(metas, a.Metadata())
			adapters[name] = a
		}
	}
	return metas, adapters
}

func (m *Manager) selectFor(chain models.Chain, op models.Operation) ([]Candidate, map[string]Adapter, *NoProvidersError) {
	metas, adapters := m.enabledMetas(chain)
	candidates, rejections := SelectCandidates(metas, op, m.health.Snapshot(chain), m.circuits.States(chain))
	if len(candidates) == 0 {
		return nil, nil, &NoProvidersError{Chain: chain, Operation: op.Kind, Reasons: rejections}
	}
	return candidates, adapters, nil
}

// Execute runs a one-shot operation, trying candidates in selection order.
func (m *Manager) Execute(ctx context.Context, chain models.Chain, op models.Operation) (*ExecuteResult, error) {
	candidates, adapters, noneErr := m.selectFor(chain, op)
	if noneErr != nil {
		return nil, noneErr
	}

	names := candidateNames(candidates)
	m.bus.Publish(Event{Type: EventSelection, Chain: chain, Data: SelectionData{
		Operation:  string(op.Kind),
		Address:    MaskAddress(op.Address),
		Candidates: names,
		Selected:   names[0],
	}})

	var attempts []string
	var lastErr error

	for _, cand := range candidates {
		name := cand.Meta.Name
		cb := m.circuits.Get(chain, name)
		if !cb.Allow() {
			continue
		}

		if len(attempts) > 0 {
			m.bus.Publish(Event{Type: EventFailover, Chain: chain, Data: FailoverData{
				From:   attempts[len(attempts)-1],
				To:     name,
				Reason: errReason(lastErr),
			}})
		}
		attempts = append(attempts, name)

		started := time.Now()
		payload, err := adapters[name].Execute(ctx, op)
		latency := time.Since(started)

		if err == nil {
			m.health.RecordSuccess(chain, name, latency)
			cb.RecordSuccess()
			m.bus.Publish(Event{Type: EventCallSuccess, Chain: chain, Data: CallData{
				Provider:  name,
				Operation: string(op.Kind),
				LatencyMs: latency.Milliseconds(),
			}})
			return &ExecuteResult{Payload: payload, ProviderName: name, Attempts: attempts}, nil
		}

		m.bus.Publish(Event{Type: EventCallFailure, Chain: chain, Data: CallData{
			Provider:  name,
			Operation: string(op.Kind),
			Error:     err.Error(),
		}})

		if ctx.Err() != nil {
			cb.RecordFailure()
			return nil, ctx.Err()
		}

		switch {
		case IsAuthError(err):
			// Heavily penalized but not blacklisted; the next candidate gets
			// its chance.
			m.health.RecordAuthFailure(chain, name)
			cb.RecordFailure()
			lastErr = err

		case IsRetriable(err):
			m.health.RecordFailure(chain, name)
			cb.RecordFailure()
			lastErr = err

		default:
			// Client-side 4xx: the request itself is bad, so no other
			// provider will fare better.
			return nil, err
		}
	}

	if lastErr == nil {
		_, _, noneErr := m.selectFor(chain, op)
		if noneErr != nil {
			return nil, noneErr
		}
		lastErr = errors.New("no provider admitted the request")
	}
	return nil, &AllProvidersError{Chain: chain, Operation: op.Kind, Attempts: attempts, Last: lastErr}
}

// GetAddressBalances fetches the native-asset balance for an address.
func (m *Manager) GetAddressBalances(ctx context.Context, chain models.Chain, address string) (*models.Balance, error) {
	res, err := m.Execute(ctx, chain, models.Operation{Kind: models.OpGetAddressBalances, Address: address})
	if err != nil {
		return nil, err
	}
	balance, ok := res.Payload.(*models.Balance)
	if !ok {
		return nil, fmt.Errorf("provider %s returned unexpected balance payload", res.ProviderName)
	}
	balance.ProviderName = res.ProviderName
	return balance, nil
}

// HasAddressTransactions probes whether an address has any history. Used for
// xpub gap scanning.
func (m *Manager) HasAddressTransactions(ctx context.Context, chain models.Chain, address string) (bool, error) {
	res, err := m.Execute(ctx, chain, models.Operation{Kind: models.OpHasAddressTransactions, Address: address})
	if err != nil {
		return false, err
	}
	has, ok := res.Payload.(bool)
	if !ok {
		return false, fmt.Errorf("provider %s returned unexpected probe payload", res.ProviderName)
	}
	return has, nil
}

// GetAddressInfo fetches address classification data.
func (m *Manager) GetAddressInfo(ctx context.Context, chain models.Chain, address string) (*models.AddressInfo, error) {
	res, err := m.Execute(ctx, chain, models.Operation{Kind: models.OpGetAddressInfo, Address: address})
	if err != nil {
		return nil, err
	}
	info, ok := res.Payload.(*models.AddressInfo)
	if !ok {
		return nil, fmt.Errorf("provider %s returned unexpected info payload", res.ProviderName)
	}
	info.ProviderName = res.ProviderName
	return info, nil
}

// ExecuteWithFailover starts a streaming operation and returns its result
// sequence. The sequence is lazy and single-consumer: the next page is not
// fetched until the previous result is received. Cancelling ctx stops the
// stream at the next suspension point.
func (m *Manager) ExecuteWithFailover(ctx context.Context, chain models.Chain, op models.Operation, resume *models.CursorState) <-chan StreamResult {
	out := make(chan StreamResult)
	go m.runStream(ctx, chain, op, resume, out)
	return out
}

func (m *Manager) runStream(ctx context.Context, chain models.Chain, op models.Operation, resume *models.CursorState, out chan<- StreamResult) {
	defer close(out)

	candidates, adapters, noneErr := m.selectFor(chain, op)
	if noneErr != nil {
		// Fast-fail: exactly one error, no HTTP requests issued.
		select {
		case out <- StreamResult{Err: noneErr}:
		case <-ctx.Done():
		}
		return
	}

	names := candidateNames(candidates)
	m.bus.Publish(Event{Type: EventSelection, Chain: chain, Data: SelectionData{
		Operation:  string(op.Kind),
		Address:    MaskAddress(op.Address),
		Candidates: names,
		Selected:   names[0],
	}})

	idx := 0
	current := candidates[idx]
	adapter := adapters[current.Meta.Name]

	dedup := NewDedupWindow()
	if resume != nil {
		dedup.Seed(resume.Metadata.RecentIDs)
	}

	crossProvider := resume != nil && resume.Metadata.ProviderName != "" &&
		resume.Metadata.ProviderName != current.Meta.Name
	resolved, chosen, found := ResolveCursorWithWindow(resume, current.Meta, crossProvider,
		m.replayWindowFor(chain, resume, current.Meta))
	if resume != nil && found {
		m.bus.Publish(Event{Type: EventResume, Chain: chain, Data: ResumeData{
			Provider:   current.Meta.Name,
			CursorType: string(chosen.Type),
			Exact:      !crossProvider,
		}})
	}

	lastState := resume
	pageToken := resolved.PageToken
	attempts := []string{current.Meta.Name}
	totalItems := 0
	batches := 0

	for {
		if ctx.Err() != nil {
			m.publishCancelled(chain, current.Meta.Name)
			return
		}

		name := current.Meta.Name
		cb := m.circuits.Get(chain, name)

		var page *StreamingPage
		var err error
		if !cb.Allow() {
			err = &ServiceError{Provider: name, Err: errors.New("circuit open")}
		} else {
			started := time.Now()
			page, err = adapter.FetchPage(ctx, op, resolved, pageToken)
			if err == nil {
				m.health.RecordSuccess(chain, name, time.Since(started))
				cb.RecordSuccess()
				m.bus.Publish(Event{Type: EventCallSuccess, Chain: chain, Data: CallData{
					Provider:  name,
					Operation: string(op.Kind),
					LatencyMs: time.Since(started).Milliseconds(),
				}})
			}
		}

		if err != nil {
			if ctx.Err() != nil {
				m.publishCancelled(chain, name)
				return
			}

			m.bus.Publish(Event{Type: EventCallFailure, Chain: chain, Data: CallData{
				Provider:  name,
				Operation: string(op.Kind),
				Error:     err.Error(),
			}})

			retriable := IsRetriable(err)
			if retriable || IsAuthError(err) {
				if IsAuthError(err) {
					m.health.RecordAuthFailure(chain, name)
				} else {
					m.health.RecordFailure(chain, name)
				}
				cb.RecordFailure()
			}

			if !retriable {
				select {
				case out <- StreamResult{Err: err}:
				case <-ctx.Done():
				}
				return
			}

			// Failover to the next admitted candidate.
			next := -1
			for j := idx + 1; j < len(candidates); j++ {
				if m.circuits.Get(chain, candidates[j].Meta.Name).State() != config.CircuitOpen {
					next = j
					break
				}
			}
			if next == -1 {
				reasons := make([]Rejection, 0, len(attempts))
				for _, a := range attempts {
					reasons = append(reasons, Rejection{Provider: a, Reason: "attempt failed"})
				}
				select {
				case out <- StreamResult{Err: &NoProvidersError{Chain: chain, Operation: op.Kind, Reasons: reasons}}:
				case <-ctx.Done():
				}
				return
			}

			from := name
			idx = next
			current = candidates[idx]
			adapter = adapters[current.Meta.Name]
			attempts = append(attempts, current.Meta.Name)

			m.bus.Publish(Event{Type: EventFailover, Chain: chain, Data: FailoverData{
				From:   from,
				To:     current.Meta.Name,
				Reason: errReason(err),
			}})

			// Cross-provider resume: the minting provider's replay window applies.
			prevChosen := chosen
			resolved, chosen, _ = ResolveCursorWithWindow(lastState, current.Meta, true,
				m.replayWindowFor(chain, lastState, current.Meta))
			pageToken = resolved.PageToken
			if adjusted := cursorAdjustment(prevChosen, chosen, resolved); adjusted != nil {
				adjusted.Provider = current.Meta.Name
				m.bus.Publish(Event{Type: EventCursorAdjusted, Chain: chain, Data: *adjusted})
			}
			continue
		}

		before := len(page.Items)
		items := dedup.Deduplicate(page.Items)
		totalItems += len(items)
		batches++

		state := m.buildCursorState(adapter, current.Meta, items, lastState, page.NextPageToken, dedup)
		lastState = &state

		batch := &models.StreamingBatch{
			Items:        items,
			ProviderName: name,
			Cursor:       state,
			IsComplete:   page.IsComplete,
			HasMore:      !page.IsComplete,
		}

		m.bus.Publish(Event{Type: EventStreamBatch, Chain: chain, Data: StreamBatchData{
			Provider:   name,
			Items:      len(items),
			Duplicates: before - len(items),
			IsComplete: page.IsComplete,
		}})

		select {
		case out <- StreamResult{Batch: batch}:
		case <-ctx.Done():
			m.publishCancelled(chain, name)
			return
		}

		if page.IsComplete {
			m.bus.Publish(Event{Type: EventStreamComplete, Chain: chain, Data: StreamCompleteData{
				Provider:   name,
				TotalItems: totalItems,
				Batches:    batches,
			}})
			return
		}

		// Advance the page token; the numeric resume bound stays so adapters
		// that walk newest-first know where to stop.
		pageToken = page.NextPageToken
		resolved.PageToken = pageToken
	}
}

// replayWindowFor returns the replay window of the provider that minted the
// cursor state, falling back to the target's own window when the minting
// provider is unknown or no longer registered.
func (m *Manager) replayWindowFor(chain models.Chain, state *models.CursorState, target Metadata) ReplayWindow {
	if state == nil || state.Metadata.ProviderName == "" {
		return target.ReplayWindow
	}
	meta, err := m.registry.GetMetadata(chain, state.Metadata.ProviderName)
	if err != nil {
		return target.ReplayWindow
	}
	return meta.ReplayWindow
}

// buildCursorState derives the resumption token reflecting progress through
// the newest emitted item.
func (m *Manager) buildCursorState(adapter Adapter, meta Metadata, items []models.TransactionItem, prev *models.CursorState, nextPageToken string, dedup *DedupWindow) models.CursorState {
	state := models.CursorState{}
	if prev != nil {
		state = *prev
		state.Alternatives = append([]models.Cursor(nil), prev.Alternatives...)
	}

	if len(items) > 0 {
		newest := items[len(items)-1].Normalized
		minted := adapter.ExtractCursors(newest)

		var primary *models.Cursor
		var alternatives []models.Cursor
		for i := range minted {
			c := minted[i]
			if c.Type == meta.PreferredCursor && primary == nil {
				primary = &c
			} else {
				alternatives = append(alternatives, c)
			}
		}
		if primary == nil && len(minted) > 0 {
			primary = &minted[0]
			alternatives = minted[1:]
		}
		if primary != nil {
			if primary.Type == models.CursorPageToken && nextPageToken != "" {
				primary.PageToken = nextPageToken
				primary.ProviderName = meta.Name
			}
			state.Primary = *primary
			state.Alternatives = alternatives
		}
		state.Metadata.LastTransactionID = newest.ID
	} else if nextPageToken != "" && meta.PreferredCursor == models.CursorPageToken {
		state.Primary = models.Cursor{
			Type:         models.CursorPageToken,
			PageToken:    nextPageToken,
			ProviderName: meta.Name,
		}
	}

	state.Metadata.ProviderName = meta.Name
	state.Metadata.UpdatedAt = time.Now().UTC().Format(time.RFC3339)
	state.Metadata.RecentIDs = dedup.RecentIDs()
	return state
}

func (m *Manager) publishCancelled(chain models.Chain, provider string) {
	m.bus.Publish(Event{Type: EventStreamCancelled, Chain: chain, Data: CallData{
		Provider: provider,
	}})
}

// cursorAdjustment describes a replay-window shift worth announcing: the
// resolved numeric position differs from the previously chosen cursor.
func cursorAdjustment(prev, chosen models.Cursor, resolved ResolvedCursor) *CursorAdjustedData {
	switch {
	case resolved.HasBlock && prev.Type == models.CursorBlockNumber && resolved.FromBlock != prev.BlockNumber:
		return &CursorAdjustedData{CursorType: string(models.CursorBlockNumber), From: prev.BlockNumber, To: resolved.FromBlock}
	case resolved.HasBlock && chosen.Type == models.CursorBlockNumber && resolved.FromBlock != chosen.BlockNumber:
		return &CursorAdjustedData{CursorType: string(models.CursorBlockNumber), From: chosen.BlockNumber, To: resolved.FromBlock}
	case resolved.HasTimestamp && prev.Type == models.CursorTimestamp && resolved.FromTimestamp != prev.Timestamp:
		return &CursorAdjustedData{CursorType: string(models.CursorTimestamp), From: prev.Timestamp, To: resolved.FromTimestamp}
	case resolved.HasTimestamp && chosen.Type == models.CursorTimestamp && resolved.FromTimestamp != chosen.Timestamp:
		return &CursorAdjustedData{CursorType: string(models.CursorTimestamp), From: chosen.Timestamp, To: resolved.FromTimestamp}
	}
	return nil
}

func candidateNames(candidates []Candidate) []string {
	names := make([]string, len(candidates))
	for i, c := range candidates {
		names[i] = c.Meta.Name
	}
	return names
}

func errReason(err error) string {
	if err == nil {
		return "circuit open"
	}
	return err.Error()
}
