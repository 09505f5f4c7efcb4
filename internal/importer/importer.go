package importer

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
	"github.com/Fantasim/chainsync/internal/store"
)

// Result summarizes one completed import run.
type Result struct {
	Chain    models.Chain `json:"chain"`
	Address  string       `json:"address"`
	Items    int          `json:"items"`
	Batches  int          `json:"batches"`
	Duration string       `json:"duration"`
}

type importKey struct {
	chain   models.Chain
	address string
	stream  models.StreamType
}

// Importer drives streaming imports through the provider manager and
// persists each batch before pulling the next, so a failure mid-stream never
// loses acknowledged progress. Concurrent imports are serialized per
// (chain, address, stream type); the manager itself does not enforce that.
type Importer struct {
	manager *provider.Manager
	db      *store.DB

	mu      sync.Mutex
	running map[importKey]struct{}
}

// New creates an importer over the manager and store.
func New(manager *provider.Manager, db *store.DB) *Importer {
	return &Importer{
		manager: manager,
		db:      db,
		running: make(map[importKey]struct{}),
	}
}

// ImportAddress streams the full transaction history of one address,
// resuming from the persisted cursor when one exists.
func (imp *Importer) ImportAddress(ctx context.Context, chain models.Chain, address string, streamType models.StreamType) (*Result, error) {
	if streamType == "" {
		streamType = models.StreamNormal
	}
	key := importKey{chain: chain, address: address, stream: streamType}

	imp.mu.Lock()
	if _, busy := imp.running[key]; busy {
		imp.mu.Unlock()
		return nil, fmt.Errorf("%w: %s %s", config.ErrImportAlreadyRunning, chain, provider.MaskAddress(address))
	}
	imp.running[key] = struct{}{}
	imp.mu.Unlock()

	defer func() {
		imp.mu.Lock()
		delete(imp.running, key)
		imp.mu.Unlock()
	}()

	resume, err := imp.db.GetCursor(chain, address, streamType)
	if err != nil {
		slog.Warn("failed to load persisted cursor, starting fresh",
			"chain", chain,
			"address", provider.MaskAddress(address),
			"error", err,
		)
		resume = nil
	}

	if resume != nil {
		// The persisted recent IDs seed the dedup window so the replay
		// overlap after a restart stays invisible downstream.
		recent, err := imp.db.GetRecentEventIDs(chain, address, config.DedupWindowCapacity)
		if err != nil {
			slog.Warn("failed to load recent event ids",
				"chain", chain,
				"error", err,
			)
		} else {
			resume.Metadata.RecentIDs = recent
		}

		slog.Info("resuming import",
			"chain", chain,
			"address", provider.MaskAddress(address),
			"cursorType", resume.Primary.Type,
			"seededIds", len(resume.Metadata.RecentIDs),
		)
	} else {
		slog.Info("starting import from beginning",
			"chain", chain,
			"address", provider.MaskAddress(address),
			"streamType", streamType,
		)
	}

	startTime := time.Now()
	op := models.Operation{
		Kind:       models.OpGetAddressTransactions,
		Address:    address,
		StreamType: streamType,
	}

	totalItems := 0
	batches := 0
	var lastCursor *models.CursorState

	for res := range imp.manager.ExecuteWithFailover(ctx, chain, op, resume) {
		if res.Err != nil {
			if totalItems > 0 || batches > 0 {
				return nil, &provider.PartialImportError{
					SuccessfulItems: totalItems,
					LastCursor:      lastCursor,
					Cause:           res.Err,
				}
			}
			return nil, res.Err
		}

		batch := res.Batch
		rows := make([]models.ImportedTransaction, 0, len(batch.Items))
		for _, item := range batch.Items {
			rows = append(rows, models.ImportedTransaction{
				Chain:        chain,
				Address:      address,
				EventID:      item.Normalized.EventID,
				TxID:         item.Normalized.ID,
				BlockNumber:  item.Normalized.BlockNumber,
				Timestamp:    item.Normalized.Timestamp,
				Amount:       item.Normalized.Amount,
				Asset:        item.Normalized.Asset,
				Direction:    item.Normalized.Direction,
				ProviderName: batch.ProviderName,
				Raw:          string(item.Raw),
			})
		}

		// Persist data + cursor atomically before pulling the next page.
		if err := imp.db.UpsertTransactionBatch(chain, address, streamType, rows, batch.Cursor); err != nil {
			return nil, &provider.PartialImportError{
				SuccessfulItems: totalItems,
				LastCursor:      lastCursor,
				Cause:           fmt.Errorf("persist batch: %w", err),
			}
		}

		cursor := batch.Cursor
		lastCursor = &cursor
		totalItems += len(batch.Items)
		batches++

		slog.Info("import batch stored",
			"chain", chain,
			"address", provider.MaskAddress(address),
			"provider", batch.ProviderName,
			"items", len(batch.Items),
			"total", totalItems,
		)
	}

	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	duration := time.Since(startTime).Round(time.Millisecond)
	slog.Info("import completed",
		"chain", chain,
		"address", provider.MaskAddress(address),
		"items", totalItems,
		"batches", batches,
		"duration", duration,
	)

	return &Result{
		Chain:    chain,
		Address:  address,
		Items:    totalItems,
		Batches:  batches,
		Duration: duration.String(),
	}, nil
}

// SnapshotHealth persists the manager's current health and circuit view for
// dashboards that read the database rather than the live API.
func (imp *Importer) SnapshotHealth(chain models.Chain) error {
	health := imp.manager.GetHealth(chain)
	circuits := imp.manager.GetCircuitStates(chain)

	for name, h := range health {
		row := store.ProviderHealthRow{
			ProviderName:     name,
			Chain:            string(chain),
			Score:            h.Score,
			AvgLatencyMs:     h.AvgLatencyMs,
			ConsecutiveFails: h.ConsecutiveFailures,
			CircuitState:     circuits[name],
		}
		if !h.LastSuccess.IsZero() {
			row.LastSuccess = h.LastSuccess.UTC().Format(time.RFC3339)
		}
		if !h.LastFailure.IsZero() {
			row.LastFailure = h.LastFailure.UTC().Format(time.RFC3339)
		}
		if row.CircuitState == "" {
			row.CircuitState = config.CircuitClosed
		}
		if err := imp.db.UpsertProviderHealth(row); err != nil {
			return err
		}
	}
	return nil
}
