package store

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
)

// UpsertTransactionBatch stores a batch of normalized transactions and the
// matching cursor in one database transaction, so a crash between batches
// never leaves the cursor ahead of the data. Inserts are idempotent on
// event_id, which makes replayed items harmless.
func (d *DB) UpsertTransactionBatch(chain models.Chain, address string, streamType models.StreamType, items []models.ImportedTransaction, cursor models.CursorState) error {
	tx, err := d.conn.Begin()
	if err != nil {
		return fmt.Errorf("begin batch transaction: %w", err)
	}

	for _, item := range items {
		if _, err := tx.Exec(
			`INSERT INTO transactions (chain, address, event_id, tx_id, block_number, timestamp, amount, asset, direction, provider_name, raw)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(event_id) DO NOTHING`,
			string(item.Chain), item.Address, item.EventID, item.TxID,
			item.BlockNumber, item.Timestamp, item.Amount, item.Asset,
			item.Direction, item.ProviderName, item.Raw,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert transaction %s: %w", item.EventID, err)
		}

		if _, err := tx.Exec(
			`INSERT INTO recent_event_ids (chain, address, event_id, seq)
			 VALUES (?, ?, ?, COALESCE((SELECT MAX(seq) FROM recent_event_ids WHERE chain = ? AND address = ?), 0) + 1)
			 ON CONFLICT(chain, address, event_id) DO NOTHING`,
			string(chain), address, item.EventID, string(chain), address,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record recent event id: %w", err)
		}
	}

	// Trim the recent-ID window to the dedup capacity.
	if _, err := tx.Exec(
		`DELETE FROM recent_event_ids
		 WHERE chain = ? AND address = ? AND seq <=
		   (SELECT MAX(seq) FROM recent_event_ids WHERE chain = ? AND address = ?) - ?`,
		string(chain), address, string(chain), address, config.DedupWindowCapacity,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("trim recent event ids: %w", err)
	}

	payload, err := encodeCursor(cursor)
	if err != nil {
		tx.Rollback()
		return err
	}
	if _, err := tx.Exec(
		`INSERT INTO import_cursors (chain, address, stream_type, cursor_json)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(chain, address, stream_type) DO UPDATE SET
		   cursor_json = excluded.cursor_json,
		   updated_at = datetime('now')`,
		string(chain), address, string(streamType), payload,
	); err != nil {
		tx.Rollback()
		return fmt.Errorf("save cursor in batch: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit batch transaction: %w", err)
	}

	slog.Debug("transaction batch stored",
		"chain", chain,
		"items", len(items),
	)
	return nil
}

// GetRecentEventIDs returns the most recently stored event IDs for an
// address, oldest first, for pre-seeding the dedup window.
func (d *DB) GetRecentEventIDs(chain models.Chain, address string, limit int) ([]string, error) {
	rows, err := d.conn.Query(
		`SELECT event_id FROM (
		   SELECT event_id, seq FROM recent_event_ids
		   WHERE chain = ? AND address = ?
		   ORDER BY seq DESC LIMIT ?
		 ) ORDER BY seq ASC`,
		string(chain), address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("load recent event ids: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountTransactions returns the stored transaction count for an address.
func (d *DB) CountTransactions(chain models.Chain, address string) (int64, error) {
	var count int64
	err := d.conn.QueryRow(
		`SELECT COUNT(*) FROM transactions WHERE chain = ? AND address = ?`,
		string(chain), address,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count transactions: %w", err)
	}
	return count, nil
}

// GetTransactions returns stored transactions for an address ordered by
// block number ascending.
func (d *DB) GetTransactions(chain models.Chain, address string, limit int) ([]models.ImportedTransaction, error) {
	rows, err := d.conn.Query(
		`SELECT chain, address, event_id, tx_id, block_number, timestamp, amount, asset,
		        COALESCE(direction, ''), provider_name, COALESCE(raw, ''), created_at
		 FROM transactions WHERE chain = ? AND address = ?
		 ORDER BY block_number ASC, id ASC LIMIT ?`,
		string(chain), address, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query transactions: %w", err)
	}
	defer rows.Close()

	var out []models.ImportedTransaction
	for rows.Next() {
		var t models.ImportedTransaction
		var chainStr string
		if err := rows.Scan(&chainStr, &t.Address, &t.EventID, &t.TxID, &t.BlockNumber,
			&t.Timestamp, &t.Amount, &t.Asset, &t.Direction, &t.ProviderName, &t.Raw, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		t.Chain = models.Chain(chainStr)
		out = append(out, t)
	}
	return out, rows.Err()
}

func encodeCursor(cursor models.CursorState) (string, error) {
	payload, err := json.Marshal(cursor)
	if err != nil {
		return "", fmt.Errorf("encode cursor state: %w", err)
	}
	return string(payload), nil
}
