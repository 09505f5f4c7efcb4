package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Fantasim/chainsync/internal/models"
)

// SaveCursor persists the resumption token for one (chain, address, stream).
// The state round-trips as JSON; the store makes no assumptions about its
// contents beyond round-trip equality.
func (d *DB) SaveCursor(chain models.Chain, address string, streamType models.StreamType, state models.CursorState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode cursor state: %w", err)
	}

	_, err = d.conn.Exec(
		`INSERT INTO import_cursors (chain, address, stream_type, cursor_json)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(chain, address, stream_type) DO UPDATE SET
		   cursor_json = excluded.cursor_json,
		   updated_at = datetime('now')`,
		string(chain), address, string(streamType), string(payload),
	)
	if err != nil {
		return fmt.Errorf("save cursor for %s/%s: %w", chain, address, err)
	}

	slog.Debug("cursor saved",
		"chain", chain,
		"streamType", streamType,
	)
	return nil
}

// GetCursor loads the persisted resumption token, or nil if none exists.
func (d *DB) GetCursor(chain models.Chain, address string, streamType models.StreamType) (*models.CursorState, error) {
	var payload string
	err := d.conn.QueryRow(
		`SELECT cursor_json FROM import_cursors
		 WHERE chain = ? AND address = ? AND stream_type = ?`,
		string(chain), address, string(streamType),
	).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load cursor for %s/%s: %w", chain, address, err)
	}

	var state models.CursorState
	if err := json.Unmarshal([]byte(payload), &state); err != nil {
		return nil, fmt.Errorf("decode cursor state for %s/%s: %w", chain, address, err)
	}
	return &state, nil
}

// DeleteCursor removes the persisted token, forcing the next import to start
// from the beginning.
func (d *DB) DeleteCursor(chain models.Chain, address string, streamType models.StreamType) error {
	_, err := d.conn.Exec(
		`DELETE FROM import_cursors WHERE chain = ? AND address = ? AND stream_type = ?`,
		string(chain), address, string(streamType),
	)
	if err != nil {
		return fmt.Errorf("delete cursor for %s/%s: %w", chain, address, err)
	}
	return nil
}

// ListCursors returns every persisted cursor position for observability.
func (d *DB) ListCursors() ([]CursorRow, error) {
	rows, err := d.conn.Query(
		`SELECT chain, address, stream_type, cursor_json, updated_at
		 FROM import_cursors ORDER BY chain, address`,
	)
	if err != nil {
		return nil, fmt.Errorf("list cursors: %w", err)
	}
	defer rows.Close()

	var out []CursorRow
	for rows.Next() {
		var row CursorRow
		var payload string
		if err := rows.Scan(&row.Chain, &row.Address, &row.StreamType, &payload, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan cursor row: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &row.State); err != nil {
			slog.Warn("skipping undecodable cursor row",
				"chain", row.Chain,
				"error", err,
			)
			continue
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

// CursorRow is one persisted cursor with its identity.
type CursorRow struct {
	Chain      string             `json:"chain"`
	Address    string             `json:"address"`
	StreamType string             `json:"streamType"`
	State      models.CursorState `json:"state"`
	UpdatedAt  string             `json:"updatedAt"`
}
