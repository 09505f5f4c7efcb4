package store

import (
	"database/sql"
	"fmt"
	"log/slog"
)

// ProviderHealthRow represents a row in the provider_health table.
type ProviderHealthRow struct {
	ProviderName     string  `json:"providerName"`
	Chain            string  `json:"chain"`
	Score            float64 `json:"score"`
	AvgLatencyMs     float64 `json:"avgLatencyMs"`
	ConsecutiveFails int     `json:"consecutiveFails"`
	CircuitState     string  `json:"circuitState"`
	LastSuccess      string  `json:"lastSuccess,omitempty"`
	LastFailure      string  `json:"lastFailure,omitempty"`
	UpdatedAt        string  `json:"updatedAt,omitempty"`
}

// UpsertProviderHealth inserts or updates a provider health snapshot.
func (d *DB) UpsertProviderHealth(ph ProviderHealthRow) error {
	slog.Debug("upserting provider health",
		"provider", ph.ProviderName,
		"chain", ph.Chain,
		"score", ph.Score,
		"circuitState", ph.CircuitState,
	)

	_, err := d.conn.Exec(
		`INSERT INTO provider_health (provider_name, chain, score, avg_latency_ms, consecutive_fails, circuit_state, last_success, last_failure)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(chain, provider_name) DO UPDATE SET
		   score = excluded.score,
		   avg_latency_ms = excluded.avg_latency_ms,
		   consecutive_fails = excluded.consecutive_fails,
		   circuit_state = excluded.circuit_state,
		   last_success = excluded.last_success,
		   last_failure = excluded.last_failure,
		   updated_at = datetime('now')`,
		ph.ProviderName,
		ph.Chain,
		ph.Score,
		ph.AvgLatencyMs,
		ph.ConsecutiveFails,
		ph.CircuitState,
		ph.LastSuccess,
		ph.LastFailure,
	)
	if err != nil {
		return fmt.Errorf("upsert provider health %s: %w", ph.ProviderName, err)
	}
	return nil
}

// GetProviderHealth returns a single provider's health snapshot.
// Returns nil if not found.
func (d *DB) GetProviderHealth(chain, providerName string) (*ProviderHealthRow, error) {
	row := d.conn.QueryRow(
		`SELECT provider_name, chain, score, avg_latency_ms, consecutive_fails, circuit_state,
		        COALESCE(last_success, '') as last_success,
		        COALESCE(last_failure, '') as last_failure,
		        updated_at
		 FROM provider_health WHERE chain = ? AND provider_name = ?`,
		chain, providerName,
	)

	var ph ProviderHealthRow
	err := row.Scan(
		&ph.ProviderName, &ph.Chain, &ph.Score, &ph.AvgLatencyMs,
		&ph.ConsecutiveFails, &ph.CircuitState, &ph.LastSuccess,
		&ph.LastFailure, &ph.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("query provider health %s: %w", providerName, err)
	}

	return &ph, nil
}

// GetProviderHealthByChain returns all provider health snapshots for a chain.
func (d *DB) GetProviderHealthByChain(chain string) ([]ProviderHealthRow, error) {
	rows, err := d.conn.Query(
		`SELECT provider_name, chain, score, avg_latency_ms, consecutive_fails, circuit_state,
		        COALESCE(last_success, '') as last_success,
		        COALESCE(last_failure, '') as last_failure,
		        updated_at
		 FROM provider_health WHERE chain = ?
		 ORDER BY provider_name ASC`,
		chain,
	)
	if err != nil {
		return nil, fmt.Errorf("query provider health for chain %s: %w", chain, err)
	}
	defer rows.Close()

	var out []ProviderHealthRow
	for rows.Next() {
		var ph ProviderHealthRow
		if err := rows.Scan(
			&ph.ProviderName, &ph.Chain, &ph.Score, &ph.AvgLatencyMs,
			&ph.ConsecutiveFails, &ph.CircuitState, &ph.LastSuccess,
			&ph.LastFailure, &ph.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan provider health row: %w", err)
		}
		out = append(out, ph)
	}
	return out, rows.Err()
}
