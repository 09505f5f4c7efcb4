package handlers

import (
	"log/slog"
	"net/http"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/store"
)

// ListCursors returns a handler for GET /api/cursors: every persisted import
// position, for dashboards tracking resume state.
func ListCursors(database *store.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rows, err := database.ListCursors()
		if err != nil {
			slog.Error("failed to list cursors", "error", err)
			respondError(w, http.StatusInternalServerError, config.ErrorDatabase, "failed to fetch cursors")
			return
		}
		if rows == nil {
			rows = []store.CursorRow{}
		}

		// Recent IDs are dedup plumbing, not dashboard material.
		for i := range rows {
			rows[i].State.Metadata.RecentIDs = nil
		}
		respondJSON(w, http.StatusOK, rows)
	}
}
