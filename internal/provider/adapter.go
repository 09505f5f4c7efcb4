package provider

import (
	"context"

	"github.com/Fantasim/chainsync/internal/models"
)

// StreamingPage is one page of a streaming operation as produced by an
// adapter, before deduplication.
type StreamingPage struct {
	Items         []models.TransactionItem
	NextPageToken string
	IsComplete    bool
}

// Adapter is implemented once per data source. It absorbs every
// chain-specific quirk so the execution core stays chain-agnostic.
//
// FetchPage is the streaming primitive: the core calls it once per page,
// seeding the first call with the resolved resume cursor and later calls with
// the previous page's token. Implementations must compute a deterministic
// EventID for every normalized item, including any discriminators needed to
// separate multiple events within one on-chain transaction.
type Adapter interface {
	Metadata() Metadata

	// Execute serves the one-shot operations the metadata declares. The
	// returned payload is *models.Balance, bool, or *models.AddressInfo
	// depending on the operation kind.
	Execute(ctx context.Context, op models.Operation) (any, error)

	// FetchPage returns one page of a streaming operation.
	FetchPage(ctx context.Context, op models.Operation, cursor ResolvedCursor, pageToken string) (*StreamingPage, error)

	// ExtractCursors mints the cursors derivable from one normalized item,
	// ordered by the provider's preference.
	ExtractCursors(item models.NormalizedTransaction) []models.Cursor

	// ApplyReplayWindow shifts a portable cursor backward by the provider's
	// replay window, clamped at zero. Page tokens pass through unchanged.
	ApplyReplayWindow(c models.Cursor) models.Cursor
}

// ShiftCursor is the shared ApplyReplayWindow implementation: it rewinds a
// block or timestamp cursor by the window, clamping at zero.
func ShiftCursor(c models.Cursor, window ReplayWindow) models.Cursor {
	switch c.Type {
	case models.CursorBlockNumber:
		c.BlockNumber -= window.Blocks
		if c.BlockNumber < 0 {
			c.BlockNumber = 0
		}
	case models.CursorTimestamp:
		c.Timestamp -= window.Seconds
		if c.Timestamp < 0 {
			c.Timestamp = 0
		}
	}
	return c
}
