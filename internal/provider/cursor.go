package provider

import (
	"log/slog"

	"github.com/Fantasim/chainsync/internal/models"
)

// ResolvedCursor is the concrete resume position handed to an adapter's page
// fetch. Exactly one of the fields is set; an all-zero value means "start
// from the beginning".
type ResolvedCursor struct {
	PageToken     string
	FromBlock     int64
	FromTimestamp int64
	HasBlock      bool
	HasTimestamp  bool
}

// IsZero reports whether the cursor carries no resume position.
func (rc ResolvedCursor) IsZero() bool {
	return rc.PageToken == "" && !rc.HasBlock && !rc.HasTimestamp
}

// ResolveCursor translates a persisted CursorState into a concrete position
// for the target provider. Pure: the incoming state is never mutated.
//
// Selection order: a page token minted by the target provider wins; otherwise
// the primary cursor if its type is supported; otherwise the first compatible
// alternative. When crossProvider is true (failover, or resume after a
// persisted session under a different provider) the target provider's replay
// window shifts the chosen numeric cursor backward, clamped at zero; use
// ResolveCursorWithWindow to apply another provider's window. Same-provider
// resume uses the exact value.
//
// The second return is the cursor that was chosen (pre-shift); the third is
// false when no compatible cursor was found and the stream restarts from the
// beginning.
func ResolveCursor(state *models.CursorState, target Metadata, crossProvider bool) (ResolvedCursor, models.Cursor, bool) {
	return ResolveCursorWithWindow(state, target, crossProvider, target.ReplayWindow)
}

// ResolveCursorWithWindow resolves with an explicit replay window — the
// window of the cursor's minting provider when it is known.
func ResolveCursorWithWindow(state *models.CursorState, target Metadata, crossProvider bool, window ReplayWindow) (ResolvedCursor, models.Cursor, bool) {
	if state == nil {
		return ResolvedCursor{}, models.Cursor{}, true
	}

	chosen, ok := chooseCursor(state, target)
	if !ok {
		slog.Warn("no compatible cursor for provider, starting from beginning",
			"provider", target.Name,
			"primaryType", state.Primary.Type,
		)
		return ResolvedCursor{}, models.Cursor{}, false
	}

	shifted := chosen
	if crossProvider {
		shifted = ShiftCursor(chosen, window)
	}

	resolved := ResolvedCursor{}
	switch shifted.Type {
	case models.CursorPageToken:
		resolved.PageToken = shifted.PageToken

	case models.CursorBlockNumber:
		resolved.FromBlock = shifted.BlockNumber
		resolved.HasBlock = true

	case models.CursorTimestamp:
		resolved.FromTimestamp = shifted.Timestamp
		resolved.HasTimestamp = true
	}

	return resolved, chosen, true
}

// chooseCursor picks the best cursor in the state for the target provider.
func chooseCursor(state *models.CursorState, target Metadata) (models.Cursor, bool) {
	primary := state.Primary

	// A page token binds to the provider that minted it.
	if primary.Type == models.CursorPageToken {
		if primary.ProviderName == target.Name && target.SupportsCursorType(models.CursorPageToken) {
			return primary, true
		}
	} else if target.SupportsCursorType(primary.Type) {
		return primary, true
	}

	for _, alt := range state.Alternatives {
		if alt.Type == models.CursorPageToken {
			if alt.ProviderName == target.Name && target.SupportsCursorType(models.CursorPageToken) {
				return alt, true
			}
			continue
		}
		if target.SupportsCursorType(alt.Type) {
			return alt, true
		}
	}

	return models.Cursor{}, false
}
