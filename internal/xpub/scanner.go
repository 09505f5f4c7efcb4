package xpub

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// DiscoveredAddress is one derived address found to carry history.
type DiscoveredAddress struct {
	Address string `json:"address"`
	Change  uint32 `json:"change"`
	Index   uint32 `json:"index"`
}

// Scanner discovers the used addresses of an extended public key by deriving
// down both branches and probing each address with hasAddressTransactions,
// stopping after a run of consecutive unused addresses (the gap limit).
type Scanner struct {
	manager  *provider.Manager
	gapLimit int
}

// NewScanner creates a gap scanner with the default gap limit.
func NewScanner(manager *provider.Manager) *Scanner {
	return &Scanner{manager: manager, gapLimit: config.XpubGapLimit}
}

// Scan walks the receive (0) and change (1) branches of the account key.
func (s *Scanner) Scan(ctx context.Context, account *hdkeychain.ExtendedKey, net *chaincfg.Params) ([]DiscoveredAddress, error) {
	var discovered []DiscoveredAddress

	for change := uint32(0); change <= 1; change++ {
		found, err := s.scanBranch(ctx, account, change, net)
		if err != nil {
			return discovered, err
		}
		discovered = append(discovered, found...)
	}

	slog.Info("xpub scan complete",
		"discovered", len(discovered),
		"gapLimit", s.gapLimit,
	)
	return discovered, nil
}

func (s *Scanner) scanBranch(ctx context.Context, account *hdkeychain.ExtendedKey, change uint32, net *chaincfg.Params) ([]DiscoveredAddress, error) {
	var found []DiscoveredAddress
	gap := 0

	for index := uint32(0); index < config.XpubMaxAddresses; index++ {
		if ctx.Err() != nil {
			return found, ctx.Err()
		}

		address, err := DeriveAddress(account, change, index, net)
		if err != nil {
			return found, fmt.Errorf("derive %d/%d: %w", change, index, err)
		}

		used, err := s.manager.HasAddressTransactions(ctx, models.ChainBitcoin, address)
		if err != nil {
			return found, fmt.Errorf("probe %s: %w", provider.MaskAddress(address), err)
		}

		if used {
			found = append(found, DiscoveredAddress{Address: address, Change: change, Index: index})
			gap = 0
			slog.Debug("xpub address in use",
				"address", provider.MaskAddress(address),
				"change", change,
				"index", index,
			)
			continue
		}

		gap++
		if gap >= s.gapLimit {
			break
		}
	}

	return found, nil
}
