package bitcoin

import (
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// Register catalogs the BTC providers for the given network. Mempool.space
// leads on rate-limit headroom; Blockstream backs it up.
func Register(r *provider.Registry, network string) {
	mempoolURL := config.MempoolMainnetURL
	blockstreamURL := config.BlockstreamMainnetURL
	if network == string(models.NetworkTestnet) {
		mempoolURL = config.MempoolTestnetURL
		blockstreamURL = config.BlockstreamTestnetURL
	}

	factory := func(meta provider.Metadata, cfg provider.ProviderConfig) (provider.Adapter, error) {
		return newEsploraAdapter(meta, cfg), nil
	}

	r.Register(provider.Metadata{
		Name:  "mempool",
		Chain: models.ChainBitcoin,
		Operations: []models.OperationKind{
			models.OpGetAddressTransactions,
			models.OpGetAddressBalances,
			models.OpHasAddressTransactions,
		},
		StreamTypes:     []models.StreamType{models.StreamNormal},
		CursorTypes:     []models.CursorType{models.CursorPageToken, models.CursorBlockNumber, models.CursorTimestamp},
		PreferredCursor: models.CursorPageToken,
		ReplayWindow:    provider.ReplayWindow{Blocks: 4, Seconds: 2400},
		RateLimit:       provider.RateLimitPolicy{RequestsPerSecond: 3, BurstLimit: 3},
		Timeout:         15 * time.Second,
		BaseURL:         mempoolURL,
	}, factory)

	r.Register(provider.Metadata{
		Name:  "blockstream",
		Chain: models.ChainBitcoin,
		Operations: []models.OperationKind{
			models.OpGetAddressTransactions,
			models.OpGetAddressBalances,
			models.OpHasAddressTransactions,
		},
		StreamTypes:     []models.StreamType{models.StreamNormal},
		CursorTypes:     []models.CursorType{models.CursorPageToken, models.CursorBlockNumber, models.CursorTimestamp},
		PreferredCursor: models.CursorPageToken,
		ReplayWindow:    provider.ReplayWindow{Blocks: 6, Seconds: 3600},
		RateLimit:       provider.RateLimitPolicy{RequestsPerSecond: 2, BurstLimit: 2},
		Timeout:         15 * time.Second,
		BaseURL:         blockstreamURL,
	}, factory)
}
