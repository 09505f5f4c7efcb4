package solana

import (
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// Register catalogs the Solana providers. The public RPC endpoint needs no
// key and is registered first; Helius is registered on mainnet only and
// needs a key.
func Register(r *provider.Registry, network string) {
	rpcURL := config.SolanaMainnetRPCURL
	if network == string(models.NetworkTestnet) {
		rpcURL = config.SolanaDevnetRPCURL
	}

	factory := func(meta provider.Metadata, cfg provider.ProviderConfig) (provider.Adapter, error) {
		return newRPCAdapter(meta, cfg), nil
	}

	operations := []models.OperationKind{
		models.OpGetAddressTransactions,
		models.OpGetAddressBalances,
		models.OpHasAddressTransactions,
	}
	cursorTypes := []models.CursorType{models.CursorPageToken, models.CursorBlockNumber, models.CursorTimestamp}

	r.Register(provider.Metadata{
		Name:            "solanarpc",
		Chain:           models.ChainSolana,
		Operations:      operations,
		StreamTypes:     []models.StreamType{models.StreamNormal, models.StreamStaking},
		CursorTypes:     cursorTypes,
		PreferredCursor: models.CursorPageToken,
		ReplayWindow:    provider.ReplayWindow{Blocks: 150, Seconds: 60},
		RateLimit:       provider.RateLimitPolicy{RequestsPerSecond: 10, BurstLimit: 2},
		Timeout:         15 * time.Second,
		BaseURL:         rpcURL,
	}, factory)

	if network != string(models.NetworkTestnet) {
		r.Register(provider.Metadata{
			Name:            "helius",
			Chain:           models.ChainSolana,
			Operations:      operations,
			StreamTypes:     []models.StreamType{models.StreamNormal, models.StreamStaking},
			CursorTypes:     cursorTypes,
			PreferredCursor: models.CursorPageToken,
			ReplayWindow:    provider.ReplayWindow{Blocks: 150, Seconds: 60},
			RateLimit:       provider.RateLimitPolicy{RequestsPerSecond: 10, BurstLimit: 5},
			RequiresAPIKey:  true,
			APIKeyEnvVar:    "CHAINSYNC_HELIUS_API_KEY",
			Timeout:         15 * time.Second,
			BaseURL:         config.HeliusMainnetRPCURL,
		}, factory)
	}
}
