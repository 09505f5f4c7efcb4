package evm

import (
	"time"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// Register catalogs the Ethereum providers. Etherscan carries history
// streaming; the plain JSON-RPC endpoint covers balances and contract
// detection without an API key.
func Register(r *provider.Registry, network, rpcURLOverride string) {
	etherscanURL := config.EtherscanAPIURL
	rpcURL := config.EthRPCMainnetURL
	if network == string(models.NetworkTestnet) {
		etherscanURL = config.EtherscanTestnetAPIURL
		rpcURL = config.EthRPCTestnetURL
	}
	if rpcURLOverride != "" {
		rpcURL = rpcURLOverride
	}

	r.Register(provider.Metadata{
		Name:  "etherscan",
		Chain: models.ChainEthereum,
		Operations: []models.OperationKind{
			models.OpGetAddressTransactions,
			models.OpGetAddressBalances,
			models.OpHasAddressTransactions,
		},
		StreamTypes:     []models.StreamType{models.StreamNormal, models.StreamToken, models.StreamInternal},
		CursorTypes:     []models.CursorType{models.CursorPageToken, models.CursorBlockNumber, models.CursorTimestamp},
		PreferredCursor: models.CursorBlockNumber,
		ReplayWindow:    provider.ReplayWindow{Blocks: 12, Seconds: 300},
		RateLimit:       provider.RateLimitPolicy{RequestsPerSecond: 5, RequestsPerMinute: 250, BurstLimit: 5},
		RequiresAPIKey:  true,
		APIKeyEnvVar:    "CHAINSYNC_ETHERSCAN_API_KEY",
		Timeout:         15 * time.Second,
		BaseURL:         etherscanURL,
	}, func(meta provider.Metadata, cfg provider.ProviderConfig) (provider.Adapter, error) {
		return newEtherscanAdapter(meta, cfg), nil
	})

	r.Register(provider.Metadata{
		Name:  "ethrpc",
		Chain: models.ChainEthereum,
		Operations: []models.OperationKind{
			models.OpGetAddressBalances,
			models.OpHasAddressTransactions,
			models.OpGetAddressInfo,
		},
		CursorTypes:     []models.CursorType{models.CursorBlockNumber},
		PreferredCursor: models.CursorBlockNumber,
		ReplayWindow:    provider.ReplayWindow{Blocks: 12, Seconds: 300},
		RateLimit:       provider.RateLimitPolicy{RequestsPerSecond: 10, BurstLimit: 5},
		Timeout:         15 * time.Second,
		BaseURL:         rpcURL,
	}, func(meta provider.Metadata, cfg provider.ProviderConfig) (provider.Adapter, error) {
		return newRPCAdapter(meta, cfg)
	})
}
