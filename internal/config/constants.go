package config

import "time"

// Provider URLs — BTC Mainnet
const (
	BlockstreamMainnetURL = "https://blockstream.info/api"
	MempoolMainnetURL     = "https://mempool.space/api"
)

// Provider URLs — BTC Testnet
const (
	BlockstreamTestnetURL = "https://blockstream.info/testnet/api"
	MempoolTestnetURL     = "https://mempool.space/testnet/api"
)

// Provider URLs — Ethereum
const (
	EtherscanAPIURL        = "https://api.etherscan.io/api"
	EtherscanTestnetAPIURL = "https://api-sepolia.etherscan.io/api"
	EthRPCMainnetURL       = "https://eth.llamarpc.com"
	EthRPCTestnetURL       = "https://rpc.sepolia.org"
)

// Provider URLs — Solana
const (
	SolanaMainnetRPCURL = "https://api.mainnet-beta.solana.com"
	SolanaDevnetRPCURL  = "https://api.devnet.solana.com"
	HeliusMainnetRPCURL = "https://mainnet.helius-rpc.com"
)

// HTTP Client
const (
	ProviderRequestTimeout = 15 * time.Second
	ProviderCallTimeout    = 60 * time.Second
	ProviderMaxRetries     = 3
	ProviderRetryBaseDelay = 1 * time.Second
	ProviderRetryMaxDelay  = 30 * time.Second
)

// Circuit Breaker
const (
	CircuitBreakerThreshold = 5
	CircuitBreakerCooldown  = 60 * time.Second
)

// Circuit states.
const (
	CircuitClosed   = "closed"
	CircuitOpen     = "open"
	CircuitHalfOpen = "half-open"
)

// Health scoring.
const (
	HealthMaxScore         = 100.0
	HealthSuccessReward    = 1.0
	HealthFailurePenalty   = 10.0
	HealthAuthPenalty      = 30.0
	HealthLatencySmoothing = 0.2
)

// Selector rate-limit score adjustments (requests per second boundaries).
const (
	SelectorSlowRPS     = 0.5
	SelectorSlowPenalty = -40.0
	SelectorMidRPS      = 1.0
	SelectorMidPenalty  = -20.0
	SelectorFastRPS     = 3.0
	SelectorFastBonus   = 10.0
)

// Dedup window.
const (
	DedupWindowCapacity      = 1000
	DedupCompactionThreshold = 1024
)

// Streaming defaults.
const (
	StreamPageSize        = 50
	EventBusChannelBuffer = 64
)

// Xpub gap scanning.
const (
	XpubGapLimit     = 20
	XpubMaxAddresses = 10_000
	BIP84Purpose     = 84
	BIP44Purpose     = 44
	BTCCoinType      = 0
	BTCTestCoinType  = 1
	ETHCoinType      = 60
)

// API key handling. Explorer APIs ship this placeholder in their docs;
// a key equal to it is treated as unset.
const APIKeyPlaceholder = "YourApiKeyToken"

// Logging
const (
	LogFilePattern = "chainsync-%s-%s.log"
	LogPrefix      = "chainsync-"
	LogMaxAgeDays  = 14
)

// Server
const (
	ServerReadTimeout  = 10 * time.Second
	ServerWriteTimeout = 30 * time.Second
)
