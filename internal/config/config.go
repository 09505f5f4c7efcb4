package config

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	DBPath   string `envconfig:"CHAINSYNC_DB_PATH" default:"./data/chainsync.sqlite"`
	Port     int    `envconfig:"CHAINSYNC_PORT" default:"8080"`
	LogLevel string `envconfig:"CHAINSYNC_LOG_LEVEL" default:"info"`
	LogDir   string `envconfig:"CHAINSYNC_LOG_DIR" default:"./logs"`
	Network  string `envconfig:"CHAINSYNC_NETWORK" default:"mainnet"`

	// Optional override for the Ethereum JSON-RPC endpoint.
	EthRPCURL string `envconfig:"CHAINSYNC_ETH_RPC_URL"`

	// Path to a JSON file with per-chain provider pool overrides.
	ProvidersFile string `envconfig:"CHAINSYNC_PROVIDERS_FILE"`

	// Watch-only wallet inputs for xpub gap scanning.
	MnemonicFile string `envconfig:"CHAINSYNC_MNEMONIC_FILE"`
}

// Load reads configuration from .env file (if present) then from environment variables.
// Environment variables override .env values.
func Load() (*Config, error) {
	// godotenv does NOT override already-set env vars, so real environment
	// variables take precedence over .env values.
	if _, err := os.Stat(".env"); err == nil {
		if err := godotenv.Load(".env"); err != nil {
			slog.Warn("failed to load .env file", "error", err)
		} else {
			slog.Info("loaded .env file")
		}
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to process env config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks configuration values for correctness.
func (c *Config) Validate() error {
	if c.Network != "mainnet" && c.Network != "testnet" {
		return fmt.Errorf("%w: network must be \"mainnet\" or \"testnet\", got %q", ErrInvalidConfig, c.Network)
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("%w: port must be 1-65535, got %d", ErrInvalidConfig, c.Port)
	}
	return nil
}
