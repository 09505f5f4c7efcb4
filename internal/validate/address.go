package validate

import (
	"fmt"
	"log/slog"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/mr-tron/base58"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// Address validates that addr is a well-formed address for the given chain
// and network. Network must be "mainnet" or "testnet".
func Address(chain models.Chain, addr, network string) error {
	slog.Debug("validating address",
		"chain", chain,
		"address", provider.MaskAddress(addr),
		"network", network,
	)

	switch chain {
	case models.ChainBitcoin:
		return validateBTC(addr, network)
	case models.ChainEthereum:
		return validateETH(addr)
	case models.ChainSolana:
		return validateSOL(addr)
	default:
		return fmt.Errorf("%w: %q", config.ErrUnknownChain, chain)
	}
}

// validateBTC uses btcutil.DecodeAddress to fully validate a BTC address
// including checksum verification for bech32 addresses, and verifies the
// address belongs to the specified network.
func validateBTC(addr, network string) error {
	var params *chaincfg.Params
	switch network {
	case "mainnet":
		params = &chaincfg.MainNetParams
	case "testnet":
		params = &chaincfg.TestNet3Params
	default:
		return fmt.Errorf("unsupported BTC network %q", network)
	}

	decoded, err := btcutil.DecodeAddress(addr, params)
	if err != nil {
		return fmt.Errorf("%w: %q: %v", config.ErrInvalidAddress, addr, err)
	}

	if !decoded.IsForNet(params) {
		return fmt.Errorf("%w: %q is not for %s network", config.ErrInvalidAddress, addr, network)
	}

	return nil
}

// validateETH checks the 0x + 40 hex chars format. Same for all networks.
func validateETH(addr string) error {
	// common.IsHexAddress also accepts 40 hex chars without a prefix.
	if len(addr) < 2 || (addr[:2] != "0x" && addr[:2] != "0X") || !common.IsHexAddress(addr) {
		return fmt.Errorf("%w: %q: must match 0x + 40 hex characters", config.ErrInvalidAddress, addr)
	}
	return nil
}

// validateSOL decodes a base58 address and verifies it is exactly 32 bytes
// (ed25519 public key).
func validateSOL(addr string) error {
	decoded, err := base58.Decode(addr)
	if err != nil {
		return fmt.Errorf("%w: %q: base58 decode failed: %v", config.ErrInvalidAddress, addr, err)
	}
	if len(decoded) != 32 {
		return fmt.Errorf("%w: %q: decoded to %d bytes, expected 32", config.ErrInvalidAddress, addr, len(decoded))
	}
	return nil
}
