package xpub

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/tyler-smith/go-bip39"

	"github.com/Fantasim/chainsync/internal/config"
)

// NetworkParams returns the chaincfg.Params for the given network mode.
func NetworkParams(network string) *chaincfg.Params {
	switch network {
	case "testnet":
		return &chaincfg.TestNet3Params
	default:
		return &chaincfg.MainNetParams
	}
}

// ParseAccountKey parses an extended public key string into a neutered
// account-level key.
func ParseAccountKey(xpub string, net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	key, err := hdkeychain.NewKeyFromString(xpub)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalidXpub, err)
	}
	if !key.IsForNet(net) {
		return nil, fmt.Errorf("%w: key is not for %s", config.ErrInvalidXpub, net.Name)
	}
	neutered, err := key.Neuter()
	if err != nil {
		return nil, fmt.Errorf("neuter key: %w", err)
	}
	return neutered, nil
}

// AccountKeyFromMnemonicFile reads a BIP-39 mnemonic from a file and derives
// the watch-only BIP-84 account key m/84'/coin'/0'. The private material
// never leaves this function.
func AccountKeyFromMnemonicFile(path string, net *chaincfg.Params) (*hdkeychain.ExtendedKey, error) {
	slog.Info("reading mnemonic from file", "path", path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read mnemonic file %q: %w", path, err)
	}

	mnemonic := strings.TrimSpace(string(data))
	if mnemonic == "" || !bip39.IsMnemonicValid(mnemonic) {
		return nil, fmt.Errorf("mnemonic file %q: %w", path, config.ErrInvalidMnemonic)
	}

	seed, err := bip39.NewSeedWithErrorChecking(mnemonic, "")
	if err != nil {
		return nil, fmt.Errorf("mnemonic to seed: %w", err)
	}

	masterKey, err := hdkeychain.NewMaster(seed, net)
	if err != nil {
		return nil, fmt.Errorf("derive master key: %w", err)
	}

	coinType := uint32(config.BTCCoinType)
	if net == &chaincfg.TestNet3Params {
		coinType = uint32(config.BTCTestCoinType)
	}

	// m/84'/coin'/0'
	purpose, err := masterKey.Derive(hdkeychain.HardenedKeyStart + uint32(config.BIP84Purpose))
	if err != nil {
		return nil, fmt.Errorf("derive purpose key: %w", err)
	}
	coin, err := purpose.Derive(hdkeychain.HardenedKeyStart + coinType)
	if err != nil {
		return nil, fmt.Errorf("derive coin key: %w", err)
	}
	account, err := coin.Derive(hdkeychain.HardenedKeyStart + 0)
	if err != nil {
		return nil, fmt.Errorf("derive account key: %w", err)
	}

	return account.Neuter()
}

// DeriveAddress derives the bech32 address at account/change/index.
// change 0 is the receive branch, 1 the change branch, per BIP-84.
func DeriveAddress(account *hdkeychain.ExtendedKey, change, index uint32, net *chaincfg.Params) (string, error) {
	branch, err := account.Derive(change)
	if err != nil {
		return "", fmt.Errorf("derive branch %d: %w", change, err)
	}

	child, err := branch.Derive(index)
	if err != nil {
		return "", fmt.Errorf("derive child key at index %d: %w", index, err)
	}

	pubKey, err := child.ECPubKey()
	if err != nil {
		return "", fmt.Errorf("get public key at index %d: %w", index, err)
	}

	witnessProg := btcutil.Hash160(pubKey.SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(witnessProg, net)
	if err != nil {
		return "", fmt.Errorf("create bech32 address at index %d: %w", index, err)
	}

	return addr.EncodeAddress(), nil
}
