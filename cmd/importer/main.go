package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/importer"
	"github.com/Fantasim/chainsync/internal/logging"
	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
	"github.com/Fantasim/chainsync/internal/provider/bitcoin"
	"github.com/Fantasim/chainsync/internal/provider/evm"
	"github.com/Fantasim/chainsync/internal/provider/solana"
	"github.com/Fantasim/chainsync/internal/store"
	"github.com/Fantasim/chainsync/internal/validate"
	"github.com/Fantasim/chainsync/internal/xpub"
)

func main() {
	var (
		chainFlag   = flag.String("chain", "", "chain to import (bitcoin, ethereum, solana)")
		addressFlag = flag.String("address", "", "address to import")
		streamFlag  = flag.String("stream", "normal", "stream type (normal, token, internal, staking)")
		xpubFlag    = flag.String("xpub", "", "BTC extended public key to gap-scan and import")
		preferred   = flag.String("provider", "", "preferred provider to try first")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logCloser, err := logging.Setup(cfg.LogLevel, cfg.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logging: %v\n", err)
		os.Exit(1)
	}
	defer logCloser.Close()

	slog.Info("importer starting",
		"network", cfg.Network,
		"dbPath", cfg.DBPath,
	)

	db, err := store.New(cfg.DBPath)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(); err != nil {
		slog.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}

	registry := provider.NewRegistry()
	bitcoin.Register(registry, cfg.Network)
	evm.Register(registry, cfg.Network, cfg.EthRPCURL)
	solana.Register(registry, cfg.Network)

	poolCfg, err := loadPoolConfig(cfg.ProvidersFile)
	if err != nil {
		slog.Error("failed to load provider config", "error", err)
		os.Exit(1)
	}
	if result := registry.ValidateConfig(poolCfg); !result.Valid {
		for _, msg := range result.Errors {
			slog.Error("provider config error", "error", msg)
		}
		for _, s := range result.Suggestions {
			slog.Info("provider config hint", "suggestion", s)
		}
		os.Exit(1)
	}

	manager := provider.NewManager(registry, nil)
	defer manager.Destroy()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	imp := importer.New(manager, db)

	switch {
	case *xpubFlag != "":
		if err := manager.AutoRegisterFromConfig(models.ChainBitcoin, poolCfg, *preferred); err != nil {
			slog.Error("failed to register providers", "chain", models.ChainBitcoin, "error", err)
			os.Exit(1)
		}
		if err := runXpubImport(ctx, manager, imp, cfg, *xpubFlag); err != nil {
			slog.Error("xpub import failed", "error", err)
			os.Exit(1)
		}

	case *chainFlag != "" && *addressFlag != "":
		chain := models.Chain(*chainFlag)
		if err := validate.Address(chain, *addressFlag, cfg.Network); err != nil {
			slog.Error("invalid address", "error", err)
			os.Exit(1)
		}
		if err := manager.AutoRegisterFromConfig(chain, poolCfg, *preferred); err != nil {
			slog.Error("failed to register providers", "chain", chain, "error", err)
			os.Exit(1)
		}
		if err := runImport(ctx, imp, chain, *addressFlag, models.StreamType(*streamFlag)); err != nil {
			slog.Error("import failed", "error", err)
			os.Exit(1)
		}
		if err := imp.SnapshotHealth(chain); err != nil {
			slog.Warn("failed to snapshot provider health", "error", err)
		}

	default:
		fmt.Fprintln(os.Stderr, "usage: importer -chain <chain> -address <address> [-stream <type>] | -xpub <xpub>")
		os.Exit(2)
	}

	slog.Info("importer finished")
}

func runImport(ctx context.Context, imp *importer.Importer, chain models.Chain, address string, stream models.StreamType) error {
	result, err := imp.ImportAddress(ctx, chain, address, stream)
	if err != nil {
		var partial *provider.PartialImportError
		if errors.As(err, &partial) {
			slog.Warn("import interrupted, progress persisted",
				"items", partial.SuccessfulItems,
				"cause", partial.Cause,
			)
		}
		return err
	}

	slog.Info("import result",
		"chain", result.Chain,
		"items", result.Items,
		"batches", result.Batches,
		"duration", result.Duration,
	)
	return nil
}

func runXpubImport(ctx context.Context, manager *provider.Manager, imp *importer.Importer, cfg *config.Config, xpubKey string) error {
	net := xpub.NetworkParams(cfg.Network)

	account, err := xpub.ParseAccountKey(xpubKey, net)
	if err != nil {
		return err
	}

	scanner := xpub.NewScanner(manager)
	discovered, err := scanner.Scan(ctx, account, net)
	if err != nil {
		return err
	}

	slog.Info("xpub scan discovered addresses", "count", len(discovered))

	for _, d := range discovered {
		if err := runImport(ctx, imp, models.ChainBitcoin, d.Address, models.StreamNormal); err != nil {
			return err
		}
	}
	return imp.SnapshotHealth(models.ChainBitcoin)
}

func loadPoolConfig(path string) (provider.PoolConfig, error) {
	if path == "" {
		return provider.PoolConfig{}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read providers file %q: %w", path, err)
	}

	var cfg provider.PoolConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse providers file %q: %w", path, err)
	}
	return cfg, nil
}
