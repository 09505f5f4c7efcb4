package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Fantasim/chainsync/internal/api"
	"github.com/Fantasim/chainsync/internal/config"
	"github.com/Fantasim/chainsync/internal/logging"
	"github.com/Fantasim/chainsync/internal/provider"
	"github.com/Fantasim/chainsync/internal/provider/bitcoin"
	"github.com/Fantasim/chainsync/internal/provider/evm"
	"github.com/Fantasim/chainsync/internal/provider/solana"
	"github.com/Fantasim/chainsync/internal/store"
)

func main() {
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

	slog.Info("server starting",
		"port", cfg.Port,
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

	manager := provider.NewManager(registry, nil)
	defer manager.Destroy()

	for _, chain := range registry.Chains() {
		if err := manager.AutoRegisterFromConfig(chain, provider.PoolConfig{}, ""); err != nil {
			slog.Warn("chain has no usable providers",
				"chain", chain,
				"error", err,
			)
		}
	}

	r := api.NewRouter(cfg, registry, manager, db)

	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  config.ServerReadTimeout,
		WriteTimeout: config.ServerWriteTimeout,
	}

	// Graceful shutdown.
	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("HTTP server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("HTTP server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := <-done
	slog.Info("shutdown signal received", "signal", sig)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("HTTP server shutdown error", "error", err)
	}

	slog.Info("server stopped")
}
