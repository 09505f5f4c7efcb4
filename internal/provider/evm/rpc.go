package evm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// rpcAdapter serves one-shot Ethereum operations over JSON-RPC. History
// streaming needs an indexer, so that stays with the explorer adapters.
type rpcAdapter struct {
	meta   provider.Metadata
	client *ethclient.Client
	rl     *provider.RateLimiter
}

func newRPCAdapter(meta provider.Metadata, cfg provider.ProviderConfig) (*rpcAdapter, error) {
	client, err := ethclient.Dial(meta.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", meta.Name, err)
	}

	slog.Info("evm rpc adapter created",
		"provider", meta.Name,
		"endpoint", meta.BaseURL,
	)

	return &rpcAdapter{
		meta:   meta,
		client: client,
		rl:     provider.NewRateLimiter(meta.Name, cfg.RateLimit),
	}, nil
}

func (a *rpcAdapter) Metadata() provider.Metadata { return a.meta }

func (a *rpcAdapter) Execute(ctx context.Context, op models.Operation) (any, error) {
	if !common.IsHexAddress(op.Address) {
		return nil, &provider.ValidationError{
			Provider: a.meta.Name,
			Path:     "address",
			Reason:   "not a hex address",
		}
	}

	if err := a.rl.Wait(ctx); err != nil {
		return nil, err
	}

	timeout := a.meta.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	started := time.Now()
	addr := common.HexToAddress(op.Address)

	switch op.Kind {
	case models.OpGetAddressBalances:
		wei, err := a.client.BalanceAt(callCtx, addr, nil)
		if err != nil {
			return nil, a.wrap(err, started)
		}
		return &models.Balance{
			DecimalAmount: formatWei(wei.String()),
			Symbol:        "ETH",
			Decimals:      18,
		}, nil

	case models.OpGetAddressInfo:
		code, err := a.client.CodeAt(callCtx, addr, nil)
		if err != nil {
			return nil, a.wrap(err, started)
		}
		return &models.AddressInfo{IsContract: len(code) > 0}, nil

	case models.OpHasAddressTransactions:
		nonce, err := a.client.NonceAt(callCtx, addr, nil)
		if err != nil {
			return nil, a.wrap(err, started)
		}
		if nonce > 0 {
			return true, nil
		}
		// A zero nonce only proves the address never sent; incoming-only
		// history still shows up as a balance.
		wei, err := a.client.BalanceAt(callCtx, addr, nil)
		if err != nil {
			return nil, a.wrap(err, started)
		}
		return wei.Sign() > 0, nil

	default:
		return nil, fmt.Errorf("operation %s not supported by %s", op.Kind, a.meta.Name)
	}
}

func (a *rpcAdapter) wrap(err error, started time.Time) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &provider.TimeoutError{Provider: a.meta.Name, Elapsed: time.Since(started)}
	}
	return &provider.ServiceError{Provider: a.meta.Name, Err: err}
}

// FetchPage is unreachable: the metadata declares no streaming operations.
func (a *rpcAdapter) FetchPage(context.Context, models.Operation, provider.ResolvedCursor, string) (*provider.StreamingPage, error) {
	return nil, fmt.Errorf("streaming not supported by %s", a.meta.Name)
}

func (a *rpcAdapter) ExtractCursors(item models.NormalizedTransaction) []models.Cursor {
	return []models.Cursor{
		{Type: models.CursorBlockNumber, BlockNumber: item.BlockNumber},
	}
}

func (a *rpcAdapter) ApplyReplayWindow(c models.Cursor) models.Cursor {
	return provider.ShiftCursor(c, a.meta.ReplayWindow)
}
