package solana

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// signaturePageSize is the limit passed to getSignaturesForAddress.
const signaturePageSize = 50

const lamportsPerSOL int64 = 1_000_000_000

// rpcRequest is a JSON-RPC 2.0 request envelope.
type rpcRequest struct {
	Jsonrpc string `json:"jsonrpc"`
	ID      int    `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type balanceResponse struct {
	Result struct {
		Value int64 `json:"value"`
	} `json:"result"`
	Error *rpcError `json:"error"`
}

type signaturesResponse struct {
	Result []json.RawMessage `json:"result"`
	Error  *rpcError         `json:"error"`
}

// signatureInfo is one entry from getSignaturesForAddress.
type signatureInfo struct {
	Signature string          `json:"signature"`
	Slot      int64           `json:"slot"`
	BlockTime *int64          `json:"blockTime"`
	Err       json.RawMessage `json:"err"`
}

// rpcAdapter serves Solana operations over JSON-RPC. Signature pagination is
// cursor-perfect for page tokens: the `before` parameter is the last
// signature of the previous page.
type rpcAdapter struct {
	meta   provider.Metadata
	client *provider.HTTPClient
}

func newRPCAdapter(meta provider.Metadata, cfg provider.ProviderConfig) *rpcAdapter {
	return &rpcAdapter{
		meta: meta,
		client: provider.NewHTTPClient(meta.Name, provider.HTTPClientOptions{
			BaseURL:      meta.BaseURL,
			RateLimit:    cfg.RateLimit,
			Retries:      cfg.Retries,
			APIKeyEnvVar: meta.APIKeyEnvVar,
		}),
	}
}

func (a *rpcAdapter) Metadata() provider.Metadata { return a.meta }

func (a *rpcAdapter) rpcPath() string {
	if key := a.meta.APIKey(); key != "" {
		return "/?api-key=" + key
	}
	return "/"
}

func (a *rpcAdapter) Execute(ctx context.Context, op models.Operation) (any, error) {
	switch op.Kind {
	case models.OpGetAddressBalances:
		return a.fetchBalance(ctx, op.Address)
	case models.OpHasAddressTransactions:
		return a.hasTransactions(ctx, op.Address)
	default:
		return nil, fmt.Errorf("operation %s not supported by %s", op.Kind, a.meta.Name)
	}
}

func (a *rpcAdapter) fetchBalance(ctx context.Context, address string) (*models.Balance, error) {
	var resp balanceResponse
	req := rpcRequest{Jsonrpc: "2.0", ID: 1, Method: "getBalance", Params: []any{address}}
	if err := a.client.Post(ctx, a.rpcPath(), req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &provider.ServiceError{
			Provider: a.meta.Name,
			Err:      fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message),
		}
	}

	lamports := resp.Result.Value
	return &models.Balance{
		DecimalAmount: fmt.Sprintf("%d.%09d", lamports/lamportsPerSOL, lamports%lamportsPerSOL),
		Symbol:        "SOL",
		Decimals:      9,
	}, nil
}

func (a *rpcAdapter) hasTransactions(ctx context.Context, address string) (bool, error) {
	sigs, err := a.fetchSignatures(ctx, address, "", 1)
	if err != nil {
		return false, err
	}
	return len(sigs) > 0, nil
}

func (a *rpcAdapter) fetchSignatures(ctx context.Context, address, before string, limit int) ([]json.RawMessage, error) {
	opts := map[string]any{"limit": limit}
	if before != "" {
		opts["before"] = before
	}

	var resp signaturesResponse
	req := rpcRequest{Jsonrpc: "2.0", ID: 1, Method: "getSignaturesForAddress", Params: []any{address, opts}}
	if err := a.client.Post(ctx, a.rpcPath(), req, &resp); err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, &provider.ServiceError{
			Provider: a.meta.Name,
			Err:      fmt.Errorf("rpc error %d: %s", resp.Error.Code, resp.Error.Message),
		}
	}
	return resp.Result, nil
}

// FetchPage walks signatures newest-first; the page token is the last
// signature. A slot or timestamp resume point bounds the walk.
func (a *rpcAdapter) FetchPage(ctx context.Context, op models.Operation, cursor provider.ResolvedCursor, pageToken string) (*provider.StreamingPage, error) {
	raws, err := a.fetchSignatures(ctx, op.Address, pageToken, signaturePageSize)
	if err != nil {
		return nil, err
	}

	page := &provider.StreamingPage{}
	invalid := 0
	reachedBound := false

	for _, raw := range raws {
		var sig signatureInfo
		if err := json.Unmarshal(raw, &sig); err != nil || sig.Signature == "" {
			invalid++
			slog.Warn("skipping invalid signature payload",
				"provider", a.meta.Name,
				"address", provider.MaskAddress(op.Address),
			)
			continue
		}

		if cursor.HasBlock && sig.Slot < cursor.FromBlock {
			reachedBound = true
			break
		}
		if cursor.HasTimestamp && sig.BlockTime != nil && *sig.BlockTime < cursor.FromTimestamp {
			reachedBound = true
			break
		}

		item := a.normalize(sig, op.Address)
		item.Raw = raw
		page.Items = append(page.Items, item)
		page.NextPageToken = sig.Signature
	}

	if len(raws) > 0 && invalid == len(raws) {
		return nil, &provider.ValidationError{
			Provider: a.meta.Name,
			Path:     "getSignaturesForAddress",
			Reason:   "every item in page failed validation",
		}
	}

	if len(raws) < signaturePageSize || reachedBound {
		page.IsComplete = true
	}
	return page, nil
}

func (a *rpcAdapter) normalize(sig signatureInfo, address string) models.TransactionItem {
	var ts int64
	if sig.BlockTime != nil {
		ts = *sig.BlockTime
	}

	status := "confirmed"
	if len(sig.Err) > 0 && string(sig.Err) != "null" {
		status = "failed"
	}

	return models.TransactionItem{
		Normalized: models.NormalizedTransaction{
			ID:          sig.Signature,
			EventID:     provider.EventID(string(models.ChainSolana), sig.Signature, address),
			Chain:       models.ChainSolana,
			BlockNumber: sig.Slot,
			Timestamp:   ts,
			Amount:      "0",
			Asset:       "SOL",
			Status:      status,
		},
	}
}

func (a *rpcAdapter) ExtractCursors(item models.NormalizedTransaction) []models.Cursor {
	cursors := []models.Cursor{
		{Type: models.CursorPageToken, PageToken: item.ID, ProviderName: a.meta.Name},
		{Type: models.CursorBlockNumber, BlockNumber: item.BlockNumber},
	}
	if item.Timestamp > 0 {
		cursors = append(cursors, models.Cursor{Type: models.CursorTimestamp, Timestamp: item.Timestamp})
	}
	return cursors
}

func (a *rpcAdapter) ApplyReplayWindow(c models.Cursor) models.Cursor {
	return provider.ShiftCursor(c, a.meta.ReplayWindow)
}
