package evm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strconv"
	"strings"

	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// etherscanPageSize is the offset parameter used for account history pages.
const etherscanPageSize = 50

// etherscanEnvelope is the status/message wrapper around every Etherscan
// response.
type etherscanEnvelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Result  json.RawMessage `json:"result"`
}

// etherscanTx covers txlist, tokentx, and txlistinternal items; fields absent
// from a given action decode to their zero value.
type etherscanTx struct {
	BlockNumber      string `json:"blockNumber"`
	TimeStamp        string `json:"timeStamp"`
	Hash             string `json:"hash"`
	From             string `json:"from"`
	To               string `json:"to"`
	Value            string `json:"value"`
	IsError          string `json:"isError"`
	TxReceiptStatus  string `json:"txreceipt_status"`
	ContractAddress  string `json:"contractAddress"`
	TokenSymbol      string `json:"tokenSymbol"`
	TokenDecimal     string `json:"tokenDecimal"`
	TraceID          string `json:"traceId"`
	TransactionIndex string `json:"transactionIndex"`
}

// streamActions maps stream types onto Etherscan account actions.
var streamActions = map[models.StreamType]string{
	models.StreamNormal:   "txlist",
	models.StreamToken:    "tokentx",
	models.StreamInternal: "txlistinternal",
}

// etherscanAdapter serves Ethereum history and balances from the Etherscan
// REST API.
type etherscanAdapter struct {
	meta   provider.Metadata
	client *provider.HTTPClient
	apiKey string
}

func newEtherscanAdapter(meta provider.Metadata, cfg provider.ProviderConfig) *etherscanAdapter {
	return &etherscanAdapter{
		meta: meta,
		client: provider.NewHTTPClient(meta.Name, provider.HTTPClientOptions{
			BaseURL:      meta.BaseURL,
			RateLimit:    cfg.RateLimit,
			Retries:      cfg.Retries,
			APIKeyEnvVar: meta.APIKeyEnvVar,
		}),
		apiKey: meta.APIKey(),
	}
}

func (a *etherscanAdapter) Metadata() provider.Metadata { return a.meta }

func (a *etherscanAdapter) query(ctx context.Context, params string, out *etherscanEnvelope) error {
	url := fmt.Sprintf("%s?%s", a.meta.BaseURL, params)
	if a.apiKey != "" {
		url += "&apikey=" + a.apiKey
	}

	slog.Debug("etherscan request",
		"provider", a.meta.Name,
		"url", a.client.RedactURL(url),
	)

	if err := a.client.Get(ctx, url, out); err != nil {
		return err
	}

	// Etherscan reports rate limiting inside a 200 envelope.
	if out.Status != "1" {
		lower := strings.ToLower(out.Message)
		if strings.Contains(lower, "rate limit") || strings.Contains(lower, "max rate") {
			return &provider.RateLimitError{Provider: a.meta.Name}
		}
	}
	return nil
}

func (a *etherscanAdapter) Execute(ctx context.Context, op models.Operation) (any, error) {
	switch op.Kind {
	case models.OpGetAddressBalances:
		return a.fetchBalance(ctx, op.Address)
	case models.OpHasAddressTransactions:
		return a.hasTransactions(ctx, op.Address)
	default:
		return nil, fmt.Errorf("operation %s not supported by %s", op.Kind, a.meta.Name)
	}
}

func (a *etherscanAdapter) fetchBalance(ctx context.Context, address string) (*models.Balance, error) {
	var env etherscanEnvelope
	if err := a.query(ctx, "module=account&action=balance&tag=latest&address="+address, &env); err != nil {
		return nil, err
	}

	var wei string
	if err := json.Unmarshal(env.Result, &wei); err != nil || env.Status != "1" {
		return nil, &provider.ValidationError{
			Provider: a.meta.Name,
			Path:     "account.balance",
			Reason:   fmt.Sprintf("unexpected result: %s", env.Message),
		}
	}

	return &models.Balance{
		DecimalAmount: formatWei(wei),
		Symbol:        "ETH",
		Decimals:      18,
	}, nil
}

func (a *etherscanAdapter) hasTransactions(ctx context.Context, address string) (bool, error) {
	var env etherscanEnvelope
	params := "module=account&action=txlist&page=1&offset=1&sort=asc&address=" + address
	if err := a.query(ctx, params, &env); err != nil {
		return false, err
	}

	var txs []etherscanTx
	if err := json.Unmarshal(env.Result, &txs); err != nil {
		// "No transactions found" carries a string result.
		return false, nil
	}
	return len(txs) > 0, nil
}

// FetchPage pages ascending through account history. The page token is the
// Etherscan page number; a block resume point becomes the startblock bound.
func (a *etherscanAdapter) FetchPage(ctx context.Context, op models.Operation, cursor provider.ResolvedCursor, pageToken string) (*provider.StreamingPage, error) {
	action, ok := streamActions[op.EffectiveStreamType()]
	if !ok {
		return nil, fmt.Errorf("stream type %s not supported by %s", op.EffectiveStreamType(), a.meta.Name)
	}

	pageNum := 1
	if pageToken != "" {
		n, err := strconv.Atoi(pageToken)
		if err != nil {
			return nil, &provider.ValidationError{
				Provider: a.meta.Name,
				Path:     action,
				Reason:   fmt.Sprintf("malformed page token %q", pageToken),
			}
		}
		pageNum = n
	}

	startBlock := int64(0)
	if cursor.HasBlock {
		startBlock = cursor.FromBlock
	}

	params := fmt.Sprintf("module=account&action=%s&address=%s&startblock=%d&endblock=99999999&page=%d&offset=%d&sort=asc",
		action, op.Address, startBlock, pageNum, etherscanPageSize)

	var env etherscanEnvelope
	if err := a.query(ctx, params, &env); err != nil {
		return nil, err
	}

	var raws []json.RawMessage
	if err := json.Unmarshal(env.Result, &raws); err != nil {
		// Empty histories return status 0 with a string result.
		if strings.Contains(strings.ToLower(env.Message), "no transactions") {
			return &provider.StreamingPage{IsComplete: true}, nil
		}
		return nil, &provider.ValidationError{
			Provider: a.meta.Name,
			Path:     action,
			Reason:   fmt.Sprintf("unexpected result shape: %s", env.Message),
		}
	}

	page := &provider.StreamingPage{}
	invalid := 0
	for _, raw := range raws {
		var tx etherscanTx
		if err := json.Unmarshal(raw, &tx); err != nil || tx.Hash == "" {
			invalid++
			slog.Warn("skipping invalid transaction payload",
				"provider", a.meta.Name,
				"address", provider.MaskAddress(op.Address),
			)
			continue
		}

		item, err := a.normalize(tx, op)
		if err != nil {
			invalid++
			continue
		}
		item.Raw = raw
		page.Items = append(page.Items, item)
	}

	if len(raws) > 0 && invalid == len(raws) {
		return nil, &provider.ValidationError{
			Provider: a.meta.Name,
			Path:     action,
			Reason:   "every item in page failed validation",
		}
	}

	if len(raws) < etherscanPageSize {
		page.IsComplete = true
	} else {
		page.NextPageToken = strconv.Itoa(pageNum + 1)
	}
	return page, nil
}

func (a *etherscanAdapter) normalize(tx etherscanTx, op models.Operation) (models.TransactionItem, error) {
	block, err := strconv.ParseInt(tx.BlockNumber, 10, 64)
	if err != nil {
		return models.TransactionItem{}, fmt.Errorf("parse blockNumber: %w", err)
	}
	ts, err := strconv.ParseInt(tx.TimeStamp, 10, 64)
	if err != nil {
		return models.TransactionItem{}, fmt.Errorf("parse timeStamp: %w", err)
	}

	direction := "in"
	if strings.EqualFold(tx.From, op.Address) {
		direction = "out"
		if strings.EqualFold(tx.To, op.Address) {
			direction = "self"
		}
	}

	asset := "ETH"
	if tx.TokenSymbol != "" {
		asset = tx.TokenSymbol
	}

	status := "confirmed"
	if tx.IsError == "1" || tx.TxReceiptStatus == "0" {
		status = "failed"
	}

	// The discriminator separates multiple events inside one transaction:
	// internal calls carry a trace id, token transfers the contract and
	// position, plain transfers the transaction index.
	discriminator := tx.TransactionIndex
	switch op.EffectiveStreamType() {
	case models.StreamInternal:
		discriminator = "trace:" + tx.TraceID
	case models.StreamToken:
		discriminator = "log:" + tx.ContractAddress + ":" + tx.TransactionIndex + ":" + tx.Value
	}

	return models.TransactionItem{
		Normalized: models.NormalizedTransaction{
			ID:          tx.Hash,
			EventID:     provider.EventID(string(models.ChainEthereum), tx.Hash, op.Address, string(op.EffectiveStreamType()), discriminator),
			Chain:       models.ChainEthereum,
			BlockNumber: block,
			Timestamp:   ts,
			From:        tx.From,
			To:          tx.To,
			Amount:      tx.Value,
			Asset:       asset,
			Direction:   direction,
			Status:      status,
		},
	}, nil
}

func (a *etherscanAdapter) ExtractCursors(item models.NormalizedTransaction) []models.Cursor {
	return []models.Cursor{
		{Type: models.CursorBlockNumber, BlockNumber: item.BlockNumber},
		{Type: models.CursorTimestamp, Timestamp: item.Timestamp},
	}
}

func (a *etherscanAdapter) ApplyReplayWindow(c models.Cursor) models.Cursor {
	return provider.ShiftCursor(c, a.meta.ReplayWindow)
}

var weiPerEth = new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

// formatWei renders a wei amount as a decimal ETH string.
func formatWei(wei string) string {
	n, ok := new(big.Int).SetString(wei, 10)
	if !ok {
		return "0"
	}
	quo, rem := new(big.Int).QuoRem(n, weiPerEth, new(big.Int))
	frac := strings.TrimRight(fmt.Sprintf("%018s", rem.String()), "0")
	if frac == "" {
		return quo.String()
	}
	return quo.String() + "." + frac
}
