package bitcoin

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/Fantasim/chainsync/internal/models"
	"github.com/Fantasim/chainsync/internal/provider"
)

// esploraPageSize is the page length of the Esplora /txs/chain endpoint.
const esploraPageSize = 25

// esploraAddressResponse represents the /address/{addr} endpoint shared by
// Blockstream and Mempool.space.
type esploraAddressResponse struct {
	ChainStats   esploraStats `json:"chain_stats"`
	MempoolStats esploraStats `json:"mempool_stats"`
}

type esploraStats struct {
	FundedTxoSum int64 `json:"funded_txo_sum"`
	SpentTxoSum  int64 `json:"spent_txo_sum"`
	TxCount      int64 `json:"tx_count"`
}

// esploraTx is one confirmed transaction from /address/{addr}/txs/chain.
type esploraTx struct {
	Txid   string `json:"txid"`
	Status struct {
		Confirmed   bool  `json:"confirmed"`
		BlockHeight int64 `json:"block_height"`
		BlockTime   int64 `json:"block_time"`
	} `json:"status"`
	Vin []struct {
		Prevout struct {
			ScriptpubkeyAddress string `json:"scriptpubkey_address"`
			Value               int64  `json:"value"`
		} `json:"prevout"`
	} `json:"vin"`
	Vout []struct {
		ScriptpubkeyAddress string `json:"scriptpubkey_address"`
		Value               int64  `json:"value"`
	} `json:"vout"`
}

// esploraAdapter serves BTC operations against an Esplora-compatible API.
// Mempool.space and Blockstream share the same surface, so both providers
// are this adapter with different metadata.
type esploraAdapter struct {
	meta   provider.Metadata
	client *provider.HTTPClient
}

func newEsploraAdapter(meta provider.Metadata, cfg provider.ProviderConfig) *esploraAdapter {
	return &esploraAdapter{
		meta: meta,
		client: provider.NewHTTPClient(meta.Name, provider.HTTPClientOptions{
			BaseURL:      meta.BaseURL,
			RateLimit:    cfg.RateLimit,
			Retries:      cfg.Retries,
			APIKeyEnvVar: meta.APIKeyEnvVar,
		}),
	}
}

func (a *esploraAdapter) Metadata() provider.Metadata { return a.meta }

func (a *esploraAdapter) Execute(ctx context.Context, op models.Operation) (any, error) {
	switch op.Kind {
	case models.OpGetAddressBalances:
		return a.fetchBalance(ctx, op.Address)
	case models.OpHasAddressTransactions:
		return a.hasTransactions(ctx, op.Address)
	default:
		return nil, fmt.Errorf("operation %s not supported by %s", op.Kind, a.meta.Name)
	}
}

func (a *esploraAdapter) fetchBalance(ctx context.Context, address string) (*models.Balance, error) {
	var data esploraAddressResponse
	if err := a.client.Get(ctx, "/address/"+address, &data); err != nil {
		return nil, err
	}

	confirmed := data.ChainStats.FundedTxoSum - data.ChainStats.SpentTxoSum
	unconfirmed := data.MempoolStats.FundedTxoSum - data.MempoolStats.SpentTxoSum
	total := confirmed + unconfirmed

	slog.Debug("esplora balance fetched",
		"provider", a.meta.Name,
		"address", provider.MaskAddress(address),
		"satoshis", total,
	)

	return &models.Balance{
		DecimalAmount: formatSats(total),
		Symbol:        "BTC",
		Decimals:      8,
	}, nil
}

func (a *esploraAdapter) hasTransactions(ctx context.Context, address string) (bool, error) {
	var data esploraAddressResponse
	if err := a.client.Get(ctx, "/address/"+address, &data); err != nil {
		return false, err
	}
	return data.ChainStats.TxCount+data.MempoolStats.TxCount > 0, nil
}

// FetchPage walks confirmed history newest-first. The page token is the last
// seen txid; a block or timestamp resume point bounds how far back the walk
// goes, with the replay overlap handled by the caller's dedup window.
func (a *esploraAdapter) FetchPage(ctx context.Context, op models.Operation, cursor provider.ResolvedCursor, pageToken string) (*provider.StreamingPage, error) {
	path := "/address/" + op.Address + "/txs/chain"
	if pageToken != "" {
		path += "/" + pageToken
	}

	var raws []json.RawMessage
	if err := a.client.Get(ctx, path, &raws); err != nil {
		return nil, err
	}

	page := &provider.StreamingPage{}
	invalid := 0
	reachedBound := false

	for _, raw := range raws {
		var tx esploraTx
		if err := json.Unmarshal(raw, &tx); err != nil || tx.Txid == "" {
			invalid++
			slog.Warn("skipping invalid transaction payload",
				"provider", a.meta.Name,
				"address", provider.MaskAddress(op.Address),
			)
			continue
		}

		if cursor.HasBlock && tx.Status.BlockHeight < cursor.FromBlock {
			reachedBound = true
			break
		}
		if cursor.HasTimestamp && tx.Status.BlockTime < cursor.FromTimestamp {
			reachedBound = true
			break
		}

		item := a.normalize(tx, op.Address)
		item.Raw = raw
		page.Items = append(page.Items, item)
		page.NextPageToken = tx.Txid
	}

	if len(raws) > 0 && invalid == len(raws) {
		return nil, &provider.ValidationError{
			Provider: a.meta.Name,
			Path:     path,
			Reason:   "every item in page failed validation",
		}
	}

	if len(raws) < esploraPageSize || reachedBound {
		page.IsComplete = true
	}
	return page, nil
}

// normalize computes the address's net movement in one transaction.
func (a *esploraAdapter) normalize(tx esploraTx, address string) models.TransactionItem {
	var received, sent int64
	for _, out := range tx.Vout {
		if out.ScriptpubkeyAddress == address {
			received += out.Value
		}
	}
	for _, in := range tx.Vin {
		if in.Prevout.ScriptpubkeyAddress == address {
			sent += in.Prevout.Value
		}
	}

	direction := "in"
	net := received - sent
	if net < 0 {
		direction = "out"
		net = -net
	} else if sent > 0 {
		direction = "self"
	}

	return models.TransactionItem{
		Normalized: models.NormalizedTransaction{
			ID:          tx.Txid,
			EventID:     provider.EventID(string(models.ChainBitcoin), tx.Txid, address),
			Chain:       models.ChainBitcoin,
			BlockNumber: tx.Status.BlockHeight,
			Timestamp:   tx.Status.BlockTime,
			Amount:      strconv.FormatInt(net, 10),
			Asset:       "BTC",
			Direction:   direction,
			Status:      "confirmed",
		},
	}
}

func (a *esploraAdapter) ExtractCursors(item models.NormalizedTransaction) []models.Cursor {
	return []models.Cursor{
		{Type: models.CursorPageToken, PageToken: item.ID, ProviderName: a.meta.Name},
		{Type: models.CursorBlockNumber, BlockNumber: item.BlockNumber},
		{Type: models.CursorTimestamp, Timestamp: item.Timestamp},
	}
}

func (a *esploraAdapter) ApplyReplayWindow(c models.Cursor) models.Cursor {
	return provider.ShiftCursor(c, a.meta.ReplayWindow)
}

const satsPerBTC int64 = 100_000_000

// formatSats renders satoshis as a decimal BTC amount.
func formatSats(sats int64) string {
	neg := ""
	if sats < 0 {
		neg = "-"
		sats = -sats
	}
	return fmt.Sprintf("%s%d.%08d", neg, sats/satsPerBTC, sats%satsPerBTC)
}
