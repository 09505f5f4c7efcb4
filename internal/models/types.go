package models

import "encoding/json"

// Chain identifies a supported blockchain.
type Chain string

const (
	ChainBitcoin  Chain = "bitcoin"
	ChainEthereum Chain = "ethereum"
	ChainSolana   Chain = "solana"
)

// AllChains is the ordered list of supported chains.
var AllChains = []Chain{ChainBitcoin, ChainEthereum, ChainSolana}

// NetworkMode represents mainnet or testnet operation.
type NetworkMode string

const (
	NetworkMainnet NetworkMode = "mainnet"
	NetworkTestnet NetworkMode = "testnet"
)

// StreamType is a sub-category of transaction fetch.
type StreamType string

const (
	StreamNormal   StreamType = "normal"
	StreamToken    StreamType = "token"
	StreamInternal StreamType = "internal"
	StreamStaking  StreamType = "staking"
)

// CursorType identifies the kind of resumption token a cursor carries.
type CursorType string

const (
	CursorPageToken   CursorType = "pageToken"
	CursorBlockNumber CursorType = "blockNumber"
	CursorTimestamp   CursorType = "timestamp"
)

// OperationKind identifies a typed request an importer makes against the manager.
type OperationKind string

const (
	OpGetAddressTransactions OperationKind = "getAddressTransactions"
	OpGetAddressBalances     OperationKind = "getAddressBalances"
	OpHasAddressTransactions OperationKind = "hasAddressTransactions"
	OpGetAddressInfo         OperationKind = "getAddressInfo"
)

// Operation is a request against the provider manager. StreamType is only
// meaningful for getAddressTransactions and defaults to StreamNormal.
type Operation struct {
	Kind       OperationKind `json:"kind"`
	Address    string        `json:"address"`
	StreamType StreamType    `json:"streamType,omitempty"`
}

// EffectiveStreamType returns the requested stream type, defaulting to normal.
func (o Operation) EffectiveStreamType() StreamType {
	if o.StreamType == "" {
		return StreamNormal
	}
	return o.StreamType
}

// Cursor is a typed position within a transaction stream. Exactly the field
// matching Type is meaningful. A page-token cursor is only valid for the
// provider that minted it; block-number and timestamp cursors are portable.
type Cursor struct {
	Type         CursorType `json:"type"`
	PageToken    string     `json:"pageToken,omitempty"`
	ProviderName string     `json:"providerName,omitempty"`
	BlockNumber  int64      `json:"blockNumber,omitempty"`
	Timestamp    int64      `json:"timestamp,omitempty"`
}

// CursorMetadata carries bookkeeping attached to a CursorState.
type CursorMetadata struct {
	ProviderName      string   `json:"providerName,omitempty"`
	UpdatedAt         string   `json:"updatedAt,omitempty"`
	StartTime         int64    `json:"startTime,omitempty"`
	EndTime           int64    `json:"endTime,omitempty"`
	LastTransactionID string   `json:"lastTransactionId,omitempty"`
	RecentIDs         []string `json:"recentIds,omitempty"`
}

// CursorState is a durable resumption token. It always identifies enough
// information to resume from before the last emitted item, never after.
type CursorState struct {
	Primary      Cursor         `json:"primary"`
	Alternatives []Cursor       `json:"alternatives,omitempty"`
	Metadata     CursorMetadata `json:"metadata"`
}

// NormalizedTransaction is the chain-agnostic projection of one on-chain event.
// EventID is deterministic under replay: the same input data always yields the
// same EventID, including any discriminators needed to separate multiple
// events within one transaction (output index, log index, trace id).
type NormalizedTransaction struct {
	ID          string `json:"id"`
	EventID     string `json:"eventId"`
	Chain       Chain  `json:"chain"`
	BlockNumber int64  `json:"blockNumber"`
	Timestamp   int64  `json:"timestamp"`
	From        string `json:"from,omitempty"`
	To          string `json:"to,omitempty"`
	Amount      string `json:"amount"`
	Asset       string `json:"asset"`
	Direction   string `json:"direction,omitempty"`
	Status      string `json:"status,omitempty"`
}

// TransactionItem pairs the raw provider payload with its normalized value.
type TransactionItem struct {
	Raw        json.RawMessage       `json:"raw,omitempty"`
	Normalized NormalizedTransaction `json:"normalized"`
}

// StreamingBatch is the output of one page from a streaming operation.
type StreamingBatch struct {
	Items        []TransactionItem `json:"items"`
	ProviderName string            `json:"providerName"`
	Cursor       CursorState       `json:"cursor"`
	IsComplete   bool              `json:"isComplete"`
	HasMore      bool              `json:"hasMore,omitempty"`
}

// Balance is the native-asset balance payload of getAddressBalances.
type Balance struct {
	DecimalAmount string `json:"decimalAmount"`
	Symbol        string `json:"symbol"`
	Decimals      int    `json:"decimals"`
	ProviderName  string `json:"providerName,omitempty"`
}

// AddressInfo is the payload of getAddressInfo.
type AddressInfo struct {
	IsContract   bool   `json:"isContract"`
	ProviderName string `json:"providerName,omitempty"`
}

// ImportedTransaction is a normalized transaction as persisted by the importer.
type ImportedTransaction struct {
	Chain        Chain  `json:"chain"`
	Address      string `json:"address"`
	EventID      string `json:"eventId"`
	TxID         string `json:"txId"`
	BlockNumber  int64  `json:"blockNumber"`
	Timestamp    int64  `json:"timestamp"`
	Amount       string `json:"amount"`
	Asset        string `json:"asset"`
	Direction    string `json:"direction,omitempty"`
	ProviderName string `json:"providerName"`
	Raw          string `json:"raw,omitempty"`
	CreatedAt    string `json:"createdAt,omitempty"`
}

// APIResponse is the standard API response wrapper.
type APIResponse struct {
	Data interface{} `json:"data,omitempty"`
}

// APIError is the standard error response.
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail contains error code and message.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
