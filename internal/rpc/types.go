package rpc

import (
	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/ledger"
	"github.com/Klingon-tech/klingnet-runtime/pkg/tx"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// JSON-RPC 2.0 error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeNotFound       = -32000
	CodeRejected       = -32001 // Transaction refused before dispatch
)

// Request is a JSON-RPC 2.0 request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
	ID      interface{} `json:"id"`
}

// Response is a JSON-RPC 2.0 response.
type Response struct {
	JSONRPC string      `json:"jsonrpc"`
	Result  interface{} `json:"result,omitempty"`
	Error   *Error      `json:"error,omitempty"`
	ID      interface{} `json:"id"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ── Param types ─────────────────────────────────────────────────────────

// TxParam is used by the payment_* and tx_* endpoints.
type TxParam struct {
	Transaction *tx.Transaction `json:"transaction"`
}

// BalanceParam is used by ledger_getBalance.
type BalanceParam struct {
	Address  string           `json:"address"`
	Currency types.CurrencyID `json:"currency"`
}

// QuoteParam is used by exchange_quote.
type QuoteParam struct {
	In        types.CurrencyID `json:"in"`
	Out       types.CurrencyID `json:"out"`
	AmountOut string           `json:"amount_out"`
}

// TaskParam is used by scheduler_getTask.
type TaskParam struct {
	ID string `json:"id"` // Hex
}

// ── Result types ────────────────────────────────────────────────────────

// ChainInfoResult is returned by chain_getInfo.
type ChainInfoResult struct {
	ChainID    string           `json:"chain_id"`
	Height     uint64           `json:"height"`
	Native     types.CurrencyID `json:"native"`
	Stable     types.CurrencyID `json:"stable"`
	Multiplier fee.Multiplier   `json:"multiplier"`
}

// MultiplierResult is returned by payment_nextFeeMultiplier.
type MultiplierResult struct {
	Multiplier fee.Multiplier `json:"multiplier"`
}

// BalanceResult is returned by ledger_getBalance.
type BalanceResult struct {
	Address  string           `json:"address"`
	Currency types.CurrencyID `json:"currency"`
	Free     types.Balance    `json:"free"`
	Reserved types.Balance    `json:"reserved"`
	Nonce    uint64           `json:"nonce"`
}

// CurrenciesResult is returned by ledger_getCurrencies.
type CurrenciesResult struct {
	Native     types.CurrencyID  `json:"native"`
	Stable     types.CurrencyID  `json:"stable"`
	Currencies []ledger.Currency `json:"currencies"`
}

// QuoteResult is returned by exchange_quote.
type QuoteResult struct {
	AmountIn types.Balance `json:"amount_in"`
}

// TxValidateResult is returned by tx_validate.
type TxValidateResult struct {
	Valid bool           `json:"valid"`
	Fee   *types.Balance `json:"fee,omitempty"` // Partial fee plus tip
	Error string         `json:"error,omitempty"`
}

// RejectionData is attached to CodeRejected errors when the runtime gave a
// stable reason.
type RejectionData struct {
	Code   int    `json:"code"`
	Reason string `json:"reason"`
}
