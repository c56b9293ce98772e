package rpc

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/internal/payment"
	"github.com/Klingon-tech/klingnet-runtime/internal/scheduler"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// ── Chain endpoints ─────────────────────────────────────────────────────

func (s *Server) handleChainGetInfo(_ *Request) (interface{}, *Error) {
	rules := s.rt.Rules()
	return &ChainInfoResult{
		ChainID:    s.rt.ChainID(),
		Height:     s.rt.Height(),
		Native:     rules.Currency.Native,
		Stable:     rules.Currency.Stable,
		Multiplier: s.rt.FeeMultiplier(),
	}, nil
}

// ── Payment endpoints ───────────────────────────────────────────────────

func (s *Server) handlePaymentQueryInfo(req *Request) (interface{}, *Error) {
	var params TxParam
	if err := parseTxParam(req, &params); err != nil {
		return nil, err
	}
	info := s.rt.QueryInfo(params.Transaction)
	return &info, nil
}

func (s *Server) handlePaymentQueryFeeDetails(req *Request) (interface{}, *Error) {
	var params TxParam
	if err := parseTxParam(req, &params); err != nil {
		return nil, err
	}
	details := s.rt.FeeDetails(params.Transaction)
	return &details, nil
}

func (s *Server) handlePaymentNextFeeMultiplier(_ *Request) (interface{}, *Error) {
	return &MultiplierResult{Multiplier: s.rt.NextFeeMultiplier()}, nil
}

// ── Ledger endpoints ────────────────────────────────────────────────────

func (s *Server) handleLedgerGetBalance(req *Request) (interface{}, *Error) {
	var params BalanceParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	addr, err := types.ParseAddress(params.Address)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid address: %v", err)}
	}
	if _, err := s.rt.Ledger().Currency(params.Currency); err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("currency %d: %v", params.Currency, err)}
	}

	l := s.rt.Ledger()
	return &BalanceResult{
		Address:  addr.String(),
		Currency: params.Currency,
		Free:     l.BalanceOf(addr, params.Currency),
		Reserved: l.ReservedOf(addr, params.Currency),
		Nonce:    l.Nonce(addr),
	}, nil
}

func (s *Server) handleLedgerGetCurrencies(_ *Request) (interface{}, *Error) {
	currencies, err := s.rt.Ledger().Currencies()
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	rules := s.rt.Rules()
	return &CurrenciesResult{
		Native:     rules.Currency.Native,
		Stable:     rules.Currency.Stable,
		Currencies: currencies,
	}, nil
}

// ── Exchange endpoints ──────────────────────────────────────────────────

func (s *Server) handleExchangeQuote(req *Request) (interface{}, *Error) {
	var params QuoteParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	amount, err := types.ParseBalance(params.AmountOut)
	if err != nil {
		return nil, &Error{Code: CodeInvalidParams, Message: fmt.Sprintf("invalid amount_out: %v", err)}
	}
	in, err := s.rt.Exchange().Quote(params.In, params.Out, amount)
	if err != nil {
		return nil, &Error{Code: CodeNotFound, Message: fmt.Sprintf("no quote: %v", err)}
	}
	return &QuoteResult{AmountIn: in}, nil
}

// ── Scheduler endpoints ─────────────────────────────────────────────────

func (s *Server) handleSchedulerGetTask(req *Request) (interface{}, *Error) {
	var params TaskParam
	if err := parseParams(req, &params); err != nil {
		return nil, err
	}
	id, err := hex.DecodeString(params.ID)
	if err != nil || len(id) == 0 {
		return nil, &Error{Code: CodeInvalidParams, Message: "invalid id: must be non-empty hex"}
	}
	task, err := s.rt.Scheduler().Get(scheduler.TaskID(id))
	if errors.Is(err, scheduler.ErrNotFound) {
		return nil, &Error{Code: CodeNotFound, Message: "task not found"}
	}
	if err != nil {
		return nil, &Error{Code: CodeInternalError, Message: err.Error()}
	}
	return task, nil
}

// ── Transaction endpoints ───────────────────────────────────────────────

func (s *Server) handleTxValidate(req *Request) (interface{}, *Error) {
	var params TxParam
	if err := parseTxParam(req, &params); err != nil {
		return nil, err
	}

	if err := s.rt.ValidateTransaction(params.Transaction); err != nil {
		return &TxValidateResult{
			Valid: false,
			Error: err.Error(),
		}, nil
	}

	total := s.rt.FeeDetails(params.Transaction).Total()
	return &TxValidateResult{
		Valid: true,
		Fee:   &total,
	}, nil
}

func (s *Server) handleTxSubmit(req *Request) (interface{}, *Error) {
	var params TxParam
	if err := parseTxParam(req, &params); err != nil {
		return nil, err
	}

	receipt, err := s.rt.ApplyTransaction(params.Transaction)
	if err != nil {
		return nil, rejected(err)
	}
	if s.instantSeal {
		// The transaction is committed either way; a seal failure only
		// leaves the runtime without an open block.
		if _, err := s.rt.AdvanceBlock(s.sealAuthor); err != nil {
			s.logger.Error().Err(err).Msg("Instant seal failed")
		}
	}
	return receipt, nil
}

// parseTxParam parses a TxParam and requires the transaction.
func parseTxParam(req *Request, params *TxParam) *Error {
	if err := parseParams(req, params); err != nil {
		return err
	}
	if params.Transaction == nil {
		return &Error{Code: CodeInvalidParams, Message: "transaction is required"}
	}
	return nil
}

// rejected maps a pre-dispatch rejection to an RPC error, keeping the stable
// reason code when there is one.
func rejected(err error) *Error {
	e := &Error{Code: CodeRejected, Message: fmt.Sprintf("rejected: %v", err)}
	var reason *payment.ReasonError
	if errors.As(err, &reason) {
		e.Data = &RejectionData{Code: reason.Code, Reason: reason.Reason}
	}
	return e
}
