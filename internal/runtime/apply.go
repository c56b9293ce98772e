package runtime

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/payment"
	"github.com/Klingon-tech/klingnet-runtime/pkg/tx"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Receipt is the outcome of an applied transaction. A failed call is still
// included: its fee is charged and its nonce consumed.
type Receipt struct {
	TxHash     types.Hash         `json:"tx_hash"`
	Sender     types.Address      `json:"sender"`
	Nonce      uint64             `json:"nonce"`
	Success    bool               `json:"success"`
	Reason     string             `json:"reason,omitempty"`
	Output     string             `json:"output,omitempty"` // Hex
	GasUsed    uint64             `json:"gas_used"`
	Weight     types.Weight       `json:"weight"`
	Fee        payment.Settlement `json:"fee"`
	Conversion payment.Conversion `json:"conversion"`
}

// ApplyTransaction charges, dispatches and settles t, then commits.
//
// An error means t was rejected before dispatch and left no trace: no block
// is open, or t is malformed, badly signed, out of order, or its sender
// cannot pay the fee.
func (r *Runtime) ApplyTransaction(t *tx.Transaction) (*Receipt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.block.open {
		r.metrics.TxRejected("no_block")
		return nil, ErrNoOpenBlock
	}
	sender, err := r.admit(t)
	if err != nil {
		return nil, err
	}
	info := r.dispatchInfo(t)
	w, err := r.charge.WithdrawFee(sender, info, t.EncodedLength(), t.Tip)
	if err != nil {
		return nil, err
	}

	rec := &Receipt{
		TxHash:     t.Hash(),
		Sender:     sender,
		Nonce:      t.Nonce,
		Conversion: w.Conversion,
	}
	actual := info.Weight
	if r.isTransfer(t) {
		err = r.transfer(sender, t)
	} else {
		out := r.dispatch(&Message{
			From:     sender,
			To:       t.To,
			Value:    t.Value,
			Currency: t.Currency,
			Input:    t.Data,
			Gas:      t.GasLimit,
			Height:   r.block.height,
		})
		rec.GasUsed = out.gasUsed
		rec.Output = hex.EncodeToString(out.output)
		actual = r.router.WeightForGas(out.gasUsed)
		err = out.err
	}
	rec.Success = err == nil
	if err != nil {
		rec.Reason = err.Error()
	}

	rec.Fee = r.charge.CorrectAndSettle(w, actual)
	rec.Weight = types.MinWeight(actual, info.Weight)
	r.ledger.IncNonce(sender)
	r.block.weight = r.block.weight.SaturatingAdd(r.calc.BaseWeight().SaturatingAdd(rec.Weight))
	r.block.txs++

	if err := r.ledger.Commit(); err != nil {
		r.ledger.Discard()
		return nil, fmt.Errorf("commit: %w", err)
	}

	r.logger.Debug().
		Str("tx", rec.TxHash.String()).
		Str("sender", sender.String()).
		Bool("success", rec.Success).
		Str("fee", rec.Fee.ActualFee.String()).
		Str("refund", rec.Fee.Refund.String()).
		Msg("Transaction applied")
	return rec, nil
}

// ValidateTransaction checks that t would be accepted by ApplyTransaction
// now, without changing any state.
func (r *Runtime) ValidateTransaction(t *tx.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.block.open {
		return ErrNoOpenBlock
	}
	sender, err := r.admit(t)
	if err != nil {
		return err
	}
	return r.charge.CanPay(sender, r.dispatchInfo(t), t.EncodedLength(), t.Tip)
}

// admit runs the stateless checks and the nonce check.
func (r *Runtime) admit(t *tx.Transaction) (types.Address, error) {
	if t == nil {
		return types.Address{}, fmt.Errorf("transaction is nil")
	}
	if err := t.Validate(r.chainID); err != nil {
		r.metrics.TxRejected("invalid")
		return types.Address{}, err
	}
	if err := t.VerifySignature(); err != nil {
		r.metrics.TxRejected("bad_signature")
		return types.Address{}, err
	}
	sender := t.Sender()
	if want := r.ledger.Nonce(sender); t.Nonce != want {
		r.metrics.TxRejected("bad_nonce")
		return types.Address{}, fmt.Errorf("%w: got %d, want %d", ErrBadNonce, t.Nonce, want)
	}
	return sender, nil
}

// isTransfer reports whether t moves value without running code. Anything
// sent to a precompile is a call, so the router can refuse value.
func (r *Runtime) isTransfer(t *tx.Transaction) bool {
	return !t.IsCall() && !r.router.IsPrecompile(t.To)
}

// dispatchInfo declares the weight t is charged for up front.
func (r *Runtime) dispatchInfo(t *tx.Transaction) fee.DispatchInfo {
	if r.isTransfer(t) {
		return fee.DispatchInfo{Weight: TransferWeight}
	}
	return fee.DispatchInfo{Weight: r.router.WeightForGas(t.GasLimit)}
}

func (r *Runtime) transfer(sender types.Address, t *tx.Transaction) error {
	if t.Value.IsZero() {
		return nil
	}
	snap := r.ledger.Snapshot()
	if err := r.ledger.Transfer(sender, t.To, t.Currency, t.Value); err != nil {
		if rerr := r.ledger.RevertToSnapshot(snap); rerr != nil {
			return errors.Join(err, rerr)
		}
		return err
	}
	return nil
}
