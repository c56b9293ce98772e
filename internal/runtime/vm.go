package runtime

import (
	"errors"

	"github.com/Klingon-tech/klingnet-runtime/internal/precompile"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// ErrNoCode is returned for calls to an address with no precompile and no VM.
var ErrNoCode = errors.New("no code at address")

// Message is a call handed to the VM.
type Message struct {
	From     types.Address
	To       types.Address
	Value    types.Balance
	Currency types.CurrencyID
	Input    []byte
	Gas      uint64
	Height   uint64
}

// ExecResult is the outcome of a VM call.
type ExecResult struct {
	Output  []byte
	GasUsed uint64
	Err     error // Non-nil when the call reverted
}

// VM executes contract code. Nested calls to precompile addresses must be
// routed through precompiles; the VM charges the returned GasUsed against
// its own gas meter.
type VM interface {
	Call(msg *Message, precompiles *precompile.Router) ExecResult
}

// VMFunc adapts a function to VM.
type VMFunc func(msg *Message, precompiles *precompile.Router) ExecResult

func (f VMFunc) Call(msg *Message, precompiles *precompile.Router) ExecResult {
	return f(msg, precompiles)
}

// outcome is the result of dispatching one call.
type outcome struct {
	output  []byte
	gasUsed uint64
	err     error
}

// dispatch runs a call. Precompile addresses go to the router, anything else
// to the VM. State changes of a failed call are reverted; the caller settles
// the fee for the gas used either way.
func (r *Runtime) dispatch(msg *Message) outcome {
	snap := r.ledger.Snapshot()
	out := r.execute(msg)
	if out.err != nil {
		if err := r.ledger.RevertToSnapshot(snap); err != nil {
			r.logger.Error().Err(err).Msg("Revert failed call")
		}
	}
	if out.gasUsed > msg.Gas {
		out.gasUsed = msg.Gas
	}
	return out
}

func (r *Runtime) execute(msg *Message) outcome {
	if r.router.IsPrecompile(msg.To) {
		res := r.router.Call(&precompile.Context{
			Caller: msg.From,
			Origin: msg.From,
			Value:  msg.Value,
			Height: msg.Height,
			Gas:    msg.Gas,
		}, msg.To, msg.Input)
		out := outcome{output: res.Output, gasUsed: res.GasUsed}
		if res.State != precompile.Executed {
			out.err = errors.New(res.Reason)
		}
		return out
	}

	if r.vm == nil {
		return outcome{gasUsed: r.minimumGas(msg.Gas), err: ErrNoCode}
	}
	if !msg.Value.IsZero() {
		if err := r.ledger.Transfer(msg.From, msg.To, msg.Currency, msg.Value); err != nil {
			return outcome{gasUsed: r.minimumGas(msg.Gas), err: err}
		}
	}
	res := r.vm.Call(msg, r.router)
	return outcome{output: res.Output, gasUsed: res.GasUsed, err: res.Err}
}

func (r *Runtime) minimumGas(supplied uint64) uint64 {
	return min(r.rules.Precompile.MinimumGas, supplied)
}
