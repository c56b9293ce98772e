package runtime

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/scheduler"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Block lifecycle errors.
var (
	ErrBlockOpen   = errors.New("block already open")
	ErrNoOpenBlock = errors.New("no open block")
	ErrBadHeight   = errors.New("block height must increase")
)

// BlockSummary describes a finalized block.
type BlockSummary struct {
	Height         uint64         `json:"height"`
	Author         types.Address  `json:"author"`
	Transactions   int            `json:"transactions"`
	Dispatched     int            `json:"dispatched"` // Scheduled calls run
	Weight         types.Weight   `json:"weight"`
	Fullness       fee.Perbill    `json:"fullness"`
	Fees           types.Balance  `json:"fees"`
	Tips           types.Balance  `json:"tips"`
	NextMultiplier fee.Multiplier `json:"next_multiplier"`
}

// InitializeBlock opens block height, credits tips to author and runs the
// scheduled calls that are due. A zero author sends tips to the treasury.
func (r *Runtime) InitializeBlock(height uint64, author types.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initializeBlock(height, author)
}

func (r *Runtime) initializeBlock(height uint64, author types.Address) error {
	if r.block.open {
		return ErrBlockOpen
	}
	if height <= r.block.height {
		return fmt.Errorf("%w: %d after %d", ErrBadHeight, height, r.block.height)
	}

	prev := r.block
	r.block = blockState{height: height, author: author, open: true}
	r.charge.SetBlockAuthor(author)

	tasks, err := r.scheduler.Due(height)
	if err != nil {
		r.ledger.Discard()
		r.block = prev
		return fmt.Errorf("load due tasks: %w", err)
	}
	for _, task := range tasks {
		r.runTask(task)
	}
	r.block.dispatched = len(tasks)

	if err := r.ledger.Commit(); err != nil {
		r.ledger.Discard()
		r.block = prev
		return fmt.Errorf("commit: %w", err)
	}
	r.logger.Debug().
		Uint64("height", height).
		Str("author", author.String()).
		Int("scheduled", len(tasks)).
		Msg("Block initialized")
	return nil
}

// runTask dispatches a scheduled call. The reserved fee is released and the
// call pays through the normal withdraw and settle path. A task whose origin
// can no longer pay is dropped.
func (r *Runtime) runTask(task *scheduler.Task) {
	r.charge.UnreserveFee(task.Origin, task.ReservedFee)

	info := fee.DispatchInfo{Weight: r.router.WeightForGas(task.Call.GasLimit)}
	w, err := r.charge.WithdrawFee(task.Origin, info, uint32(len(task.Call.Input)), types.Balance{})
	if err != nil {
		r.logger.Warn().Err(err).
			Str("task", task.ID.String()).
			Str("origin", task.Origin.String()).
			Msg("Dropping scheduled call")
		return
	}

	out := r.dispatch(&Message{
		From:     task.Origin,
		To:       task.Call.Target,
		Value:    task.Call.Value,
		Currency: r.rules.Currency.Native,
		Input:    task.Call.Input,
		Gas:      task.Call.GasLimit,
		Height:   r.block.height,
	})
	actual := types.MinWeight(r.router.WeightForGas(out.gasUsed), info.Weight)
	r.charge.CorrectAndSettle(w, actual)
	r.block.weight = r.block.weight.SaturatingAdd(r.calc.BaseWeight().SaturatingAdd(actual))
	r.metrics.TaskDispatched()

	ev := r.logger.Debug().
		Str("task", task.ID.String()).
		Uint64("gas_used", out.gasUsed)
	if out.err != nil {
		ev = ev.Str("reason", out.err.Error())
	}
	ev.Bool("success", out.err == nil).Msg("Scheduled call dispatched")
}

// FinalizeBlock closes the open block and moves the fee multiplier according
// to how full the block was.
func (r *Runtime) FinalizeBlock() (*BlockSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.finalizeBlock()
}

// AdvanceBlock finalizes the open block and opens the next one for author
// without releasing the runtime lock, so no transaction can arrive while
// no block is open.
func (r *Runtime) AdvanceBlock(author types.Address) (*BlockSummary, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, err := r.finalizeBlock()
	if err != nil {
		return nil, err
	}
	if err := r.initializeBlock(s.Height+1, author); err != nil {
		return s, fmt.Errorf("open block %d: %w", s.Height+1, err)
	}
	return s, nil
}

func (r *Runtime) finalizeBlock() (*BlockSummary, error) {
	if !r.block.open {
		return nil, ErrNoOpenBlock
	}

	fullness := fee.Fullness(r.block.weight, r.rules.Fee.MaxBlockWeight)
	next := r.control.OnBlockFinalize(r.FeeMultiplier(), fullness)
	if err := fee.SaveMultiplier(r.feeState, next); err != nil {
		return nil, fmt.Errorf("save multiplier: %w", err)
	}
	if err := r.ledger.Commit(); err != nil {
		r.ledger.Discard()
		return nil, fmt.Errorf("commit: %w", err)
	}
	r.setMultiplier(next)
	r.block.open = false

	r.metrics.BlockFinalized(next.Float64(), float64(fullness)/config.Perbill)

	s := &BlockSummary{
		Height:         r.block.height,
		Author:         r.block.author,
		Transactions:   r.block.txs,
		Dispatched:     r.block.dispatched,
		Weight:         r.block.weight,
		Fullness:       fullness,
		Fees:           r.block.fees,
		Tips:           r.block.tips,
		NextMultiplier: next,
	}
	r.logger.Info().
		Uint64("height", s.Height).
		Int("txs", s.Transactions).
		Uint64("weight", uint64(s.Weight)).
		Str("fees", s.Fees.String()).
		Str("multiplier", next.String()).
		Msg("Block finalized")
	return s, nil
}
