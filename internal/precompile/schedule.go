package precompile

import (
	"fmt"
	"slices"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/scheduler"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Schedule-call selectors.
var (
	SelScheduleCall   = SelectorOf("scheduleCall(address,address,uint256,uint256,uint256,uint256,bytes)")
	SelCancelCall     = SelectorOf("cancelCall(address,bytes)")
	SelRescheduleCall = SelectorOf("rescheduleCall(address,uint256,bytes)")
)

// Scheduler registers deferred calls.
type Scheduler interface {
	Schedule(call scheduler.Call, when uint64, origin types.Address, reservedFee types.Balance) (scheduler.TaskID, error)
	Cancel(origin types.Address, id scheduler.TaskID) (*scheduler.Task, error)
	Reschedule(origin types.Address, id scheduler.TaskID, when uint64) error
}

// FeeReserver holds the fee of a deferred call until it runs.
type FeeReserver interface {
	ReserveFee(payer types.Address, info fee.DispatchInfo, length uint32) (types.Balance, error)
	UnreserveFee(payer types.Address, amount types.Balance) types.Balance
}

// ScheduleCall lets contracts submit, cancel and move deferred calls.
type ScheduleCall struct {
	scheduler    Scheduler
	fees         FeeReserver
	weightPerGas uint64
	allowList    []types.Address
}

// NewScheduleCall creates the schedule-call handler. An empty allow-list
// in rules lets any caller schedule.
func NewScheduleCall(s Scheduler, fees FeeReserver, rules config.PrecompileRules) *ScheduleCall {
	return &ScheduleCall{
		scheduler:    s,
		fees:         fees,
		weightPerGas: rules.WeightPerGas,
		allowList:    rules.ScheduleAllowList,
	}
}

func (*ScheduleCall) Kind() Kind { return KindScheduleCall }

// Authorize requires a state-changing call without value, from an allowed
// caller acting for itself.
func (s *ScheduleCall) Authorize(ctx *Context, _ types.Address, _ Selector, in []byte) error {
	if ctx.ReadOnly {
		return fmt.Errorf("%w: schedule call in read-only call", ErrAccessDenied)
	}
	if !ctx.Value.IsZero() {
		return fmt.Errorf("%w: precompile does not accept value", ErrAccessDenied)
	}
	if len(s.allowList) > 0 && !slices.Contains(s.allowList, ctx.Caller) {
		return fmt.Errorf("%w: caller %s may not schedule calls", ErrAccessDenied, ctx.Caller)
	}
	sender, err := args(in).address(0)
	if err != nil {
		return err
	}
	if sender != ctx.Caller {
		return fmt.Errorf("%w: sender %s is not caller %s", ErrAccessDenied, sender, ctx.Caller)
	}
	return nil
}

func (s *ScheduleCall) Run(ctx *Context, _ types.Address, sel Selector, in []byte) ([]byte, types.Weight, error) {
	switch sel {
	case SelScheduleCall:
		return s.schedule(ctx, args(in))
	case SelCancelCall:
		return s.cancel(ctx, args(in))
	case SelRescheduleCall:
		return s.reschedule(ctx, args(in))
	default:
		return nil, WeightRead, fmt.Errorf("%w: %s", ErrUnknownSelector, sel)
	}
}

const scheduleWeight = 4*WeightRead + 4*WeightWrite

func (s *ScheduleCall) schedule(ctx *Context, a args) ([]byte, types.Weight, error) {
	var (
		call scheduler.Call
		err  error
	)
	if call.Target, err = a.address(1); err != nil {
		return nil, WeightRead, err
	}
	if call.Value, err = a.balance(2); err != nil {
		return nil, WeightRead, err
	}
	if call.GasLimit, err = a.uint64(3); err != nil {
		return nil, WeightRead, err
	}
	storageLimit, err := a.uint64(4)
	if err != nil {
		return nil, WeightRead, err
	}
	if storageLimit > uint64(^uint32(0)) {
		return nil, WeightRead, fmt.Errorf("%w: storage limit too large", errBadInput)
	}
	call.StorageLimit = uint32(storageLimit)
	minDelay, err := a.uint64(5)
	if err != nil {
		return nil, WeightRead, err
	}
	if call.Input, err = a.bytes(6); err != nil {
		return nil, WeightRead, err
	}

	info := fee.DispatchInfo{Weight: s.callWeight(call.GasLimit), PaysFee: fee.PaysYes}
	reserved, err := s.fees.ReserveFee(ctx.Caller, info, uint32(len(call.Input)))
	if err != nil {
		return nil, scheduleWeight, err
	}
	id, err := s.scheduler.Schedule(call, when(ctx.Height, minDelay), ctx.Caller, reserved)
	if err != nil {
		return nil, scheduleWeight, err
	}
	return packBytes(id), scheduleWeight, nil
}

func (s *ScheduleCall) cancel(ctx *Context, a args) ([]byte, types.Weight, error) {
	id, err := a.bytes(1)
	if err != nil {
		return nil, WeightRead, err
	}
	task, err := s.scheduler.Cancel(ctx.Caller, id)
	if err != nil {
		return nil, 2 * WeightRead, err
	}
	s.fees.UnreserveFee(task.Origin, task.ReservedFee)
	return packBool(true), scheduleWeight, nil
}

func (s *ScheduleCall) reschedule(ctx *Context, a args) ([]byte, types.Weight, error) {
	minDelay, err := a.uint64(1)
	if err != nil {
		return nil, WeightRead, err
	}
	id, err := a.bytes(2)
	if err != nil {
		return nil, WeightRead, err
	}
	if err := s.scheduler.Reschedule(ctx.Caller, id, when(ctx.Height, minDelay)); err != nil {
		return nil, 2 * WeightRead, err
	}
	return packBool(true), scheduleWeight, nil
}

// callWeight converts the gas limit of a deferred call into weight.
func (s *ScheduleCall) callWeight(gas uint64) types.Weight {
	w := gas * s.weightPerGas
	if gas != 0 && w/gas != s.weightPerGas {
		return types.Weight(^uint64(0))
	}
	return types.Weight(w)
}

// when returns the target block of a call delayed by at least one block.
func when(height, minDelay uint64) uint64 {
	delay := max(minDelay, 1)
	if height > ^uint64(0)-delay {
		return ^uint64(0)
	}
	return height + delay
}
