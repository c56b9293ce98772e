package runtime

import (
	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/metrics"
	"github.com/Klingon-tech/klingnet-runtime/internal/scheduler"
	"github.com/Klingon-tech/klingnet-runtime/pkg/tx"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// FeeInfo is the pre-dispatch fee estimate of a transaction.
type FeeInfo struct {
	Weight     types.Weight  `json:"weight"`
	PaysFee    fee.Pays      `json:"pays_fee"`
	PartialFee types.Balance `json:"partial_fee"` // Fee without tip
}

// QueryInfo returns the declared weight and tip-less fee of t at the current
// multiplier. t need not be signed.
func (r *Runtime) QueryInfo(t *tx.Transaction) FeeInfo {
	info := r.dispatchInfo(t)
	return FeeInfo{
		Weight:     info.Weight,
		PaysFee:    info.PaysFee,
		PartialFee: r.charge.ComputeFee(info, t.EncodedLength(), types.Balance{}),
	}
}

// FeeDetails returns the fee of t broken into its parts, tip included.
func (r *Runtime) FeeDetails(t *tx.Transaction) fee.Details {
	return r.charge.FeeDetails(r.dispatchInfo(t), t.EncodedLength(), t.Tip)
}

// NextFeeMultiplier returns the multiplier the next transaction pays.
func (r *Runtime) NextFeeMultiplier() fee.Multiplier {
	return r.FeeMultiplier()
}

// taskQueue counts scheduled calls on the way into the scheduler.
type taskQueue struct {
	*scheduler.Scheduler
	metrics metrics.Metrics
}

func (q taskQueue) Schedule(call scheduler.Call, when uint64, origin types.Address, reservedFee types.Balance) (scheduler.TaskID, error) {
	id, err := q.Scheduler.Schedule(call, when, origin, reservedFee)
	if err == nil {
		q.metrics.TaskScheduled()
	}
	return id, err
}
