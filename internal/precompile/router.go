// Package precompile routes VM calls at reserved addresses to native
// operations.
//
// The set of precompile addresses is closed: a sorted table of address
// ranges, each bound to one Kind. A call whose target falls outside every
// range is Unrecognized and left to the VM. A call that matches is decoded,
// checked against the handler's access rules and executed; the native weight
// it consumes is charged to the caller as VM gas.
package precompile

import (
	"bytes"
	"errors"
	"fmt"
	"sort"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/metrics"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Precompile errors.
var (
	ErrAccessDenied    = errors.New("access denied")
	ErrOutOfGas        = errors.New("out of gas")
	ErrUnknownSelector = errors.New("unknown selector")
)

// CodeAccessDenied is the stable client-facing code of an access denial.
const CodeAccessDenied = 1020

// Kind names a native operation family.
type Kind uint8

const (
	KindMultiCurrency Kind = iota + 1
	KindStateRent
	KindScheduleCall
)

func (k Kind) String() string {
	switch k {
	case KindMultiCurrency:
		return "multi_currency"
	case KindStateRent:
		return "state_rent"
	case KindScheduleCall:
		return "schedule_call"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// AddressRange is an inclusive range of addresses.
type AddressRange struct {
	Start types.Address
	End   types.Address
}

// Contains reports whether addr lies within the range.
func (r AddressRange) Contains(addr types.Address) bool {
	return bytes.Compare(addr[:], r.Start[:]) >= 0 && bytes.Compare(addr[:], r.End[:]) <= 0
}

// State is the outcome of a routed call.
type State uint8

const (
	Unrecognized State = iota
	Matched
	AccessDenied
	Executed
	Reverted
)

func (s State) String() string {
	switch s {
	case Unrecognized:
		return "unrecognized"
	case Matched:
		return "matched"
	case AccessDenied:
		return "access_denied"
	case Executed:
		return "executed"
	case Reverted:
		return "reverted"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// Result is returned to the VM for every call.
type Result struct {
	State   State
	Kind    Kind
	Output  []byte
	GasUsed uint64
	Reason  string // Set for AccessDenied and Reverted
}

// Context describes the calling frame.
type Context struct {
	Caller   types.Address // Immediate caller
	Origin   types.Address // Transaction signer
	Value    types.Balance // Value sent with the call
	ReadOnly bool          // Static call, no state changes allowed
	Height   uint64        // Current block height
	Gas      uint64        // Gas supplied to the call
}

// Handler implements the operations of one Kind.
type Handler interface {
	Kind() Kind
	// Authorize reports ErrAccessDenied when ctx may not call sel.
	Authorize(ctx *Context, addr types.Address, sel Selector, in []byte) error
	// Run executes sel and reports the native weight consumed, also on error.
	Run(ctx *Context, addr types.Address, sel Selector, in []byte) ([]byte, types.Weight, error)
}

// Snapshotter rolls back state changes of a reverted call.
type Snapshotter interface {
	Snapshot() int
	RevertToSnapshot(id int) error
}

// Router dispatches calls to precompile handlers.
type Router struct {
	table    []entry
	handlers map[Kind]Handler
	state    Snapshotter
	rules    config.PrecompileRules
	metrics  metrics.Metrics
	logger   zerolog.Logger
}

type entry struct {
	rng  AddressRange
	kind Kind
}

// NewRouter creates a router. Every kind in the address table must have a
// handler.
func NewRouter(rules config.PrecompileRules, state Snapshotter, m metrics.Metrics, logger zerolog.Logger, handlers ...Handler) (*Router, error) {
	if rules.WeightPerGas == 0 {
		return nil, fmt.Errorf("weight per gas must be positive: %w", config.ErrConfigurationFault)
	}
	r := &Router{
		table:    addressTable(),
		handlers: make(map[Kind]Handler, len(handlers)),
		state:    state,
		rules:    rules,
		metrics:  m,
		logger:   logger,
	}
	for _, h := range handlers {
		r.handlers[h.Kind()] = h
	}
	for _, e := range r.table {
		if _, ok := r.handlers[e.kind]; !ok {
			return nil, fmt.Errorf("no handler for %s: %w", e.kind, config.ErrConfigurationFault)
		}
	}
	return r, nil
}

// Lookup returns the kind of precompile at addr.
func (r *Router) Lookup(addr types.Address) (Kind, bool) {
	i := sort.Search(len(r.table), func(i int) bool {
		return bytes.Compare(r.table[i].rng.End[:], addr[:]) >= 0
	})
	if i < len(r.table) && r.table[i].rng.Contains(addr) {
		return r.table[i].kind, true
	}
	return 0, false
}

// IsPrecompile reports whether addr is a precompile address.
func (r *Router) IsPrecompile(addr types.Address) bool {
	_, ok := r.Lookup(addr)
	return ok
}

// GasForWeight converts native weight into VM gas, rounding up.
func (r *Router) GasForWeight(w types.Weight) uint64 {
	g := uint64(w) / r.rules.WeightPerGas
	if uint64(w)%r.rules.WeightPerGas != 0 {
		g++
	}
	return g
}

// WeightForGas converts VM gas into native weight, saturating.
func (r *Router) WeightForGas(gas uint64) types.Weight {
	w := gas * r.rules.WeightPerGas
	if gas != 0 && w/gas != r.rules.WeightPerGas {
		return types.Weight(^uint64(0))
	}
	return types.Weight(w)
}

// Call routes a VM call to addr. State changes of reverted calls are undone.
func (r *Router) Call(ctx *Context, addr types.Address, input []byte) Result {
	kind, ok := r.Lookup(addr)
	if !ok {
		return Result{State: Unrecognized}
	}
	res := r.call(ctx, kind, addr, input)
	r.metrics.PrecompileCall(kind.String(), res.State.String())
	if res.State != Executed {
		r.logger.Debug().
			Str("kind", kind.String()).
			Str("caller", ctx.Caller.String()).
			Str("state", res.State.String()).
			Str("reason", res.Reason).
			Msg("Precompile call failed")
	}
	return res
}

func (r *Router) call(ctx *Context, kind Kind, addr types.Address, input []byte) Result {
	h := r.handlers[kind]
	sel, in, err := splitInput(input)
	if err != nil {
		return r.revert(kind, r.minimumGas(ctx), err)
	}

	if err := h.Authorize(ctx, addr, sel, in); err != nil {
		if !errors.Is(err, ErrAccessDenied) {
			return r.revert(kind, r.minimumGas(ctx), err)
		}
		return Result{
			State:   AccessDenied,
			Kind:    kind,
			GasUsed: r.minimumGas(ctx),
			Reason:  err.Error(),
		}
	}

	snap := r.state.Snapshot()
	out, weight, err := h.Run(ctx, addr, sel, in)
	gas := r.GasForWeight(weight)
	switch {
	case gas > ctx.Gas:
		r.rollback(snap)
		return r.revert(kind, ctx.Gas, ErrOutOfGas)
	case err != nil:
		r.rollback(snap)
		return r.revert(kind, gas, err)
	}
	return Result{State: Executed, Kind: kind, Output: out, GasUsed: gas}
}

func (r *Router) minimumGas(ctx *Context) uint64 {
	return min(r.rules.MinimumGas, ctx.Gas)
}

func (r *Router) revert(kind Kind, gas uint64, err error) Result {
	return Result{State: Reverted, Kind: kind, GasUsed: gas, Reason: err.Error()}
}

func (r *Router) rollback(snap int) {
	if err := r.state.RevertToSnapshot(snap); err != nil {
		r.logger.Error().Err(err).Msg("Precompile state revert failed")
	}
}

// --- Address table ---

// Reserved precompile addresses.
var (
	StateRentAddress    = systemAddress(0x0402)
	ScheduleCallAddress = systemAddress(0x0404)

	// Multi-currency precompiles occupy 0x01000000..0x01ffffff; the low three
	// bytes carry the currency id.
	currencyRange = AddressRange{
		Start: systemAddress(currencyBase),
		End:   systemAddress(currencyBase | maxCurrencyID),
	}
)

const (
	currencyBase  = 0x01000000
	maxCurrencyID = 0x00ffffff
)

func systemAddress(n uint32) types.Address {
	var a types.Address
	a[types.AddressSize-4] = byte(n >> 24)
	a[types.AddressSize-3] = byte(n >> 16)
	a[types.AddressSize-2] = byte(n >> 8)
	a[types.AddressSize-1] = byte(n)
	return a
}

// addressTable returns the precompile ranges sorted by address.
func addressTable() []entry {
	return []entry{
		{AddressRange{StateRentAddress, StateRentAddress}, KindStateRent},
		{AddressRange{ScheduleCallAddress, ScheduleCallAddress}, KindScheduleCall},
		{currencyRange, KindMultiCurrency},
	}
}

// CurrencyAddress returns the multi-currency precompile address of id.
func CurrencyAddress(id types.CurrencyID) (types.Address, error) {
	if uint32(id) > maxCurrencyID {
		return types.Address{}, fmt.Errorf("currency %s outside precompile range", id)
	}
	return systemAddress(currencyBase | uint32(id)), nil
}

// CurrencyOf returns the currency id encoded in a multi-currency precompile
// address.
func CurrencyOf(addr types.Address) (types.CurrencyID, bool) {
	if !currencyRange.Contains(addr) {
		return 0, false
	}
	n := uint32(addr[types.AddressSize-3])<<16 | uint32(addr[types.AddressSize-2])<<8 | uint32(addr[types.AddressSize-1])
	return types.CurrencyID(n), true
}
