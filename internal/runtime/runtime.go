// Package runtime applies transactions against the ledger.
//
// A transaction is charged before it runs: the fee for its declared weight
// is withdrawn, converting from the stable currency when the sender lacks
// native funds. The call is then dispatched, through the precompile router
// for reserved addresses or to the VM otherwise, and the fee is corrected
// for the weight actually used. Blocks bracket transactions: InitializeBlock
// runs scheduled calls, FinalizeBlock moves the fee multiplier.
package runtime

import (
	"bytes"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/contract"
	"github.com/Klingon-tech/klingnet-runtime/internal/exchange"
	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/ledger"
	"github.com/Klingon-tech/klingnet-runtime/internal/log"
	"github.com/Klingon-tech/klingnet-runtime/internal/metrics"
	"github.com/Klingon-tech/klingnet-runtime/internal/payment"
	"github.com/Klingon-tech/klingnet-runtime/internal/precompile"
	"github.com/Klingon-tech/klingnet-runtime/internal/scheduler"
	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Runtime errors.
var (
	ErrBadNonce        = errors.New("bad nonce")
	ErrGenesisMismatch = errors.New("stored state belongs to a different genesis")
)

// TransferWeight is the weight of a plain transfer.
const TransferWeight = 2*precompile.WeightRead + 2*precompile.WeightWrite

var keyGenesis = []byte("genesis")

// Options holds optional collaborators.
type Options struct {
	VM      VM              // Executes non-precompile calls; nil rejects them
	Metrics metrics.Metrics // Defaults to metrics.Noop()
}

// Runtime is the transaction executive.
type Runtime struct {
	mu      sync.Mutex // Serializes transactions and block transitions.
	chainID string
	rules   config.RuntimeRules

	ledger    *ledger.Ledger
	exchange  *exchange.Exchange
	contracts *contract.Registry
	scheduler *scheduler.Scheduler
	calc      *fee.Calculator
	control   *fee.Controller
	charge    *payment.ChargeTransactionPayment
	router    *precompile.Router
	vm        VM
	metrics   metrics.Metrics
	logger    zerolog.Logger

	state    storage.DB // Runtime bookkeeping, journaled with the ledger
	feeState storage.DB // Persisted multiplier, journaled with the ledger

	multMu     sync.RWMutex
	multiplier fee.Multiplier

	block blockState
}

// blockState accumulates per-block totals. Guarded by mu.
type blockState struct {
	height     uint64
	author     types.Address
	open       bool
	weight     types.Weight
	txs        int
	dispatched int
	fees       types.Balance
	tips       types.Balance
}

// New builds a runtime over db. On first start the genesis state is written;
// afterwards the stored genesis hash must match g.
func New(db storage.DB, g *config.Genesis, opts Options) (*Runtime, error) {
	if db == nil {
		return nil, fmt.Errorf("storage db is nil")
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("genesis: %w", err)
	}
	m := opts.Metrics
	if m == nil {
		m = metrics.Noop()
	}
	rules := g.Rules

	calc, err := fee.NewCalculator(rules.Fee, log.Fees)
	if err != nil {
		return nil, err
	}

	l := ledger.New(db, log.Ledger)
	r := &Runtime{
		chainID:  g.ChainID,
		rules:    rules,
		ledger:   l,
		calc:     calc,
		control:  fee.NewController(rules.Multiplier),
		vm:       opts.VM,
		metrics:  m,
		logger:   log.Runtime,
		state:    l.Store("runtime"),
		feeState: l.Store("fee"),
	}

	r.exchange = exchange.New(l, rules.Exchange.FeeBps, log.Exchange)
	for _, p := range g.Pools {
		if _, err := r.exchange.CreatePool(p.Base, p.Quote); err != nil {
			return nil, fmt.Errorf("register pool: %w", err)
		}
	}
	r.contracts = contract.NewRegistry(l.Store("contracts"), rules.StateRent)
	r.scheduler = scheduler.New(l.Store("scheduler"), rules.Scheduler, log.Scheduler)

	conv := payment.NewConverter(payment.ConverterConfig{
		Native:    rules.Currency.Native,
		Stable:    rules.Currency.Stable,
		NonNative: rules.Currency.NonNative,
	}, l, r.exchange, m, log.Payment)
	r.charge = payment.New(payment.Config{
		Native:   rules.Currency.Native,
		Treasury: rules.Fee.Treasury,
	}, calc, conv, l, r, r, m, log.Payment)

	r.router, err = precompile.NewRouter(rules.Precompile, l, m, log.Precompile,
		precompile.NewMultiCurrency(l),
		precompile.NewStateRent(r.contracts),
		precompile.NewScheduleCall(taskQueue{r.scheduler, m}, r.charge, rules.Precompile),
	)
	if err != nil {
		return nil, err
	}

	if err := r.initState(g); err != nil {
		return nil, err
	}
	return r, nil
}

// initState applies genesis on first start and restores the multiplier and
// height otherwise.
func (r *Runtime) initState(g *config.Genesis) error {
	hash, err := g.Hash()
	if err != nil {
		return fmt.Errorf("genesis hash: %w", err)
	}
	stored, err := r.state.Get(keyGenesis)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		if err := r.applyGenesis(g); err != nil {
			r.ledger.Discard()
			return fmt.Errorf("apply genesis: %w", err)
		}
		if err := r.state.Put(keyGenesis, hash[:]); err != nil {
			return err
		}
		if err := r.ledger.Commit(); err != nil {
			return fmt.Errorf("commit genesis: %w", err)
		}
		r.logger.Info().
			Str("chain", g.ChainID).
			Str("genesis", hash.String()).
			Msg("Genesis state written")
	case err != nil:
		return fmt.Errorf("read genesis hash: %w", err)
	case !bytes.Equal(stored, hash[:]):
		return fmt.Errorf("%w: stored %x, config %s", ErrGenesisMismatch, stored, hash)
	}

	m, err := fee.LoadMultiplier(r.feeState, r.control.Initial())
	if err != nil {
		return err
	}
	r.setMultiplier(m)

	height, err := r.scheduler.Height()
	if err != nil {
		return err
	}
	r.block.height = height
	return nil
}

// --- Accessors ---

// ChainID returns the chain identifier transactions must carry.
func (r *Runtime) ChainID() string { return r.chainID }

// Rules returns the protocol rules.
func (r *Runtime) Rules() config.RuntimeRules { return r.rules }

// Ledger returns the account ledger.
func (r *Runtime) Ledger() *ledger.Ledger { return r.ledger }

// Exchange returns the currency exchange.
func (r *Runtime) Exchange() *exchange.Exchange { return r.exchange }

// Scheduler returns the scheduled call queue.
func (r *Runtime) Scheduler() *scheduler.Scheduler { return r.scheduler }

// Contracts returns the contract registry.
func (r *Runtime) Contracts() *contract.Registry { return r.contracts }

// Router returns the precompile router for VM implementations.
func (r *Runtime) Router() *precompile.Router { return r.router }

// Height returns the height of the current block.
func (r *Runtime) Height() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.block.height
}

// FeeMultiplier returns the multiplier applied to fees in the current block.
func (r *Runtime) FeeMultiplier() fee.Multiplier {
	r.multMu.RLock()
	defer r.multMu.RUnlock()
	return r.multiplier
}

func (r *Runtime) setMultiplier(m fee.Multiplier) {
	r.multMu.Lock()
	r.multiplier = m
	r.multMu.Unlock()
}

// OnFeeCollected adds settled fees to the block totals. It is only called
// from fee settlement while mu is held.
func (r *Runtime) OnFeeCollected(_ types.Address, netFee, tip types.Balance) {
	r.block.fees = r.block.fees.Add(netFee)
	r.block.tips = r.block.tips.Add(tip)
}
