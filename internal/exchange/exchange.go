// Package exchange implements constant-product currency pools.
//
// Pool reserves are ordinary ledger balances of a keyless pool account, so a
// swap is two ledger transfers and rolls back together with any enclosing
// ledger snapshot.
package exchange

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/holiman/uint256"
	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/pkg/crypto"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Exchange errors.
var (
	ErrPoolNotFound          = errors.New("pool not found")
	ErrPoolExists            = errors.New("pool already exists")
	ErrSameCurrency          = errors.New("cannot pair a currency with itself")
	ErrInsufficientLiquidity = errors.New("insufficient liquidity")
	ErrInvalidAmount         = errors.New("invalid amount")
)

// bpsDenominator is the basis-point scale of the trading fee.
const bpsDenominator = 10_000

// Ledger is the subset of the ledger used by pools.
type Ledger interface {
	BalanceOf(addr types.Address, currency types.CurrencyID) types.Balance
	Transfer(from, to types.Address, currency types.CurrencyID, amount types.Balance) error
	Snapshot() int
	RevertToSnapshot(id int) error
}

// Pair is an unordered currency pair stored in canonical order.
type Pair struct {
	A types.CurrencyID `json:"a"`
	B types.CurrencyID `json:"b"`
}

// NewPair returns the canonical pair of x and y.
func NewPair(x, y types.CurrencyID) Pair {
	if y < x {
		x, y = y, x
	}
	return Pair{A: x, B: y}
}

// Account returns the keyless account holding the pair's reserves.
func (p Pair) Account() types.Address {
	return crypto.ModuleAddress(fmt.Sprintf("exchange/%d/%d", p.A, p.B))
}

// Exchange manages constant-product pools.
type Exchange struct {
	mu     sync.RWMutex
	ledger Ledger
	feeBps uint32
	pools  map[Pair]struct{}
	logger zerolog.Logger
}

// New creates an exchange charging feeBps basis points on every swap.
func New(ledger Ledger, feeBps uint32, logger zerolog.Logger) *Exchange {
	return &Exchange{
		ledger: ledger,
		feeBps: feeBps,
		pools:  make(map[Pair]struct{}),
		logger: logger,
	}
}

// CreatePool registers a pool for the pair (x, y).
func (e *Exchange) CreatePool(x, y types.CurrencyID) (Pair, error) {
	if x == y {
		return Pair{}, ErrSameCurrency
	}
	p := NewPair(x, y)

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.pools[p]; ok {
		return Pair{}, fmt.Errorf("pool %d/%d: %w", p.A, p.B, ErrPoolExists)
	}
	e.pools[p] = struct{}{}
	return p, nil
}

// Pools returns all registered pairs in canonical order.
func (e *Exchange) Pools() []Pair {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]Pair, 0, len(e.pools))
	for p := range e.pools {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].A != out[j].A {
			return out[i].A < out[j].A
		}
		return out[i].B < out[j].B
	})
	return out
}

// Reserves returns the reserves of x and y in the pool for the pair.
func (e *Exchange) Reserves(x, y types.CurrencyID) (types.Balance, types.Balance, error) {
	p, err := e.pool(x, y)
	if err != nil {
		return types.Balance{}, types.Balance{}, err
	}
	acct := p.Account()
	return e.ledger.BalanceOf(acct, x), e.ledger.BalanceOf(acct, y), nil
}

// AddLiquidity moves amountX of x and amountY of y from provider into the pool.
func (e *Exchange) AddLiquidity(provider types.Address, x, y types.CurrencyID, amountX, amountY types.Balance) error {
	p, err := e.pool(x, y)
	if err != nil {
		return err
	}
	if amountX.IsZero() || amountY.IsZero() {
		return ErrInvalidAmount
	}

	snap := e.ledger.Snapshot()
	if err := e.ledger.Transfer(provider, p.Account(), x, amountX); err != nil {
		return e.revert(snap, fmt.Errorf("add liquidity: %w", err))
	}
	if err := e.ledger.Transfer(provider, p.Account(), y, amountY); err != nil {
		return e.revert(snap, fmt.Errorf("add liquidity: %w", err))
	}
	return nil
}

// Quote returns the amount of in required to receive exactly amountOut of out.
func (e *Exchange) Quote(in, out types.CurrencyID, amountOut types.Balance) (types.Balance, error) {
	p, err := e.pool(in, out)
	if err != nil {
		return types.Balance{}, err
	}
	acct := p.Account()
	return amountIn(e.ledger.BalanceOf(acct, in), e.ledger.BalanceOf(acct, out), amountOut, e.feeBps)
}

// Swap pays the quoted amount of in from account and credits exactly
// amountOut of out to it.
func (e *Exchange) Swap(account types.Address, in, out types.CurrencyID, amountOut types.Balance) error {
	p, err := e.pool(in, out)
	if err != nil {
		return err
	}
	pool := p.Account()
	need, err := amountIn(e.ledger.BalanceOf(pool, in), e.ledger.BalanceOf(pool, out), amountOut, e.feeBps)
	if err != nil {
		return err
	}

	snap := e.ledger.Snapshot()
	if err := e.ledger.Transfer(account, pool, in, need); err != nil {
		return e.revert(snap, fmt.Errorf("swap pay-in: %w", err))
	}
	if err := e.ledger.Transfer(pool, account, out, amountOut); err != nil {
		return e.revert(snap, fmt.Errorf("swap pay-out: %w", err))
	}

	e.logger.Debug().
		Str("account", account.String()).
		Uint32("in", uint32(in)).
		Uint32("out", uint32(out)).
		Str("amount_in", need.String()).
		Str("amount_out", amountOut.String()).
		Msg("Swap executed")
	return nil
}

// revert rolls the ledger back to snap and returns cause, joined with the
// revert error if the rollback itself failed.
func (e *Exchange) revert(snap int, cause error) error {
	if err := e.ledger.RevertToSnapshot(snap); err != nil {
		e.logger.Error().Err(err).Int("snapshot", snap).Msg("Ledger revert failed")
		return errors.Join(cause, err)
	}
	return cause
}

func (e *Exchange) pool(x, y types.CurrencyID) (Pair, error) {
	if x == y {
		return Pair{}, ErrSameCurrency
	}
	p := NewPair(x, y)
	e.mu.RLock()
	_, ok := e.pools[p]
	e.mu.RUnlock()
	if !ok {
		return Pair{}, fmt.Errorf("pool %d/%d: %w", p.A, p.B, ErrPoolNotFound)
	}
	return p, nil
}

// amountIn solves x * y = k for the input that buys amountOut after the fee:
//
//	in = reserveIn * amountOut * 10000 / ((reserveOut - amountOut) * (10000 - fee)) + 1
func amountIn(reserveIn, reserveOut, amountOut types.Balance, feeBps uint32) (types.Balance, error) {
	if amountOut.IsZero() {
		return types.Balance{}, ErrInvalidAmount
	}
	if reserveIn.IsZero() || !amountOut.Lt(reserveOut) {
		return types.Balance{}, ErrInsufficientLiquidity
	}

	// Both factors are below 2^128, so the product fits in 256 bits.
	num := new(uint256.Int).Mul(reserveIn.Uint256(), amountOut.Uint256())

	remaining := reserveOut.SaturatingSub(amountOut)
	den := new(uint256.Int).Mul(remaining.Uint256(), uint256.NewInt(uint64(bpsDenominator-feeBps)))

	q, overflow := new(uint256.Int).MulDivOverflow(num, uint256.NewInt(bpsDenominator), den)
	if overflow {
		return types.Balance{}, ErrInsufficientLiquidity
	}
	q.AddUint64(q, 1)

	result := types.BalanceFromUint256(q)
	if result.Uint256().Cmp(q) != 0 {
		return types.Balance{}, ErrInsufficientLiquidity
	}
	return result, nil
}
