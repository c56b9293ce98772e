package precompile

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/internal/ledger"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Native weight of storage access from precompiles.
const (
	WeightRead  types.Weight = 25_000
	WeightWrite types.Weight = 100_000
)

// Multi-currency selectors.
var (
	SelName        = SelectorOf("name()")
	SelSymbol      = SelectorOf("symbol()")
	SelDecimals    = SelectorOf("decimals()")
	SelTotalSupply = SelectorOf("totalSupply()")
	SelBalanceOf   = SelectorOf("balanceOf(address)")
	SelTransfer    = SelectorOf("transfer(address,uint256)")
)

// CurrencyLedger is the ledger surface used by the multi-currency precompile.
type CurrencyLedger interface {
	BalanceOf(addr types.Address, currency types.CurrencyID) types.Balance
	TotalIssuance(currency types.CurrencyID) types.Balance
	Transfer(from, to types.Address, currency types.CurrencyID, amount types.Balance) error
	Currency(id types.CurrencyID) (*ledger.Currency, error)
}

// MultiCurrency exposes ledger currencies as ERC-20 style contracts. The
// currency is taken from the called address.
type MultiCurrency struct {
	ledger CurrencyLedger
}

// NewMultiCurrency creates the multi-currency handler.
func NewMultiCurrency(l CurrencyLedger) *MultiCurrency {
	return &MultiCurrency{ledger: l}
}

func (*MultiCurrency) Kind() Kind { return KindMultiCurrency }

// Authorize denies transfers from static calls and any call carrying value.
func (*MultiCurrency) Authorize(ctx *Context, _ types.Address, sel Selector, _ []byte) error {
	if !ctx.Value.IsZero() {
		return fmt.Errorf("%w: precompile does not accept value", ErrAccessDenied)
	}
	if sel == SelTransfer && ctx.ReadOnly {
		return fmt.Errorf("%w: transfer in read-only call", ErrAccessDenied)
	}
	return nil
}

func (m *MultiCurrency) Run(ctx *Context, addr types.Address, sel Selector, in []byte) ([]byte, types.Weight, error) {
	id, ok := CurrencyOf(addr)
	if !ok {
		return nil, 0, fmt.Errorf("address %s is not a currency", addr)
	}
	cur, err := m.ledger.Currency(id)
	if err != nil {
		return nil, WeightRead, err
	}
	a := args(in)

	switch sel {
	case SelName:
		return packString(cur.Name), WeightRead, nil
	case SelSymbol:
		return packString(cur.Symbol), WeightRead, nil
	case SelDecimals:
		return packUint64(uint64(cur.Decimals)), WeightRead, nil
	case SelTotalSupply:
		return packBalance(m.ledger.TotalIssuance(id)), 2 * WeightRead, nil
	case SelBalanceOf:
		who, err := a.address(0)
		if err != nil {
			return nil, WeightRead, err
		}
		return packBalance(m.ledger.BalanceOf(who, id)), 2 * WeightRead, nil
	case SelTransfer:
		to, err := a.address(0)
		if err != nil {
			return nil, WeightRead, err
		}
		amount, err := a.balance(1)
		if err != nil {
			return nil, WeightRead, err
		}
		w := 2*WeightRead + 2*WeightWrite
		if err := m.ledger.Transfer(ctx.Caller, to, id, amount); err != nil {
			return nil, w, err
		}
		return packBool(true), w, nil
	default:
		return nil, WeightRead, fmt.Errorf("%w: %s", ErrUnknownSelector, sel)
	}
}
