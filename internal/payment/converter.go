package payment

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/internal/metrics"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Ledger is the subset of the ledger used for fee payment.
type Ledger interface {
	BalanceOf(addr types.Address, currency types.CurrencyID) types.Balance
	Mint(to types.Address, currency types.CurrencyID, amount types.Balance) error
	Burn(from types.Address, currency types.CurrencyID, amount types.Balance) error
	Reserve(addr types.Address, currency types.CurrencyID, amount types.Balance) error
	Unreserve(addr types.Address, currency types.CurrencyID, amount types.Balance) types.Balance
	Snapshot() int
	RevertToSnapshot(id int) error
}

// Exchange converts between currencies.
type Exchange interface {
	// Quote returns the amount of in needed to buy exactly amountOut of out.
	Quote(in, out types.CurrencyID, amountOut types.Balance) (types.Balance, error)
	// Swap buys exactly amountOut of out for account, paying in in.
	Swap(account types.Address, in, out types.CurrencyID, amountOut types.Balance) error
}

// Conversion describes how a fee requirement was covered.
type Conversion struct {
	Converted bool             `json:"converted"`
	Currency  types.CurrencyID `json:"currency,omitempty"` // Currency swapped from
	AmountIn  types.Balance    `json:"amount_in"`          // Consumed from Currency
	Acquired  types.Balance    `json:"acquired"`           // Native received
}

// Converter makes sure a payer holds enough native currency, converting the
// shortfall from the stable currency when needed.
type Converter struct {
	ledger    Ledger
	exchange  Exchange
	native    types.CurrencyID
	stable    types.CurrencyID
	nonNative types.CurrencySet
	metrics   metrics.Metrics
	logger    zerolog.Logger
}

// ConverterConfig selects the fee currencies.
type ConverterConfig struct {
	Native    types.CurrencyID
	Stable    types.CurrencyID
	NonNative types.CurrencySet
}

// NewConverter creates a converter.
func NewConverter(cfg ConverterConfig, ledger Ledger, exchange Exchange, m metrics.Metrics, logger zerolog.Logger) *Converter {
	return &Converter{
		ledger:    ledger,
		exchange:  exchange,
		native:    cfg.Native,
		stable:    cfg.Stable,
		nonNative: cfg.NonNative,
		metrics:   m,
		logger:    logger,
	}
}

// EnsureCanPay makes the native balance of payer at least required.
//
// If the native balance already suffices nothing changes. Otherwise exactly the
// shortfall is bought with the stable currency in a single swap. Conversion is
// attempted at most once and never from any other currency. On error the
// ledger is left as it was.
func (c *Converter) EnsureCanPay(payer types.Address, required types.Balance) (Conversion, error) {
	have := c.ledger.BalanceOf(payer, c.native)
	if !have.Lt(required) {
		return Conversion{}, nil
	}
	if !c.nonNative.Contains(c.stable) {
		return Conversion{}, fmt.Errorf("stable currency %s not approved: %w", c.stable, ErrInsufficientFunds)
	}

	shortfall := required.SaturatingSub(have)
	quote, err := c.exchange.Quote(c.stable, c.native, shortfall)
	if err != nil {
		return Conversion{}, fmt.Errorf("%w: %w: quote: %v", ErrInsufficientFunds, ErrSwapFailed, err)
	}
	if c.ledger.BalanceOf(payer, c.stable).Lt(quote) {
		return Conversion{}, fmt.Errorf("need %s of %s for shortfall %s: %w", quote, c.stable, shortfall, ErrInsufficientFunds)
	}

	snap := c.ledger.Snapshot()
	if err := c.exchange.Swap(payer, c.stable, c.native, shortfall); err != nil {
		if rerr := c.ledger.RevertToSnapshot(snap); rerr != nil {
			c.logger.Error().Err(rerr).Msg("Revert after failed swap")
		}
		return Conversion{}, fmt.Errorf("%w: %w: %v", ErrInsufficientFunds, ErrSwapFailed, err)
	}

	c.metrics.Converted(quote)
	c.logger.Debug().
		Str("payer", payer.String()).
		Str("shortfall", shortfall.String()).
		Str("stable_in", quote.String()).
		Msg("Fee shortfall converted")

	return Conversion{
		Converted: true,
		Currency:  c.stable,
		AmountIn:  quote,
		Acquired:  shortfall,
	}, nil
}
