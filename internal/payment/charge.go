// Package payment charges transaction fees.
//
// ChargeTransactionPayment withdraws the estimated fee before dispatch and
// settles it afterwards: the payer is refunded for weight that was declared
// but not used, the tip goes to the block author and the rest to the
// treasury.
package payment

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/metrics"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// FeeReceiver is notified of every settled fee.
type FeeReceiver interface {
	OnFeeCollected(payer types.Address, fee, tip types.Balance)
}

// FeeReceiverFunc adapts a function to FeeReceiver.
type FeeReceiverFunc func(payer types.Address, fee, tip types.Balance)

func (f FeeReceiverFunc) OnFeeCollected(payer types.Address, fee, tip types.Balance) {
	f(payer, fee, tip)
}

// MultiplierSource supplies the fee multiplier of the current block.
type MultiplierSource interface {
	FeeMultiplier() fee.Multiplier
}

// WithdrawReceipt records a fee withdrawal for the post-dispatch settlement.
// It lives only for the duration of one transaction.
type WithdrawReceipt struct {
	Payer          types.Address
	Currency       types.CurrencyID // Currency the fee was withdrawn in
	Withdrawn      types.Balance    // Fee including tip
	Tip            types.Balance
	DeclaredWeight types.Weight
	Length         uint32
	PaysFee        fee.Pays
	Multiplier     fee.Multiplier
	Conversion     Conversion
}

// Settlement is the outcome of CorrectAndSettle.
type Settlement struct {
	ActualFee types.Balance `json:"actual_fee"` // Fee after correction, tip included
	Refund    types.Balance `json:"refund"`
	NetFee    types.Balance `json:"net_fee"` // Routed to the treasury
	Tip       types.Balance `json:"tip"`     // Routed to the block author
}

// Config configures ChargeTransactionPayment.
type Config struct {
	Native   types.CurrencyID
	Treasury types.Address
}

// ChargeTransactionPayment withdraws and settles transaction fees.
type ChargeTransactionPayment struct {
	cfg        Config
	calc       *fee.Calculator
	converter  *Converter
	ledger     Ledger
	multiplier MultiplierSource
	receiver   FeeReceiver
	metrics    metrics.Metrics
	logger     zerolog.Logger

	mu     sync.RWMutex
	author types.Address
}

// New creates the fee charging extension. receiver may be nil.
func New(
	cfg Config,
	calc *fee.Calculator,
	converter *Converter,
	ledger Ledger,
	multiplier MultiplierSource,
	receiver FeeReceiver,
	m metrics.Metrics,
	logger zerolog.Logger,
) *ChargeTransactionPayment {
	if receiver == nil {
		receiver = FeeReceiverFunc(func(types.Address, types.Balance, types.Balance) {})
	}
	return &ChargeTransactionPayment{
		cfg:        cfg,
		calc:       calc,
		converter:  converter,
		ledger:     ledger,
		multiplier: multiplier,
		receiver:   receiver,
		metrics:    m,
		logger:     logger,
	}
}

// SetBlockAuthor sets the account credited with tips. A zero author sends
// tips to the treasury.
func (c *ChargeTransactionPayment) SetBlockAuthor(author types.Address) {
	c.mu.Lock()
	c.author = author
	c.mu.Unlock()
}

func (c *ChargeTransactionPayment) tipRecipient() types.Address {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.author.IsZero() {
		return c.cfg.Treasury
	}
	return c.author
}

// ComputeFee returns the fee of a dispatch at the current multiplier.
func (c *ChargeTransactionPayment) ComputeFee(info fee.DispatchInfo, length uint32, tip types.Balance) types.Balance {
	return c.calc.Compute(info, length, tip, c.multiplier.FeeMultiplier())
}

// FeeDetails returns the fee of a dispatch broken into its parts.
func (c *ChargeTransactionPayment) FeeDetails(info fee.DispatchInfo, length uint32, tip types.Balance) fee.Details {
	return c.calc.Details(info, length, tip, c.multiplier.FeeMultiplier())
}

// CanPay reports whether payer could cover the fee, converting if needed,
// without changing any state.
func (c *ChargeTransactionPayment) CanPay(payer types.Address, info fee.DispatchInfo, length uint32, tip types.Balance) error {
	snap := c.ledger.Snapshot()
	_, err := c.withdraw(payer, info, length, tip)
	c.revert(snap)
	return err
}

// WithdrawFee computes the fee from the declared weight, converts any native
// shortfall from the stable currency and withdraws the fee from payer.
//
// On failure it returns an error matching ErrInsufficientBalance and
// ErrInsufficientFunds, and the ledger is unchanged.
func (c *ChargeTransactionPayment) WithdrawFee(payer types.Address, info fee.DispatchInfo, length uint32, tip types.Balance) (*WithdrawReceipt, error) {
	r, err := c.withdraw(payer, info, length, tip)
	if err != nil {
		c.metrics.TxRejected("insufficient_balance")
		return nil, err
	}
	c.metrics.FeeWithdrawn(r.Withdrawn)
	c.logger.Trace().
		Str("payer", payer.String()).
		Str("fee", r.Withdrawn.String()).
		Bool("converted", r.Conversion.Converted).
		Msg("Fee withdrawn")
	return r, nil
}

func (c *ChargeTransactionPayment) withdraw(payer types.Address, info fee.DispatchInfo, length uint32, tip types.Balance) (*WithdrawReceipt, error) {
	m := c.multiplier.FeeMultiplier()
	amount := c.calc.Compute(info, length, tip, m)

	receipt := &WithdrawReceipt{
		Payer:          payer,
		Currency:       c.cfg.Native,
		Withdrawn:      amount,
		Tip:            tip,
		DeclaredWeight: info.Weight,
		Length:         length,
		PaysFee:        info.PaysFee,
		Multiplier:     m,
	}
	if amount.IsZero() {
		return receipt, nil
	}

	snap := c.ledger.Snapshot()
	conv, err := c.converter.EnsureCanPay(payer, amount)
	if err != nil {
		c.revert(snap)
		return nil, insufficientBalance(err)
	}
	if err := c.ledger.Burn(payer, c.cfg.Native, amount); err != nil {
		c.revert(snap)
		return nil, insufficientBalance(fmt.Errorf("%w: %w", ErrInsufficientFunds, err))
	}
	receipt.Conversion = conv
	return receipt, nil
}

// CorrectAndSettle recomputes the fee with the actual weight, refunds the
// difference to the payer in native currency and routes the rest.
//
// The actual weight is clamped to the declared weight, so the refund never
// exceeds the withdrawn amount. It never fails; ledger errors are logged.
func (c *ChargeTransactionPayment) CorrectAndSettle(r *WithdrawReceipt, actualWeight types.Weight) Settlement {
	if r == nil {
		return Settlement{}
	}
	weight := types.MinWeight(actualWeight, r.DeclaredWeight)
	info := fee.DispatchInfo{Weight: weight, PaysFee: r.PaysFee}
	actual := types.MinBalance(c.calc.Compute(info, r.Length, r.Tip, r.Multiplier), r.Withdrawn)

	s := Settlement{
		ActualFee: actual,
		Refund:    r.Withdrawn.SaturatingSub(actual),
		Tip:       types.MinBalance(r.Tip, actual),
	}
	s.NetFee = actual.SaturatingSub(s.Tip)

	c.credit(r.Payer, s.Refund, "refund")
	c.credit(c.cfg.Treasury, s.NetFee, "treasury")
	c.credit(c.tipRecipient(), s.Tip, "tip")

	c.receiver.OnFeeCollected(r.Payer, s.NetFee, s.Tip)
	c.metrics.FeeSettled(s.NetFee, s.Tip, s.Refund)
	return s
}

// ReserveFee sets aside the fee of a deferred dispatch from payer, converting
// a native shortfall if needed. The tip of a deferred call is always zero.
func (c *ChargeTransactionPayment) ReserveFee(payer types.Address, info fee.DispatchInfo, length uint32) (types.Balance, error) {
	amount := c.ComputeFee(info, length, types.Balance{})
	if amount.IsZero() {
		return amount, nil
	}

	snap := c.ledger.Snapshot()
	if _, err := c.converter.EnsureCanPay(payer, amount); err != nil {
		c.revert(snap)
		return types.Balance{}, insufficientBalance(err)
	}
	if err := c.ledger.Reserve(payer, c.cfg.Native, amount); err != nil {
		c.revert(snap)
		return types.Balance{}, insufficientBalance(fmt.Errorf("%w: %w", ErrInsufficientFunds, err))
	}
	return amount, nil
}

// UnreserveFee releases up to amount previously set aside by ReserveFee and
// returns the amount released.
func (c *ChargeTransactionPayment) UnreserveFee(payer types.Address, amount types.Balance) types.Balance {
	return c.ledger.Unreserve(payer, c.cfg.Native, amount)
}

func (c *ChargeTransactionPayment) credit(to types.Address, amount types.Balance, what string) {
	if amount.IsZero() {
		return
	}
	if err := c.ledger.Mint(to, c.cfg.Native, amount); err != nil {
		c.logger.Error().Err(err).
			Str("account", to.String()).
			Str("amount", amount.String()).
			Str("kind", what).
			Msg("Fee settlement credit failed")
	}
}

func (c *ChargeTransactionPayment) revert(snap int) {
	if err := c.ledger.RevertToSnapshot(snap); err != nil {
		c.logger.Error().Err(err).Msg("Ledger revert failed")
	}
}
