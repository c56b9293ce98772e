package payment

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/ledger"
	"github.com/Klingon-tech/klingnet-runtime/internal/log"
	"github.com/Klingon-tech/klingnet-runtime/internal/metrics"
	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

const (
	native types.CurrencyID = 0
	stable types.CurrencyID = 1
	other  types.CurrencyID = 2
)

func bal(n uint64) types.Balance { return types.NewBalance(n) }

func addr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

var (
	payer    = addr(1)
	treasury = addr(0xee)
	author   = addr(0xaa)
)

// fixedRateExchange sells native for stable at num/den stable per native,
// minting and burning directly in the ledger.
type fixedRateExchange struct {
	l       *ledger.Ledger
	num     uint64
	den     uint64
	fail    bool
	swaps   int
	quoteOK bool
}

func (e *fixedRateExchange) Quote(in, out types.CurrencyID, amountOut types.Balance) (types.Balance, error) {
	if !e.quoteOK {
		return types.Balance{}, errors.New("no pool")
	}
	return types.NewBalance(amountOut.Uint64() * e.num / e.den), nil
}

func (e *fixedRateExchange) Swap(account types.Address, in, out types.CurrencyID, amountOut types.Balance) error {
	e.swaps++
	if e.fail {
		return errors.New("pool drained")
	}
	cost, err := e.Quote(in, out, amountOut)
	if err != nil {
		return err
	}
	if err := e.l.Burn(account, in, cost); err != nil {
		return err
	}
	return e.l.Mint(account, out, amountOut)
}

// fixedMultiplier is a MultiplierSource with a constant value.
type fixedMultiplier fee.Multiplier

func (m fixedMultiplier) FeeMultiplier() fee.Multiplier { return fee.Multiplier(m) }

type collected struct {
	payer    types.Address
	fee, tip types.Balance
}

type testEnv struct {
	ledger   *ledger.Ledger
	exchange *fixedRateExchange
	charge   *ChargeTransactionPayment
	received []collected
}

// newTestEnv uses base weight 0, byte fee 2 and weight fee 1 per unit, so a
// 100 byte call declaring weight 50 costs 250 at multiplier 1.
func newTestEnv(t *testing.T, nonNative types.CurrencySet) *testEnv {
	t.Helper()
	return newTestEnvAt(t, nonNative, fee.OneMultiplier())
}

func newTestEnvAt(t *testing.T, nonNative types.CurrencySet, m fee.Multiplier) *testEnv {
	t.Helper()
	calc, err := fee.NewCalculator(config.FeeRules{
		ByteFee:        bal(2),
		MaxBlockWeight: 1_000_000,
		WeightToFee:    []config.PolynomialTerm{{Degree: 1, CoeffInteger: bal(1)}},
	}, log.Nop())
	if err != nil {
		t.Fatalf("NewCalculator() error: %v", err)
	}

	env := &testEnv{ledger: ledger.New(storage.NewMemory(), log.Nop())}
	env.exchange = &fixedRateExchange{l: env.ledger, num: 1, den: 1, quoteOK: true}

	conv := NewConverter(ConverterConfig{
		Native:    native,
		Stable:    stable,
		NonNative: nonNative,
	}, env.ledger, env.exchange, metrics.Noop(), log.Nop())

	receiver := FeeReceiverFunc(func(p types.Address, f, tip types.Balance) {
		env.received = append(env.received, collected{p, f, tip})
	})
	env.charge = New(Config{Native: native, Treasury: treasury}, calc, conv, env.ledger,
		fixedMultiplier(m), receiver, metrics.Noop(), log.Nop())
	return env
}

func (e *testEnv) fund(t *testing.T, a types.Address, c types.CurrencyID, n uint64) {
	t.Helper()
	if err := e.ledger.Mint(a, c, bal(n)); err != nil {
		t.Fatalf("Mint() error: %v", err)
	}
}

func (e *testEnv) balance(a types.Address, c types.CurrencyID) uint64 {
	return e.ledger.BalanceOf(a, c).Uint64()
}

var call = fee.DispatchInfo{Weight: 50, PaysFee: fee.PaysYes}

// --- Converter ---

func TestEnsureCanPay_NativeSuffices(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, native, 300)

	conv, err := env.charge.converter.EnsureCanPay(payer, bal(300))
	if err != nil {
		t.Fatalf("EnsureCanPay() error: %v", err)
	}
	if conv.Converted || env.exchange.swaps != 0 {
		t.Fatal("should not convert when native balance suffices")
	}
}

func TestEnsureCanPay_ConvertsShortfallOnly(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, native, 100)
	env.fund(t, payer, stable, 1000)
	env.exchange.num = 2

	conv, err := env.charge.converter.EnsureCanPay(payer, bal(250))
	if err != nil {
		t.Fatalf("EnsureCanPay() error: %v", err)
	}
	if !conv.Converted || conv.Acquired.Uint64() != 150 || conv.AmountIn.Uint64() != 300 {
		t.Fatalf("conversion = %+v, want 150 native for 300 stable", conv)
	}
	if env.balance(payer, native) != 250 || env.balance(payer, stable) != 700 {
		t.Fatalf("balances native=%d stable=%d, want 250/700",
			env.balance(payer, native), env.balance(payer, stable))
	}
	if env.exchange.swaps != 1 {
		t.Fatalf("swaps = %d, want 1", env.exchange.swaps)
	}
}

func TestEnsureCanPay_Errors(t *testing.T) {
	tests := []struct {
		name      string
		nonNative types.CurrencySet
		stableBal uint64
		quoteOK   bool
		fail      bool
		wantSwap  bool
	}{
		{"stable not approved", types.CurrencySet{other}, 1000, true, false, false},
		{"stable too low", types.CurrencySet{stable}, 100, true, false, false},
		{"no quote", types.CurrencySet{stable}, 1000, false, false, false},
		{"swap fails", types.CurrencySet{stable}, 1000, true, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, tt.nonNative)
			env.fund(t, payer, other, 1000)
			env.fund(t, payer, stable, tt.stableBal)
			env.exchange.quoteOK = tt.quoteOK
			env.exchange.fail = tt.fail

			_, err := env.charge.converter.EnsureCanPay(payer, bal(250))
			if !errors.Is(err, ErrInsufficientFunds) {
				t.Fatalf("error = %v, want ErrInsufficientFunds", err)
			}
			if (env.exchange.swaps == 1) != tt.wantSwap {
				t.Errorf("swaps = %d", env.exchange.swaps)
			}
			if env.balance(payer, stable) != tt.stableBal || env.balance(payer, other) != 1000 {
				t.Error("balances changed on failed conversion")
			}
		})
	}
}

func TestEnsureCanPay_SwapFailedWrapped(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, stable, 1000)
	env.exchange.fail = true

	_, err := env.charge.converter.EnsureCanPay(payer, bal(10))
	if !errors.Is(err, ErrSwapFailed) || !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrSwapFailed wrapped in ErrInsufficientFunds", err)
	}
}

// --- WithdrawFee ---

func TestWithdrawFee_Native(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, native, 1000)

	r, err := env.charge.WithdrawFee(payer, call, 100, types.Balance{})
	if err != nil {
		t.Fatalf("WithdrawFee() error: %v", err)
	}
	if r.Withdrawn.Uint64() != 250 {
		t.Fatalf("withdrawn = %s, want 250", r.Withdrawn)
	}
	if got := env.balance(payer, native); got != 750 {
		t.Fatalf("native balance = %d, want 750", got)
	}
	if r.Conversion.Converted {
		t.Fatal("unexpected conversion")
	}
}

func TestWithdrawFee_ConvertsFromStable(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, stable, 10_000)

	r, err := env.charge.WithdrawFee(payer, call, 100, types.Balance{})
	if err != nil {
		t.Fatalf("WithdrawFee() error: %v", err)
	}
	if !r.Conversion.Converted || r.Currency != native {
		t.Fatalf("receipt = %+v, want converted native withdrawal", r)
	}
	if env.balance(payer, stable) != 9750 || env.balance(payer, native) != 0 {
		t.Fatalf("balances native=%d stable=%d, want 0/9750",
			env.balance(payer, native), env.balance(payer, stable))
	}
}

func TestWithdrawFee_InsufficientLeavesNoTrace(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, native, 50)
	env.fund(t, payer, stable, 100)

	_, err := env.charge.WithdrawFee(payer, call, 100, types.Balance{})
	if !errors.Is(err, ErrInsufficientBalance) || !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("error = %v, want ErrInsufficientBalance wrapping ErrInsufficientFunds", err)
	}
	var re *ReasonError
	if !errors.As(err, &re) || re.Code != CodeInsufficientBalance || re.Reason != ReasonTopUpStable {
		t.Fatalf("error = %#v, want ReasonError with stable code", err)
	}
	if env.balance(payer, native) != 50 || env.balance(payer, stable) != 100 {
		t.Fatal("balances changed on rejected withdrawal")
	}
}

func TestWithdrawFee_PaysNoChargesTipOnly(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, native, 10)

	info := fee.DispatchInfo{Weight: 50_000, PaysFee: fee.PaysNo}
	r, err := env.charge.WithdrawFee(payer, info, 100, bal(4))
	if err != nil {
		t.Fatalf("WithdrawFee() error: %v", err)
	}
	if r.Withdrawn.Uint64() != 4 || env.balance(payer, native) != 6 {
		t.Fatalf("withdrawn = %s, balance = %d, want 4/6", r.Withdrawn, env.balance(payer, native))
	}
}

func TestCanPay_NoStateChange(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, stable, 1000)

	if err := env.charge.CanPay(payer, call, 100, types.Balance{}); err != nil {
		t.Fatalf("CanPay() error: %v", err)
	}
	if env.balance(payer, stable) != 1000 || env.balance(payer, native) != 0 {
		t.Fatal("CanPay changed balances")
	}
	if err := env.charge.CanPay(payer, fee.DispatchInfo{Weight: 5000}, 100, types.Balance{}); !errors.Is(err, ErrInsufficientFunds) {
		t.Fatalf("CanPay() error = %v, want ErrInsufficientFunds", err)
	}
}

// --- CorrectAndSettle ---

func TestCorrectAndSettle(t *testing.T) {
	tests := []struct {
		name       string
		declared   types.Weight
		actual     types.Weight
		tip        uint64
		wantFee    uint64
		wantRefund uint64
	}{
		{"full use", 50, 50, 0, 250, 0},
		{"partial use", 50, 20, 0, 220, 30},
		{"no use", 50, 0, 0, 200, 50},
		{"actual above declared is clamped", 50, 500, 0, 250, 0},
		{"tip kept", 50, 10, 9, 219, 40},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t, types.CurrencySet{stable})
			env.fund(t, payer, native, 1000)
			env.charge.SetBlockAuthor(author)

			info := fee.DispatchInfo{Weight: tt.declared}
			r, err := env.charge.WithdrawFee(payer, info, 100, bal(tt.tip))
			if err != nil {
				t.Fatalf("WithdrawFee() error: %v", err)
			}
			s := env.charge.CorrectAndSettle(r, tt.actual)

			if s.ActualFee.Uint64() != tt.wantFee || s.Refund.Uint64() != tt.wantRefund {
				t.Fatalf("settlement = %+v, want fee %d refund %d", s, tt.wantFee, tt.wantRefund)
			}
			if got := env.balance(payer, native); got != 1000-tt.wantFee {
				t.Errorf("payer balance = %d, want %d", got, 1000-tt.wantFee)
			}
			if got := env.balance(treasury, native); got != tt.wantFee-tt.tip {
				t.Errorf("treasury balance = %d, want %d", got, tt.wantFee-tt.tip)
			}
			if got := env.balance(author, native); got != tt.tip {
				t.Errorf("author balance = %d, want %d", got, tt.tip)
			}
			if len(env.received) != 1 || env.received[0].fee.Uint64() != tt.wantFee-tt.tip {
				t.Errorf("receiver calls = %+v", env.received)
			}
		})
	}
}

func TestCorrectAndSettle_RefundBounded(t *testing.T) {
	tests := []struct {
		name string
		m    fee.Multiplier
	}{
		{"one", fee.OneMultiplier()},
		{"one third", fee.MultiplierFromRatio(1, 3)},
		{"seven thirds", fee.MultiplierFromRatio(7, 3)},
		{"testnet min", fee.MultiplierFromRatio(1, 1_000_000_000)},
		{"testnet max", fee.MultiplierFromRatio(100_000, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnvAt(t, types.CurrencySet{stable}, tt.m)
			env.fund(t, payer, native, 1_000_000_000)
			env.charge.SetBlockAuthor(author)

			var fees, tips uint64
			for actual := types.Weight(0); actual <= 100; actual += 7 {
				before := env.balance(payer, native)
				r, err := env.charge.WithdrawFee(payer, call, 100, bal(1))
				if err != nil {
					t.Fatalf("WithdrawFee() error: %v", err)
				}
				s := env.charge.CorrectAndSettle(r, actual)
				if s.Refund.Cmp(r.Withdrawn) > 0 {
					t.Fatalf("actual %d: refund %s exceeds withdrawn %s", actual, s.Refund, r.Withdrawn)
				}
				if s.ActualFee.Cmp(r.Withdrawn) > 0 {
					t.Fatalf("actual %d: fee %s exceeds withdrawn %s", actual, s.ActualFee, r.Withdrawn)
				}
				after := env.balance(payer, native)
				if after != before-s.ActualFee.Uint64() {
					t.Fatalf("actual %d: balance %d, want %d", actual, after, before-s.ActualFee.Uint64())
				}
				if s.NetFee.Uint64()+s.Tip.Uint64() != s.ActualFee.Uint64() {
					t.Fatalf("actual %d: net %s + tip %s != fee %s", actual, s.NetFee, s.Tip, s.ActualFee)
				}
				fees += s.NetFee.Uint64()
				tips += s.Tip.Uint64()
			}
			if got := env.balance(treasury, native); got != fees {
				t.Errorf("treasury balance = %d, want %d", got, fees)
			}
			if got := env.balance(author, native); got != tips {
				t.Errorf("author balance = %d, want %d", got, tips)
			}
		})
	}
}

func TestCorrectAndSettle_TipToTreasuryWithoutAuthor(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, native, 1000)

	r, err := env.charge.WithdrawFee(payer, call, 100, bal(5))
	if err != nil {
		t.Fatalf("WithdrawFee() error: %v", err)
	}
	env.charge.CorrectAndSettle(r, 50)
	if got := env.balance(treasury, native); got != 255 {
		t.Fatalf("treasury balance = %d, want 255", got)
	}
}

func TestCorrectAndSettle_ConvertedRefundInNative(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, stable, 10_000)

	r, err := env.charge.WithdrawFee(payer, call, 100, types.Balance{})
	if err != nil {
		t.Fatalf("WithdrawFee() error: %v", err)
	}
	env.charge.CorrectAndSettle(r, 0)
	if env.balance(payer, native) != 50 || env.balance(payer, stable) != 9750 {
		t.Fatalf("balances native=%d stable=%d, want 50/9750",
			env.balance(payer, native), env.balance(payer, stable))
	}
}

func TestCorrectAndSettle_NilReceipt(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	if s := env.charge.CorrectAndSettle(nil, 10); !s.ActualFee.IsZero() {
		t.Fatalf("settlement = %+v, want zero", s)
	}
}

// --- Reserve ---

func TestReserveUnreserveFee(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, native, 100)
	env.fund(t, payer, stable, 1000)

	amount, err := env.charge.ReserveFee(payer, call, 100)
	if err != nil {
		t.Fatalf("ReserveFee() error: %v", err)
	}
	if amount.Uint64() != 250 {
		t.Fatalf("reserved = %s, want 250", amount)
	}
	if env.balance(payer, native) != 0 || env.ledger.ReservedOf(payer, native).Uint64() != 250 {
		t.Fatal("fee not moved to reserved balance")
	}
	if env.balance(payer, stable) != 850 {
		t.Fatalf("stable balance = %d, want 850", env.balance(payer, stable))
	}

	if got := env.charge.UnreserveFee(payer, amount); got.Uint64() != 250 {
		t.Fatalf("UnreserveFee() = %s, want 250", got)
	}
	if env.balance(payer, native) != 250 {
		t.Fatalf("native balance = %d, want 250", env.balance(payer, native))
	}
}

func TestReserveFee_Insufficient(t *testing.T) {
	env := newTestEnv(t, types.CurrencySet{stable})
	env.fund(t, payer, native, 10)

	if _, err := env.charge.ReserveFee(payer, call, 100); !errors.Is(err, ErrInsufficientBalance) {
		t.Fatalf("ReserveFee() error = %v, want ErrInsufficientBalance", err)
	}
	if env.balance(payer, native) != 10 || !env.ledger.ReservedOf(payer, native).IsZero() {
		t.Fatal("balances changed on failed reservation")
	}
}
