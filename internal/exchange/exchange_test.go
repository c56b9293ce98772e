package exchange

import (
	"errors"
	"testing"

	"github.com/Klingon-tech/klingnet-runtime/internal/ledger"
	"github.com/Klingon-tech/klingnet-runtime/internal/log"
	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

const (
	kgx  types.CurrencyID = 0
	kusd types.CurrencyID = 1
)

func bal(n uint64) types.Balance { return types.NewBalance(n) }

func user(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

// newTestExchange returns an exchange with a kusd/kgx pool seeded with the
// given reserves.
func newTestExchange(t *testing.T, feeBps uint32, reserveUSD, reserveKGX uint64) (*Exchange, *ledger.Ledger) {
	t.Helper()
	l := ledger.New(storage.NewMemory(), log.Nop())
	ex := New(l, feeBps, log.Nop())
	p, err := ex.CreatePool(kusd, kgx)
	if err != nil {
		t.Fatalf("CreatePool() error: %v", err)
	}
	if err := l.Mint(p.Account(), kusd, bal(reserveUSD)); err != nil {
		t.Fatal(err)
	}
	if err := l.Mint(p.Account(), kgx, bal(reserveKGX)); err != nil {
		t.Fatal(err)
	}
	return ex, l
}

func TestNewPair_Canonical(t *testing.T) {
	if NewPair(kusd, kgx) != NewPair(kgx, kusd) {
		t.Fatal("pair should not depend on argument order")
	}
	if NewPair(kusd, kgx).Account() != NewPair(kgx, kusd).Account() {
		t.Fatal("pool account should not depend on argument order")
	}
}

func TestCreatePool_Errors(t *testing.T) {
	ex, _ := newTestExchange(t, 0, 10, 10)
	if _, err := ex.CreatePool(kgx, kusd); !errors.Is(err, ErrPoolExists) {
		t.Errorf("duplicate pool error = %v, want ErrPoolExists", err)
	}
	if _, err := ex.CreatePool(kgx, kgx); !errors.Is(err, ErrSameCurrency) {
		t.Errorf("same currency error = %v, want ErrSameCurrency", err)
	}
	if _, err := ex.Quote(kgx, 7, bal(1)); !errors.Is(err, ErrPoolNotFound) {
		t.Errorf("missing pool error = %v, want ErrPoolNotFound", err)
	}
}

func TestAmountIn(t *testing.T) {
	tests := []struct {
		name                  string
		reserveIn, reserveOut uint64
		out                   uint64
		fee                   uint32
		want                  uint64
		wantErr               error
	}{
		{"no fee", 1_000_000, 1_000_000, 250, 0, 251, nil},
		{"with fee", 1_000_000, 1_000_000, 1_000, 30, 1_005, nil},
		{"drain", 100, 100, 100, 0, 0, ErrInsufficientLiquidity},
		{"empty in", 0, 100, 1, 0, 0, ErrInsufficientLiquidity},
		{"zero out", 100, 100, 0, 0, 0, ErrInvalidAmount},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := amountIn(bal(tt.reserveIn), bal(tt.reserveOut), bal(tt.out), tt.fee)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("amountIn() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("amountIn() error: %v", err)
			}
			if got.Uint64() != tt.want {
				t.Fatalf("amountIn() = %s, want %d", got, tt.want)
			}
		})
	}
}

func TestAmountIn_LargeReserves(t *testing.T) {
	huge := types.MaxBalance()
	got, err := amountIn(huge, huge, bal(1_000_000), 30)
	if err != nil {
		t.Fatalf("amountIn() error: %v", err)
	}
	if got.Uint64() < 1_000_000 {
		t.Fatalf("amountIn() = %s, want at least the output amount", got)
	}
}

func TestSwap_ExactOutput(t *testing.T) {
	ex, l := newTestExchange(t, 30, 1_000_000, 1_000_000)
	alice := user(1)
	l.Mint(alice, kusd, bal(10_000))

	quote, err := ex.Quote(kusd, kgx, bal(250))
	if err != nil {
		t.Fatalf("Quote() error: %v", err)
	}
	if err := ex.Swap(alice, kusd, kgx, bal(250)); err != nil {
		t.Fatalf("Swap() error: %v", err)
	}

	if got := l.BalanceOf(alice, kgx); got.Uint64() != 250 {
		t.Errorf("alice kgx = %s, want 250", got)
	}
	wantUSD := bal(10_000).SaturatingSub(quote)
	if got := l.BalanceOf(alice, kusd); got.Cmp(wantUSD) != 0 {
		t.Errorf("alice kusd = %s, want %s", got, wantUSD)
	}

	rUSD, rKGX, err := ex.Reserves(kusd, kgx)
	if err != nil {
		t.Fatalf("Reserves() error: %v", err)
	}
	if rKGX.Uint64() != 1_000_000-250 {
		t.Errorf("kgx reserve = %s", rKGX)
	}
	if rUSD.Cmp(bal(1_000_000).Add(quote)) != 0 {
		t.Errorf("kusd reserve = %s", rUSD)
	}
}

func TestSwap_InsufficientPayerLeavesNoTrace(t *testing.T) {
	ex, l := newTestExchange(t, 0, 1_000_000, 1_000_000)
	alice := user(1)
	l.Mint(alice, kusd, bal(100))

	if err := ex.Swap(alice, kusd, kgx, bal(250)); !errors.Is(err, ledger.ErrInsufficientBalance) {
		t.Fatalf("Swap() error = %v, want ErrInsufficientBalance", err)
	}
	if got := l.BalanceOf(alice, kusd); got.Uint64() != 100 {
		t.Errorf("alice kusd = %s, want 100", got)
	}
	if got := l.BalanceOf(alice, kgx); !got.IsZero() {
		t.Errorf("alice kgx = %s, want 0", got)
	}
}

func TestAddLiquidity(t *testing.T) {
	ex, l := newTestExchange(t, 0, 1_000, 1_000)
	lp := user(9)
	l.Mint(lp, kusd, bal(500))
	l.Mint(lp, kgx, bal(100))

	if err := ex.AddLiquidity(lp, kusd, kgx, bal(500), bal(500)); err == nil {
		t.Fatal("expected error when provider lacks kgx")
	}
	if got := l.BalanceOf(lp, kusd); got.Uint64() != 500 {
		t.Fatalf("failed AddLiquidity moved kusd: %s", got)
	}

	if err := ex.AddLiquidity(lp, kusd, kgx, bal(500), bal(100)); err != nil {
		t.Fatalf("AddLiquidity() error: %v", err)
	}
	rUSD, rKGX, _ := ex.Reserves(kusd, kgx)
	if rUSD.Uint64() != 1_500 || rKGX.Uint64() != 1_100 {
		t.Fatalf("reserves = %s/%s, want 1500/1100", rUSD, rKGX)
	}
	if len(ex.Pools()) != 1 {
		t.Fatalf("Pools() = %v", ex.Pools())
	}
}

var errRevert = errors.New("revert unavailable")

// brokenLedger fails the transfer numbered failAt and, optionally, every
// snapshot revert.
type brokenLedger struct {
	*ledger.Ledger
	transfers  int
	failAt     int
	revertFail bool
	reverts    int
}

func (b *brokenLedger) Transfer(from, to types.Address, c types.CurrencyID, amount types.Balance) error {
	b.transfers++
	if b.transfers == b.failAt {
		return ledger.ErrInsufficientBalance
	}
	return b.Ledger.Transfer(from, to, c, amount)
}

func (b *brokenLedger) RevertToSnapshot(id int) error {
	b.reverts++
	if b.revertFail {
		return errRevert
	}
	return b.Ledger.RevertToSnapshot(id)
}

func TestRevertFailureReported(t *testing.T) {
	tests := []struct {
		name       string
		failAt     int
		revertFail bool
		swap       bool
	}{
		{"swap pay-in", 1, true, true},
		{"swap pay-out", 2, true, true},
		{"swap pay-out clean revert", 2, false, true},
		{"add liquidity first leg", 1, true, false},
		{"add liquidity second leg", 2, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := ledger.New(storage.NewMemory(), log.Nop())
			bl := &brokenLedger{Ledger: l, failAt: tt.failAt, revertFail: tt.revertFail}
			ex := New(bl, 0, log.Nop())
			p, err := ex.CreatePool(kusd, kgx)
			if err != nil {
				t.Fatalf("CreatePool() error: %v", err)
			}
			l.Mint(p.Account(), kusd, bal(1_000))
			l.Mint(p.Account(), kgx, bal(1_000))
			alice := user(1)
			l.Mint(alice, kusd, bal(1_000))
			l.Mint(alice, kgx, bal(1_000))

			if tt.swap {
				err = ex.Swap(alice, kusd, kgx, bal(10))
			} else {
				err = ex.AddLiquidity(alice, kusd, kgx, bal(10), bal(10))
			}
			if !errors.Is(err, ledger.ErrInsufficientBalance) {
				t.Fatalf("error = %v, want ErrInsufficientBalance", err)
			}
			if got := errors.Is(err, errRevert); got != tt.revertFail {
				t.Errorf("errors.Is(err, errRevert) = %v, want %v", got, tt.revertFail)
			}
			if bl.reverts != 1 {
				t.Errorf("reverts = %d, want 1", bl.reverts)
			}
			if !tt.revertFail && l.BalanceOf(alice, kusd).Uint64() != 1_000 {
				t.Errorf("alice kusd = %s, want 1000", l.BalanceOf(alice, kusd))
			}
		})
	}
}
