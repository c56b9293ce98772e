package runtime

import (
	"errors"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/payment"
	"github.com/Klingon-tech/klingnet-runtime/internal/precompile"
	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/crypto"
	"github.com/Klingon-tech/klingnet-runtime/pkg/tx"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

const (
	kgx  = config.CurrencyKGX
	kusd = config.CurrencyKUSD
)

func bal(n uint64) types.Balance { return types.NewBalance(n) }

var (
	bob    = types.Address{0xb0}
	author = types.Address{0xaa}
)

type testEnv struct {
	db       *storage.MemoryDB
	genesis  *config.Genesis
	rt       *Runtime
	key      *crypto.PrivateKey
	sender   types.Address
	treasury types.Address
}

// newTestEnv funds a fresh key with the given native and stable balances and
// opens block 1 with no author, so tips go to the treasury.
// Fees: 2 per byte plus 1 per unit of weight, multiplier 1.
func newTestEnv(t *testing.T, native, stable uint64, vm VM) *testEnv {
	t.Helper()
	env := newIdleEnv(t, native, stable, vm)
	if err := env.rt.InitializeBlock(1, types.Address{}); err != nil {
		t.Fatalf("InitializeBlock: %v", err)
	}
	return env
}

// newIdleEnv is newTestEnv without an open block.
func newIdleEnv(t *testing.T, native, stable uint64, vm VM) *testEnv {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey: %v", err)
	}
	sender := crypto.AddressFromPubKey(key.PublicKey())

	g := config.TestnetGenesis()
	g.Alloc = nil
	if native > 0 {
		g.Alloc = append(g.Alloc, config.AllocEntry{Address: sender, Currency: kgx, Amount: bal(native)})
	}
	if stable > 0 {
		g.Alloc = append(g.Alloc, config.AllocEntry{Address: sender, Currency: kusd, Amount: bal(stable)})
	}

	db := storage.NewMemory()
	rt, err := New(db, g, Options{VM: vm})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &testEnv{
		db:       db,
		genesis:  g,
		rt:       rt,
		key:      key,
		sender:   sender,
		treasury: g.Rules.Fee.Treasury,
	}
}

func (e *testEnv) sign(t *testing.T, b *tx.Builder) *tx.Transaction {
	t.Helper()
	if err := b.Sign(e.key); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return b.Build()
}

func (e *testEnv) transfer(t *testing.T, nonce uint64, amount uint64) *tx.Transaction {
	t.Helper()
	return e.sign(t, tx.NewBuilder(e.rt.ChainID()).SetNonce(nonce).Transfer(bob, kgx, bal(amount)))
}

func (e *testEnv) call(t *testing.T, nonce uint64, to types.Address, gas uint64, data []byte) *tx.Transaction {
	t.Helper()
	return e.sign(t, tx.NewBuilder(e.rt.ChainID()).SetNonce(nonce).Call(to, types.Balance{}, gas, data))
}

func (e *testEnv) balance(a types.Address, c types.CurrencyID) types.Balance {
	return e.rt.Ledger().BalanceOf(a, c)
}

func mustPack(t *testing.T, sel precompile.Selector, vals ...any) []byte {
	t.Helper()
	in, err := precompile.PackArgs(sel, vals...)
	if err != nil {
		t.Fatalf("PackArgs: %v", err)
	}
	return in
}

func kusdAddress(t *testing.T) types.Address {
	t.Helper()
	a, err := precompile.CurrencyAddress(kusd)
	if err != nil {
		t.Fatalf("CurrencyAddress: %v", err)
	}
	return a
}

func TestNew_Genesis(t *testing.T) {
	env := newTestEnv(t, 5_000_000, 0, nil)

	if got := env.balance(env.sender, kgx); got.Cmp(bal(5_000_000)) != 0 {
		t.Fatalf("alloc balance = %s, want 5000000", got)
	}
	pool := env.rt.Exchange().Pools()
	if len(pool) != 1 {
		t.Fatalf("pools = %d, want 1", len(pool))
	}
	c, err := env.rt.Ledger().Currency(kusd)
	if err != nil || c.Symbol != "KUSD" {
		t.Fatalf("Currency(kusd) = %+v, %v", c, err)
	}

	// Reopening applies nothing twice.
	again, err := New(env.db, env.genesis, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if got := again.Ledger().BalanceOf(env.sender, kgx); got.Cmp(bal(5_000_000)) != 0 {
		t.Errorf("balance after reopen = %s, want 5000000", got)
	}
	if got := again.Ledger().TotalIssuance(kgx); got.Cmp(env.rt.Ledger().TotalIssuance(kgx)) != 0 {
		t.Errorf("issuance after reopen = %s", got)
	}
}

func TestNew_GenesisMismatch(t *testing.T) {
	env := newTestEnv(t, 1, 0, nil)

	other := config.TestnetGenesis()
	other.ExtraData = "different"
	if _, err := New(env.db, other, Options{}); !errors.Is(err, ErrGenesisMismatch) {
		t.Fatalf("New() error = %v, want ErrGenesisMismatch", err)
	}
}

func TestNew_ConfigurationFault(t *testing.T) {
	g := config.TestnetGenesis()
	g.Rules.Precompile.WeightPerGas = 0
	if _, err := New(storage.NewMemory(), g, Options{}); !errors.Is(err, config.ErrConfigurationFault) {
		t.Fatalf("New() error = %v, want ErrConfigurationFault", err)
	}
}

func TestApplyTransaction_Transfer(t *testing.T) {
	env := newTestEnv(t, 5_000_000, 0, nil)
	txn := env.transfer(t, 0, 1_000)
	wantFee := uint64(TransferWeight) + 2*uint64(txn.EncodedLength())

	rec, err := env.rt.ApplyTransaction(txn)
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if !rec.Success {
		t.Fatalf("receipt failed: %s", rec.Reason)
	}
	if rec.Fee.ActualFee.Cmp(bal(wantFee)) != 0 {
		t.Errorf("fee = %s, want %d", rec.Fee.ActualFee, wantFee)
	}
	if !rec.Fee.Refund.IsZero() {
		t.Errorf("refund = %s, want 0", rec.Fee.Refund)
	}
	if got := env.balance(bob, kgx); got.Cmp(bal(1_000)) != 0 {
		t.Errorf("bob = %s, want 1000", got)
	}
	if got := env.balance(env.sender, kgx); got.Cmp(bal(5_000_000-1_000-wantFee)) != 0 {
		t.Errorf("sender = %s, want %d", got, 5_000_000-1_000-wantFee)
	}
	if got := env.balance(env.treasury, kgx); got.Cmp(bal(wantFee)) != 0 {
		t.Errorf("treasury = %s, want %d", got, wantFee)
	}
	if n := env.rt.Ledger().Nonce(env.sender); n != 1 {
		t.Errorf("nonce = %d, want 1", n)
	}
}

func TestApplyTransaction_Rejected(t *testing.T) {
	env := newTestEnv(t, 5_000_000, 0, nil)

	tampered := env.transfer(t, 0, 1_000)
	tampered.Value = bal(2_000)

	wrongChain := env.sign(t, tx.NewBuilder("other-chain").Transfer(bob, kgx, bal(1)))

	tests := []struct {
		name string
		tx   *tx.Transaction
		want error
	}{
		{"bad nonce", env.transfer(t, 3, 1_000), ErrBadNonce},
		{"bad signature", tampered, tx.ErrInvalidSig},
		{"wrong chain", wrongChain, tx.ErrWrongChain},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := env.rt.ApplyTransaction(tt.tx); !errors.Is(err, tt.want) {
				t.Fatalf("ApplyTransaction() error = %v, want %v", err, tt.want)
			}
			if got := env.balance(env.sender, kgx); got.Cmp(bal(5_000_000)) != 0 {
				t.Errorf("sender = %s, want untouched", got)
			}
			if n := env.rt.Ledger().Nonce(env.sender); n != 0 {
				t.Errorf("nonce = %d, want 0", n)
			}
		})
	}
}

func TestApplyTransaction_InsufficientBalance(t *testing.T) {
	env := newTestEnv(t, 10, 0, nil)

	_, err := env.rt.ApplyTransaction(env.transfer(t, 0, 1))
	if !errors.Is(err, payment.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	if !errors.Is(err, payment.ErrInsufficientFunds) {
		t.Errorf("error = %v, want to wrap ErrInsufficientFunds", err)
	}
	if got := env.balance(env.sender, kgx); got.Cmp(bal(10)) != 0 {
		t.Errorf("sender = %s, want 10", got)
	}
	if n := env.rt.Ledger().Nonce(env.sender); n != 0 {
		t.Errorf("nonce = %d, want 0", n)
	}
}

func TestApplyTransaction_PaysInStable(t *testing.T) {
	env := newTestEnv(t, 0, 5_000_000, nil)

	rec, err := env.rt.ApplyTransaction(env.call(t, 0, kusdAddress(t), 300_000,
		mustPack(t, precompile.SelTransfer, bob, bal(7))))
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if !rec.Success {
		t.Fatalf("receipt failed: %s", rec.Reason)
	}
	if !rec.Conversion.Converted || rec.Conversion.Currency != kusd {
		t.Errorf("conversion = %+v, want from kusd", rec.Conversion)
	}
	// The refund for unused gas is paid in native currency.
	if got := env.balance(env.sender, kgx); got.Cmp(rec.Fee.Refund) != 0 {
		t.Errorf("sender native = %s, want refund %s", got, rec.Fee.Refund)
	}
	if got := env.balance(bob, kusd); got.Cmp(bal(7)) != 0 {
		t.Errorf("bob kusd = %s, want 7", got)
	}
}

func TestApplyTransaction_PrecompileRefund(t *testing.T) {
	env := newTestEnv(t, 5_000_000, 1_000, nil)
	txn := env.call(t, 0, kusdAddress(t), 1_000_000, mustPack(t, precompile.SelTransfer, bob, bal(500)))
	length := 2 * uint64(txn.EncodedLength())

	rec, err := env.rt.ApplyTransaction(txn)
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if !rec.Success {
		t.Fatalf("receipt failed: %s", rec.Reason)
	}
	used := uint64(2*precompile.WeightRead + 2*precompile.WeightWrite)
	if rec.GasUsed != used {
		t.Errorf("gas used = %d, want %d", rec.GasUsed, used)
	}
	if rec.Fee.ActualFee.Cmp(bal(length+used)) != 0 {
		t.Errorf("fee = %s, want %d", rec.Fee.ActualFee, length+used)
	}
	if rec.Fee.Refund.Cmp(bal(1_000_000-used)) != 0 {
		t.Errorf("refund = %s, want %d", rec.Fee.Refund, 1_000_000-used)
	}
	if got := env.balance(env.sender, kgx); got.Cmp(bal(5_000_000-length-used)) != 0 {
		t.Errorf("sender = %s, want %d", got, 5_000_000-length-used)
	}
	if got := env.balance(bob, kusd); got.Cmp(bal(500)) != 0 {
		t.Errorf("bob kusd = %s, want 500", got)
	}
}

func TestApplyTransaction_FailedCallStillCharged(t *testing.T) {
	env := newTestEnv(t, 5_000_000, 0, nil)

	tests := []struct {
		name    string
		to      types.Address
		data    []byte
		gasUsed uint64
		reason  string
	}{
		{
			name:    "no code",
			to:      bob,
			data:    []byte{0x01},
			gasUsed: 100,
			reason:  "no code",
		},
		{
			name:    "precompile insufficient balance",
			to:      kusdAddress(t),
			data:    mustPack(t, precompile.SelTransfer, bob, bal(1)),
			gasUsed: uint64(2*precompile.WeightRead + 2*precompile.WeightWrite),
			reason:  "insufficient",
		},
	}
	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			before := env.balance(env.sender, kgx)
			rec, err := env.rt.ApplyTransaction(env.call(t, uint64(i), tt.to, 500_000, tt.data))
			if err != nil {
				t.Fatalf("ApplyTransaction: %v", err)
			}
			if rec.Success {
				t.Fatal("receipt succeeded, want failure")
			}
			if !strings.Contains(rec.Reason, tt.reason) {
				t.Errorf("reason = %q, want %q", rec.Reason, tt.reason)
			}
			if rec.GasUsed != tt.gasUsed {
				t.Errorf("gas used = %d, want %d", rec.GasUsed, tt.gasUsed)
			}
			spent, err := before.Sub(env.balance(env.sender, kgx))
			if err != nil || spent.Cmp(rec.Fee.ActualFee) != 0 {
				t.Errorf("spent = %s, want fee %s", spent, rec.Fee.ActualFee)
			}
			if n := env.rt.Ledger().Nonce(env.sender); n != uint64(i)+1 {
				t.Errorf("nonce = %d, want %d", n, i+1)
			}
		})
	}
}

func TestApplyTransaction_VM(t *testing.T) {
	contractAddr := types.Address{0xc0}
	var seen *Message
	vm := VMFunc(func(msg *Message, precompiles *precompile.Router) ExecResult {
		seen = msg
		if precompiles == nil {
			return ExecResult{Err: errors.New("no router")}
		}
		return ExecResult{Output: []byte{0xbe, 0xef}, GasUsed: 40_000}
	})
	env := newTestEnv(t, 5_000_000, 0, vm)

	txn := env.sign(t, tx.NewBuilder(env.rt.ChainID()).Call(contractAddr, bal(300), 100_000, []byte{0x01, 0x02}))
	rec, err := env.rt.ApplyTransaction(txn)
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if !rec.Success || rec.Output != "beef" {
		t.Fatalf("receipt = %+v", rec)
	}
	if seen == nil || seen.From != env.sender || seen.Gas != 100_000 {
		t.Fatalf("vm message = %+v", seen)
	}
	if got := env.balance(contractAddr, kgx); got.Cmp(bal(300)) != 0 {
		t.Errorf("contract = %s, want 300", got)
	}
	if rec.Fee.Refund.Cmp(bal(60_000)) != 0 {
		t.Errorf("refund = %s, want 60000", rec.Fee.Refund)
	}
}

func TestApplyTransaction_VMRevertUndoesValue(t *testing.T) {
	contractAddr := types.Address{0xc0}
	vm := VMFunc(func(*Message, *precompile.Router) ExecResult {
		return ExecResult{GasUsed: 1_000, Err: errors.New("execution reverted")}
	})
	env := newTestEnv(t, 5_000_000, 0, vm)

	txn := env.sign(t, tx.NewBuilder(env.rt.ChainID()).Call(contractAddr, bal(300), 100_000, []byte{0x01}))
	rec, err := env.rt.ApplyTransaction(txn)
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if rec.Success {
		t.Fatal("receipt succeeded, want failure")
	}
	if got := env.balance(contractAddr, kgx); !got.IsZero() {
		t.Errorf("contract = %s, want 0", got)
	}
}

func TestValidateTransaction(t *testing.T) {
	env := newTestEnv(t, 5_000_000, 0, nil)

	if err := env.rt.ValidateTransaction(env.transfer(t, 0, 1_000)); err != nil {
		t.Fatalf("ValidateTransaction: %v", err)
	}
	if got := env.balance(env.sender, kgx); got.Cmp(bal(5_000_000)) != 0 {
		t.Errorf("sender = %s, want untouched", got)
	}
	if err := env.rt.ValidateTransaction(env.transfer(t, 1, 1_000)); !errors.Is(err, ErrBadNonce) {
		t.Errorf("ValidateTransaction() error = %v, want ErrBadNonce", err)
	}

	poor := newTestEnv(t, 10, 0, nil)
	if err := poor.rt.ValidateTransaction(poor.transfer(t, 0, 1)); !errors.Is(err, payment.ErrInsufficientBalance) {
		t.Errorf("ValidateTransaction() error = %v, want ErrInsufficientBalance", err)
	}
}

func TestQueryInfo(t *testing.T) {
	env := newTestEnv(t, 1, 0, nil)
	txn := env.transfer(t, 0, 1)
	txn.Tip = bal(9)

	info := env.rt.QueryInfo(txn)
	if info.Weight != TransferWeight {
		t.Errorf("weight = %d, want %d", info.Weight, TransferWeight)
	}
	want := uint64(TransferWeight) + 2*uint64(txn.EncodedLength())
	if info.PartialFee.Cmp(bal(want)) != 0 {
		t.Errorf("partial fee = %s, want %d", info.PartialFee, want)
	}

	d := env.rt.FeeDetails(txn)
	if d.Total().Cmp(bal(want+9)) != 0 {
		t.Errorf("details total = %s, want %d", d.Total(), want+9)
	}
}

func TestBlockLifecycle(t *testing.T) {
	env := newIdleEnv(t, 5_000_000, 0, nil)
	rt := env.rt

	if _, err := rt.FinalizeBlock(); !errors.Is(err, ErrNoOpenBlock) {
		t.Fatalf("FinalizeBlock() error = %v, want ErrNoOpenBlock", err)
	}
	if err := rt.InitializeBlock(1, author); err != nil {
		t.Fatalf("InitializeBlock: %v", err)
	}
	if err := rt.InitializeBlock(2, author); !errors.Is(err, ErrBlockOpen) {
		t.Fatalf("InitializeBlock() error = %v, want ErrBlockOpen", err)
	}

	txn := env.sign(t, tx.NewBuilder(rt.ChainID()).SetTip(bal(40)).Transfer(bob, kgx, bal(1)))
	rec, err := rt.ApplyTransaction(txn)
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if got := env.balance(author, kgx); got.Cmp(bal(40)) != 0 {
		t.Errorf("author = %s, want tip 40", got)
	}

	s, err := rt.FinalizeBlock()
	if err != nil {
		t.Fatalf("FinalizeBlock: %v", err)
	}
	if s.Height != 1 || s.Transactions != 1 || s.Weight != TransferWeight {
		t.Errorf("summary = %+v", s)
	}
	if s.Tips.Cmp(bal(40)) != 0 || s.Fees.Cmp(rec.Fee.NetFee) != 0 {
		t.Errorf("summary fees = %s tips = %s", s.Fees, s.Tips)
	}
	// A nearly empty block lowers the multiplier.
	if s.NextMultiplier.Cmp(fee.OneMultiplier()) >= 0 {
		t.Errorf("next multiplier = %s, want below 1", s.NextMultiplier)
	}
	if rt.FeeMultiplier().Cmp(s.NextMultiplier) != 0 {
		t.Errorf("FeeMultiplier() = %s, want %s", rt.FeeMultiplier(), s.NextMultiplier)
	}

	if err := rt.InitializeBlock(1, author); !errors.Is(err, ErrBadHeight) {
		t.Errorf("InitializeBlock() error = %v, want ErrBadHeight", err)
	}

	// The multiplier and height survive a restart.
	again, err := New(env.db, env.genesis, Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if again.FeeMultiplier().Cmp(s.NextMultiplier) != 0 {
		t.Errorf("multiplier after reopen = %s, want %s", again.FeeMultiplier(), s.NextMultiplier)
	}
	if again.Height() != 1 {
		t.Errorf("height after reopen = %d, want 1", again.Height())
	}
}

func TestScheduledCall(t *testing.T) {
	env := newIdleEnv(t, 5_000_000, 1_000, nil)
	rt := env.rt

	if err := rt.InitializeBlock(1, author); err != nil {
		t.Fatalf("InitializeBlock: %v", err)
	}
	deferred := mustPack(t, precompile.SelTransfer, bob, bal(7))
	input := mustPack(t, precompile.SelScheduleCall,
		env.sender, kusdAddress(t), types.Balance{}, uint64(300_000), uint64(0), uint64(2), deferred)

	rec, err := rt.ApplyTransaction(env.call(t, 0, precompile.ScheduleCallAddress, 1_000_000, input))
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	if !rec.Success {
		t.Fatalf("schedule failed: %s", rec.Reason)
	}
	reserved := rt.Ledger().ReservedOf(env.sender, kgx)
	if reserved.IsZero() {
		t.Fatal("no fee reserved for the scheduled call")
	}
	if _, err := rt.FinalizeBlock(); err != nil {
		t.Fatalf("FinalizeBlock: %v", err)
	}

	// Due at height 3.
	for h := uint64(2); h <= 3; h++ {
		if err := rt.InitializeBlock(h, author); err != nil {
			t.Fatalf("InitializeBlock(%d): %v", h, err)
		}
		s, err := rt.FinalizeBlock()
		if err != nil {
			t.Fatalf("FinalizeBlock(%d): %v", h, err)
		}
		wantDispatched := 0
		if h == 3 {
			wantDispatched = 1
		}
		if s.Dispatched != wantDispatched {
			t.Errorf("height %d dispatched = %d, want %d", h, s.Dispatched, wantDispatched)
		}
	}

	if got := env.balance(bob, kusd); got.Cmp(bal(7)) != 0 {
		t.Errorf("bob kusd = %s, want 7", got)
	}
	if got := rt.Ledger().ReservedOf(env.sender, kgx); !got.IsZero() {
		t.Errorf("reserved after dispatch = %s, want 0", got)
	}
}

func TestApplyTransaction_NoOpenBlock(t *testing.T) {
	env := newIdleEnv(t, 5_000_000, 0, nil)
	rt := env.rt

	if _, err := rt.ApplyTransaction(env.transfer(t, 0, 1_000)); !errors.Is(err, ErrNoOpenBlock) {
		t.Fatalf("ApplyTransaction() error = %v, want ErrNoOpenBlock", err)
	}
	if err := rt.ValidateTransaction(env.transfer(t, 0, 1_000)); !errors.Is(err, ErrNoOpenBlock) {
		t.Fatalf("ValidateTransaction() error = %v, want ErrNoOpenBlock", err)
	}

	// Between FinalizeBlock and the next InitializeBlock nothing is charged.
	if err := rt.InitializeBlock(1, author); err != nil {
		t.Fatalf("InitializeBlock: %v", err)
	}
	if _, err := rt.FinalizeBlock(); err != nil {
		t.Fatalf("FinalizeBlock: %v", err)
	}
	if _, err := rt.ApplyTransaction(env.transfer(t, 0, 1_000)); !errors.Is(err, ErrNoOpenBlock) {
		t.Fatalf("ApplyTransaction() after finalize error = %v, want ErrNoOpenBlock", err)
	}
	if got := env.balance(env.sender, kgx); got.Cmp(bal(5_000_000)) != 0 {
		t.Errorf("sender = %s, want untouched", got)
	}
	if n := rt.Ledger().Nonce(env.sender); n != 0 {
		t.Errorf("nonce = %d, want 0", n)
	}

	// The same transaction lands in the next block and is counted there.
	if err := rt.InitializeBlock(2, author); err != nil {
		t.Fatalf("InitializeBlock(2): %v", err)
	}
	rec, err := rt.ApplyTransaction(env.transfer(t, 0, 1_000))
	if err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	s, err := rt.FinalizeBlock()
	if err != nil {
		t.Fatalf("FinalizeBlock(2): %v", err)
	}
	if s.Transactions != 1 || s.Weight != TransferWeight || s.Fees.Cmp(rec.Fee.NetFee) != 0 {
		t.Errorf("summary = %+v, want the applied transfer", s)
	}
}

func TestAdvanceBlock(t *testing.T) {
	env := newTestEnv(t, 5_000_000, 0, nil)
	rt := env.rt

	if _, err := rt.ApplyTransaction(env.transfer(t, 0, 1)); err != nil {
		t.Fatalf("ApplyTransaction: %v", err)
	}
	s, err := rt.AdvanceBlock(author)
	if err != nil {
		t.Fatalf("AdvanceBlock: %v", err)
	}
	if s.Height != 1 || s.Transactions != 1 {
		t.Errorf("summary = %+v, want height 1 with one tx", s)
	}
	if rt.Height() != 2 {
		t.Fatalf("height = %d, want 2", rt.Height())
	}

	// The next block is already open.
	txn := env.sign(t, tx.NewBuilder(rt.ChainID()).SetNonce(1).SetTip(bal(5)).Transfer(bob, kgx, bal(1)))
	if _, err := rt.ApplyTransaction(txn); err != nil {
		t.Fatalf("ApplyTransaction in block 2: %v", err)
	}
	if got := env.balance(author, kgx); got.Cmp(bal(5)) != 0 {
		t.Errorf("author = %s, want tip 5", got)
	}
	s, err = rt.FinalizeBlock()
	if err != nil {
		t.Fatalf("FinalizeBlock: %v", err)
	}
	if s.Height != 2 || s.Transactions != 1 {
		t.Errorf("summary = %+v, want height 2 with one tx", s)
	}

	if _, err := rt.AdvanceBlock(author); !errors.Is(err, ErrNoOpenBlock) {
		t.Errorf("AdvanceBlock() error = %v, want ErrNoOpenBlock", err)
	}
}
