// Package ledger implements the multi-currency account ledger.
//
// Every account holds a free and a reserved balance per currency. Writes go
// through a journaled cache so that a group of operations (for example a fee
// conversion followed by the fee withdrawal) can be rolled back as a unit
// with Snapshot and RevertToSnapshot. Commit flushes the cache to storage in
// a single batch.
package ledger

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Ledger errors.
var (
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrInsufficientReserved = errors.New("insufficient reserved balance")
	ErrOverflow             = errors.New("balance overflow")
	ErrUnknownCurrency      = errors.New("unknown currency")
	ErrInvalidSnapshot      = errors.New("invalid snapshot id")
)

var (
	prefixAccount  = []byte("a/") // a/<addr(20)><currency(4)> -> free(16) || reserved(16)
	prefixIssuance = []byte("i/") // i/<currency(4)> -> issuance(16)
	prefixNonce    = []byte("n/") // n/<addr(20)> -> nonce(8)
)

// account is the decoded balance record of one (address, currency) pair.
type account struct {
	free     types.Balance
	reserved types.Balance
}

func (a account) isEmpty() bool {
	return a.free.IsZero() && a.reserved.IsZero()
}

// Ledger is the multi-currency ledger.
type Ledger struct {
	mu     sync.Mutex
	j      *journal
	logger zerolog.Logger
	dbErr  error
}

// New creates a ledger backed by db.
func New(db storage.DB, logger zerolog.Logger) *Ledger {
	return &Ledger{
		j:      newJournal(db),
		logger: logger,
	}
}

// setError remembers the first storage read failure. Reads return zero values
// after a failure and Commit reports it.
func (l *Ledger) setError(err error) {
	if l.dbErr == nil {
		l.logger.Error().Err(err).Msg("Ledger storage read failed")
		l.dbErr = err
	}
}

// --- Balances ---

// BalanceOf returns the free balance of addr in currency.
func (l *Ledger) BalanceOf(addr types.Address, currency types.CurrencyID) types.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account(addr, currency).free
}

// ReservedOf returns the reserved balance of addr in currency.
func (l *Ledger) ReservedOf(addr types.Address, currency types.CurrencyID) types.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.account(addr, currency).reserved
}

// TotalIssuance returns the total amount of currency in existence.
func (l *Ledger) TotalIssuance(currency types.CurrencyID) types.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.issuance(currency)
}

// Transfer moves amount of free balance from one account to another.
func (l *Ledger) Transfer(from, to types.Address, currency types.CurrencyID, amount types.Balance) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() || from == to {
		return nil
	}
	src := l.account(from, currency)
	dst := l.account(to, currency)

	free, err := src.free.Sub(amount)
	if err != nil {
		return fmt.Errorf("transfer %s of currency %s from %s: %w", amount, currency, from, ErrInsufficientBalance)
	}
	credited, ok := dst.free.CheckedAdd(amount)
	if !ok {
		return fmt.Errorf("transfer to %s: %w", to, ErrOverflow)
	}

	src.free = free
	dst.free = credited
	l.setAccount(from, currency, src)
	l.setAccount(to, currency, dst)
	return nil
}

// Mint creates amount of currency in the free balance of to.
func (l *Ledger) Mint(to types.Address, currency types.CurrencyID, amount types.Balance) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() {
		return nil
	}
	issued, ok := l.issuance(currency).CheckedAdd(amount)
	if !ok {
		return fmt.Errorf("mint currency %s: %w", currency, ErrOverflow)
	}
	acc := l.account(to, currency)
	free, ok := acc.free.CheckedAdd(amount)
	if !ok {
		return fmt.Errorf("mint to %s: %w", to, ErrOverflow)
	}

	acc.free = free
	l.setAccount(to, currency, acc)
	l.setIssuance(currency, issued)
	return nil
}

// Burn destroys amount of currency from the free balance of from.
func (l *Ledger) Burn(from types.Address, currency types.CurrencyID, amount types.Balance) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() {
		return nil
	}
	acc := l.account(from, currency)
	free, err := acc.free.Sub(amount)
	if err != nil {
		return fmt.Errorf("burn %s of currency %s from %s: %w", amount, currency, from, ErrInsufficientBalance)
	}

	acc.free = free
	l.setAccount(from, currency, acc)
	// Issuance always covers every account balance.
	l.setIssuance(currency, l.issuance(currency).SaturatingSub(amount))
	return nil
}

// Reserve moves amount from the free to the reserved balance of addr.
func (l *Ledger) Reserve(addr types.Address, currency types.CurrencyID, amount types.Balance) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if amount.IsZero() {
		return nil
	}
	acc := l.account(addr, currency)
	free, err := acc.free.Sub(amount)
	if err != nil {
		return fmt.Errorf("reserve %s from %s: %w", amount, addr, ErrInsufficientBalance)
	}
	acc.free = free
	acc.reserved = acc.reserved.Add(amount)
	l.setAccount(addr, currency, acc)
	return nil
}

// Unreserve moves up to amount from the reserved back to the free balance of
// addr and returns the amount actually moved.
func (l *Ledger) Unreserve(addr types.Address, currency types.CurrencyID, amount types.Balance) types.Balance {
	l.mu.Lock()
	defer l.mu.Unlock()

	acc := l.account(addr, currency)
	moved := types.MinBalance(amount, acc.reserved)
	if moved.IsZero() {
		return moved
	}
	acc.reserved = acc.reserved.SaturatingSub(moved)
	acc.free = acc.free.Add(moved)
	l.setAccount(addr, currency, acc)
	return moved
}

// --- Nonces ---

// Nonce returns the next expected transaction nonce of addr.
func (l *Ledger) Nonce(addr types.Address) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.nonce(addr)
}

// IncNonce increments the nonce of addr.
func (l *Ledger) IncNonce(addr types.Address) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], l.nonce(addr)+1)
	l.j.put(nonceKey(addr), buf[:])
}

// --- Snapshots ---

// Snapshot returns an identifier for the current state of pending writes.
func (l *Ledger) Snapshot() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.j.snapshot()
}

// RevertToSnapshot undoes all writes made since Snapshot returned id.
func (l *Ledger) RevertToSnapshot(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.j.revert(id)
}

// Commit flushes pending writes to storage in one batch.
func (l *Ledger) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dbErr != nil {
		err := l.dbErr
		l.dbErr = nil
		l.j.discard()
		return fmt.Errorf("ledger read failed earlier: %w", err)
	}
	if err := l.j.flush(); err != nil {
		return fmt.Errorf("ledger commit: %w", err)
	}
	return nil
}

// Discard drops all pending writes.
func (l *Ledger) Discard() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.j.discard()
	l.dbErr = nil
}

// --- internal accessors (caller holds mu) ---

func (l *Ledger) account(addr types.Address, currency types.CurrencyID) account {
	data, err := l.j.get(accountKey(addr, currency))
	if err != nil {
		l.setError(err)
		return account{}
	}
	if len(data) != 32 {
		return account{}
	}
	return account{
		free:     types.BalanceFromBytes(data[:16]),
		reserved: types.BalanceFromBytes(data[16:]),
	}
}

func (l *Ledger) setAccount(addr types.Address, currency types.CurrencyID, acc account) {
	key := accountKey(addr, currency)
	if acc.isEmpty() {
		l.j.put(key, nil)
		return
	}
	free := acc.free.Bytes16()
	reserved := acc.reserved.Bytes16()
	buf := make([]byte, 0, 32)
	buf = append(buf, free[:]...)
	buf = append(buf, reserved[:]...)
	l.j.put(key, buf)
}

func (l *Ledger) issuance(currency types.CurrencyID) types.Balance {
	data, err := l.j.get(issuanceKey(currency))
	if err != nil {
		l.setError(err)
		return types.Balance{}
	}
	return types.BalanceFromBytes(data)
}

func (l *Ledger) setIssuance(currency types.CurrencyID, amount types.Balance) {
	b := amount.Bytes16()
	l.j.put(issuanceKey(currency), b[:])
}

func (l *Ledger) nonce(addr types.Address) uint64 {
	data, err := l.j.get(nonceKey(addr))
	if err != nil {
		l.setError(err)
		return 0
	}
	if len(data) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(data)
}

func accountKey(addr types.Address, currency types.CurrencyID) []byte {
	key := make([]byte, 0, len(prefixAccount)+types.AddressSize+4)
	key = append(key, prefixAccount...)
	key = append(key, addr[:]...)
	return append(key, currency.Bytes()...)
}

func issuanceKey(currency types.CurrencyID) []byte {
	return append(append([]byte{}, prefixIssuance...), currency.Bytes()...)
}

func nonceKey(addr types.Address) []byte {
	return append(append([]byte{}, prefixNonce...), addr[:]...)
}
