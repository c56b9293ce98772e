package types

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/holiman/uint256"
)

// BalanceBits is the width of the chain-wide balance type.
const BalanceBits = 128

// ErrBalanceUnderflow is returned by Balance.Sub when the result would be negative.
var ErrBalanceUnderflow = errors.New("balance underflow")

var maxBalance = func() uint256.Int {
	var m uint256.Int
	m.Lsh(uint256.NewInt(1), BalanceBits)
	m.SubUint64(&m, 1)
	return m
}()

// Balance is an unsigned 128-bit amount. Arithmetic saturates at
// MaxBalance instead of wrapping; subtraction fails explicitly on underflow.
// The zero value is a zero balance.
type Balance struct {
	v uint256.Int
}

// NewBalance returns a balance holding n.
func NewBalance(n uint64) Balance {
	var b Balance
	b.v.SetUint64(n)
	return b
}

// MaxBalance returns the largest representable balance (2^128 - 1).
func MaxBalance() Balance {
	return Balance{v: maxBalance}
}

// BalanceFromUint256 converts x into a balance, saturating if x exceeds 128 bits.
func BalanceFromUint256(x *uint256.Int) Balance {
	var b Balance
	b.v.Set(x)
	return b.clamp()
}

// ParseBalance parses a base-10 string.
func ParseBalance(s string) (Balance, error) {
	var b Balance
	if err := b.v.SetFromDecimal(s); err != nil {
		return Balance{}, fmt.Errorf("invalid balance %q: %w", s, err)
	}
	if b.v.Gt(&maxBalance) {
		return Balance{}, fmt.Errorf("balance %q exceeds %d bits", s, BalanceBits)
	}
	return b, nil
}

func (b Balance) clamp() Balance {
	if b.v.Gt(&maxBalance) {
		b.v = maxBalance
	}
	return b
}

// Add returns b + o, saturating at MaxBalance.
func (b Balance) Add(o Balance) Balance {
	var r Balance
	if _, overflow := r.v.AddOverflow(&b.v, &o.v); overflow {
		return MaxBalance()
	}
	return r.clamp()
}

// CheckedAdd returns b + o and false when the sum exceeds MaxBalance.
func (b Balance) CheckedAdd(o Balance) (Balance, bool) {
	var r Balance
	if _, overflow := r.v.AddOverflow(&b.v, &o.v); overflow || r.v.Gt(&maxBalance) {
		return Balance{}, false
	}
	return r, true
}

// Sub returns b - o or ErrBalanceUnderflow.
func (b Balance) Sub(o Balance) (Balance, error) {
	if b.v.Lt(&o.v) {
		return Balance{}, fmt.Errorf("%w: %s - %s", ErrBalanceUnderflow, b, o)
	}
	var r Balance
	r.v.Sub(&b.v, &o.v)
	return r, nil
}

// SaturatingSub returns b - o, or zero when o > b.
func (b Balance) SaturatingSub(o Balance) Balance {
	if b.v.Lt(&o.v) {
		return Balance{}
	}
	var r Balance
	r.v.Sub(&b.v, &o.v)
	return r
}

// Mul returns b * o, saturating at MaxBalance.
func (b Balance) Mul(o Balance) Balance {
	var r Balance
	if _, overflow := r.v.MulOverflow(&b.v, &o.v); overflow {
		return MaxBalance()
	}
	return r.clamp()
}

// MulUint64 returns b * n, saturating at MaxBalance.
func (b Balance) MulUint64(n uint64) Balance {
	return b.Mul(NewBalance(n))
}

// MulDiv returns b * num / den computed with a 512-bit intermediate,
// saturating at MaxBalance. A zero denominator saturates.
func (b Balance) MulDiv(num, den *uint256.Int) Balance {
	if den.IsZero() {
		return MaxBalance()
	}
	var r Balance
	if _, overflow := r.v.MulDivOverflow(&b.v, num, den); overflow {
		return MaxBalance()
	}
	return r.clamp()
}

// Cmp compares b and o and returns -1, 0 or +1.
func (b Balance) Cmp(o Balance) int {
	return b.v.Cmp(&o.v)
}

// Lt reports whether b < o.
func (b Balance) Lt(o Balance) bool {
	return b.v.Lt(&o.v)
}

// IsZero reports whether b is zero.
func (b Balance) IsZero() bool {
	return b.v.IsZero()
}

// Uint64 returns b as a uint64, saturating at math.MaxUint64.
func (b Balance) Uint64() uint64 {
	if !b.v.IsUint64() {
		return math.MaxUint64
	}
	return b.v.Uint64()
}

// Uint256 returns a copy of the underlying 256-bit integer.
func (b Balance) Uint256() *uint256.Int {
	return new(uint256.Int).Set(&b.v)
}

// Bytes32 returns the big-endian 32-byte encoding (one ABI word).
func (b Balance) Bytes32() [32]byte {
	return b.v.Bytes32()
}

// Bytes16 returns the big-endian 16-byte encoding used for storage.
func (b Balance) Bytes16() [16]byte {
	var out [16]byte
	w := b.v.Bytes32()
	copy(out[:], w[16:])
	return out
}

// BalanceFromBytes decodes a big-endian encoding of up to 32 bytes, saturating.
func BalanceFromBytes(buf []byte) Balance {
	var b Balance
	b.v.SetBytes(buf)
	return b.clamp()
}

// String returns the base-10 representation.
func (b Balance) String() string {
	return b.v.Dec()
}

// MarshalJSON encodes the balance as a decimal string to keep 128-bit
// values intact through JSON number handling.
func (b Balance) MarshalJSON() ([]byte, error) {
	return json.Marshal(b.String())
}

// UnmarshalJSON accepts a decimal string or a JSON number.
func (b *Balance) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return fmt.Errorf("balance must be a decimal string or number: %w", err)
		}
		s = n.String()
	}
	if s == "" {
		*b = Balance{}
		return nil
	}
	parsed, err := ParseBalance(s)
	if err != nil {
		return err
	}
	*b = parsed
	return nil
}

// MinBalance returns the smaller of a and b.
func MinBalance(a, b Balance) Balance {
	if a.Lt(b) {
		return a
	}
	return b
}
