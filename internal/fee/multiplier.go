package fee

import (
	"encoding/json"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// MultiplierDecimals is the number of fractional digits of a Multiplier.
const MultiplierDecimals = 18

// multiplierUnit is the fixed-point representation of 1.
var multiplierUnit = uint256.NewInt(config.MultiplierUnit)

// Multiplier is a non-negative fixed-point ratio with 18 fractional digits.
type Multiplier struct {
	v uint256.Int
}

// OneMultiplier returns the identity multiplier.
func OneMultiplier() Multiplier {
	var m Multiplier
	m.v.Set(multiplierUnit)
	return m
}

// MultiplierFromRatio returns num/den rounded down. A zero denominator yields zero.
func MultiplierFromRatio(num, den uint64) Multiplier {
	var m Multiplier
	if den == 0 {
		return m
	}
	m.v.MulDivOverflow(uint256.NewInt(num), multiplierUnit, uint256.NewInt(den))
	return m
}

// MultiplierFromConfig converts a configured ratio.
func MultiplierFromConfig(r config.Ratio) Multiplier {
	return MultiplierFromRatio(r.Num, r.Den)
}

// MultiplierFromBytes decodes a big-endian fixed-point value.
func MultiplierFromBytes(b []byte) Multiplier {
	var m Multiplier
	m.v.SetBytes(b)
	return m
}

// Apply returns b scaled by m, saturating.
func (m Multiplier) Apply(b types.Balance) types.Balance {
	return b.MulDiv(&m.v, multiplierUnit)
}

// Cmp compares m and o and returns -1, 0 or +1.
func (m Multiplier) Cmp(o Multiplier) int {
	return m.v.Cmp(&o.v)
}

// IsZero reports whether m is zero.
func (m Multiplier) IsZero() bool {
	return m.v.IsZero()
}

// Bytes returns the 32-byte big-endian encoding of the raw fixed-point value.
func (m Multiplier) Bytes() []byte {
	b := m.v.Bytes32()
	return b[:]
}

// Raw returns the fixed-point value scaled by 10^18.
func (m Multiplier) Raw() *uint256.Int {
	return new(uint256.Int).Set(&m.v)
}

// Float64 returns an approximation for display and metrics.
func (m Multiplier) Float64() float64 {
	var ip, fp uint256.Int
	ip.Div(&m.v, multiplierUnit)
	fp.Mod(&m.v, multiplierUnit)
	whole := float64(ip.Uint64())
	if !ip.IsUint64() {
		whole = float64(^uint64(0))
	}
	return whole + float64(fp.Uint64())/1e18
}

// String formats m as a decimal such as "1.000000000000000000".
func (m Multiplier) String() string {
	var ip, fp uint256.Int
	ip.Div(&m.v, multiplierUnit)
	fp.Mod(&m.v, multiplierUnit)
	return fmt.Sprintf("%s.%018d", ip.Dec(), fp.Uint64())
}

// MarshalJSON encodes the raw fixed-point value as a decimal string.
func (m Multiplier) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.v.Dec())
}

// UnmarshalJSON decodes a raw fixed-point decimal string.
func (m *Multiplier) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("multiplier: %w", err)
	}
	return m.v.SetFromDecimal(s)
}

// clampMultiplier bounds value to [lower, upper].
func clampMultiplier(lower, value, upper Multiplier) Multiplier {
	switch {
	case value.Cmp(lower) < 0:
		return lower
	case value.Cmp(upper) > 0:
		return upper
	default:
		return value
	}
}
