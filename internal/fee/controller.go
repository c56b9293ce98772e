package fee

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Perbill is a fraction in parts per billion.
type Perbill uint32

// Fullness returns used/limit as a Perbill, saturating at one.
func Fullness(used, limit types.Weight) Perbill {
	if limit == 0 || used >= limit {
		return config.Perbill
	}
	// used < limit < 2^64, so the product fits in 128 bits.
	v, _ := new(uint256.Int).MulDivOverflow(uint256.NewInt(uint64(used)), perbill, uint256.NewInt(uint64(limit)))
	return Perbill(v.Uint64())
}

// Controller updates the fee multiplier once per block so that long-run block
// fullness tracks a target:
//
//	diff = |fullness - target|
//	next = prev * (1 + v*diff + (v*diff)^2/2)   when fullness > target
//	next = prev * (1 - (v*diff - (v*diff)^2/2)) otherwise
//
// The result is clamped to [min, max].
type Controller struct {
	target     Multiplier // target fullness as a fixed-point fraction
	adjustment Multiplier // v
	min, max   Multiplier
	initial    Multiplier
}

// NewController builds a controller from the multiplier rules.
func NewController(rules config.MultiplierRules) *Controller {
	return &Controller{
		target:     MultiplierFromRatio(uint64(rules.TargetFullness), config.Perbill),
		adjustment: MultiplierFromConfig(rules.Adjustment),
		min:        MultiplierFromConfig(rules.Min),
		max:        MultiplierFromConfig(rules.Max),
		initial:    MultiplierFromConfig(rules.Initial),
	}
}

// Initial returns the genesis multiplier.
func (c *Controller) Initial() Multiplier {
	return c.initial
}

// Bounds returns the configured minimum and maximum.
func (c *Controller) Bounds() (Multiplier, Multiplier) {
	return c.min, c.max
}

// OnBlockFinalize returns the multiplier for the next block. It is a pure
// function of its inputs.
func (c *Controller) OnBlockFinalize(current Multiplier, fullness Perbill) Multiplier {
	prev := clampMultiplier(c.min, current, c.max)
	s := MultiplierFromRatio(uint64(fullness), config.Perbill)

	positive := s.Cmp(c.target) >= 0
	var diff uint256.Int
	if positive {
		diff.Sub(&s.v, &c.target.v)
	} else {
		diff.Sub(&c.target.v, &s.v)
	}

	// first = v*diff, second = first^2/2, all scaled by 10^18.
	var first, second uint256.Int
	first.MulDivOverflow(&c.adjustment.v, &diff, multiplierUnit)
	second.MulDivOverflow(&first, &first, multiplierUnit)
	second.Rsh(&second, 1)

	var next Multiplier
	if positive {
		var factor uint256.Int
		factor.Add(&first, &second)
		var excess uint256.Int
		if _, overflow := excess.MulDivOverflow(&factor, &prev.v, multiplierUnit); overflow {
			return c.max
		}
		if _, overflow := next.v.AddOverflow(&prev.v, &excess); overflow {
			return c.max
		}
	} else {
		var factor uint256.Int
		if first.Gt(&second) {
			factor.Sub(&first, &second)
		}
		var reduction uint256.Int
		reduction.MulDivOverflow(&factor, &prev.v, multiplierUnit)
		if reduction.Gt(&prev.v) {
			reduction.Set(&prev.v)
		}
		next.v.Sub(&prev.v, &reduction)
	}
	return clampMultiplier(c.min, next, c.max)
}

var multiplierKey = []byte("fee/multiplier")

// LoadMultiplier reads the persisted multiplier, or returns initial when none
// has been stored.
func LoadMultiplier(db storage.DB, initial Multiplier) (Multiplier, error) {
	data, err := db.Get(multiplierKey)
	if errors.Is(err, storage.ErrNotFound) {
		return initial, nil
	}
	if err != nil {
		return Multiplier{}, fmt.Errorf("load multiplier: %w", err)
	}
	return MultiplierFromBytes(data), nil
}

// SaveMultiplier persists m.
func SaveMultiplier(db storage.DB, m Multiplier) error {
	if err := db.Put(multiplierKey, m.Bytes()); err != nil {
		return fmt.Errorf("save multiplier: %w", err)
	}
	return nil
}
