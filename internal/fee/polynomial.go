package fee

import (
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// maxUnderflowScan bounds the number of weights checked by Validate.
const maxUnderflowScan = 100_000

var perbill = uint256.NewInt(config.Perbill)

// Term is one coefficient of the weight-to-fee polynomial.
type Term struct {
	Degree   uint8
	Integer  types.Balance
	Frac     uint32 // parts per billion
	Negative bool
}

// Polynomial maps a weight to a fee as a sum of terms.
type Polynomial []Term

// PolynomialFromConfig converts configured terms.
func PolynomialFromConfig(terms []config.PolynomialTerm) Polynomial {
	p := make(Polynomial, len(terms))
	for i, t := range terms {
		p[i] = Term{
			Degree:   t.Degree,
			Integer:  t.CoeffInteger,
			Frac:     t.CoeffFrac,
			Negative: t.Negative,
		}
	}
	return p
}

// value returns the magnitude of the term at w, saturating.
func (t Term) value(w types.Weight) types.Balance {
	pow := types.NewBalance(1)
	base := types.NewBalance(uint64(w))
	for i := uint8(0); i < t.Degree; i++ {
		pow = pow.Mul(base)
	}
	whole := pow.Mul(t.Integer)
	frac := pow.MulDiv(uint256.NewInt(uint64(t.Frac)), perbill)
	return whole.Add(frac)
}

// eval returns the polynomial at w clamped at zero, and whether the negative
// terms exceeded the positive ones.
func (p Polynomial) eval(w types.Weight) (types.Balance, bool) {
	var pos, neg types.Balance
	for _, t := range p {
		if t.Negative {
			neg = neg.Add(t.value(w))
		} else {
			pos = pos.Add(t.value(w))
		}
	}
	if pos.Lt(neg) {
		return types.Balance{}, true
	}
	return pos.SaturatingSub(neg), false
}

// Eval returns the fee for weight w. A negative sum is clamped to zero.
func (p Polynomial) Eval(w types.Weight) types.Balance {
	fee, _ := p.eval(w)
	return fee
}

// Validate reports ErrConfigurationFault if the polynomial is negative for any
// weight in [0, maxWeight].
//
// For w >= 1 the negative terms are bounded by (sum of their coefficients) *
// w^(D-1), where D is the highest positive degree, so the sum is non-negative
// from w = ceil(negSum / lead) on. Every weight below that crossover is
// checked explicitly.
func (p Polynomial) Validate(maxWeight types.Weight) error {
	var lead Term
	leadFound := false
	for _, t := range p {
		if !t.Negative && (!leadFound || t.Degree > lead.Degree) {
			lead = t
			leadFound = true
		}
	}
	if !leadFound {
		return fmt.Errorf("%w: weight_to_fee has no positive term", config.ErrConfigurationFault)
	}

	var negSum uint256.Int
	for _, t := range p {
		if !t.Negative {
			continue
		}
		if t.Degree >= lead.Degree {
			return fmt.Errorf("%w: negative term of degree %d is not dominated", config.ErrConfigurationFault, t.Degree)
		}
		negSum.Add(&negSum, coeffPerbill(t))
	}

	crossover := new(uint256.Int).Div(&negSum, coeffPerbill(lead))
	crossover.AddUint64(crossover, 1)
	if !crossover.IsUint64() || crossover.Uint64() > maxUnderflowScan {
		return fmt.Errorf("%w: negative terms dominate up to weight %s", config.ErrConfigurationFault, crossover.Dec())
	}

	limit := types.MinWeight(types.Weight(crossover.Uint64()), maxWeight)
	for w := types.Weight(0); w <= limit; w++ {
		if _, underflow := p.eval(w); underflow {
			return fmt.Errorf("%w: weight_to_fee is negative at weight %d", config.ErrConfigurationFault, w)
		}
	}
	if _, underflow := p.eval(maxWeight); underflow {
		return fmt.Errorf("%w: weight_to_fee is negative at max block weight", config.ErrConfigurationFault)
	}
	return nil
}

// coeffPerbill returns the coefficient of t scaled by 10^9.
func coeffPerbill(t Term) *uint256.Int {
	c := new(uint256.Int).Mul(t.Integer.Uint256(), perbill)
	return c.AddUint64(c, uint64(t.Frac))
}
