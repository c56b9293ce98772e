// Package fee computes inclusion fees and the congestion multiplier.
package fee

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Pays says whether a dispatch pays the inclusion fee.
type Pays uint8

const (
	PaysYes Pays = iota
	PaysNo       // Only the tip is charged
)

// DispatchInfo is the pre-execution cost declaration of a call.
type DispatchInfo struct {
	Weight  types.Weight `json:"weight"`
	PaysFee Pays         `json:"pays_fee"`
}

// Details breaks a fee into its parts. BaseFee, LenFee and WeightFee are
// unscaled; InclusionFee is their sum scaled by the multiplier.
type Details struct {
	BaseFee      types.Balance `json:"base_fee"`
	LenFee       types.Balance `json:"len_fee"`
	WeightFee    types.Balance `json:"weight_fee"`
	InclusionFee types.Balance `json:"inclusion_fee"`
	Tip          types.Balance `json:"tip"`
}

// Total returns the inclusion fee plus tip.
func (d Details) Total() types.Balance {
	return d.InclusionFee.Add(d.Tip)
}

// Calculator computes fees. All arithmetic saturates.
type Calculator struct {
	byteFee    types.Balance
	baseWeight types.Weight
	poly       Polynomial
	logger     zerolog.Logger

	underflowOnce sync.Once
}

// NewCalculator builds a calculator from the fee rules. It returns an error
// wrapping config.ErrConfigurationFault when the polynomial can go negative.
func NewCalculator(rules config.FeeRules, logger zerolog.Logger) (*Calculator, error) {
	poly := PolynomialFromConfig(rules.WeightToFee)
	if err := poly.Validate(rules.MaxBlockWeight); err != nil {
		return nil, err
	}
	return &Calculator{
		byteFee:    rules.ByteFee,
		baseWeight: rules.BaseWeight,
		poly:       poly,
		logger:     logger,
	}, nil
}

// BaseWeight returns the configured per-transaction base weight.
func (c *Calculator) BaseWeight() types.Weight {
	return c.baseWeight
}

// WeightToFee evaluates the fee polynomial at w.
func (c *Calculator) WeightToFee(w types.Weight) types.Balance {
	fee, underflow := c.poly.eval(w)
	if underflow {
		// Validate rejects such polynomials, so this is a misconfiguration.
		c.underflowOnce.Do(func() {
			c.logger.Error().Uint64("weight", uint64(w)).Msg("Fee polynomial underflow clamped to zero")
		})
	}
	return fee
}

// LengthFee returns the fee for length encoded bytes.
func (c *Calculator) LengthFee(length uint32) types.Balance {
	return c.byteFee.MulUint64(uint64(length))
}

// ComputeFee returns
//
//	(WeightToFee(baseWeight) + byteFee*length + WeightToFee(weight)) * multiplier + tip
func (c *Calculator) ComputeFee(length uint32, weight types.Weight, tip types.Balance, m Multiplier, baseWeight types.Weight) types.Balance {
	return c.details(length, weight, tip, m, baseWeight).Total()
}

// Compute returns the fee of a dispatch using the configured base weight.
// Dispatches that do not pay fees are charged the tip alone.
func (c *Calculator) Compute(info DispatchInfo, length uint32, tip types.Balance, m Multiplier) types.Balance {
	return c.Details(info, length, tip, m).Total()
}

// Details returns the fee of a dispatch broken into its parts.
func (c *Calculator) Details(info DispatchInfo, length uint32, tip types.Balance, m Multiplier) Details {
	if info.PaysFee == PaysNo {
		return Details{Tip: tip}
	}
	return c.details(length, info.Weight, tip, m, c.baseWeight)
}

func (c *Calculator) details(length uint32, weight types.Weight, tip types.Balance, m Multiplier, baseWeight types.Weight) Details {
	d := Details{
		BaseFee:   c.WeightToFee(baseWeight),
		LenFee:    c.LengthFee(length),
		WeightFee: c.WeightToFee(weight),
		Tip:       tip,
	}
	d.InclusionFee = m.Apply(d.BaseFee.Add(d.LenFee).Add(d.WeightFee))
	return d
}

// String implements fmt.Stringer for log output.
func (d Details) String() string {
	return fmt.Sprintf("base=%s len=%s weight=%s inclusion=%s tip=%s", d.BaseFee, d.LenFee, d.WeightFee, d.InclusionFee, d.Tip)
}
