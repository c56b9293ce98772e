package config

import (
	"errors"
	"fmt"
	"math/bits"
	"net"

	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// ErrConfigurationFault marks malformed runtime rules. It is fatal at startup
// and never a per-transaction condition.
var ErrConfigurationFault = errors.New("configuration fault")

// MaxPolynomialDegree bounds weight-to-fee term degrees.
const MaxPolynomialDegree = 4

// Validate checks node config for obvious operator mistakes.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Network != Mainnet && cfg.Network != Testnet {
		return fmt.Errorf("network must be %q or %q", Mainnet, Testnet)
	}
	if cfg.RPC.Port < 0 || cfg.RPC.Port > 65535 {
		return fmt.Errorf("rpc.port must be in range [0, 65535]")
	}
	for i, ip := range cfg.RPC.AllowedIPs {
		if net.ParseIP(ip) == nil {
			if _, _, err := net.ParseCIDR(ip); err != nil {
				return fmt.Errorf("rpc.allowed[%d]: %q is not an IP or CIDR", i, ip)
			}
		}
	}
	if cfg.Dev.BlockInterval < 0 {
		return fmt.Errorf("dev.blockinterval must not be negative")
	}
	if cfg.Dev.Author != "" {
		if _, err := types.ParseAddress(cfg.Dev.Author); err != nil {
			return fmt.Errorf("dev.author: %w", err)
		}
	}
	return nil
}

// ValidateProtocol checks runtime rules. Every failure wraps
// ErrConfigurationFault.
func ValidateProtocol(r *RuntimeRules) error {
	if r == nil {
		return fault("rules are nil")
	}

	// Currencies
	if r.Currency.NonNative.Contains(r.Currency.Native) {
		return fault("native currency %d listed as non-native", r.Currency.Native)
	}
	if r.Currency.Stable == r.Currency.Native {
		return fault("stable currency must differ from native")
	}
	if !r.Currency.NonNative.Contains(r.Currency.Stable) {
		return fault("stable currency %d not in approved non-native set", r.Currency.Stable)
	}

	// Fees
	if r.Fee.MaxBlockWeight == 0 {
		return fault("max_block_weight must be positive")
	}
	if r.Fee.BaseWeight > r.Fee.MaxBlockWeight {
		return fault("base_weight exceeds max_block_weight")
	}
	if r.Fee.Treasury.IsZero() {
		return fault("treasury account is required")
	}
	if err := validatePolynomial(r.Fee.WeightToFee); err != nil {
		return err
	}

	// Multiplier
	m := &r.Multiplier
	for name, q := range map[string]Ratio{
		"initial": m.Initial, "min": m.Min, "max": m.Max, "adjustment": m.Adjustment,
	} {
		if q.Den == 0 {
			return fault("multiplier.%s has zero denominator", name)
		}
	}
	if roundsToZero(m.Min) {
		return fault("multiplier.min must be at least 1/%d", uint64(MultiplierUnit))
	}
	if ratioLess(m.Max, m.Min) {
		return fault("multiplier.max below multiplier.min")
	}
	if ratioLess(m.Initial, m.Min) || ratioLess(m.Max, m.Initial) {
		return fault("multiplier.initial outside [min, max]")
	}
	if m.TargetFullness == 0 || m.TargetFullness >= Perbill {
		return fault("multiplier.target_fullness must be in (0, %d)", Perbill)
	}
	if roundsToZero(m.Adjustment) {
		return fault("multiplier.adjustment must be at least 1/%d", uint64(MultiplierUnit))
	}

	// Exchange
	if r.Exchange.FeeBps >= 10_000 {
		return fault("exchange.fee_bps must be below 10000")
	}

	// Precompiles
	if r.Precompile.WeightPerGas == 0 {
		return fault("precompile.weight_per_gas must be positive")
	}

	// Scheduler
	if r.Scheduler.MaxScheduledPerBlock == 0 {
		return fault("scheduler.max_scheduled_per_block must be positive")
	}

	return nil
}

// validatePolynomial rejects coefficient sets that can go negative for large
// weights. Underflow at the endpoints of the weight range is checked by the
// fee package, which owns evaluation.
func validatePolynomial(terms []PolynomialTerm) error {
	if len(terms) == 0 {
		return fault("weight_to_fee has no terms")
	}
	maxPositive := -1
	for i, t := range terms {
		if t.Degree > MaxPolynomialDegree {
			return fault("weight_to_fee[%d]: degree %d exceeds %d", i, t.Degree, MaxPolynomialDegree)
		}
		if t.CoeffFrac >= Perbill {
			return fault("weight_to_fee[%d]: coeff_frac must be below %d", i, Perbill)
		}
		if t.CoeffInteger.IsZero() && t.CoeffFrac == 0 {
			return fault("weight_to_fee[%d]: zero coefficient", i)
		}
		if !t.Negative && int(t.Degree) > maxPositive {
			maxPositive = int(t.Degree)
		}
	}
	if maxPositive < 0 {
		return fault("weight_to_fee has no positive term")
	}
	for i, t := range terms {
		if t.Negative && int(t.Degree) >= maxPositive {
			return fault("weight_to_fee[%d]: negative term of degree %d not dominated by a positive term", i, t.Degree)
		}
	}
	return nil
}

// roundsToZero reports whether q is zero at multiplier precision,
// i.e. q.Num*MultiplierUnit < q.Den.
func roundsToZero(q Ratio) bool {
	hi, lo := bits.Mul64(q.Num, MultiplierUnit)
	return hi == 0 && lo < q.Den
}

// ratioLess reports a < b without overflow.
func ratioLess(a, b Ratio) bool {
	// a.Num/a.Den < b.Num/b.Den  <=>  a.Num*b.Den < b.Num*a.Den
	ahi, alo := bits.Mul64(a.Num, b.Den)
	bhi, blo := bits.Mul64(b.Num, a.Den)
	if ahi != bhi {
		return ahi < bhi
	}
	return alo < blo
}

func fault(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfigurationFault, fmt.Sprintf(format, args...))
}
