package types

import "math"

// Weight is an abstract execution cost unit. It is not wall-clock time.
type Weight uint64

// SaturatingAdd returns w + o, saturating at math.MaxUint64.
func (w Weight) SaturatingAdd(o Weight) Weight {
	if w > math.MaxUint64-o {
		return math.MaxUint64
	}
	return w + o
}

// SaturatingSub returns w - o, or zero when o > w.
func (w Weight) SaturatingSub(o Weight) Weight {
	if o > w {
		return 0
	}
	return w - o
}

// MinWeight returns the smaller of a and b.
func MinWeight(a, b Weight) Weight {
	if a < b {
		return a
	}
	return b
}
