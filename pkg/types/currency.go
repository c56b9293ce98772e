package types

import (
	"encoding/binary"
	"fmt"
)

// CurrencyID tags a currency known to the runtime. The set of valid ids is
// closed and fixed at genesis.
type CurrencyID uint32

// Bytes returns the 4-byte big-endian encoding.
func (c CurrencyID) Bytes() []byte {
	return binary.BigEndian.AppendUint32(nil, uint32(c))
}

// String returns a short debug form such as "currency(1)".
func (c CurrencyID) String() string {
	return fmt.Sprintf("currency(%d)", uint32(c))
}

// CurrencySet is an ordered list of currency ids without duplicates.
type CurrencySet []CurrencyID

// Contains reports whether id is a member of the set.
func (s CurrencySet) Contains(id CurrencyID) bool {
	for _, c := range s {
		if c == id {
			return true
		}
	}
	return false
}
