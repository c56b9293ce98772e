// Package crypto provides hashing and signature primitives for the runtime.
package crypto

import (
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
	"github.com/zeebo/blake3"
	"golang.org/x/crypto/sha3"
)

// Hash computes a BLAKE3-256 hash of the input data.
func Hash(data []byte) types.Hash {
	return blake3.Sum256(data)
}

// HashConcat hashes the concatenation of the given byte slices.
func HashConcat(parts ...[]byte) types.Hash {
	h := blake3.New()
	for _, p := range parts {
		h.Write(p)
	}
	var out types.Hash
	copy(out[:], h.Sum(nil))
	return out
}

// AddressFromPubKey derives an address from a compressed public key.
// Address = BLAKE3(compressed_pubkey)[:20].
func AddressFromPubKey(pubKey []byte) types.Address {
	h := Hash(pubKey)
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// ModuleAddress derives the keyless account of a runtime module, such as the
// fee treasury or an exchange pool. Address = BLAKE3("modl/" || name)[:20].
func ModuleAddress(name string) types.Address {
	h := HashConcat([]byte("modl/"), []byte(name))
	var addr types.Address
	copy(addr[:], h[:types.AddressSize])
	return addr
}

// Keccak256 computes the legacy Keccak-256 digest used by the VM ABI.
func Keccak256(data ...[]byte) []byte {
	d := sha3.NewLegacyKeccak256()
	for _, b := range data {
		d.Write(b)
	}
	return d.Sum(nil)
}

// Selector returns the 4-byte ABI function selector for a signature such as
// "transfer(address,uint256)".
func Selector(signature string) [4]byte {
	var sel [4]byte
	copy(sel[:], Keccak256([]byte(signature)))
	return sel
}
