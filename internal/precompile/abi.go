package precompile

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/Klingon-tech/klingnet-runtime/pkg/crypto"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// WordSize is the size of one ABI word.
const WordSize = 32

// SelectorSize is the size of the function selector prefixing call input.
const SelectorSize = 4

// maxBytesLen bounds dynamic byte arguments read from call input.
const maxBytesLen = 1 << 20

var errBadInput = errors.New("malformed input")

// Selector identifies a function of a precompile.
type Selector [SelectorSize]byte

// SelectorOf returns the selector of a function signature such as
// "transfer(address,uint256)".
func SelectorOf(signature string) Selector {
	return Selector(crypto.Selector(signature))
}

func (s Selector) String() string {
	return fmt.Sprintf("0x%x", s[:])
}

// splitInput separates the selector from the packed arguments.
func splitInput(input []byte) (Selector, []byte, error) {
	var sel Selector
	if len(input) < SelectorSize {
		return sel, nil, fmt.Errorf("%w: %d bytes, no selector", errBadInput, len(input))
	}
	copy(sel[:], input)
	return sel, input[SelectorSize:], nil
}

// args reads ABI words from packed call arguments.
type args []byte

func (a args) word(i int) ([]byte, error) {
	start := i * WordSize
	if i < 0 || start+WordSize > len(a) {
		return nil, fmt.Errorf("%w: argument %d missing", errBadInput, i)
	}
	return a[start : start+WordSize], nil
}

func (a args) uint(i int) (*uint256.Int, error) {
	w, err := a.word(i)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(w), nil
}

func (a args) uint64(i int) (uint64, error) {
	v, err := a.uint(i)
	if err != nil {
		return 0, err
	}
	if !v.IsUint64() {
		return 0, fmt.Errorf("%w: argument %d exceeds 64 bits", errBadInput, i)
	}
	return v.Uint64(), nil
}

func (a args) balance(i int) (types.Balance, error) {
	v, err := a.uint(i)
	if err != nil {
		return types.Balance{}, err
	}
	if v.BitLen() > types.BalanceBits {
		return types.Balance{}, fmt.Errorf("%w: argument %d exceeds balance range", errBadInput, i)
	}
	return types.BalanceFromUint256(v), nil
}

func (a args) address(i int) (types.Address, error) {
	w, err := a.word(i)
	if err != nil {
		return types.Address{}, err
	}
	for _, b := range w[:WordSize-types.AddressSize] {
		if b != 0 {
			return types.Address{}, fmt.Errorf("%w: argument %d is not an address", errBadInput, i)
		}
	}
	return types.BytesToAddress(w), nil
}

// bytes reads a dynamic bytes argument whose head sits in word i.
func (a args) bytes(i int) ([]byte, error) {
	off, err := a.uint64(i)
	if err != nil {
		return nil, err
	}
	if off%WordSize != 0 || off > uint64(len(a)) {
		return nil, fmt.Errorf("%w: argument %d bad offset %d", errBadInput, i, off)
	}
	rest := a[off:]
	n, err := rest.uint64(0)
	if err != nil {
		return nil, err
	}
	if n > maxBytesLen || WordSize+n > uint64(len(rest)) {
		return nil, fmt.Errorf("%w: argument %d bad length %d", errBadInput, i, n)
	}
	return append([]byte(nil), rest[WordSize:WordSize+n]...), nil
}

// --- Output packing ---

func packUint64(v uint64) []byte {
	w := make([]byte, WordSize)
	binary.BigEndian.PutUint64(w[WordSize-8:], v)
	return w
}

func packBalance(b types.Balance) []byte {
	w := b.Bytes32()
	return w[:]
}

func packAddress(a types.Address) []byte {
	w := make([]byte, WordSize)
	copy(w[WordSize-types.AddressSize:], a[:])
	return w
}

func packBool(v bool) []byte {
	if v {
		return packUint64(1)
	}
	return packUint64(0)
}

// packBytes encodes b as a length word followed by b padded to whole words.
// The length occupies bytes 28..32 of its word for any realistic size.
func packBytes(b []byte) []byte {
	padded := (len(b) + WordSize - 1) / WordSize * WordSize
	out := make([]byte, WordSize+padded)
	copy(out, packUint64(uint64(len(b))))
	copy(out[WordSize:], b)
	return out
}

// packString encodes s as a standalone dynamic return value: offset word,
// length word, padded data.
func packString(s string) []byte {
	return append(packUint64(WordSize), packBytes([]byte(s))...)
}

// UnpackBytes extracts a value encoded by packBytes.
func UnpackBytes(out []byte) ([]byte, error) {
	return args(append(packUint64(WordSize), out...)).bytes(0)
}

// PackArgs builds call input from a selector and arguments. Supported
// argument types are types.Address, types.Balance, uint64, uint32, bool,
// []byte and string; the last two are encoded as dynamic values.
func PackArgs(sel Selector, vals ...any) ([]byte, error) {
	head := make([]byte, 0, len(vals)*WordSize)
	var tail []byte
	for i, v := range vals {
		switch v := v.(type) {
		case types.Address:
			head = append(head, packAddress(v)...)
		case types.Balance:
			head = append(head, packBalance(v)...)
		case uint64:
			head = append(head, packUint64(v)...)
		case uint32:
			head = append(head, packUint64(uint64(v))...)
		case bool:
			head = append(head, packBool(v)...)
		case []byte:
			head = append(head, packUint64(uint64(len(vals)*WordSize+len(tail)))...)
			tail = append(tail, packBytes(v)...)
		case string:
			head = append(head, packUint64(uint64(len(vals)*WordSize+len(tail)))...)
			tail = append(tail, packBytes([]byte(v))...)
		default:
			return nil, fmt.Errorf("argument %d: unsupported type %T", i, v)
		}
	}
	out := make([]byte, 0, SelectorSize+len(head)+len(tail))
	out = append(out, sel[:]...)
	out = append(out, head...)
	return append(out, tail...), nil
}
