package tx

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/Klingon-tech/klingnet-runtime/pkg/crypto"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

const testChain = "klingnet-runtime-testnet-1"

func testAddr(b byte) types.Address {
	var a types.Address
	a[0] = b
	return a
}

func signedTx(t *testing.T) (*Transaction, *crypto.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("GenerateKey() error: %v", err)
	}
	b := NewBuilder(testChain).
		SetNonce(3).
		SetTip(types.NewBalance(5)).
		Call(testAddr(0x42), types.NewBalance(10), 21_000, []byte{0xa9, 0x05, 0x9c, 0xbb})
	if err := b.Sign(key); err != nil {
		t.Fatalf("Sign() error: %v", err)
	}
	return b.Build(), key
}

func TestTransaction_Hash_Deterministic(t *testing.T) {
	tx, _ := signedTx(t)
	if tx.Hash() != tx.Hash() {
		t.Error("Hash() should be deterministic")
	}
	if tx.Hash().IsZero() {
		t.Error("Hash() should not be zero")
	}
}

func TestTransaction_Hash_ChangesWithContent(t *testing.T) {
	tx, _ := signedTx(t)
	h := tx.Hash()

	mutations := []struct {
		name string
		fn   func(*Transaction)
	}{
		{"nonce", func(tx *Transaction) { tx.Nonce++ }},
		{"tip", func(tx *Transaction) { tx.Tip = types.NewBalance(6) }},
		{"to", func(tx *Transaction) { tx.To = testAddr(0x43) }},
		{"value", func(tx *Transaction) { tx.Value = types.NewBalance(11) }},
		{"currency", func(tx *Transaction) { tx.Currency = 1 }},
		{"gas limit", func(tx *Transaction) { tx.GasLimit++ }},
		{"data", func(tx *Transaction) { tx.Data = append(tx.Data, 0) }},
		{"chain", func(tx *Transaction) { tx.ChainID = "other" }},
	}
	for _, m := range mutations {
		t.Run(m.name, func(t *testing.T) {
			cp := *tx
			cp.Data = append([]byte(nil), tx.Data...)
			m.fn(&cp)
			if cp.Hash() == h {
				t.Errorf("changing %s should change the hash", m.name)
			}
		})
	}
}

func TestTransaction_Hash_IgnoresSignature(t *testing.T) {
	tx, _ := signedTx(t)
	h := tx.Hash()
	tx.Signature = []byte{1, 2, 3}
	if tx.Hash() != h {
		t.Error("signature should not affect the hash")
	}
}

func TestTransaction_SignVerify(t *testing.T) {
	tx, key := signedTx(t)
	if err := tx.VerifySignature(); err != nil {
		t.Fatalf("VerifySignature() error: %v", err)
	}
	if tx.Sender() != crypto.AddressFromPubKey(key.PublicKey()) {
		t.Fatal("Sender() does not match signing key")
	}

	tx.Nonce++
	if err := tx.VerifySignature(); !errors.Is(err, ErrInvalidSig) {
		t.Fatalf("tampered VerifySignature() error = %v, want ErrInvalidSig", err)
	}
}

func TestTransaction_EncodedLength(t *testing.T) {
	tx, _ := signedTx(t)
	want := uint32(len(tx.SigningBytes()) + 4 + crypto.SignatureSize)
	if got := tx.EncodedLength(); got != want {
		t.Fatalf("EncodedLength() = %d, want %d", got, want)
	}
	before := tx.EncodedLength()
	tx.Data = append(tx.Data, make([]byte, 100)...)
	if tx.EncodedLength() != before+100 {
		t.Fatal("EncodedLength should grow with data")
	}
}

func TestTransaction_JSONRoundTrip(t *testing.T) {
	tx, _ := signedTx(t)
	data, err := json.Marshal(tx)
	if err != nil {
		t.Fatalf("Marshal() error: %v", err)
	}
	if !strings.Contains(string(data), `"data":"a9059cbb"`) {
		t.Fatalf("data not hex encoded: %s", data)
	}

	var got Transaction
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("Unmarshal() error: %v", err)
	}
	if got.Hash() != tx.Hash() {
		t.Fatal("round trip changed the hash")
	}
	if err := got.VerifySignature(); err != nil {
		t.Fatalf("round trip VerifySignature() error: %v", err)
	}
}

func TestTransaction_UnmarshalBadHex(t *testing.T) {
	var tx Transaction
	if err := json.Unmarshal([]byte(`{"data":"zz"}`), &tx); err == nil {
		t.Fatal("expected error for bad hex")
	}
}

func TestTransaction_Validate(t *testing.T) {
	tests := []struct {
		name string
		fn   func(*Transaction)
		want error
	}{
		{"valid", func(*Transaction) {}, nil},
		{"version", func(tx *Transaction) { tx.Version = 2 }, ErrBadVersion},
		{"chain", func(tx *Transaction) { tx.ChainID = "klingnet-runtime-1" }, ErrWrongChain},
		{"no pubkey", func(tx *Transaction) { tx.PubKey = nil }, ErrMissingPubKey},
		{"bad pubkey", func(tx *Transaction) { tx.PubKey = []byte{1, 2, 3} }, ErrInvalidPubKey},
		{"no signature", func(tx *Transaction) { tx.Signature = nil }, ErrMissingSig},
		{"data too large", func(tx *Transaction) { tx.Data = make([]byte, MaxDataSize+1) }, ErrDataTooLarge},
		{"call without gas", func(tx *Transaction) { tx.GasLimit = 0 }, ErrNoGasLimit},
		{"transfer without gas", func(tx *Transaction) { tx.GasLimit = 0; tx.Data = nil }, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, _ := signedTx(t)
			tt.fn(tx)
			err := tx.Validate(testChain)
			if tt.want == nil {
				if err != nil {
					t.Fatalf("Validate() error: %v", err)
				}
				return
			}
			if !errors.Is(err, tt.want) {
				t.Fatalf("Validate() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestBuilder_Transfer(t *testing.T) {
	tx := NewBuilder(testChain).
		Call(testAddr(1), types.NewBalance(1), 100, []byte{1}).
		Transfer(testAddr(2), 1, types.NewBalance(50)).
		Build()
	if tx.IsCall() || tx.To != testAddr(2) || tx.Currency != 1 || tx.Value.Uint64() != 50 {
		t.Fatalf("transfer tx = %+v", tx)
	}
}
