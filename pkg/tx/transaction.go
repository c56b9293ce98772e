// Package tx defines the signed transaction envelope.
package tx

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"

	"github.com/Klingon-tech/klingnet-runtime/pkg/crypto"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Version is the current transaction format version.
const Version = 1

// Transaction is a signed call from one account. A transaction without Data
// to an ordinary account is a plain transfer of Value in Currency.
type Transaction struct {
	Version   uint32           `json:"version"`
	ChainID   string           `json:"chain_id"`
	Nonce     uint64           `json:"nonce"`
	Tip       types.Balance    `json:"tip"`
	To        types.Address    `json:"to"`
	Value     types.Balance    `json:"value"`
	Currency  types.CurrencyID `json:"currency"`
	GasLimit  uint64           `json:"gas_limit"`
	Data      []byte           `json:"data"`
	PubKey    []byte           `json:"pubkey"`
	Signature []byte           `json:"signature"`
}

// txJSON is the JSON representation of Transaction with hex-encoded byte fields.
type txJSON struct {
	Version   uint32           `json:"version"`
	ChainID   string           `json:"chain_id"`
	Nonce     uint64           `json:"nonce"`
	Tip       types.Balance    `json:"tip"`
	To        types.Address    `json:"to"`
	Value     types.Balance    `json:"value"`
	Currency  types.CurrencyID `json:"currency"`
	GasLimit  uint64           `json:"gas_limit"`
	Data      string           `json:"data,omitempty"`
	PubKey    string           `json:"pubkey,omitempty"`
	Signature string           `json:"signature,omitempty"`
}

// MarshalJSON encodes the transaction with hex-encoded byte fields.
func (tx Transaction) MarshalJSON() ([]byte, error) {
	return json.Marshal(txJSON{
		Version:   tx.Version,
		ChainID:   tx.ChainID,
		Nonce:     tx.Nonce,
		Tip:       tx.Tip,
		To:        tx.To,
		Value:     tx.Value,
		Currency:  tx.Currency,
		GasLimit:  tx.GasLimit,
		Data:      hex.EncodeToString(tx.Data),
		PubKey:    hex.EncodeToString(tx.PubKey),
		Signature: hex.EncodeToString(tx.Signature),
	})
}

// UnmarshalJSON decodes a transaction with hex-encoded byte fields.
func (tx *Transaction) UnmarshalJSON(data []byte) error {
	var j txJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return err
	}
	raw := make([][]byte, 3)
	for i, s := range []string{j.Data, j.PubKey, j.Signature} {
		if s == "" {
			continue
		}
		b, err := hex.DecodeString(s)
		if err != nil {
			return err
		}
		raw[i] = b
	}
	*tx = Transaction{
		Version:   j.Version,
		ChainID:   j.ChainID,
		Nonce:     j.Nonce,
		Tip:       j.Tip,
		To:        j.To,
		Value:     j.Value,
		Currency:  j.Currency,
		GasLimit:  j.GasLimit,
		Data:      raw[0],
		PubKey:    raw[1],
		Signature: raw[2],
	}
	return nil
}

// Hash computes the transaction ID (BLAKE3 hash of the signing data).
// The signature is excluded.
func (tx *Transaction) Hash() types.Hash {
	return crypto.Hash(tx.SigningBytes())
}

// SigningBytes returns the canonical byte representation used for signing.
// Format: version(4) | chain_id_len(4) + chain_id | nonce(8) | tip(16) | to(20) |
// value(16) | currency(4) | gas_limit(8) | data_len(4) + data | pubkey_len(4) + pubkey
func (tx *Transaction) SigningBytes() []byte {
	buf := make([]byte, 0, 96+len(tx.ChainID)+len(tx.Data)+len(tx.PubKey))

	buf = binary.LittleEndian.AppendUint32(buf, tx.Version)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.ChainID)))
	buf = append(buf, tx.ChainID...)
	buf = binary.LittleEndian.AppendUint64(buf, tx.Nonce)
	tip := tx.Tip.Bytes16()
	buf = append(buf, tip[:]...)
	buf = append(buf, tx.To[:]...)
	value := tx.Value.Bytes16()
	buf = append(buf, value[:]...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(tx.Currency))
	buf = binary.LittleEndian.AppendUint64(buf, tx.GasLimit)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.Data)))
	buf = append(buf, tx.Data...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(tx.PubKey)))
	buf = append(buf, tx.PubKey...)

	return buf
}

// EncodedLength is the length in bytes the transaction is charged for.
func (tx *Transaction) EncodedLength() uint32 {
	return uint32(len(tx.SigningBytes()) + 4 + len(tx.Signature))
}

// Sender returns the address of the signing key.
func (tx *Transaction) Sender() types.Address {
	return crypto.AddressFromPubKey(tx.PubKey)
}

// IsCall reports whether the transaction carries call data.
func (tx *Transaction) IsCall() bool {
	return len(tx.Data) > 0
}
