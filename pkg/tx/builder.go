package tx

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/pkg/crypto"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// Builder constructs transactions incrementally.
type Builder struct {
	tx *Transaction
}

// NewBuilder creates a new transaction builder for chainID.
func NewBuilder(chainID string) *Builder {
	return &Builder{
		tx: &Transaction{Version: Version, ChainID: chainID},
	}
}

// SetNonce sets the sender nonce.
func (b *Builder) SetNonce(nonce uint64) *Builder {
	b.tx.Nonce = nonce
	return b
}

// SetTip sets the tip paid to the block author.
func (b *Builder) SetTip(tip types.Balance) *Builder {
	b.tx.Tip = tip
	return b
}

// Transfer makes the transaction a plain transfer.
func (b *Builder) Transfer(to types.Address, currency types.CurrencyID, amount types.Balance) *Builder {
	b.tx.To = to
	b.tx.Currency = currency
	b.tx.Value = amount
	b.tx.Data = nil
	return b
}

// Call makes the transaction a contract call with native value.
func (b *Builder) Call(to types.Address, value types.Balance, gasLimit uint64, data []byte) *Builder {
	b.tx.To = to
	b.tx.Value = value
	b.tx.GasLimit = gasLimit
	b.tx.Data = data
	return b
}

// Sign sets the public key and signs the transaction.
func (b *Builder) Sign(key *crypto.PrivateKey) error {
	b.tx.PubKey = key.PublicKey()
	hash := b.tx.Hash()
	sig, err := key.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("sign tx: %w", err)
	}
	b.tx.Signature = sig
	return nil
}

// Build returns the constructed transaction.
// Does NOT validate; call tx.Validate() separately.
func (b *Builder) Build() *Transaction {
	return b.tx
}
