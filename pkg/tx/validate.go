package tx

import (
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/pkg/crypto"
)

// MaxDataSize bounds the call data of a transaction.
const MaxDataSize = 128 * 1024

// Validation errors.
var (
	ErrBadVersion    = errors.New("unsupported transaction version")
	ErrWrongChain    = errors.New("transaction for another chain")
	ErrMissingPubKey = errors.New("missing public key")
	ErrInvalidPubKey = errors.New("invalid public key")
	ErrMissingSig    = errors.New("missing signature")
	ErrInvalidSig    = errors.New("invalid signature")
	ErrDataTooLarge  = errors.New("call data too large")
	ErrNoGasLimit    = errors.New("call without gas limit")
)

// Validate checks transaction structure for chainID. It does not check the
// signature or any account state.
func (tx *Transaction) Validate(chainID string) error {
	if tx.Version != Version {
		return fmt.Errorf("%w: %d", ErrBadVersion, tx.Version)
	}
	if tx.ChainID != chainID {
		return fmt.Errorf("%w: %q", ErrWrongChain, tx.ChainID)
	}
	if len(tx.PubKey) == 0 {
		return ErrMissingPubKey
	}
	if !crypto.ValidPublicKey(tx.PubKey) {
		return ErrInvalidPubKey
	}
	if len(tx.Signature) == 0 {
		return ErrMissingSig
	}
	if len(tx.Data) > MaxDataSize {
		return fmt.Errorf("%w: %d bytes, max %d", ErrDataTooLarge, len(tx.Data), MaxDataSize)
	}
	if tx.IsCall() && tx.GasLimit == 0 {
		return ErrNoGasLimit
	}
	return nil
}

// VerifySignature checks the signature against the embedded public key.
func (tx *Transaction) VerifySignature() error {
	hash := tx.Hash()
	if !crypto.VerifySignature(hash[:], tx.Signature, tx.PubKey) {
		return ErrInvalidSig
	}
	return nil
}
