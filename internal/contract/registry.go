// Package contract keeps the state-rent records of deployed contracts.
package contract

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/storage"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// ErrNotFound is returned for addresses without a contract record.
var ErrNotFound = errors.New("contract not found")

var prefixContract = []byte("k/") // k/<address(20)> -> Info JSON

// Info is the state-rent record of a contract.
type Info struct {
	Maintainer   types.Address `json:"maintainer"`
	CodeSize     uint32        `json:"code_size"`
	StorageBytes uint32        `json:"storage_bytes"`
	Deposit      types.Balance `json:"deposit"`            // Accumulated storage deposit
	Deadline     uint64        `json:"deadline,omitempty"` // Height the maintainer must act by, 0 if none
}

// Registry persists contract records.
type Registry struct {
	db    storage.DB
	rules config.StateRentRules
}

// NewRegistry creates a contract registry.
func NewRegistry(db storage.DB, rules config.StateRentRules) *Registry {
	return &Registry{db: db, rules: rules}
}

// Rules returns the state-rent constants.
func (r *Registry) Rules() config.StateRentRules {
	return r.rules
}

// DepositFor returns the storage deposit owed for a contract of the given
// size, including the fixed overhead of a new contract.
func (r *Registry) DepositFor(codeSize, storageBytes uint32) types.Balance {
	bytes := uint64(codeSize) + uint64(storageBytes) + uint64(r.rules.NewContractExtraBytes)
	return r.rules.StorageDepositPerByte.MulUint64(bytes)
}

// Register stores a new contract record, computing its deposit.
func (r *Registry) Register(addr types.Address, maintainer types.Address, codeSize, storageBytes uint32, deadline uint64) (*Info, error) {
	info := &Info{
		Maintainer:   maintainer,
		CodeSize:     codeSize,
		StorageBytes: storageBytes,
		Deposit:      r.DepositFor(codeSize, storageBytes),
		Deadline:     deadline,
	}
	if err := r.Put(addr, info); err != nil {
		return nil, err
	}
	return info, nil
}

// Put stores a contract record.
func (r *Registry) Put(addr types.Address, info *Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("contract marshal: %w", err)
	}
	return r.db.Put(contractKey(addr), data)
}

// Get returns the record of a contract.
func (r *Registry) Get(addr types.Address) (*Info, error) {
	data, err := r.db.Get(contractKey(addr))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("contract %s: %w", addr, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("contract get: %w", err)
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, fmt.Errorf("contract unmarshal: %w", err)
	}
	return &info, nil
}

// StorageDeposit returns the accumulated storage deposit of a contract.
func (r *Registry) StorageDeposit(addr types.Address) (types.Balance, error) {
	info, err := r.Get(addr)
	if err != nil {
		return types.Balance{}, err
	}
	return info.Deposit, nil
}

// Deadline returns the maintenance deadline of a contract.
func (r *Registry) Deadline(addr types.Address) (uint64, error) {
	info, err := r.Get(addr)
	if err != nil {
		return 0, err
	}
	return info.Deadline, nil
}

// MaintainerOf returns the maintainer of a contract.
func (r *Registry) MaintainerOf(addr types.Address) (types.Address, error) {
	info, err := r.Get(addr)
	if err != nil {
		return types.Address{}, err
	}
	return info.Maintainer, nil
}

// ForEach iterates over all contract records.
// Return a non-nil error from fn to stop iteration early.
func (r *Registry) ForEach(fn func(types.Address, *Info) error) error {
	return r.db.ForEach(prefixContract, func(key, value []byte) error {
		// Key layout: "k/" + address(20).
		if len(key) != len(prefixContract)+types.AddressSize {
			return nil // Malformed key, skip.
		}
		addr := types.BytesToAddress(key[len(prefixContract):])

		var info Info
		if err := json.Unmarshal(value, &info); err != nil {
			return nil // Skip corrupt entries.
		}
		return fn(addr, &info)
	})
}

func contractKey(addr types.Address) []byte {
	return append(append([]byte{}, prefixContract...), addr[:]...)
}
