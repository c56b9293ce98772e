package precompile

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/contract"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// State-rent selectors.
var (
	SelNewContractExtraBytes = SelectorOf("newContractExtraBytes()")
	SelStorageDepositPerByte = SelectorOf("storageDepositPerByte()")
	SelDeveloperDeposit      = SelectorOf("developerDeposit()")
	SelDeploymentFee         = SelectorOf("deploymentFee()")
	SelMaintainerOf          = SelectorOf("maintainerOf(address)")
	SelStorageDeposit        = SelectorOf("storageDeposit(address)")
	SelDeadline              = SelectorOf("deadline(address)")
)

// Contracts is the contract registry surface used for rent queries.
type Contracts interface {
	Rules() config.StateRentRules
	Get(addr types.Address) (*contract.Info, error)
}

// StateRent answers read-only storage deposit queries.
type StateRent struct {
	contracts Contracts
}

// NewStateRent creates the state-rent handler.
func NewStateRent(c Contracts) *StateRent {
	return &StateRent{contracts: c}
}

func (*StateRent) Kind() Kind { return KindStateRent }

func (*StateRent) Authorize(ctx *Context, _ types.Address, _ Selector, _ []byte) error {
	if !ctx.Value.IsZero() {
		return fmt.Errorf("%w: precompile does not accept value", ErrAccessDenied)
	}
	return nil
}

func (s *StateRent) Run(_ *Context, _ types.Address, sel Selector, in []byte) ([]byte, types.Weight, error) {
	rules := s.contracts.Rules()
	switch sel {
	case SelNewContractExtraBytes:
		return packUint64(uint64(rules.NewContractExtraBytes)), WeightRead, nil
	case SelStorageDepositPerByte:
		return packBalance(rules.StorageDepositPerByte), WeightRead, nil
	case SelDeveloperDeposit:
		return packBalance(rules.DeveloperDeposit), WeightRead, nil
	case SelDeploymentFee:
		return packBalance(rules.DeploymentFee), WeightRead, nil
	case SelMaintainerOf, SelStorageDeposit, SelDeadline:
	default:
		return nil, 0, fmt.Errorf("%w: %s", ErrUnknownSelector, sel)
	}

	addr, err := args(in).address(0)
	if err != nil {
		return nil, 0, err
	}
	info, err := s.contracts.Get(addr)
	if err != nil {
		return nil, WeightRead, err
	}
	switch sel {
	case SelMaintainerOf:
		return packAddress(info.Maintainer), WeightRead, nil
	case SelStorageDeposit:
		return packBalance(info.Deposit), WeightRead, nil
	default:
		return packUint64(info.Deadline), WeightRead, nil
	}
}
