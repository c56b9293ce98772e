package runtime

import (
	"fmt"

	"github.com/Klingon-tech/klingnet-runtime/config"
	"github.com/Klingon-tech/klingnet-runtime/internal/exchange"
	"github.com/Klingon-tech/klingnet-runtime/internal/fee"
	"github.com/Klingon-tech/klingnet-runtime/internal/ledger"
)

// applyGenesis writes the genesis state into the ledger journal. The caller
// commits.
func (r *Runtime) applyGenesis(g *config.Genesis) error {
	for _, c := range g.Currencies {
		err := r.ledger.SetCurrency(ledger.Currency{
			ID:       c.ID,
			Name:     c.Name,
			Symbol:   c.Symbol,
			Decimals: c.Decimals,
		})
		if err != nil {
			return err
		}
	}

	for i, a := range g.Alloc {
		if err := r.ledger.Mint(a.Address, a.Currency, a.Amount); err != nil {
			return fmt.Errorf("alloc[%d]: %w", i, err)
		}
	}

	// Pool reserves are held by the pair account.
	for i, p := range g.Pools {
		acct := exchange.NewPair(p.Base, p.Quote).Account()
		if err := r.ledger.Mint(acct, p.Base, p.BaseReserve); err != nil {
			return fmt.Errorf("pools[%d]: %w", i, err)
		}
		if err := r.ledger.Mint(acct, p.Quote, p.QuoteReserve); err != nil {
			return fmt.Errorf("pools[%d]: %w", i, err)
		}
	}

	for i, c := range g.Contracts {
		if _, err := r.contracts.Register(c.Address, c.Maintainer, c.CodeSize, c.StorageBytes, c.Deadline); err != nil {
			return fmt.Errorf("contracts[%d]: %w", i, err)
		}
	}

	return fee.SaveMultiplier(r.feeState, r.control.Initial())
}
