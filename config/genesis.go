package config

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"

	"github.com/Klingon-tech/klingnet-runtime/pkg/crypto"
	"github.com/Klingon-tech/klingnet-runtime/pkg/types"
)

// =============================================================================
// Runtime Rules (immutable, defined in genesis)
// These MUST match across all nodes or consensus breaks.
// =============================================================================

// Denomination constants.
// 1 coin = 10^12 base units. All on-chain values are in base units.
const (
	Decimals  = 12
	Coin      = 1_000_000_000_000 // 10^12 base units per coin
	MilliCoin = 1_000_000_000     // 10^9
	MicroCoin = 1_000_000         // 10^6
)

// Perbill is the denominator of parts-per-billion fractions.
const Perbill = 1_000_000_000

// MultiplierUnit is the fixed-point denominator of the fee multiplier (10^18).
// Ratios smaller than 1/MultiplierUnit round to zero.
const MultiplierUnit = 1_000_000_000_000_000_000

// Well-known currency ids.
const (
	CurrencyKGX  types.CurrencyID = 0 // Native fee currency
	CurrencyKUSD types.CurrencyID = 1 // Stable currency for fee top-ups
)

// Genesis holds the genesis state and runtime rules.
// This is immutable after chain launch - changes require a hard fork.
type Genesis struct {
	// Chain identity
	ChainID   string `json:"chain_id"`
	ChainName string `json:"chain_name"`
	Timestamp uint64 `json:"timestamp"`
	ExtraData string `json:"extra_data,omitempty"`

	// Currency table
	Currencies []CurrencyConfig `json:"currencies"`

	// Initial balances
	Alloc []AllocEntry `json:"alloc"`

	// Exchange pools seeded at genesis
	Pools []PoolConfig `json:"pools,omitempty"`

	// Contracts registered at genesis (state-rent accounting)
	Contracts []ContractConfig `json:"contracts,omitempty"`

	// Runtime rules
	Rules RuntimeRules `json:"rules"`
}

// CurrencyConfig describes one entry of the currency table.
type CurrencyConfig struct {
	ID       types.CurrencyID `json:"id"`
	Name     string           `json:"name"`
	Symbol   string           `json:"symbol"`
	Decimals uint8            `json:"decimals"`
}

// AllocEntry is an initial free balance.
type AllocEntry struct {
	Address  types.Address    `json:"address"`
	Currency types.CurrencyID `json:"currency"`
	Amount   types.Balance    `json:"amount"`
}

// PoolConfig seeds a constant-product pool. Reserves are minted into the
// pool account.
type PoolConfig struct {
	Base         types.CurrencyID `json:"base"`
	Quote        types.CurrencyID `json:"quote"`
	BaseReserve  types.Balance    `json:"base_reserve"`
	QuoteReserve types.Balance    `json:"quote_reserve"`
}

// ContractConfig registers a contract for state-rent accounting.
type ContractConfig struct {
	Address      types.Address `json:"address"`
	Maintainer   types.Address `json:"maintainer"`
	CodeSize     uint32        `json:"code_size"`
	StorageBytes uint32        `json:"storage_bytes"`
	Deadline     uint64        `json:"deadline,omitempty"`
}

// RuntimeRules holds consensus-critical fee and dispatch rules.
// All nodes MUST agree on these values.
type RuntimeRules struct {
	Currency   CurrencyRules   `json:"currency"`
	Fee        FeeRules        `json:"fee"`
	Multiplier MultiplierRules `json:"multiplier"`
	Exchange   ExchangeRules   `json:"exchange"`
	Precompile PrecompileRules `json:"precompile"`
	StateRent  StateRentRules  `json:"state_rent"`
	Scheduler  SchedulerRules  `json:"scheduler"`
}

// CurrencyRules selects the fee currencies.
type CurrencyRules struct {
	Native types.CurrencyID `json:"native"`
	Stable types.CurrencyID `json:"stable"`

	// Approved non-native currencies. Never contains Native.
	NonNative types.CurrencySet `json:"non_native"`
}

// FeeRules defines how inclusion fees are computed.
type FeeRules struct {
	ByteFee        types.Balance    `json:"byte_fee"`         // Per encoded byte
	BaseWeight     types.Weight     `json:"base_weight"`      // Charged on every transaction
	MaxBlockWeight types.Weight     `json:"max_block_weight"` // Fullness denominator
	WeightToFee    []PolynomialTerm `json:"weight_to_fee"`
	Treasury       types.Address    `json:"treasury"` // Receives fee minus tip
}

// PolynomialTerm is one term of the weight-to-fee polynomial:
// (CoeffInteger + CoeffFrac/Perbill) * weight^Degree, subtracted when Negative.
type PolynomialTerm struct {
	Degree       uint8         `json:"degree"`
	CoeffInteger types.Balance `json:"coeff_integer"`
	CoeffFrac    uint32        `json:"coeff_frac"`
	Negative     bool          `json:"negative,omitempty"`
}

// Ratio is a non-negative rational number.
type Ratio struct {
	Num uint64 `json:"num"`
	Den uint64 `json:"den"`
}

// MultiplierRules bounds the congestion fee multiplier.
type MultiplierRules struct {
	Initial Ratio `json:"initial"`
	Min     Ratio `json:"min"`
	Max     Ratio `json:"max"`

	// Target block fullness in parts per billion.
	TargetFullness uint32 `json:"target_fullness"`

	// Adjustment variable v of the targeted fee update.
	Adjustment Ratio `json:"adjustment"`
}

// ExchangeRules configures the constant-product pools.
type ExchangeRules struct {
	FeeBps uint32 `json:"fee_bps"` // Trading fee in basis points
}

// PrecompileRules configures the native-call bridge.
type PrecompileRules struct {
	WeightPerGas uint64 `json:"weight_per_gas"` // Native weight units per VM gas unit
	MinimumGas   uint64 `json:"minimum_gas"`    // Charged on access denial

	// Callers allowed to schedule calls. Empty = any caller.
	ScheduleAllowList []types.Address `json:"schedule_allow_list,omitempty"`
}

// StateRentRules holds the storage deposit constants.
type StateRentRules struct {
	NewContractExtraBytes uint32        `json:"new_contract_extra_bytes"`
	StorageDepositPerByte types.Balance `json:"storage_deposit_per_byte"`
	DeveloperDeposit      types.Balance `json:"developer_deposit"`
	DeploymentFee         types.Balance `json:"deployment_fee"`
}

// SchedulerRules limits deferred calls.
type SchedulerRules struct {
	MaxScheduledPerBlock uint32 `json:"max_scheduled_per_block"`
	MaxDelay             uint64 `json:"max_delay"` // Blocks
}

// =============================================================================
// Testnet Identity
//
// Well-known development key (DO NOT use on mainnet).
// =============================================================================

const (
	// TestnetDevPubKey is the compressed public key (hex) of the dev account.
	TestnetDevPubKey = "030bef68f8657df88098a0546da1712c88b459788bea1a6bbe964004166a25144f"

	// TestnetDevPrivKey is the private key (hex) of the dev account.
	TestnetDevPrivKey = "1f0717e6e34acc6721021f4dfed54558ec8452452b6195545d06dd348b220091"
)

// TestnetDevAddress returns the address of the well-known dev account.
func TestnetDevAddress() types.Address {
	pub, _ := hex.DecodeString(TestnetDevPubKey)
	return crypto.AddressFromPubKey(pub)
}

// =============================================================================
// Pre-defined genesis configurations
// =============================================================================

// MainnetGenesis returns the mainnet genesis configuration.
func MainnetGenesis() *Genesis {
	return &Genesis{
		ChainID:   "klingnet-runtime-1",
		ChainName: "Klingnet Runtime",
		Timestamp: 1770734103, // 2026-02-10
		ExtraData: "Klingnet Runtime Genesis",
		Currencies: []CurrencyConfig{
			{ID: CurrencyKGX, Name: "Klingnet", Symbol: "KGX", Decimals: Decimals},
			{ID: CurrencyKUSD, Name: "Klingnet Dollar", Symbol: "KUSD", Decimals: Decimals},
		},
		Alloc: []AllocEntry{},
		Rules: RuntimeRules{
			Currency: CurrencyRules{
				Native:    CurrencyKGX,
				Stable:    CurrencyKUSD,
				NonNative: types.CurrencySet{CurrencyKUSD},
			},
			Fee: FeeRules{
				ByteFee:        types.NewBalance(10 * MicroCoin),
				BaseWeight:     125_000_000,
				MaxBlockWeight: 2_000_000_000_000,
				WeightToFee: []PolynomialTerm{
					{Degree: 1, CoeffFrac: Perbill / 100}, // 0.01 base units per weight
				},
				Treasury: crypto.ModuleAddress("treasury"),
			},
			Multiplier: MultiplierRules{
				Initial:        Ratio{Num: 1, Den: 1},
				Min:            Ratio{Num: 1, Den: 1_000_000_000},
				Max:            Ratio{Num: 100_000, Den: 1},
				TargetFullness: Perbill / 4, // 25%
				Adjustment:     Ratio{Num: 3, Den: 100_000},
			},
			Exchange: ExchangeRules{
				FeeBps: 30, // 0.3%
			},
			Precompile: PrecompileRules{
				WeightPerGas: 1,
				MinimumGas:   2_100,
			},
			StateRent: StateRentRules{
				NewContractExtraBytes: 10_000,
				StorageDepositPerByte: types.NewBalance(100 * MicroCoin),
				DeveloperDeposit:      types.NewBalance(1_000 * Coin),
				DeploymentFee:         types.NewBalance(10_000 * Coin),
			},
			Scheduler: SchedulerRules{
				MaxScheduledPerBlock: 50,
				MaxDelay:             100_800, // ~3.5 days at 3s blocks
			},
		},
	}
}

// TestnetGenesis returns the testnet genesis configuration.
// Fee constants are small round numbers so amounts can be checked by hand.
func TestnetGenesis() *Genesis {
	g := MainnetGenesis()
	g.ChainID = "klingnet-runtime-testnet-1"
	g.ChainName = "Klingnet Runtime Testnet"
	g.ExtraData = "Klingnet Runtime Testnet Genesis"

	g.Rules.Fee.ByteFee = types.NewBalance(2)
	g.Rules.Fee.BaseWeight = 0
	g.Rules.Fee.WeightToFee = []PolynomialTerm{
		{Degree: 1, CoeffInteger: types.NewBalance(1)},
	}
	g.Rules.Precompile.MinimumGas = 100
	g.Rules.StateRent = StateRentRules{
		NewContractExtraBytes: 100,
		StorageDepositPerByte: types.NewBalance(10),
		DeveloperDeposit:      types.NewBalance(1_000),
		DeploymentFee:         types.NewBalance(200),
	}

	dev := TestnetDevAddress()
	g.Alloc = []AllocEntry{
		{Address: dev, Currency: CurrencyKGX, Amount: types.NewBalance(200_000 * Coin)},
		{Address: dev, Currency: CurrencyKUSD, Amount: types.NewBalance(200_000 * Coin)},
	}
	g.Pools = []PoolConfig{
		{
			Base:         CurrencyKUSD,
			Quote:        CurrencyKGX,
			BaseReserve:  types.NewBalance(1_000_000 * Coin),
			QuoteReserve: types.NewBalance(1_000_000 * Coin),
		},
	}
	return g
}

// GenesisFor returns the genesis config for the given network.
func GenesisFor(network NetworkType) *Genesis {
	switch network {
	case Testnet:
		return TestnetGenesis()
	default:
		return MainnetGenesis()
	}
}

// =============================================================================
// Genesis file I/O
// =============================================================================

// LoadGenesis loads genesis configuration from a file.
func LoadGenesis(path string) (*Genesis, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading genesis file: %w", err)
	}

	var g Genesis
	if err := json.Unmarshal(data, &g); err != nil {
		return nil, fmt.Errorf("parsing genesis file: %w", err)
	}

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid genesis: %w", err)
	}

	return &g, nil
}

// Save writes the genesis configuration to a file.
func (g *Genesis) Save(path string) error {
	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding genesis: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing genesis file: %w", err)
	}

	return nil
}

// Currency returns the currency table entry for id.
func (g *Genesis) Currency(id types.CurrencyID) (CurrencyConfig, bool) {
	for _, c := range g.Currencies {
		if c.ID == id {
			return c, true
		}
	}
	return CurrencyConfig{}, false
}

// Validate checks that the genesis configuration is valid.
func (g *Genesis) Validate() error {
	if g.ChainID == "" {
		return fmt.Errorf("chain_id is required")
	}

	seen := make(map[types.CurrencyID]struct{}, len(g.Currencies))
	for _, c := range g.Currencies {
		if _, dup := seen[c.ID]; dup {
			return fmt.Errorf("duplicate currency id %d", c.ID)
		}
		if c.Symbol == "" {
			return fmt.Errorf("currency %d: symbol is required", c.ID)
		}
		seen[c.ID] = struct{}{}
	}

	known := func(id types.CurrencyID) bool {
		_, ok := seen[id]
		return ok
	}

	rules := &g.Rules
	if !known(rules.Currency.Native) {
		return fmt.Errorf("native currency %d not in currency table", rules.Currency.Native)
	}
	for _, id := range rules.Currency.NonNative {
		if !known(id) {
			return fmt.Errorf("non-native currency %d not in currency table", id)
		}
	}

	for i, a := range g.Alloc {
		if !known(a.Currency) {
			return fmt.Errorf("alloc[%d]: unknown currency %d", i, a.Currency)
		}
		if a.Address.IsZero() {
			return fmt.Errorf("alloc[%d]: zero address", i)
		}
	}

	for i, p := range g.Pools {
		if !known(p.Base) || !known(p.Quote) {
			return fmt.Errorf("pools[%d]: unknown currency", i)
		}
		if p.Base == p.Quote {
			return fmt.Errorf("pools[%d]: base and quote must differ", i)
		}
		if p.BaseReserve.IsZero() || p.QuoteReserve.IsZero() {
			return fmt.Errorf("pools[%d]: reserves must be positive", i)
		}
	}

	for i, c := range g.Contracts {
		if c.Address.IsZero() {
			return fmt.Errorf("contracts[%d]: zero address", i)
		}
	}

	return ValidateProtocol(rules)
}

// Hash returns a BLAKE3 hash of the genesis configuration.
// Used to identify the chain and detect genesis mismatches.
func (g *Genesis) Hash() (types.Hash, error) {
	data, err := json.Marshal(g)
	if err != nil {
		return types.Hash{}, err
	}
	return crypto.Hash(data), nil
}
