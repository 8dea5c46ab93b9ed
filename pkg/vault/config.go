package vault

import (
	"math/big"
	"time"
)

// VaultConfig holds the pool-wide parameters. All of these are set by the
// governance collaborator; the vault itself only reads them.
type VaultConfig struct {
	// Fees in basis points over BasisPointsDivisor.
	MintBurnFeeBps   uint64
	SwapFeeBps       uint64
	StableSwapFeeBps uint64
	TaxBps           uint64
	StableTaxBps     uint64
	MarginFeeBps     uint64

	// LiquidationFeeUsd is paid to the liquidating keeper, 1e30 USD.
	LiquidationFeeUsd *big.Int

	// Funding accrues lazily, at most once per FundingInterval, at
	// factor * reserved / pool per interval (over FundingRatePrecision).
	FundingInterval         time.Duration
	FundingRateFactor       uint64
	StableFundingRateFactor uint64

	// MaxLeverage is size/collateral scaled by BasisPointsDivisor
	// (500000 = 50x). MinProfitTime is the window after an increase during
	// which profits under the asset's MinProfitBps are zeroed.
	MaxLeverage   uint64
	MinProfitTime time.Duration

	SwapEnabled     bool
	LeverageEnabled bool
}

// DefaultVaultConfig returns the standard production parameters.
func DefaultVaultConfig() *VaultConfig {
	return &VaultConfig{
		MintBurnFeeBps:          30, // 0.3%
		SwapFeeBps:              30,
		StableSwapFeeBps:        4, // 0.04% between stables
		TaxBps:                  50,
		StableTaxBps:            20,
		MarginFeeBps:            10, // 0.1%
		LiquidationFeeUsd:       new(big.Int).Mul(big.NewInt(5), PricePrecision),
		FundingInterval:         time.Hour,
		FundingRateFactor:       600, // 0.06% per interval at full utilization
		StableFundingRateFactor: 600,
		MaxLeverage:             50 * BasisPointsDivisor,
		MinProfitTime:           0,
		SwapEnabled:             true,
		LeverageEnabled:         true,
	}
}

func (c *VaultConfig) clone() *VaultConfig {
	out := *c
	out.LiquidationFeeUsd = new(big.Int).Set(c.LiquidationFeeUsd)
	return &out
}

// AssetConfig describes a whitelisted asset. Weight is the relative target
// allocation used by the fee curve; MaxDebt caps the USDP debt attributable
// to the asset; BufferAmount is the pool floor enforced on every operation
// that pays assets out.
type AssetConfig struct {
	Symbol       string
	Decimals     uint8
	Weight       uint64
	MinProfitBps uint64
	MaxDebt      *big.Int // USDP units, 1e18
	BufferAmount *big.Int // asset units
	IsStable     bool
	IsShortable  bool
}

func (a *AssetConfig) clone() *AssetConfig {
	out := *a
	if a.MaxDebt != nil {
		out.MaxDebt = new(big.Int).Set(a.MaxDebt)
	}
	if a.BufferAmount != nil {
		out.BufferAmount = new(big.Int).Set(a.BufferAmount)
	}
	return &out
}
