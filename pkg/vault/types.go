// Package vault implements the PLP collateral pool: a single multi-asset
// vault that mints the USDP accounting unit against deposited collateral,
// swaps between pooled assets with a composition-aware fee curve, and
// carries leveraged long/short positions against the same pool.
package vault

import (
	"fmt"
	"math/big"
	"time"
)

// Fixed-point bases. USD values carry 30 decimals, USDP carries 18,
// fees are integers over a 10,000 basis and funding rates over 1e6.
const (
	USDPDecimals         = 18
	BasisPointsDivisor   = 10000
	FundingRatePrecision = 1000000
)

// PricePrecision is the 1e30 base every UsdValue and UsdPrice is scaled by.
var PricePrecision = new(big.Int).Exp(big.NewInt(10), big.NewInt(30), nil)

var usdpScale = new(big.Int).Exp(big.NewInt(10), big.NewInt(PricePrecisionDecimals-USDPDecimals), nil)

const PricePrecisionDecimals = 30

// Errors
var (
	ErrAssetNotWhitelisted     = fmt.Errorf("asset not whitelisted")
	ErrInvalidAmount           = fmt.Errorf("invalid amount")
	ErrInvalidPrice            = fmt.Errorf("invalid price")
	ErrIdenticalAssets         = fmt.Errorf("assets must differ")
	ErrSwapsDisabled           = fmt.Errorf("swaps disabled")
	ErrLeverageDisabled        = fmt.Errorf("leverage disabled")
	ErrDebtCapExceeded         = fmt.Errorf("asset debt cap exceeded")
	ErrPoolBuffer              = fmt.Errorf("pool amount below buffer")
	ErrReserveExceedsPool      = fmt.Errorf("reserve exceeds pool amount")
	ErrInsufficientPool        = fmt.Errorf("insufficient pool amount")
	ErrInsufficientUSDP        = fmt.Errorf("insufficient usdp balance")
	ErrInsufficientCollateral  = fmt.Errorf("insufficient collateral")
	ErrInvalidPositionPair     = fmt.Errorf("invalid collateral/index pair")
	ErrPositionNotFound        = fmt.Errorf("position not found")
	ErrInvalidSizeDelta        = fmt.Errorf("size delta exceeds position size")
	ErrInvalidCollateralDelta  = fmt.Errorf("collateral delta exceeds collateral")
	ErrLeverageExceeded        = fmt.Errorf("max leverage exceeded")
	ErrSizeBelowCollateral     = fmt.Errorf("size must cover collateral")
	ErrLossesExceedCollateral  = fmt.Errorf("losses exceed collateral")
	ErrPositionNotLiquidatable = fmt.Errorf("position cannot be liquidated")
	ErrSlippage                = fmt.Errorf("output below accepted minimum")
	ErrCooldownActive          = fmt.Errorf("withdrawal cooldown active")
	ErrInsufficientPLP         = fmt.Errorf("insufficient plp balance")
)

// Side tags the direction of a leveraged position.
type Side int

const (
	Long Side = iota
	Short
)

func (s Side) String() string {
	if s == Long {
		return "LONG"
	}
	return "SHORT"
}

func sideOf(isLong bool) Side {
	if isLong {
		return Long
	}
	return Short
}

// Position is a leveraged exposure keyed by
// (account, collateral asset, index asset, side). Size and Collateral are
// USD values at 1e30, ReserveAmount is collateral-asset units set aside in
// the pool to guarantee the maximum payout.
type Position struct {
	Account           string
	CollateralAsset   string
	IndexAsset        string
	IsLong            bool
	Size              *big.Int
	Collateral        *big.Int
	AveragePrice      *big.Int
	EntryFundingRate  *big.Int
	ReserveAmount     *big.Int
	RealisedPnl       *big.Int // signed
	LastIncreasedTime time.Time
}

// PositionKey builds the map key for a position.
func PositionKey(account, collateralAsset, indexAsset string, isLong bool) string {
	return fmt.Sprintf("%s:%s:%s:%s", account, collateralAsset, indexAsset, sideOf(isLong))
}

// Leverage returns size/collateral scaled by BasisPointsDivisor
// (e.g. 10x leverage reports 100000). Zero collateral reports zero.
func (p *Position) Leverage() uint64 {
	if p.Collateral.Sign() == 0 {
		return 0
	}
	lev := new(big.Int).Mul(p.Size, big.NewInt(BasisPointsDivisor))
	lev.Div(lev, p.Collateral)
	return lev.Uint64()
}

func (p *Position) clone() *Position {
	c := *p
	c.Size = new(big.Int).Set(p.Size)
	c.Collateral = new(big.Int).Set(p.Collateral)
	c.AveragePrice = new(big.Int).Set(p.AveragePrice)
	c.EntryFundingRate = new(big.Int).Set(p.EntryFundingRate)
	c.ReserveAmount = new(big.Int).Set(p.ReserveAmount)
	c.RealisedPnl = new(big.Int).Set(p.RealisedPnl)
	return &c
}

// Helpers for big.Int math. All divisions floor, favouring the pool.

func mulDiv(a, b, c *big.Int) *big.Int {
	r := new(big.Int).Mul(a, b)
	return r.Div(r, c)
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}

// usdToUsdp converts a 1e30 USD value to 18-decimal USDP units.
func usdToUsdp(usd *big.Int) *big.Int {
	return new(big.Int).Div(usd, usdpScale)
}

// usdpToUsd converts 18-decimal USDP units to a 1e30 USD value.
func usdpToUsd(usdp *big.Int) *big.Int {
	return new(big.Int).Mul(usdp, usdpScale)
}
