package vault

import (
	"math/big"
	"time"
)

// Event is a state-change notification emitted after a successful
// operation commits. Topic names the event family; payloads are
// JSON-serializable so they can go straight onto the wire.
type Event interface {
	Topic() string
}

// Publisher receives committed events. Implementations must not block;
// the vault calls Publish while holding its lock.
type Publisher interface {
	Publish(e Event)
}

// MintEvent is emitted when collateral is deposited for USDP.
type MintEvent struct {
	Asset      string    `json:"asset"`
	Payer      string    `json:"payer"`
	AmountIn   *big.Int  `json:"amountIn"`
	USDPMinted *big.Int  `json:"usdpMinted"`
	FeeBps     uint64    `json:"feeBps"`
	FeeTokens  *big.Int  `json:"feeTokens"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *MintEvent) Topic() string { return "mint" }

// RedeemEvent is emitted when USDP is burned for collateral.
type RedeemEvent struct {
	Asset      string    `json:"asset"`
	Account    string    `json:"account"`
	USDPBurned *big.Int  `json:"usdpBurned"`
	AmountOut  *big.Int  `json:"amountOut"`
	FeeBps     uint64    `json:"feeBps"`
	FeeTokens  *big.Int  `json:"feeTokens"`
	Timestamp  time.Time `json:"timestamp"`
}

func (e *RedeemEvent) Topic() string { return "redeem" }

// SwapEvent is emitted on an asset-to-asset swap. ValueUsd is the USD
// notional that moved between the pools, PriceOut the output asset price
// the swap executed at.
type SwapEvent struct {
	AssetIn   string    `json:"assetIn"`
	AssetOut  string    `json:"assetOut"`
	Receiver  string    `json:"receiver"`
	AmountIn  *big.Int  `json:"amountIn"`
	AmountOut *big.Int  `json:"amountOut"`
	ValueUsd  *big.Int  `json:"valueUsd"`
	PriceOut  *big.Int  `json:"priceOut"`
	FeeBpsIn  uint64    `json:"feeBpsIn"`
	FeeBpsOut uint64    `json:"feeBpsOut"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *SwapEvent) Topic() string { return "swap" }

// FundingEvent is emitted when an asset's cumulative funding rate advances.
type FundingEvent struct {
	Asset                 string    `json:"asset"`
	RateDelta             *big.Int  `json:"rateDelta"`
	CumulativeFundingRate *big.Int  `json:"cumulativeFundingRate"`
	Timestamp             time.Time `json:"timestamp"`
}

func (e *FundingEvent) Topic() string { return "funding" }

// PositionEvent covers increase, decrease, and liquidate. Type
// distinguishes them; Receiver is the payout target for decreases and the
// keeper for liquidations.
type PositionEvent struct {
	Type            string    `json:"type"`
	Account         string    `json:"account"`
	CollateralAsset string    `json:"collateralAsset"`
	IndexAsset      string    `json:"indexAsset"`
	Side            Side      `json:"side"`
	SizeDelta       *big.Int  `json:"sizeDelta"`
	CollateralDelta *big.Int  `json:"collateralDelta,omitempty"`
	Price           *big.Int  `json:"price"`
	FeeUsd          *big.Int  `json:"feeUsd"`
	Size            *big.Int  `json:"size"`
	Receiver        string    `json:"receiver,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

func (e *PositionEvent) Topic() string { return "position" }

// LiquidityEvent is emitted by the LP manager on add and remove.
type LiquidityEvent struct {
	Type      string    `json:"type"`
	Account   string    `json:"account"`
	Asset     string    `json:"asset"`
	AmountIn  *big.Int  `json:"amountIn,omitempty"`
	AmountOut *big.Int  `json:"amountOut,omitempty"`
	USDPValue *big.Int  `json:"usdpValue"`
	PLPDelta  *big.Int  `json:"plpDelta"`
	Aum       *big.Int  `json:"aum"`
	Timestamp time.Time `json:"timestamp"`
}

func (e *LiquidityEvent) Topic() string { return "liquidity" }
