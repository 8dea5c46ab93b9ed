package vault

import (
	"math/big"
	"time"
)

// PoolLedger is the per-asset accounting record. The vault owns and mutates
// it exclusively; collaborators only read it through the snapshot getters.
//
// PoolAmount is the asset units the pool holds; FeeReserve is the protocol's
// claim on a slice of that pool (fee tokens stay in PoolAmount until
// WithdrawFees moves them out). ReservedAmount is earmarked against open
// leveraged exposure and can never exceed PoolAmount. Debt is the USDP
// (1e18) attributed to the asset, GuaranteedUsd the 1e30 sum of
// size-collateral for open longs.
type PoolLedger struct {
	PoolAmount     *big.Int
	ReservedAmount *big.Int
	Debt           *big.Int
	FeeReserve     *big.Int
	GuaranteedUsd  *big.Int

	CumulativeFundingRate *big.Int
	LastFundingTime       time.Time

	GlobalShortSize         *big.Int
	GlobalShortAveragePrice *big.Int
}

func newPoolLedger() *PoolLedger {
	return &PoolLedger{
		PoolAmount:              big.NewInt(0),
		ReservedAmount:          big.NewInt(0),
		Debt:                    big.NewInt(0),
		FeeReserve:              big.NewInt(0),
		GuaranteedUsd:           big.NewInt(0),
		CumulativeFundingRate:   big.NewInt(0),
		GlobalShortSize:         big.NewInt(0),
		GlobalShortAveragePrice: big.NewInt(0),
	}
}

func (l *PoolLedger) clone() *PoolLedger {
	c := &PoolLedger{
		PoolAmount:              new(big.Int).Set(l.PoolAmount),
		ReservedAmount:          new(big.Int).Set(l.ReservedAmount),
		Debt:                    new(big.Int).Set(l.Debt),
		FeeReserve:              new(big.Int).Set(l.FeeReserve),
		GuaranteedUsd:           new(big.Int).Set(l.GuaranteedUsd),
		CumulativeFundingRate:   new(big.Int).Set(l.CumulativeFundingRate),
		LastFundingTime:         l.LastFundingTime,
		GlobalShortSize:         new(big.Int).Set(l.GlobalShortSize),
		GlobalShortAveragePrice: new(big.Int).Set(l.GlobalShortAveragePrice),
	}
	return c
}

// increasePool adds asset units to the pool.
func (l *PoolLedger) increasePool(amount *big.Int) {
	l.PoolAmount.Add(l.PoolAmount, amount)
}

// decreasePool removes asset units from the pool, enforcing the reserve
// invariant and the configured buffer floor.
func (l *PoolLedger) decreasePool(amount, buffer *big.Int) error {
	next := new(big.Int).Sub(l.PoolAmount, amount)
	if next.Sign() < 0 {
		return ErrInsufficientPool
	}
	if buffer != nil && next.Cmp(buffer) < 0 {
		return ErrPoolBuffer
	}
	if l.ReservedAmount.Cmp(next) > 0 {
		return ErrReserveExceedsPool
	}
	l.PoolAmount = next
	return nil
}

// increaseReserved earmarks asset units against open exposure. The pool
// must always be able to pay out the maximum promised exposure.
func (l *PoolLedger) increaseReserved(amount *big.Int) error {
	next := new(big.Int).Add(l.ReservedAmount, amount)
	if next.Cmp(l.PoolAmount) > 0 {
		return ErrReserveExceedsPool
	}
	l.ReservedAmount = next
	return nil
}

func (l *PoolLedger) decreaseReserved(amount *big.Int) {
	l.ReservedAmount.Sub(l.ReservedAmount, amount)
	if l.ReservedAmount.Sign() < 0 {
		l.ReservedAmount.SetInt64(0)
	}
}

// increaseDebt attributes freshly minted USDP to the asset. A cap breach
// caused by this call is rejected; debt already over cap from price
// movement is tolerated and the delta applied.
func (l *PoolLedger) increaseDebt(amount, maxDebt *big.Int) error {
	next := new(big.Int).Add(l.Debt, amount)
	if maxDebt != nil && maxDebt.Sign() > 0 &&
		next.Cmp(maxDebt) > 0 && l.Debt.Cmp(maxDebt) <= 0 {
		return ErrDebtCapExceeded
	}
	l.Debt = next
	return nil
}

// decreaseDebt releases USDP debt, clamping at zero: redemptions may burn
// more than the asset's attributed debt after price drift.
func (l *PoolLedger) decreaseDebt(amount *big.Int) {
	l.Debt.Sub(l.Debt, amount)
	if l.Debt.Sign() < 0 {
		l.Debt.SetInt64(0)
	}
}

func (l *PoolLedger) increaseGuaranteed(usd *big.Int) {
	l.GuaranteedUsd.Add(l.GuaranteedUsd, usd)
}

func (l *PoolLedger) decreaseGuaranteed(usd *big.Int) {
	l.GuaranteedUsd.Sub(l.GuaranteedUsd, usd)
	if l.GuaranteedUsd.Sign() < 0 {
		l.GuaranteedUsd.SetInt64(0)
	}
}

// increaseGlobalShort re-weights the global average short entry price the
// same way a position's average price is re-weighted.
func (l *PoolLedger) increaseGlobalShort(sizeDelta, price *big.Int) {
	if l.GlobalShortSize.Sign() == 0 {
		l.GlobalShortAveragePrice = new(big.Int).Set(price)
	} else {
		weighted := new(big.Int).Mul(l.GlobalShortSize, l.GlobalShortAveragePrice)
		weighted.Add(weighted, new(big.Int).Mul(sizeDelta, price))
		total := new(big.Int).Add(l.GlobalShortSize, sizeDelta)
		l.GlobalShortAveragePrice = weighted.Div(weighted, total)
	}
	l.GlobalShortSize.Add(l.GlobalShortSize, sizeDelta)
}

func (l *PoolLedger) decreaseGlobalShort(sizeDelta *big.Int) {
	l.GlobalShortSize.Sub(l.GlobalShortSize, sizeDelta)
	if l.GlobalShortSize.Sign() <= 0 {
		l.GlobalShortSize.SetInt64(0)
		l.GlobalShortAveragePrice.SetInt64(0)
	}
}
