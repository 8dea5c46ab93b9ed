package vault

import (
	"math/big"
)

// Liquidation states returned by ValidateLiquidation.
const (
	LiquidationNone        = 0 // position is healthy
	LiquidationInsolvent   = 1 // losses or fees exhaust the collateral
	LiquidationMaxLeverage = 2 // solvent but beyond max leverage
)

// IncreasePosition opens or grows a leveraged position. Collateral is the
// collateral-asset amount transferred in since the last operation. Funding
// accrued since the position's entry snapshot and the entry fee on
// sizeDelta are both debited from collateral before anything else; the pool
// reserves the full notional in collateral-asset units so the maximum
// promised payout always stays covered.
func (v *Vault) IncreasePosition(account, collateralAsset, indexAsset string, sizeDelta *big.Int, isLong bool) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.cfg.LeverageEnabled {
		return ErrLeverageDisabled
	}
	aC, ok := v.assets[collateralAsset]
	if !ok {
		return ErrAssetNotWhitelisted
	}
	aI, ok := v.assets[indexAsset]
	if !ok {
		return ErrAssetNotWhitelisted
	}
	if err := validatePair(aC, aI, isLong); err != nil {
		return err
	}
	if sizeDelta == nil || sizeDelta.Sign() < 0 {
		return ErrInvalidAmount
	}

	l := v.ledgers[collateralAsset].clone()
	funding := v.updateFunding(l, collateralAsset)

	// Long entries are marked at the ask, shorts at the bid: the side worse
	// for the trader.
	price := v.oracle.Price(indexAsset, isLong)
	collateralPriceMin := v.oracle.Price(collateralAsset, false)
	collateralPriceMax := v.oracle.Price(collateralAsset, true)
	if price.Sign() <= 0 || collateralPriceMin.Sign() <= 0 || collateralPriceMax.Sign() <= 0 {
		return ErrInvalidPrice
	}

	key := PositionKey(account, collateralAsset, indexAsset, isLong)
	pos, exists := v.positions[key]
	if exists {
		pos = pos.clone()
	} else {
		if sizeDelta.Sign() == 0 {
			return ErrInvalidAmount
		}
		pos = &Position{
			Account:          account,
			CollateralAsset:  collateralAsset,
			IndexAsset:       indexAsset,
			IsLong:           isLong,
			Size:             big.NewInt(0),
			Collateral:       big.NewInt(0),
			AveragePrice:     new(big.Int).Set(price),
			EntryFundingRate: big.NewInt(0),
			ReserveAmount:    big.NewInt(0),
			RealisedPnl:      big.NewInt(0),
		}
	}

	if pos.Size.Sign() > 0 && sizeDelta.Sign() > 0 {
		// Size-weighted entry price across the old position and the new slice.
		weighted := new(big.Int).Mul(pos.Size, pos.AveragePrice)
		weighted.Add(weighted, new(big.Int).Mul(sizeDelta, price))
		total := new(big.Int).Add(pos.Size, sizeDelta)
		pos.AveragePrice = weighted.Div(weighted, total)
	}

	fFee := fundingFee(l, pos.Size, pos.EntryFundingRate)
	entryFee := mulDiv(sizeDelta, big.NewInt(int64(v.cfg.MarginFeeBps)), big.NewInt(BasisPointsDivisor))
	totalFeeUsd := new(big.Int).Add(fFee, entryFee)

	collateralTokens := v.pendingIn(collateralAsset)
	if collateralTokens.Sign() < 0 {
		return ErrInvalidAmount
	}
	collateralUsd := v.tokenToUsd(aC, collateralTokens, collateralPriceMin)

	newCollateral := new(big.Int).Add(pos.Collateral, collateralUsd)
	if newCollateral.Cmp(totalFeeUsd) < 0 {
		return ErrInsufficientCollateral
	}
	pos.Collateral = newCollateral.Sub(newCollateral, totalFeeUsd)
	pos.EntryFundingRate = new(big.Int).Set(l.CumulativeFundingRate)
	pos.Size = new(big.Int).Add(pos.Size, sizeDelta)
	pos.LastIncreasedTime = v.now()

	if pos.Size.Sign() == 0 {
		return ErrInvalidAmount
	}
	if pos.Size.Cmp(pos.Collateral) < 0 {
		return ErrSizeBelowCollateral
	}
	if err := validateLeverage(pos, v.cfg.MaxLeverage); err != nil {
		return err
	}

	// Reserve the full notional at the bid so the reservation is never
	// undersized.
	reserveDelta := v.usdToToken(aC, sizeDelta, collateralPriceMin)
	feeTokens := v.usdToToken(aC, totalFeeUsd, collateralPriceMax)

	if isLong {
		l.increasePool(collateralTokens)
		l.increaseGuaranteed(new(big.Int).Add(sizeDelta, totalFeeUsd))
		l.decreaseGuaranteed(collateralUsd)
	} else {
		// Short collateral stays outside the pool; only the protocol's fee
		// claim moves in.
		l.increasePool(feeTokens)
		if sizeDelta.Sign() > 0 {
			l.increaseGlobalShort(sizeDelta, price)
		}
	}
	l.FeeReserve.Add(l.FeeReserve, feeTokens)

	if err := l.increaseReserved(reserveDelta); err != nil {
		return err
	}
	pos.ReserveAmount = new(big.Int).Add(pos.ReserveAmount, reserveDelta)

	v.ledgers[collateralAsset] = l
	v.positions[key] = pos
	v.commitIn(collateralAsset)

	if funding != nil {
		v.publish(funding)
	}
	v.publish(&PositionEvent{
		Type:            "increase",
		Account:         account,
		CollateralAsset: collateralAsset,
		IndexAsset:      indexAsset,
		Side:            sideOf(isLong),
		SizeDelta:       new(big.Int).Set(sizeDelta),
		CollateralDelta: collateralUsd,
		Price:           new(big.Int).Set(price),
		FeeUsd:          totalFeeUsd,
		Size:            new(big.Int).Set(pos.Size),
		Timestamp:       v.now(),
	})
	return nil
}

// DecreasePosition shrinks or closes a position, realizing the
// proportional share of its PnL. Profit is paid from the pool on top of the
// withdrawn collateral; losses and fees come out of the remaining
// collateral and the call is rejected if they cannot be covered (the
// position must then be liquidated instead). The position record is
// destroyed when size reaches zero.
func (v *Vault) DecreasePosition(account, collateralAsset, indexAsset string, collateralDelta, sizeDelta *big.Int, isLong bool, receiver string) (*big.Int, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.decreasePosition(account, collateralAsset, indexAsset, collateralDelta, sizeDelta, isLong, receiver)
}

func (v *Vault) decreasePosition(account, collateralAsset, indexAsset string, collateralDelta, sizeDelta *big.Int, isLong bool, receiver string) (*big.Int, error) {
	aC, ok := v.assets[collateralAsset]
	if !ok {
		return nil, ErrAssetNotWhitelisted
	}
	aI, ok := v.assets[indexAsset]
	if !ok {
		return nil, ErrAssetNotWhitelisted
	}
	if collateralDelta == nil {
		collateralDelta = big.NewInt(0)
	}
	if sizeDelta == nil {
		sizeDelta = big.NewInt(0)
	}
	if collateralDelta.Sign() < 0 || sizeDelta.Sign() < 0 ||
		(collateralDelta.Sign() == 0 && sizeDelta.Sign() == 0) {
		return nil, ErrInvalidAmount
	}

	key := PositionKey(account, collateralAsset, indexAsset, isLong)
	orig, ok := v.positions[key]
	if !ok {
		return nil, ErrPositionNotFound
	}
	if sizeDelta.Cmp(orig.Size) > 0 {
		return nil, ErrInvalidSizeDelta
	}
	if collateralDelta.Cmp(orig.Collateral) > 0 {
		return nil, ErrInvalidCollateralDelta
	}
	pos := orig.clone()

	l := v.ledgers[collateralAsset].clone()
	funding := v.updateFunding(l, collateralAsset)

	// Exits are marked at the side worse for the trader: bid for longs,
	// ask for shorts.
	price := v.oracle.Price(indexAsset, !isLong)
	collateralPriceMax := v.oracle.Price(collateralAsset, true)
	if price.Sign() <= 0 || collateralPriceMax.Sign() <= 0 {
		return nil, ErrInvalidPrice
	}

	collateralBefore := new(big.Int).Set(pos.Collateral)
	fFee := fundingFee(l, pos.Size, pos.EntryFundingRate)
	marginFee := mulDiv(sizeDelta, big.NewInt(int64(v.cfg.MarginFeeBps)), big.NewInt(BasisPointsDivisor))
	totalFeeUsd := new(big.Int).Add(fFee, marginFee)

	reserveDelta := big.NewInt(0)
	if sizeDelta.Sign() > 0 {
		reserveDelta = mulDiv(pos.ReserveAmount, sizeDelta, pos.Size)
	}

	usdOut := big.NewInt(0)
	adjDelta := big.NewInt(0)
	hasProfit := false
	if sizeDelta.Sign() > 0 {
		var delta *big.Int
		hasProfit, delta = v.positionDelta(pos, price, aI)
		adjDelta = mulDiv(delta, sizeDelta, pos.Size)
		if hasProfit {
			usdOut.Add(usdOut, adjDelta)
			pos.RealisedPnl.Add(pos.RealisedPnl, adjDelta)
		} else if adjDelta.Sign() > 0 {
			if adjDelta.Cmp(pos.Collateral) > 0 {
				return nil, ErrLossesExceedCollateral
			}
			pos.Collateral.Sub(pos.Collateral, adjDelta)
			pos.RealisedPnl.Sub(pos.RealisedPnl, adjDelta)
		}
	}

	if collateralDelta.Sign() > 0 {
		if collateralDelta.Cmp(pos.Collateral) > 0 {
			return nil, ErrInvalidCollateralDelta
		}
		usdOut.Add(usdOut, collateralDelta)
		pos.Collateral.Sub(pos.Collateral, collateralDelta)
	}

	closing := sizeDelta.Cmp(pos.Size) == 0
	if closing {
		usdOut.Add(usdOut, pos.Collateral)
		pos.Collateral = big.NewInt(0)
	}

	usdOutAfterFee := new(big.Int)
	if usdOut.Cmp(totalFeeUsd) >= 0 {
		usdOutAfterFee.Sub(usdOut, totalFeeUsd)
	} else {
		shortfall := new(big.Int).Sub(totalFeeUsd, usdOut)
		if shortfall.Cmp(pos.Collateral) > 0 {
			return nil, ErrInsufficientCollateral
		}
		pos.Collateral.Sub(pos.Collateral, shortfall)
		usdOutAfterFee.SetInt64(0)
	}

	pos.Size = new(big.Int).Sub(pos.Size, sizeDelta)
	if !closing {
		if pos.Collateral.Sign() == 0 {
			return nil, ErrInsufficientCollateral
		}
		if pos.Size.Cmp(pos.Collateral) < 0 {
			return nil, ErrSizeBelowCollateral
		}
		if err := validateLeverage(pos, v.cfg.MaxLeverage); err != nil {
			return nil, err
		}
		pos.EntryFundingRate = new(big.Int).Set(l.CumulativeFundingRate)
	}

	feeTokens := v.usdToToken(aC, totalFeeUsd, collateralPriceMax)
	tokensOut := v.usdToToken(aC, usdOutAfterFee, collateralPriceMax)

	l.decreaseReserved(reserveDelta)
	pos.ReserveAmount.Sub(pos.ReserveAmount, reserveDelta)

	if isLong {
		collateralReleased := new(big.Int).Sub(collateralBefore, pos.Collateral)
		l.increaseGuaranteed(collateralReleased)
		l.decreaseGuaranteed(sizeDelta)
		if tokensOut.Sign() > 0 {
			if err := l.decreasePool(tokensOut, aC.BufferAmount); err != nil {
				return nil, err
			}
		}
	} else {
		if hasProfit && adjDelta.Sign() > 0 {
			profitTokens := v.usdToToken(aC, adjDelta, collateralPriceMax)
			if err := l.decreasePool(profitTokens, aC.BufferAmount); err != nil {
				return nil, err
			}
		} else if adjDelta.Sign() > 0 {
			l.increasePool(v.usdToToken(aC, adjDelta, collateralPriceMax))
		}
		l.increasePool(feeTokens)
		l.decreaseGlobalShort(sizeDelta)
	}
	l.FeeReserve.Add(l.FeeReserve, feeTokens)

	v.ledgers[collateralAsset] = l
	if closing {
		delete(v.positions, key)
	} else {
		v.positions[key] = pos
	}
	if tokensOut.Sign() > 0 {
		v.transferOut(collateralAsset, tokensOut)
	}

	if funding != nil {
		v.publish(funding)
	}
	v.publish(&PositionEvent{
		Type:            "decrease",
		Account:         account,
		CollateralAsset: collateralAsset,
		IndexAsset:      indexAsset,
		Side:            sideOf(isLong),
		SizeDelta:       new(big.Int).Set(sizeDelta),
		CollateralDelta: new(big.Int).Set(collateralDelta),
		Price:           new(big.Int).Set(price),
		FeeUsd:          totalFeeUsd,
		Size:            new(big.Int).Set(pos.Size),
		Receiver:        receiver,
		Timestamp:       v.now(),
	})
	return tokensOut, nil
}

// LiquidatePosition closes an undercollateralized position. Any
// permissioned keeper may call it; the fixed liquidation fee is paid to the
// keeper from the pool. A position that merely exceeds max leverage while
// staying solvent is force-decreased back to its owner instead of being
// seized.
func (v *Vault) LiquidatePosition(account, collateralAsset, indexAsset string, isLong bool, keeper string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	aC, ok := v.assets[collateralAsset]
	if !ok {
		return ErrAssetNotWhitelisted
	}
	aI, ok := v.assets[indexAsset]
	if !ok {
		return ErrAssetNotWhitelisted
	}
	key := PositionKey(account, collateralAsset, indexAsset, isLong)
	pos, ok := v.positions[key]
	if !ok {
		return ErrPositionNotFound
	}

	l := v.ledgers[collateralAsset].clone()
	funding := v.updateFunding(l, collateralAsset)

	state, marginFees := v.liquidationState(pos, l, aI)
	switch state {
	case LiquidationNone:
		return ErrPositionNotLiquidatable
	case LiquidationMaxLeverage:
		_, err := v.decreasePosition(account, collateralAsset, indexAsset,
			big.NewInt(0), new(big.Int).Set(pos.Size), isLong, account)
		return err
	}

	price := v.oracle.Price(indexAsset, !isLong)
	collateralPriceMax := v.oracle.Price(collateralAsset, true)
	if collateralPriceMax.Sign() <= 0 {
		return ErrInvalidPrice
	}

	feeTokens := v.usdToToken(aC, marginFees, collateralPriceMax)
	if isLong {
		// The forfeited collateral stays in the pool; only the guarantee on
		// the unbacked notional is released.
		l.decreaseGuaranteed(new(big.Int).Sub(pos.Size, pos.Collateral))
	} else {
		if marginFees.Cmp(pos.Collateral) < 0 {
			remaining := new(big.Int).Sub(pos.Collateral, marginFees)
			l.increasePool(v.usdToToken(aC, remaining, collateralPriceMax))
		}
		l.increasePool(feeTokens)
		l.decreaseGlobalShort(pos.Size)
	}
	l.FeeReserve.Add(l.FeeReserve, feeTokens)
	l.decreaseReserved(pos.ReserveAmount)

	liqTokens := v.usdToToken(aC, v.cfg.LiquidationFeeUsd, collateralPriceMax)
	if err := l.decreasePool(liqTokens, aC.BufferAmount); err != nil {
		return err
	}

	v.ledgers[collateralAsset] = l
	delete(v.positions, key)
	v.transferOut(collateralAsset, liqTokens)

	if funding != nil {
		v.publish(funding)
	}
	v.publish(&PositionEvent{
		Type:            "liquidate",
		Account:         account,
		CollateralAsset: collateralAsset,
		IndexAsset:      indexAsset,
		Side:            sideOf(isLong),
		SizeDelta:       new(big.Int).Set(pos.Size),
		Price:           new(big.Int).Set(price),
		FeeUsd:          marginFees,
		Size:            big.NewInt(0),
		Receiver:        keeper,
		Timestamp:       v.now(),
	})
	return nil
}

// ValidateLiquidation reports whether a position is liquidatable without
// mutating anything. Keepers poll this.
func (v *Vault) ValidateLiquidation(account, collateralAsset, indexAsset string, isLong bool) (int, *big.Int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()

	aI, ok := v.assets[indexAsset]
	if !ok {
		return 0, nil, ErrAssetNotWhitelisted
	}
	pos, ok := v.positions[PositionKey(account, collateralAsset, indexAsset, isLong)]
	if !ok {
		return 0, nil, ErrPositionNotFound
	}
	l, ok := v.ledgers[collateralAsset]
	if !ok {
		return 0, nil, ErrAssetNotWhitelisted
	}
	// Pending funding is applied to a throwaway clone so the answer matches
	// what LiquidatePosition would compute after accrual.
	staged := l.clone()
	v.updateFunding(staged, collateralAsset)
	state, fees := v.liquidationState(pos, staged, aI)
	return state, fees, nil
}

// liquidationState inspects collateral against losses, funding and margin
// fees, and the keeper's liquidation fee.
func (v *Vault) liquidationState(pos *Position, l *PoolLedger, aI *AssetConfig) (int, *big.Int) {
	price := v.oracle.Price(pos.IndexAsset, !pos.IsLong)
	hasProfit, delta := v.positionDelta(pos, price, aI)

	fees := fundingFee(l, pos.Size, pos.EntryFundingRate)
	fees.Add(fees, mulDiv(pos.Size, big.NewInt(int64(v.cfg.MarginFeeBps)), big.NewInt(BasisPointsDivisor)))

	remaining := new(big.Int).Set(pos.Collateral)
	if !hasProfit {
		if delta.Cmp(remaining) >= 0 {
			return LiquidationInsolvent, fees
		}
		remaining.Sub(remaining, delta)
	}
	if remaining.Cmp(fees) < 0 {
		return LiquidationInsolvent, fees
	}
	withKeeperFee := new(big.Int).Add(fees, v.cfg.LiquidationFeeUsd)
	if remaining.Cmp(withKeeperFee) < 0 {
		return LiquidationInsolvent, fees
	}

	maxSize := new(big.Int).Mul(remaining, new(big.Int).SetUint64(v.cfg.MaxLeverage))
	size := new(big.Int).Mul(pos.Size, big.NewInt(BasisPointsDivisor))
	if size.Cmp(maxSize) > 0 {
		return LiquidationMaxLeverage, fees
	}
	return LiquidationNone, fees
}

// positionDelta returns whether the position is in profit at price, and
// the absolute unrealized USD delta: size * |avg - price| / avg. Profits
// under the index asset's min-profit threshold are zeroed inside the
// min-profit window following the last increase.
func (v *Vault) positionDelta(pos *Position, price *big.Int, aI *AssetConfig) (bool, *big.Int) {
	if pos.Size.Sign() == 0 || pos.AveragePrice.Sign() == 0 {
		return false, big.NewInt(0)
	}

	priceDelta := new(big.Int).Sub(pos.AveragePrice, price)
	priceDelta.Abs(priceDelta)
	delta := mulDiv(pos.Size, priceDelta, pos.AveragePrice)

	var hasProfit bool
	if pos.IsLong {
		hasProfit = price.Cmp(pos.AveragePrice) > 0
	} else {
		hasProfit = price.Cmp(pos.AveragePrice) < 0
	}

	if hasProfit && v.cfg.MinProfitTime > 0 &&
		v.now().Before(pos.LastIncreasedTime.Add(v.cfg.MinProfitTime)) {
		threshold := mulDiv(pos.Size, new(big.Int).SetUint64(aI.MinProfitBps), big.NewInt(BasisPointsDivisor))
		if delta.Cmp(threshold) <= 0 {
			delta.SetInt64(0)
		}
	}
	return hasProfit, delta
}

// validatePair enforces the collateral/index pairing rules: longs use the
// index asset itself as collateral (never a stable), shorts post stable
// collateral against a shortable index.
func validatePair(aC, aI *AssetConfig, isLong bool) error {
	if isLong {
		if aC.Symbol != aI.Symbol || aC.IsStable {
			return ErrInvalidPositionPair
		}
		return nil
	}
	if !aC.IsStable || aI.IsStable || !aI.IsShortable {
		return ErrInvalidPositionPair
	}
	return nil
}

func validateLeverage(pos *Position, maxLeverage uint64) error {
	size := new(big.Int).Mul(pos.Size, big.NewInt(BasisPointsDivisor))
	cap := new(big.Int).Mul(pos.Collateral, new(big.Int).SetUint64(maxLeverage))
	if size.Cmp(cap) > 0 {
		return ErrLeverageExceeded
	}
	return nil
}

// Position returns a copy of the position record, if present.
func (v *Vault) Position(account, collateralAsset, indexAsset string, isLong bool) (*Position, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	pos, ok := v.positions[PositionKey(account, collateralAsset, indexAsset, isLong)]
	if !ok {
		return nil, false
	}
	return pos.clone(), true
}

// Positions returns copies of every open position.
func (v *Vault) Positions() []*Position {
	v.mu.RLock()
	defer v.mu.RUnlock()
	out := make([]*Position, 0, len(v.positions))
	for _, pos := range v.positions {
		out = append(out, pos.clone())
	}
	return out
}
