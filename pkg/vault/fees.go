package vault

import "math/big"

// GetFeeBasisPoints prices a debt change against the pool's target
// composition. usdpDelta is the USDP amount (1e18) the operation would add
// to (increment=true) or remove from (increment=false) the asset's debt.
//
// The fee is baseFeeBps plus a tax proportional to how far the move leaves
// the asset from its target debt, averaged over the operation:
// taxBps * avg(|before-target|, |after-target|) / target, with the average
// clamped to the target. Moves that track the target pay close to the base
// fee; moves that skew the pool pay up to baseFeeBps+taxBps. This is the
// only mechanism holding the pool near its target weights.
func (v *Vault) GetFeeBasisPoints(asset string, usdpDelta *big.Int, baseFeeBps, taxBps uint64, increment bool) uint64 {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.feeBasisPoints(asset, usdpDelta, baseFeeBps, taxBps, increment)
}

// feeBasisPoints is the lock-free inner curve, a pure function of ledger
// state and inputs.
func (v *Vault) feeBasisPoints(asset string, usdpDelta *big.Int, baseFeeBps, taxBps uint64, increment bool) uint64 {
	target := v.targetDebt(asset)
	if target.Sign() == 0 {
		return baseFeeBps
	}

	current := v.ledgers[asset].Debt
	next := new(big.Int)
	if increment {
		next.Add(current, usdpDelta)
	} else {
		next.Sub(current, usdpDelta)
		if next.Sign() < 0 {
			next.SetInt64(0)
		}
	}

	initialDiff := new(big.Int).Sub(current, target)
	initialDiff.Abs(initialDiff)
	nextDiff := new(big.Int).Sub(next, target)
	nextDiff.Abs(nextDiff)

	averageDiff := new(big.Int).Add(initialDiff, nextDiff)
	averageDiff.Rsh(averageDiff, 1)
	if averageDiff.Cmp(target) > 0 {
		averageDiff.Set(target)
	}

	tax := mulDiv(big.NewInt(int64(taxBps)), averageDiff, target)
	return baseFeeBps + tax.Uint64()
}

// targetDebt is the USDP debt the asset would carry if the pool sat exactly
// on its configured weights.
func (v *Vault) targetDebt(asset string) *big.Int {
	if v.totalWeights == 0 {
		return big.NewInt(0)
	}
	cfg := v.assets[asset]
	if cfg == nil || cfg.Weight == 0 {
		return big.NewInt(0)
	}
	target := new(big.Int).Mul(v.usdpSupply, new(big.Int).SetUint64(cfg.Weight))
	return target.Div(target, new(big.Int).SetUint64(v.totalWeights))
}

// swapFeeBasis picks the base fee and tax for a swap leg: transfers between
// two stables use the tighter stable-swap parameters.
func (v *Vault) swapFeeBasis(assetIn, assetOut string) (baseFeeBps, taxBps uint64) {
	if v.assets[assetIn].IsStable && v.assets[assetOut].IsStable {
		return v.cfg.StableSwapFeeBps, v.cfg.StableTaxBps
	}
	return v.cfg.SwapFeeBps, v.cfg.TaxBps
}

// applyFeeBps splits amount into the post-fee remainder and the fee cut.
func applyFeeBps(amount *big.Int, feeBps uint64) (afterFee, fee *big.Int) {
	afterFee = mulDiv(amount, big.NewInt(int64(BasisPointsDivisor-feeBps)), big.NewInt(BasisPointsDivisor))
	fee = new(big.Int).Sub(amount, afterFee)
	return afterFee, fee
}
