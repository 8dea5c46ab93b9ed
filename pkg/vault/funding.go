package vault

import (
	"math/big"
)

// UpdateCumulativeFundingRate advances the asset's cumulative funding rate.
// Accrual is gated to at most once per configured interval and happens
// lazily: every vault operation that touches an asset runs this first, so
// no background scheduler exists or is needed.
func (v *Vault) UpdateCumulativeFundingRate(asset string) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	l, ok := v.ledgers[asset]
	if !ok {
		return ErrAssetNotWhitelisted
	}
	if ev := v.updateFunding(l, asset); ev != nil {
		v.publish(ev)
	}
	return nil
}

// updateFunding applies interval-gated accrual to the given ledger record,
// which may be a staged clone. The rate is utilization-based:
// factor * reserved / pool per elapsed interval, so long/short demand
// imbalance self-corrects over time. Returns the accrual event for the
// caller to publish once the holding operation commits; nil when nothing
// accrued.
func (v *Vault) updateFunding(l *PoolLedger, asset string) *FundingEvent {
	interval := v.cfg.FundingInterval
	now := v.now()

	if l.LastFundingTime.IsZero() {
		l.LastFundingTime = now.Truncate(interval)
		return nil
	}
	if now.Sub(l.LastFundingTime) < interval {
		return nil
	}

	rate := v.nextFundingRate(l, asset)
	l.CumulativeFundingRate = new(big.Int).Add(l.CumulativeFundingRate, rate)
	l.LastFundingTime = now.Truncate(interval)

	return &FundingEvent{
		Asset:                 asset,
		RateDelta:             rate,
		CumulativeFundingRate: new(big.Int).Set(l.CumulativeFundingRate),
		Timestamp:             now,
	}
}

// nextFundingRate computes the pending accrual for the elapsed whole
// intervals, over FundingRatePrecision.
func (v *Vault) nextFundingRate(l *PoolLedger, asset string) *big.Int {
	if l.PoolAmount.Sign() == 0 {
		return big.NewInt(0)
	}
	intervals := int64(v.now().Sub(l.LastFundingTime) / v.cfg.FundingInterval)
	if intervals <= 0 {
		return big.NewInt(0)
	}

	factor := v.cfg.FundingRateFactor
	if v.assets[asset].IsStable {
		factor = v.cfg.StableFundingRateFactor
	}

	rate := new(big.Int).SetUint64(factor)
	rate.Mul(rate, l.ReservedAmount)
	rate.Mul(rate, big.NewInt(intervals))
	return rate.Div(rate, l.PoolAmount)
}

// fundingFee is the USD fee a position owes for funding accrued since its
// entry snapshot: size * (cumulative - entry) / FundingRatePrecision.
func fundingFee(l *PoolLedger, size, entryFundingRate *big.Int) *big.Int {
	if size.Sign() == 0 {
		return big.NewInt(0)
	}
	delta := new(big.Int).Sub(l.CumulativeFundingRate, entryFundingRate)
	if delta.Sign() <= 0 {
		return big.NewInt(0)
	}
	return mulDiv(size, delta, big.NewInt(FundingRatePrecision))
}

// CumulativeFundingRate returns the asset's current cumulative rate.
func (v *Vault) CumulativeFundingRate(asset string) *big.Int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if l, ok := v.ledgers[asset]; ok {
		return new(big.Int).Set(l.CumulativeFundingRate)
	}
	return big.NewInt(0)
}
