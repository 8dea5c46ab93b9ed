package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFeeBasisPoints(t *testing.T) {
	setDebt := func(v *Vault, supply, debt *big.Int) {
		v.usdpSupply.Set(supply)
		v.ledgers["USDC"].Debt = new(big.Int).Set(debt)
	}

	t.Run("NoLiquidityReturnsBase", func(t *testing.T) {
		v, _, _ := newTestVault(t, nil)
		got := v.GetFeeBasisPoints("USDC", usdpAmt(1000), 100, 50, true)
		assert.Equal(t, uint64(100), got)
	})

	t.Run("BalancedPoolSmallDelta", func(t *testing.T) {
		// Debt sits exactly on target; a delta tiny relative to target
		// floors the tax to zero.
		v, _, _ := newTestVault(t, nil)
		setDebt(v, usdpAmt(2000), usdpAmt(1000))

		got := v.GetFeeBasisPoints("USDC", big.NewInt(1000), 100, 50, true)
		assert.Equal(t, uint64(100), got)
	})

	t.Run("TowardTargetCheaperThanAway", func(t *testing.T) {
		v, _, _ := newTestVault(t, nil)

		// Target is 1000. Moving 500 -> 1000 averages half the distance.
		setDebt(v, usdpAmt(2000), usdpAmt(500))
		toward := v.GetFeeBasisPoints("USDC", usdpAmt(500), 100, 50, true)
		assert.Equal(t, uint64(112), toward)

		// Moving 1500 -> 2000 averages 750 away.
		setDebt(v, usdpAmt(2000), usdpAmt(1500))
		away := v.GetFeeBasisPoints("USDC", usdpAmt(500), 100, 50, true)
		assert.Equal(t, uint64(137), away)

		assert.Less(t, toward, away)
	})

	t.Run("TaxClampsAtFullTax", func(t *testing.T) {
		v, _, _ := newTestVault(t, nil)
		setDebt(v, usdpAmt(2000), usdpAmt(3000))

		got := v.GetFeeBasisPoints("USDC", usdpAmt(1000), 100, 50, true)
		assert.Equal(t, uint64(150), got)
	})

	t.Run("DecrementTowardTarget", func(t *testing.T) {
		v, _, _ := newTestVault(t, nil)
		setDebt(v, usdpAmt(2000), usdpAmt(1500))

		// Burning 500 lands exactly on target.
		got := v.GetFeeBasisPoints("USDC", usdpAmt(500), 100, 50, false)
		assert.Equal(t, uint64(112), got)
	})
}

func TestApplyFeeBps(t *testing.T) {
	afterFee, fee := applyFeeBps(big.NewInt(10000), 30)
	assert.Equal(t, big.NewInt(9970), afterFee)
	assert.Equal(t, big.NewInt(30), fee)

	afterFee, fee = applyFeeBps(big.NewInt(10000), 0)
	assert.Equal(t, big.NewInt(10000), afterFee)
	assert.Zero(t, fee.Cmp(big.NewInt(0)))
}

func TestSwapFeeBasis(t *testing.T) {
	v, _, _ := newTestVault(t, nil)
	v.WhitelistAsset(&AssetConfig{Symbol: "USDT", Decimals: 6, Weight: 10, IsStable: true})

	base, tax := v.swapFeeBasis("USDC", "USDT")
	assert.Equal(t, v.cfg.StableSwapFeeBps, base)
	assert.Equal(t, v.cfg.StableTaxBps, tax)

	base, tax = v.swapFeeBasis("USDC", "BTC")
	assert.Equal(t, v.cfg.SwapFeeBps, base)
	assert.Equal(t, v.cfg.TaxBps, tax)
}
