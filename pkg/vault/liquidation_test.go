package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiquidation(t *testing.T) {
	openLong := func(t *testing.T) (*Vault, *StaticOracle) {
		v, oracle, _ := seedPools(t, nil)
		deposit(t, v, "BTC", big.NewInt(1_000_000)) // 100 USD collateral
		require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", usd(1000), true))
		return v, oracle
	}

	t.Run("HealthyPositionRejected", func(t *testing.T) {
		v, _ := openLong(t)
		state, _, err := v.ValidateLiquidation("alice", "BTC", "BTC", true)
		require.NoError(t, err)
		assert.Equal(t, LiquidationNone, state)

		err = v.LiquidatePosition("alice", "BTC", "BTC", true, "keeper")
		assert.ErrorIs(t, err, ErrPositionNotLiquidatable)
	})

	t.Run("InsolventLong", func(t *testing.T) {
		v, oracle := openLong(t)
		// Loss 120 wipes the 99 of collateral.
		oracle.SetSpotPrice("BTC", usd(8800))

		state, fees, err := v.ValidateLiquidation("alice", "BTC", "BTC", true)
		require.NoError(t, err)
		assert.Equal(t, LiquidationInsolvent, state)
		assert.Equal(t, usd(1), fees) // 0.1% margin fee on 1000

		balBefore := v.Balance("BTC")
		require.NoError(t, v.LiquidatePosition("alice", "BTC", "BTC", true, "keeper"))

		_, ok := v.Position("alice", "BTC", "BTC", true)
		assert.False(t, ok)
		assert.Equal(t, big.NewInt(0), v.ReservedAmount("BTC"))
		assert.Equal(t, big.NewInt(0), v.GuaranteedUsd("BTC"))

		// Keeper got the fixed 5 USD at the 8,800 mark.
		keeperTokens := mulDiv(usd(5), pow10(8), usd(8800))
		assert.Equal(t, new(big.Int).Sub(balBefore, keeperTokens), v.Balance("BTC"))
	})

	t.Run("InsolventShort", func(t *testing.T) {
		v, oracle, _ := seedPools(t, nil)
		deposit(t, v, "USDC", units(100, 6))
		require.NoError(t, v.IncreasePosition("alice", "USDC", "BTC", usd(1000), false))

		oracle.SetSpotPrice("BTC", usd(11200))
		require.NoError(t, v.LiquidatePosition("alice", "USDC", "BTC", false, "keeper"))

		l, ok := v.Ledger("USDC")
		require.True(t, ok)
		assert.Equal(t, big.NewInt(0), l.GlobalShortSize)
		_, found := v.Position("alice", "USDC", "BTC", false)
		assert.False(t, found)
	})

	t.Run("MaxLeverageForcesDecrease", func(t *testing.T) {
		v, oracle := openLong(t)
		// Loss 85 leaves 14 of collateral: solvent (covers 1 fee + 5
		// liquidation fee) but 1000/14 is far past 50x.
		oracle.SetSpotPrice("BTC", usd(9150))

		state, _, err := v.ValidateLiquidation("alice", "BTC", "BTC", true)
		require.NoError(t, err)
		assert.Equal(t, LiquidationMaxLeverage, state)

		balBefore := v.Balance("BTC")
		require.NoError(t, v.LiquidatePosition("alice", "BTC", "BTC", true, "keeper"))

		// Closed back to the owner, not seized.
		_, ok := v.Position("alice", "BTC", "BTC", true)
		assert.False(t, ok)
		// 14 collateral minus the 1 margin fee paid out at 9,150.
		payout := mulDiv(usd(13), pow10(8), usd(9150))
		assert.Equal(t, new(big.Int).Sub(balBefore, payout), v.Balance("BTC"))
	})

	t.Run("PendingFundingCounted", func(t *testing.T) {
		cfg := DefaultVaultConfig()
		cfg.FundingRateFactor = 1_000_000
		v, _, clock := seedPools(t, cfg)
		deposit(t, v, "BTC", big.NewInt(1_000_000))
		require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", usd(1000), true))

		state, _, err := v.ValidateLiquidation("alice", "BTC", "BTC", true)
		require.NoError(t, err)
		assert.Equal(t, LiquidationNone, state)

		// Funding accrued since the last operation has not been committed
		// by anything yet; the validator must still count it, or keepers
		// would pass on positions a liquidation call accepts.
		clock.Advance(10 * time.Hour)
		state, fees, err := v.ValidateLiquidation("alice", "BTC", "BTC", true)
		require.NoError(t, err)
		assert.Equal(t, LiquidationInsolvent, state)
		assert.True(t, fees.Cmp(usd(1)) > 0)

		require.NoError(t, v.LiquidatePosition("alice", "BTC", "BTC", true, "keeper"))
	})

	t.Run("FeesAccrueToReserve", func(t *testing.T) {
		v, oracle := openLong(t)
		oracle.SetSpotPrice("BTC", usd(8800))
		feeBefore := v.FeeReserve("BTC")

		require.NoError(t, v.LiquidatePosition("alice", "BTC", "BTC", true, "keeper"))
		feeTokens := mulDiv(usd(1), pow10(8), usd(8800))
		assert.Equal(t, new(big.Int).Add(feeBefore, feeTokens), v.FeeReserve("BTC"))
	})
}
