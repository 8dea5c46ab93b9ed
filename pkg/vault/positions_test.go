package vault

import (
	"math/big"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// seedPools funds both pools so positions have liquidity to reserve
// against. BTC is repriced to 10,000 USD for round numbers.
func seedPools(t *testing.T, cfg *VaultConfig) (*Vault, *StaticOracle, *testClock) {
	t.Helper()
	v, oracle, clock := newTestVault(t, cfg)
	oracle.SetSpotPrice("BTC", usd(10000))

	deposit(t, v, "USDC", units(100_000, 6))
	_, err := v.MintUSDP("USDC", "seeder")
	require.NoError(t, err)
	deposit(t, v, "BTC", units(10, 8))
	_, err = v.MintUSDP("BTC", "seeder")
	require.NoError(t, err)
	return v, oracle, clock
}

func TestIncreasePosition(t *testing.T) {
	t.Run("OpenLong", func(t *testing.T) {
		v, _, _ := seedPools(t, nil)
		poolBefore := v.PoolAmount("BTC")

		deposit(t, v, "BTC", big.NewInt(1_000_000)) // 0.01 BTC = 100 USD
		require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", usd(1000), true))

		pos, ok := v.Position("alice", "BTC", "BTC", true)
		require.True(t, ok)
		assert.Equal(t, usd(1000), pos.Size)
		// 0.1% margin fee on 1000 USD leaves 99 of the 100 deposited.
		assert.Equal(t, usd(99), pos.Collateral)
		assert.Equal(t, usd(10000), pos.AveragePrice)
		// 1000 USD of notional at 10,000 reserves 0.1 BTC.
		assert.Equal(t, big.NewInt(10_000_000), pos.ReserveAmount)
		assert.Equal(t, big.NewInt(10_000_000), v.ReservedAmount("BTC"))

		// size + fee - collateral deposited.
		assert.Equal(t, usd(901), v.GuaranteedUsd("BTC"))
		assert.Equal(t, new(big.Int).Add(poolBefore, big.NewInt(1_000_000)), v.PoolAmount("BTC"))
	})

	t.Run("OpenShort", func(t *testing.T) {
		v, _, _ := seedPools(t, nil)
		poolBefore := v.PoolAmount("USDC")

		deposit(t, v, "USDC", units(100, 6))
		require.NoError(t, v.IncreasePosition("alice", "USDC", "BTC", usd(1000), false))

		pos, ok := v.Position("alice", "USDC", "BTC", false)
		require.True(t, ok)
		assert.Equal(t, usd(1000), pos.Size)
		assert.Equal(t, usd(99), pos.Collateral)

		l, ok := v.Ledger("USDC")
		require.True(t, ok)
		assert.Equal(t, usd(1000), l.GlobalShortSize)
		assert.Equal(t, usd(10000), l.GlobalShortAveragePrice)
		// Short collateral stays out of the pool; only the 1 USD fee enters.
		assert.Equal(t, new(big.Int).Add(poolBefore, units(1, 6)), l.PoolAmount)
		assert.Equal(t, big.NewInt(0), l.GuaranteedUsd)
	})

	t.Run("ReserveExceedsPool", func(t *testing.T) {
		v, _, _ := seedPools(t, nil)
		// 15 BTC in the pool cannot back the 20 BTC reserve a 200k notional
		// needs.
		deposit(t, v, "BTC", units(5, 8))
		err := v.IncreasePosition("alice", "BTC", "BTC", usd(200_000), true)
		assert.ErrorIs(t, err, ErrReserveExceedsPool)
	})

	t.Run("InvalidPairs", func(t *testing.T) {
		v, _, _ := seedPools(t, nil)
		deposit(t, v, "USDC", units(100, 6))
		assert.ErrorIs(t, v.IncreasePosition("a", "USDC", "USDC", usd(100), true), ErrInvalidPositionPair)
		assert.ErrorIs(t, v.IncreasePosition("a", "USDC", "BTC", usd(100), true), ErrInvalidPositionPair)
		deposit(t, v, "BTC", units(1, 8))
		assert.ErrorIs(t, v.IncreasePosition("a", "BTC", "BTC", usd(100), false), ErrInvalidPositionPair)
	})

	t.Run("LeverageCap", func(t *testing.T) {
		v, _, _ := seedPools(t, nil)
		deposit(t, v, "BTC", big.NewInt(1_000_000)) // 100 USD collateral
		err := v.IncreasePosition("alice", "BTC", "BTC", usd(10_000), true)
		assert.ErrorIs(t, err, ErrLeverageExceeded)
	})

	t.Run("LeverageDisabled", func(t *testing.T) {
		v, _, _ := seedPools(t, nil)
		v.SetLeverageEnabled(false)
		deposit(t, v, "BTC", big.NewInt(1_000_000))
		err := v.IncreasePosition("alice", "BTC", "BTC", usd(1000), true)
		assert.ErrorIs(t, err, ErrLeverageDisabled)
	})

	t.Run("AveragePriceReweighted", func(t *testing.T) {
		v, oracle, _ := seedPools(t, nil)
		deposit(t, v, "BTC", units(1, 8))
		require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", usd(10_000), true))

		oracle.SetSpotPrice("BTC", usd(20000))
		deposit(t, v, "BTC", units(1, 8))
		require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", usd(10_000), true))

		pos, ok := v.Position("alice", "BTC", "BTC", true)
		require.True(t, ok)
		// (10000*10000 + 10000*20000) / 20000 = 15000.
		assert.Equal(t, usd(15000), pos.AveragePrice)
		assert.Equal(t, usd(20_000), pos.Size)
	})
}

func TestDecreasePosition(t *testing.T) {
	openLong := func(t *testing.T) (*Vault, *StaticOracle) {
		v, oracle, _ := seedPools(t, nil)
		deposit(t, v, "BTC", big.NewInt(1_000_000))
		require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", usd(1000), true))
		return v, oracle
	}

	t.Run("CloseLongInProfit", func(t *testing.T) {
		v, oracle := openLong(t)
		oracle.SetSpotPrice("BTC", usd(12000))

		out, err := v.DecreasePosition("alice", "BTC", "BTC", big.NewInt(0), usd(1000), true, "alice")
		require.NoError(t, err)

		// Profit 200, collateral 99, margin fee 1: 298 USD at 12,000.
		assert.Equal(t, big.NewInt(2_483_333), out)
		_, ok := v.Position("alice", "BTC", "BTC", true)
		assert.False(t, ok)
		assert.Equal(t, big.NewInt(0), v.ReservedAmount("BTC"))
		assert.Equal(t, big.NewInt(0), v.GuaranteedUsd("BTC"))
	})

	t.Run("CloseLongAtLoss", func(t *testing.T) {
		v, oracle := openLong(t)
		oracle.SetSpotPrice("BTC", usd(9500))

		// Loss 50, collateral 99, fee 1: 48 USD back at 9,500.
		out, err := v.DecreasePosition("alice", "BTC", "BTC", big.NewInt(0), usd(1000), true, "alice")
		require.NoError(t, err)
		expected := mulDiv(usd(48), pow10(8), usd(9500))
		assert.Equal(t, expected, out)
	})

	t.Run("PartialDecrease", func(t *testing.T) {
		v, _ := openLong(t)
		out, err := v.DecreasePosition("alice", "BTC", "BTC", big.NewInt(0), usd(500), true, "alice")
		require.NoError(t, err)

		// Flat price: no pnl, only the 0.5 USD margin fee, no usdOut.
		assert.Equal(t, big.NewInt(0), out)
		pos, ok := v.Position("alice", "BTC", "BTC", true)
		require.True(t, ok)
		assert.Equal(t, usd(500), pos.Size)
		// 99 - 0.5 fee.
		assert.Equal(t, new(big.Int).Sub(usd(99), new(big.Int).Div(usd(1), big.NewInt(2))), pos.Collateral)
		assert.Equal(t, big.NewInt(5_000_000), pos.ReserveAmount)
	})

	t.Run("WithdrawCollateral", func(t *testing.T) {
		v, _ := openLong(t)
		out, err := v.DecreasePosition("alice", "BTC", "BTC", usd(50), big.NewInt(0), true, "alice")
		require.NoError(t, err)
		assert.Equal(t, big.NewInt(500_000), out) // 50 USD at 10,000

		pos, ok := v.Position("alice", "BTC", "BTC", true)
		require.True(t, ok)
		assert.Equal(t, usd(49), pos.Collateral)
		assert.Equal(t, usd(1000), pos.Size)
	})

	t.Run("CloseShortInProfit", func(t *testing.T) {
		v, oracle, _ := seedPools(t, nil)
		deposit(t, v, "USDC", units(100, 6))
		require.NoError(t, v.IncreasePosition("alice", "USDC", "BTC", usd(1000), false))

		oracle.SetSpotPrice("BTC", usd(9000))
		out, err := v.DecreasePosition("alice", "USDC", "BTC", big.NewInt(0), usd(1000), false, "alice")
		require.NoError(t, err)

		// Profit 100, collateral 99, fee 1: 198 USDC.
		assert.Equal(t, units(198, 6), out)
		l, ok := v.Ledger("USDC")
		require.True(t, ok)
		assert.Equal(t, big.NewInt(0), l.GlobalShortSize)
	})

	t.Run("LossesExceedCollateral", func(t *testing.T) {
		v, oracle := openLong(t)
		oracle.SetSpotPrice("BTC", usd(8500))

		// Loss 150 exceeds the 99 of collateral; only liquidation applies.
		_, err := v.DecreasePosition("alice", "BTC", "BTC", big.NewInt(0), usd(1000), true, "alice")
		assert.ErrorIs(t, err, ErrLossesExceedCollateral)
	})

	t.Run("UnknownPosition", func(t *testing.T) {
		v, _, _ := seedPools(t, nil)
		_, err := v.DecreasePosition("nobody", "BTC", "BTC", big.NewInt(0), usd(1), true, "nobody")
		assert.ErrorIs(t, err, ErrPositionNotFound)
	})

	t.Run("SizeDeltaTooLarge", func(t *testing.T) {
		v, _ := openLong(t)
		_, err := v.DecreasePosition("alice", "BTC", "BTC", big.NewInt(0), usd(2000), true, "alice")
		assert.ErrorIs(t, err, ErrInvalidSizeDelta)
	})
}
