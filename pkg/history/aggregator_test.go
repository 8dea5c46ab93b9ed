package history

import (
	"math/big"
	"testing"
	"time"

	"github.com/luxfi/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plpfi/vault/pkg/vault"
)

func newTestAggregator(t *testing.T) *Aggregator {
	t.Helper()
	level, _ := log.ToLevel("debug")
	return NewAggregator(log.NewTestLogger(level), nil)
}

func usd(n int64) *big.Int {
	return new(big.Int).Mul(big.NewInt(n), vault.PricePrecision)
}

func positionFill(price, size int64, at time.Time) *vault.PositionEvent {
	return &vault.PositionEvent{
		Type:       "increase",
		IndexAsset: "BTC",
		Price:      usd(price),
		SizeDelta:  usd(size),
		Size:       usd(size),
		Timestamp:  at,
	}
}

func TestAggregator(t *testing.T) {
	base := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

	t.Run("BuildsLiveCandle", func(t *testing.T) {
		a := newTestAggregator(t)
		a.Publish(positionFill(30000, 1000, base))
		a.Publish(positionFill(30500, 500, base.Add(10*time.Second)))
		a.Publish(positionFill(29800, 200, base.Add(20*time.Second)))
		a.drainFills()

		candle := a.LatestCandle("BTC", Interval1m)
		require.NotNil(t, candle)
		assert.Equal(t, 30000.0, candle.Open)
		assert.Equal(t, 30500.0, candle.High)
		assert.Equal(t, 29800.0, candle.Low)
		assert.Equal(t, 29800.0, candle.Close)
		assert.Equal(t, 1700.0, candle.Volume)
		assert.Equal(t, 3, candle.Trades)
		assert.False(t, candle.Complete)
		assert.Equal(t, base, candle.OpenTime)
	})

	t.Run("RollsOverOnIntervalBoundary", func(t *testing.T) {
		a := newTestAggregator(t)
		a.Publish(positionFill(30000, 1000, base))
		a.Publish(positionFill(31000, 1000, base.Add(90*time.Second)))
		a.drainFills()

		completed := a.Candles("BTC", Interval1m, 0)
		require.Len(t, completed, 1)
		assert.True(t, completed[0].Complete)
		assert.Equal(t, 30000.0, completed[0].Close)

		live := a.LatestCandle("BTC", Interval1m)
		require.NotNil(t, live)
		assert.Equal(t, 31000.0, live.Open)
		assert.Equal(t, base.Add(time.Minute), live.OpenTime)
	})

	t.Run("SwapVolumeCounts", func(t *testing.T) {
		a := newTestAggregator(t)
		a.Publish(&vault.SwapEvent{
			AssetIn:   "USDC",
			AssetOut:  "BTC",
			ValueUsd:  usd(5000),
			PriceOut:  usd(30000),
			Timestamp: base,
		})
		a.drainFills()

		candle := a.LatestCandle("BTC", Interval1h)
		require.NotNil(t, candle)
		assert.Equal(t, 30000.0, candle.Open)
		assert.Equal(t, 5000.0, candle.Volume)
	})

	t.Run("IgnoresZeroPriceEvents", func(t *testing.T) {
		a := newTestAggregator(t)
		a.Publish(&vault.MintEvent{Asset: "USDC", Timestamp: base})
		a.Publish(positionFill(0, 100, base))
		a.drainFills()
		assert.Nil(t, a.LatestCandle("USDC", Interval1m))
		assert.Nil(t, a.LatestCandle("BTC", Interval1m))
	})

	t.Run("VWAP", func(t *testing.T) {
		a := newTestAggregator(t)
		a.Publish(positionFill(30000, 1000, base))
		a.Publish(positionFill(32000, 3000, base.Add(2*time.Minute)))
		a.Publish(positionFill(31000, 100, base.Add(4*time.Minute)))
		a.drainFills()

		vwap := a.VolumeWeightedAveragePrice("BTC", Interval1m, 10)
		assert.Greater(t, vwap, 30000.0)
		assert.Less(t, vwap, 32000.0)
	})
}

func TestCandleOpenTime(t *testing.T) {
	at := time.Date(2024, 6, 1, 12, 34, 56, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 6, 1, 12, 34, 0, 0, time.UTC), candleOpenTime(at, Interval1m))
	assert.Equal(t, time.Date(2024, 6, 1, 12, 30, 0, 0, time.UTC), candleOpenTime(at, Interval15m))
	assert.Equal(t, time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC), candleOpenTime(at, Interval1h))
	assert.Equal(t, time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), candleOpenTime(at, Interval1d))
}
