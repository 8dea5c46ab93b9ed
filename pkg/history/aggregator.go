// Package history builds OHLCV candles from committed vault events. Fill
// prices come from position traffic, volume from position size and swap
// notional, all keyed by index asset.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/luxfi/database"
	"github.com/luxfi/log"
	"github.com/shopspring/decimal"

	"github.com/plpfi/vault/pkg/vault"
)

// Interval is a candle period.
type Interval string

const (
	Interval1m  Interval = "1m"
	Interval5m  Interval = "5m"
	Interval15m Interval = "15m"
	Interval1h  Interval = "1h"
	Interval4h  Interval = "4h"
	Interval1d  Interval = "1d"
)

// Duration returns the time.Duration for an interval.
func (i Interval) Duration() time.Duration {
	switch i {
	case Interval1m:
		return time.Minute
	case Interval5m:
		return 5 * time.Minute
	case Interval15m:
		return 15 * time.Minute
	case Interval1h:
		return time.Hour
	case Interval4h:
		return 4 * time.Hour
	case Interval1d:
		return 24 * time.Hour
	default:
		return time.Minute
	}
}

// AllIntervals returns every supported interval.
func AllIntervals() []Interval {
	return []Interval{Interval1m, Interval5m, Interval15m, Interval1h, Interval4h, Interval1d}
}

// Candle is OHLCV data for one asset and period. Prices are USD, volume
// is USD notional.
type Candle struct {
	Asset     string    `json:"asset"`
	Interval  Interval  `json:"interval"`
	OpenTime  time.Time `json:"openTime"`
	CloseTime time.Time `json:"closeTime"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Trades    int       `json:"trades"`
	Complete  bool      `json:"complete"`
}

// maxRetained bounds the per-asset, per-interval completed candle history
// kept in memory for queries. Older candles survive only in the database.
const maxRetained = 1000

type fill struct {
	asset  string
	price  float64
	volume float64
	at     time.Time
}

// Aggregator consumes vault events and maintains candles. It implements
// vault.Publisher so it can sit in the daemon's publisher chain; event
// intake never blocks.
type Aggregator struct {
	logger log.Logger
	db     database.Database

	live      map[string]map[Interval]*Candle
	completed map[string]map[Interval][]*Candle
	candlesMu sync.RWMutex

	fills   []fill
	fillsMu sync.Mutex

	totalFills   uint64
	totalCandles uint64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAggregator creates an aggregator. db may be nil for memory-only use.
func NewAggregator(logger log.Logger, db database.Database) *Aggregator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Aggregator{
		logger:    logger,
		db:        db,
		live:      make(map[string]map[Interval]*Candle),
		completed: make(map[string]map[Interval][]*Candle),
		fills:     make([]fill, 0, 1024),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the fill processor and the per-interval candle closers.
func (a *Aggregator) Start() error {
	for _, interval := range AllIntervals() {
		a.wg.Add(1)
		go a.closeCandles(interval)
	}

	a.wg.Add(1)
	go a.processFills()

	a.logger.Info("Candle aggregator started")
	return nil
}

// Stop shuts the aggregator down.
func (a *Aggregator) Stop() {
	a.logger.Info("Stopping candle aggregator")
	a.cancel()
	a.wg.Wait()
}

// Publish implements vault.Publisher. Position events contribute their
// execution price and USD size; swap events contribute notional volume at
// the output asset's effective price.
func (a *Aggregator) Publish(e vault.Event) {
	switch ev := e.(type) {
	case *vault.PositionEvent:
		a.addFill(fill{
			asset:  ev.IndexAsset,
			price:  usdFloat(ev.Price),
			volume: usdFloat(ev.SizeDelta),
			at:     ev.Timestamp,
		})
	case *vault.SwapEvent:
		a.addFill(fill{
			asset:  ev.AssetOut,
			price:  usdFloat(ev.PriceOut),
			volume: usdFloat(ev.ValueUsd),
			at:     ev.Timestamp,
		})
	}
}

func (a *Aggregator) addFill(f fill) {
	if f.price <= 0 {
		return
	}
	a.fillsMu.Lock()
	a.fills = append(a.fills, f)
	a.totalFills++
	a.fillsMu.Unlock()
}

func (a *Aggregator) processFills() {
	defer a.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.drainFills()
		}
	}
}

func (a *Aggregator) drainFills() {
	a.fillsMu.Lock()
	if len(a.fills) == 0 {
		a.fillsMu.Unlock()
		return
	}
	fills := a.fills
	a.fills = make([]fill, 0, 1024)
	a.fillsMu.Unlock()

	a.candlesMu.Lock()
	defer a.candlesMu.Unlock()
	for _, f := range fills {
		a.applyFill(f)
	}
}

func (a *Aggregator) applyFill(f fill) {
	if a.live[f.asset] == nil {
		a.live[f.asset] = make(map[Interval]*Candle)
	}

	for _, interval := range AllIntervals() {
		openTime := candleOpenTime(f.at, interval)
		candle := a.live[f.asset][interval]

		if candle == nil || !candle.OpenTime.Equal(openTime) {
			if candle != nil && !candle.Complete {
				a.finishCandle(candle)
			}
			candle = &Candle{
				Asset:     f.asset,
				Interval:  interval,
				OpenTime:  openTime,
				CloseTime: openTime.Add(interval.Duration()),
				Open:      f.price,
				High:      f.price,
				Low:       f.price,
				Close:     f.price,
				Volume:    f.volume,
				Trades:    1,
			}
			a.live[f.asset][interval] = candle
			continue
		}

		candle.High = math.Max(candle.High, f.price)
		candle.Low = math.Min(candle.Low, f.price)
		candle.Close = f.price
		candle.Volume += f.volume
		candle.Trades++
	}
}

func (a *Aggregator) closeCandles(interval Interval) {
	defer a.wg.Done()

	ticker := time.NewTicker(interval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.closeExpired(interval)
		}
	}
}

func (a *Aggregator) closeExpired(interval Interval) {
	a.candlesMu.Lock()
	defer a.candlesMu.Unlock()

	now := time.Now()
	for _, intervals := range a.live {
		candle := intervals[interval]
		if candle != nil && !candle.Complete && now.After(candle.CloseTime) {
			a.finishCandle(candle)
			delete(intervals, interval)
		}
	}
}

// finishCandle marks a candle complete, retains it, and persists it.
// Caller holds candlesMu.
func (a *Aggregator) finishCandle(candle *Candle) {
	candle.Complete = true
	a.totalCandles++

	if a.completed[candle.Asset] == nil {
		a.completed[candle.Asset] = make(map[Interval][]*Candle)
	}
	retained := append(a.completed[candle.Asset][candle.Interval], candle)
	if len(retained) > maxRetained {
		retained = retained[len(retained)-maxRetained:]
	}
	a.completed[candle.Asset][candle.Interval] = retained

	a.storeCandle(candle)
}

func (a *Aggregator) storeCandle(candle *Candle) {
	if a.db == nil {
		return
	}
	key := []byte(fmt.Sprintf("candle:%s:%s:%d", candle.Asset, candle.Interval, candle.OpenTime.Unix()))

	value, err := json.Marshal(candle)
	if err != nil {
		a.logger.Error("Failed to marshal candle", "error", err)
		return
	}
	if err := a.db.Put(key, value); err != nil {
		a.logger.Error("Failed to store candle", "error", err)
	}
}

// Candles returns up to limit completed candles for an asset and interval,
// oldest first.
func (a *Aggregator) Candles(asset string, interval Interval, limit int) []*Candle {
	a.candlesMu.RLock()
	defer a.candlesMu.RUnlock()

	retained := a.completed[asset][interval]
	if limit > 0 && len(retained) > limit {
		retained = retained[len(retained)-limit:]
	}
	out := make([]*Candle, len(retained))
	copy(out, retained)
	return out
}

// LatestCandle returns the still-open candle for an asset and interval.
func (a *Aggregator) LatestCandle(asset string, interval Interval) *Candle {
	a.candlesMu.RLock()
	defer a.candlesMu.RUnlock()

	if intervals, ok := a.live[asset]; ok {
		if c := intervals[interval]; c != nil {
			copied := *c
			return &copied
		}
	}
	return nil
}

// VolumeWeightedAveragePrice calculates VWAP over the last periods candles.
func (a *Aggregator) VolumeWeightedAveragePrice(asset string, interval Interval, periods int) float64 {
	candles := a.Candles(asset, interval, periods)
	if len(candles) == 0 {
		return 0
	}

	var totalVolume, volumePrice float64
	for _, candle := range candles {
		avgPrice := (candle.High + candle.Low + candle.Close) / 3
		volumePrice += avgPrice * candle.Volume
		totalVolume += candle.Volume
	}
	if totalVolume == 0 {
		return 0
	}
	return volumePrice / totalVolume
}

// GetStats returns aggregator counters.
func (a *Aggregator) GetStats() map[string]interface{} {
	a.candlesMu.RLock()
	assets := len(a.live)
	a.candlesMu.RUnlock()

	a.fillsMu.Lock()
	fills := a.totalFills
	a.fillsMu.Unlock()

	return map[string]interface{}{
		"total_fills":   fills,
		"total_candles": a.totalCandles,
		"assets":        assets,
	}
}

// candleOpenTime aligns a timestamp to the interval boundary.
func candleOpenTime(t time.Time, interval Interval) time.Time {
	duration := interval.Duration()
	unix := t.Unix()
	seconds := int64(duration.Seconds())
	return time.Unix((unix/seconds)*seconds, 0).UTC()
}

// usdFloat converts a 1e30 USD value to a float64 for candle math.
func usdFloat(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	f, _ := decimal.NewFromBigInt(v, -vault.PricePrecisionDecimals).Float64()
	return f
}
