package vault

import (
	"math/big"
	"sync"
)

// PriceOracle supplies bid/ask USD prices at 1e30 precision. maximise=true
// returns the ask (the higher side), maximise=false the bid. Prices are
// assumed stable within a single vault operation; the vault reads each
// price exactly once per operation and uses it consistently throughout.
type PriceOracle interface {
	Price(asset string, maximise bool) *big.Int
}

// StaticOracle is a mutex-guarded in-memory oracle. It backs the tests and
// is driven in production by the NATS price feed.
type StaticOracle struct {
	prices map[string]*oraclePrice
	mu     sync.RWMutex
}

type oraclePrice struct {
	min *big.Int
	max *big.Int
}

// NewStaticOracle creates an empty oracle.
func NewStaticOracle() *StaticOracle {
	return &StaticOracle{prices: make(map[string]*oraclePrice)}
}

// SetPrice sets the bid/ask pair for an asset. min and max are 1e30 USD.
func (o *StaticOracle) SetPrice(asset string, min, max *big.Int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[asset] = &oraclePrice{
		min: new(big.Int).Set(min),
		max: new(big.Int).Set(max),
	}
}

// SetSpotPrice sets both sides to the same price.
func (o *StaticOracle) SetSpotPrice(asset string, price *big.Int) {
	o.SetPrice(asset, price, price)
}

// Price implements PriceOracle. Unknown assets report zero; the vault
// rejects zero prices as ErrInvalidPrice.
func (o *StaticOracle) Price(asset string, maximise bool) *big.Int {
	o.mu.RLock()
	defer o.mu.RUnlock()

	p, ok := o.prices[asset]
	if !ok {
		return big.NewInt(0)
	}
	if maximise {
		return new(big.Int).Set(p.max)
	}
	return new(big.Int).Set(p.min)
}
