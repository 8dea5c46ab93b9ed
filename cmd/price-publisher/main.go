// Command price-publisher pushes oracle prices to a plpd node over NATS.
// One-shot mode sets fixed prices; walk mode streams a random walk around
// them, which is handy for exercising liquidations locally.
package main

import (
	"encoding/json"
	"flag"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
)

type PriceUpdate struct {
	Asset     string    `json:"asset"`
	Min       string    `json:"min"`
	Max       string    `json:"max,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

func main() {
	var (
		natsURL  = flag.String("nats", nats.DefaultURL, "NATS server URL")
		prices   = flag.String("prices", "USDC=1,USDT=1,BTC=30000,ETH=2000", "Comma-separated SYMBOL=USD pairs")
		interval = flag.Duration("interval", time.Second, "Publish interval in walk mode")
		walk     = flag.Bool("walk", false, "Stream a random walk instead of a one-shot update")
		drift    = flag.Float64("drift", 0.001, "Max relative step per tick in walk mode")
		spread   = flag.Float64("spread", 0.0005, "Relative bid/ask spread")
	)
	flag.Parse()

	level, _ := log.ToLevel("info")
	logger := log.NewTestLogger(level)

	quotes, err := parsePrices(*prices)
	if err != nil {
		logger.Error("Invalid prices flag", "error", err)
		os.Exit(1)
	}

	nc, err := nats.Connect(*natsURL)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer nc.Close()
	logger.Info("Connected to NATS", "url", *natsURL)

	publish := func() {
		for asset, price := range quotes {
			half := price.Mul(decimal.NewFromFloat(*spread / 2))
			update := PriceUpdate{
				Asset:     asset,
				Min:       price.Sub(half).String(),
				Max:       price.Add(half).String(),
				Timestamp: time.Now().UTC(),
			}
			data, _ := json.Marshal(update)
			if err := nc.Publish("plp.prices."+asset, data); err != nil {
				logger.Error("Publish failed", "asset", asset, "error", err)
				continue
			}
			logger.Info("Price published", "asset", asset, "min", update.Min, "max", update.Max)
		}
	}

	if !*walk {
		publish()
		nc.Flush()
		return
	}

	logger.Info("Streaming random walk", "interval", *interval, "drift", *drift)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for range ticker.C {
		for asset, price := range quotes {
			step := decimal.NewFromFloat((rand.Float64()*2 - 1) * *drift)
			quotes[asset] = price.Add(price.Mul(step))
		}
		publish()
	}
}

func parsePrices(s string) (map[string]decimal.Decimal, error) {
	quotes := make(map[string]decimal.Decimal)
	for _, pair := range strings.Split(s, ",") {
		symbol, value, found := strings.Cut(strings.TrimSpace(pair), "=")
		if !found {
			continue
		}
		price, err := decimal.NewFromString(value)
		if err != nil {
			return nil, err
		}
		quotes[strings.ToUpper(symbol)] = price
	}
	return quotes, nil
}
