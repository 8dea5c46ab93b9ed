// Package feed wires the vault to NATS: committed events fan out on
// plp.events.* subjects and oracle prices stream in on plp.prices.*.
package feed

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"

	"github.com/plpfi/vault/pkg/vault"
)

const (
	eventSubjectPrefix = "plp.events."
	priceSubjectPrefix = "plp.prices."
	priceWildcard      = "plp.prices.>"
)

// Recorder counts message traffic. Satisfied by metrics.VaultMetrics.
type Recorder interface {
	RecordNATSMessage(direction string)
}

// EventPublisher implements vault.Publisher by pushing committed events
// onto NATS. Publishing is fire-and-forget: the vault holds its lock while
// publishing and must never block on the transport.
type EventPublisher struct {
	nc       *nats.Conn
	logger   log.Logger
	recorder Recorder
}

// NewEventPublisher connects the publisher to an established NATS
// connection. recorder may be nil.
func NewEventPublisher(nc *nats.Conn, logger log.Logger, recorder Recorder) *EventPublisher {
	return &EventPublisher{nc: nc, logger: logger, recorder: recorder}
}

// Publish implements vault.Publisher.
func (p *EventPublisher) Publish(e vault.Event) {
	data, err := json.Marshal(e)
	if err != nil {
		p.logger.Error("Failed to marshal event", "topic", e.Topic(), "error", err)
		return
	}
	if err := p.nc.Publish(eventSubjectPrefix+e.Topic(), data); err != nil {
		p.logger.Error("Failed to publish event", "topic", e.Topic(), "error", err)
		return
	}
	if p.recorder != nil {
		p.recorder.RecordNATSMessage("published")
	}
}

// PriceUpdate is the wire format for oracle updates. Prices are decimal
// USD strings; Max falls back to Min when absent.
type PriceUpdate struct {
	Asset     string    `json:"asset"`
	Min       string    `json:"min"`
	Max       string    `json:"max,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// PriceFeed drives a StaticOracle from NATS price updates. Subjects are
// plp.prices.<asset>; the payload asset field wins if both are present.
type PriceFeed struct {
	nc       *nats.Conn
	oracle   *vault.StaticOracle
	logger   log.Logger
	recorder Recorder
	sub      *nats.Subscription
}

// NewPriceFeed creates a feed updating oracle. recorder may be nil.
func NewPriceFeed(nc *nats.Conn, oracle *vault.StaticOracle, logger log.Logger, recorder Recorder) *PriceFeed {
	return &PriceFeed{nc: nc, oracle: oracle, logger: logger, recorder: recorder}
}

// Start subscribes to the price subjects.
func (f *PriceFeed) Start() error {
	sub, err := f.nc.Subscribe(priceWildcard, f.handlePrice)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", priceWildcard, err)
	}
	f.sub = sub
	f.logger.Info("Price feed subscribed", "subject", priceWildcard)
	return nil
}

// Stop drains the subscription.
func (f *PriceFeed) Stop() {
	if f.sub != nil {
		f.sub.Unsubscribe()
	}
}

func (f *PriceFeed) handlePrice(m *nats.Msg) {
	if f.recorder != nil {
		f.recorder.RecordNATSMessage("received")
	}

	var update PriceUpdate
	if err := json.Unmarshal(m.Data, &update); err != nil {
		f.logger.Warn("Dropping malformed price update", "subject", m.Subject, "error", err)
		return
	}
	if update.Asset == "" {
		update.Asset = strings.TrimPrefix(m.Subject, priceSubjectPrefix)
	}

	min, err := parsePrice(update.Min)
	if err != nil {
		f.logger.Warn("Dropping price update with bad min", "asset", update.Asset, "error", err)
		return
	}
	max := min
	if update.Max != "" {
		if max, err = parsePrice(update.Max); err != nil {
			f.logger.Warn("Dropping price update with bad max", "asset", update.Asset, "error", err)
			return
		}
	}
	if max.Cmp(min) < 0 {
		f.logger.Warn("Dropping inverted price update", "asset", update.Asset)
		return
	}

	f.oracle.SetPrice(update.Asset, min, max)
	f.logger.Debug("Price updated", "asset", update.Asset, "min", update.Min, "max", update.Max)
}

// parsePrice converts a decimal USD string to price precision units.
func parsePrice(s string) (*big.Int, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return nil, err
	}
	if d.Sign() <= 0 {
		return nil, fmt.Errorf("price must be positive")
	}
	return d.Shift(vault.PricePrecisionDecimals).Truncate(0).BigInt(), nil
}
