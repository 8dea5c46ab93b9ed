package feed

import (
	"math/big"
	"testing"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plpfi/vault/pkg/vault"
)

type countingRecorder struct {
	published int
	received  int
}

func (r *countingRecorder) RecordNATSMessage(direction string) {
	switch direction {
	case "published":
		r.published++
	case "received":
		r.received++
	}
}

func newTestFeed(t *testing.T) (*PriceFeed, *vault.StaticOracle, *countingRecorder) {
	t.Helper()
	oracle := vault.NewStaticOracle()
	level, _ := log.ToLevel("debug")
	logger := log.NewTestLogger(level)
	rec := &countingRecorder{}
	return NewPriceFeed(nil, oracle, logger, rec), oracle, rec
}

func TestPriceFeed_HandlePrice(t *testing.T) {
	t.Run("MinMaxUpdate", func(t *testing.T) {
		feed, oracle, rec := newTestFeed(t)
		feed.handlePrice(&nats.Msg{
			Subject: "plp.prices.BTC",
			Data:    []byte(`{"asset":"BTC","min":"29950","max":"30050"}`),
		})
		min := new(big.Int).Mul(big.NewInt(29950), vault.PricePrecision)
		max := new(big.Int).Mul(big.NewInt(30050), vault.PricePrecision)
		assert.Equal(t, 0, oracle.Price("BTC", false).Cmp(min))
		assert.Equal(t, 0, oracle.Price("BTC", true).Cmp(max))
		assert.Equal(t, 1, rec.received)
	})

	t.Run("AssetFromSubject", func(t *testing.T) {
		feed, oracle, _ := newTestFeed(t)
		feed.handlePrice(&nats.Msg{
			Subject: "plp.prices.ETH",
			Data:    []byte(`{"min":"2000.50"}`),
		})
		want, ok := new(big.Int).SetString("20005", 10)
		require.True(t, ok)
		want.Mul(want, new(big.Int).Div(vault.PricePrecision, big.NewInt(10)))
		assert.Equal(t, 0, oracle.Price("ETH", false).Cmp(want))
		assert.Equal(t, 0, oracle.Price("ETH", true).Cmp(want))
	})

	t.Run("MalformedDropped", func(t *testing.T) {
		feed, oracle, _ := newTestFeed(t)
		feed.handlePrice(&nats.Msg{Subject: "plp.prices.BTC", Data: []byte(`not json`)})
		feed.handlePrice(&nats.Msg{
			Subject: "plp.prices.BTC",
			Data:    []byte(`{"asset":"BTC","min":"-1"}`),
		})
		feed.handlePrice(&nats.Msg{
			Subject: "plp.prices.BTC",
			Data:    []byte(`{"asset":"BTC","min":"30000","max":"29000"}`),
		})
		assert.Equal(t, 0, oracle.Price("BTC", false).Sign())
	})
}

func TestParsePrice(t *testing.T) {
	p, err := parsePrice("1")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cmp(vault.PricePrecision))

	p, err = parsePrice("0.000001")
	require.NoError(t, err)
	assert.Equal(t, 0, p.Cmp(new(big.Int).Exp(big.NewInt(10), big.NewInt(24), nil)))

	_, err = parsePrice("0")
	assert.Error(t, err)
	_, err = parsePrice("abc")
	assert.Error(t, err)
}
