package vault

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFundingAccrual(t *testing.T) {
	v, _, clock := newTestVault(t, nil)
	clock.t = clock.t.Truncate(time.Hour)

	l := v.ledgers["BTC"]
	l.PoolAmount = units(1000, 8)
	l.ReservedAmount = units(500, 8)

	// First touch only anchors the accrual clock.
	require.NoError(t, v.UpdateCumulativeFundingRate("BTC"))
	assert.Equal(t, big.NewInt(0), v.CumulativeFundingRate("BTC"))

	// One interval at 50% utilization: 600 * 500 / 1000 = 300.
	clock.Advance(time.Hour)
	require.NoError(t, v.UpdateCumulativeFundingRate("BTC"))
	assert.Equal(t, big.NewInt(300), v.CumulativeFundingRate("BTC"))

	// Within the same interval nothing accrues, however often touched.
	clock.Advance(30 * time.Minute)
	require.NoError(t, v.UpdateCumulativeFundingRate("BTC"))
	require.NoError(t, v.UpdateCumulativeFundingRate("BTC"))
	assert.Equal(t, big.NewInt(300), v.CumulativeFundingRate("BTC"))

	// Two whole intervals elapsed accrue both at once.
	clock.Advance(2 * time.Hour)
	require.NoError(t, v.UpdateCumulativeFundingRate("BTC"))
	assert.Equal(t, big.NewInt(900), v.CumulativeFundingRate("BTC"))
}

type eventRecorder struct {
	events []Event
}

func (r *eventRecorder) Publish(e Event) { r.events = append(r.events, e) }

func (r *eventRecorder) fundingEvents() []*FundingEvent {
	var out []*FundingEvent
	for _, e := range r.events {
		if f, ok := e.(*FundingEvent); ok {
			out = append(out, f)
		}
	}
	return out
}

func TestFundingEventOnlyAfterCommit(t *testing.T) {
	v, oracle, clock := newTestVault(t, nil)
	clock.t = clock.t.Truncate(time.Hour)

	deposit(t, v, "BTC", units(100, 8))
	_, err := v.MintUSDP("BTC", "seeder")
	require.NoError(t, err)
	deposit(t, v, "BTC", units(1, 8))
	require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", usd(100_000), true))

	rec := &eventRecorder{}
	v.SetPublisher(rec)

	// An aborted operation stages an accrual that never enters the ledger;
	// broadcasting it would feed subscribers a rate the vault does not hold.
	clock.Advance(2 * time.Hour)
	oracle.SetSpotPrice("BTC", big.NewInt(0))
	deposit(t, v, "BTC", big.NewInt(1_000))
	_, err = v.MintUSDP("BTC", "trader")
	require.ErrorIs(t, err, ErrInvalidPrice)

	assert.Empty(t, rec.fundingEvents())
	assert.Equal(t, big.NewInt(0), v.CumulativeFundingRate("BTC"))

	// The next successful operation commits the accrual and announces it.
	oracle.SetSpotPrice("BTC", usd(30000))
	_, err = v.MintUSDP("BTC", "trader")
	require.NoError(t, err)

	events := rec.fundingEvents()
	require.Len(t, events, 1)
	assert.True(t, events[0].RateDelta.Sign() > 0)
	assert.Equal(t, v.CumulativeFundingRate("BTC"), events[0].CumulativeFundingRate)
}

func TestFundingFee(t *testing.T) {
	l := newPoolLedger()
	l.CumulativeFundingRate = big.NewInt(300)

	// size * rateDelta / precision: 1000 USD at rate 300 owes 0.3 USD.
	fee := fundingFee(l, usd(1000), big.NewInt(0))
	expected := new(big.Int).Div(new(big.Int).Mul(usd(1000), big.NewInt(300)), big.NewInt(FundingRatePrecision))
	assert.Equal(t, expected, fee)

	// Entry at or past the cumulative rate owes nothing.
	assert.Equal(t, big.NewInt(0), fundingFee(l, usd(1000), big.NewInt(300)))
	assert.Equal(t, big.NewInt(0), fundingFee(l, usd(1000), big.NewInt(400)))
	assert.Equal(t, big.NewInt(0), fundingFee(l, big.NewInt(0), big.NewInt(0)))
}

func TestFundingDeductedFromCollateral(t *testing.T) {
	v, oracle, clock := newTestVault(t, nil)
	clock.t = clock.t.Truncate(time.Hour)
	oracle.SetSpotPrice("BTC", usd(10000))

	deposit(t, v, "BTC", units(100, 8))
	_, err := v.MintUSDP("BTC", "seeder")
	require.NoError(t, err)

	deposit(t, v, "BTC", big.NewInt(1_000_000)) // 0.01 BTC = 100 USD
	require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", usd(1000), true))

	pos, ok := v.Position("alice", "BTC", "BTC", true)
	require.True(t, ok)
	collateralBefore := new(big.Int).Set(pos.Collateral)

	// Let funding accrue, then touch the position without adding anything.
	clock.Advance(2 * time.Hour)
	require.NoError(t, v.IncreasePosition("alice", "BTC", "BTC", big.NewInt(0), true))

	pos, ok = v.Position("alice", "BTC", "BTC", true)
	require.True(t, ok)
	assert.True(t, pos.Collateral.Cmp(collateralBefore) < 0)
	assert.Equal(t, v.CumulativeFundingRate("BTC"), pos.EntryFundingRate)
}
