package risk

import (
	"testing"

	"keel/internal/bus"
	"keel/internal/types"
	"keel/internal/venue"

	"github.com/stretchr/testify/assert"
)

func testLimits() Limits {
	return Limits{
		MaxDailyLoss:        500,
		MaxDailyLossPercent: 5,
		MaxPositionSize:     10_000,
		MaxOpenPositions:    3,
		StopLossPercent:     5,
		AccountEquity:       100_000,
	}
}

func buyOrder(qty, price float64) venue.OrderRequest {
	return venue.OrderRequest{
		Symbol:   "AAPL",
		Side:     types.SideBuy,
		Type:     venue.OrderLimit,
		Quantity: qty,
		Price:    price,
	}
}

func TestCheckOrderAllowed(t *testing.T) {
	g := NewGovernor(testLimits(), nil)
	d := g.CheckOrder(buyOrder(10, 100), 0, 0, true)
	assert.True(t, d.Allowed)
	assert.Empty(t, d.Reason)
}

func TestCheckOrderMaxPositionSize(t *testing.T) {
	g := NewGovernor(testLimits(), nil)
	d := g.CheckOrder(buyOrder(200, 100), 0, 0, true)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "max position size")
}

func TestCheckOrderMaxOpenPositions(t *testing.T) {
	g := NewGovernor(testLimits(), nil)

	// At the limit, a new symbol is rejected...
	d := g.CheckOrder(buyOrder(1, 100), 0, 3, true)
	assert.False(t, d.Allowed)

	// ...but adding to an existing position is fine.
	d = g.CheckOrder(buyOrder(1, 100), 0, 3, false)
	assert.True(t, d.Allowed)
}

func TestCheckOrderDailyLoss(t *testing.T) {
	g := NewGovernor(testLimits(), nil)
	g.RecordExecution(venue.OrderExecution{Symbol: "AAPL", Side: types.SideSell}, -400)

	// Aggregate of realized -400 and unrealized -150 breaches 500.
	d := g.CheckOrder(buyOrder(1, 100), -150, 0, true)
	assert.False(t, d.Allowed)
	assert.Contains(t, d.Reason, "daily loss")

	// Unrealized gains pull the aggregate back under the limit.
	d = g.CheckOrder(buyOrder(1, 100), 200, 0, true)
	assert.True(t, d.Allowed)
}

func TestCheckOrderDailyLossPercent(t *testing.T) {
	limits := testLimits()
	limits.MaxDailyLoss = 0 // isolate the percent limit
	g := NewGovernor(limits, nil)

	// 5% of 100k equity = 5000.
	d := g.CheckOrder(buyOrder(1, 100), -5_000, 0, true)
	assert.False(t, d.Allowed)

	d = g.CheckOrder(buyOrder(1, 100), -4_999, 0, true)
	assert.True(t, d.Allowed)
}

func TestBreakerSticky(t *testing.T) {
	events := bus.New()
	var critical []CriticalError
	events.Subscribe(bus.TopicCriticalError, func(e bus.Event) {
		critical = append(critical, e.Payload.(CriticalError))
	})

	g := NewGovernor(testLimits(), events)
	g.TripBreaker("manual test")

	for i := 0; i < 3; i++ {
		d := g.CheckOrder(buyOrder(1, 100), 0, 0, true)
		assert.False(t, d.Allowed)
		assert.Contains(t, d.Reason, "circuit breaker")
	}
	assert.Len(t, critical, 1)
	assert.True(t, g.Status().CircuitBroken)

	g.ResetBreaker()
	assert.False(t, g.Status().CircuitBroken)
	d := g.CheckOrder(buyOrder(1, 100), 0, 0, true)
	assert.True(t, d.Allowed)
}

func TestUpdateLimitsKeepsTrippedBreaker(t *testing.T) {
	g := NewGovernor(testLimits(), nil)
	g.TripBreaker("unrecoverable")
	g.UpdateLimits(testLimits())
	assert.True(t, g.Status().CircuitBroken)
}

func TestReportCriticalPublishes(t *testing.T) {
	events := bus.New()
	var got []CriticalError
	events.Subscribe(bus.TopicCriticalError, func(e bus.Event) {
		got = append(got, e.Payload.(CriticalError))
	})

	g := NewGovernor(testLimits(), events)
	g.ReportCritical("stoploss", "3 consecutive protective order failures")

	assert.Len(t, got, 1)
	assert.Equal(t, "stoploss", got[0].Source)
	// Reporting is a notification, not a trip.
	assert.False(t, g.Status().CircuitBroken)
}
