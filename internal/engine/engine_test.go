package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"keel/internal/bus"
	"keel/internal/ledger"
	"keel/internal/market"
	"keel/internal/risk"
	"keel/internal/store/memstore"
	"keel/internal/strategy"
	"keel/internal/types"
	"keel/internal/venue"
	"keel/internal/venue/sim"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeVenue is a scriptable venue for exercising connection and
// placement paths.
type fakeVenue struct {
	name          string
	connectErr    error
	connected     bool
	placeErr      error
	reject        bool
	rejectSymbols map[string]bool
	placed        []venue.OrderRequest
	fills         []types.Trade
}

func (f *fakeVenue) Name() string { return f.name }

func (f *fakeVenue) Connect(ctx context.Context) error {
	if f.connectErr != nil {
		return f.connectErr
	}
	f.connected = true
	return nil
}

func (f *fakeVenue) Disconnect(ctx context.Context) error { f.connected = false; return nil }
func (f *fakeVenue) IsConnected() bool                    { return f.connected }

func (f *fakeVenue) Positions(ctx context.Context) ([]types.Trade, error) {
	if !f.connected {
		return nil, venue.ErrNotConnected
	}
	return f.fills, nil
}

func (f *fakeVenue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderExecution, error) {
	if f.placeErr != nil {
		return nil, f.placeErr
	}
	f.placed = append(f.placed, req)
	status := venue.StatusFilled
	qty := req.Quantity
	if f.reject || f.rejectSymbols[req.Symbol] {
		status = venue.StatusRejected
		qty = 0
	}
	price := req.Price
	if price <= 0 {
		price = 100
	}
	return &venue.OrderExecution{
		OrderID:        fmt.Sprintf("%s-%d", f.name, len(f.placed)),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         status,
		FilledQuantity: qty,
		AveragePrice:   price,
		ExecutedAt:     time.Now(),
		Venue:          f.name,
	}, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, orderID string) error { return nil }

func (f *fakeVenue) Quote(ctx context.Context, symbol string, side types.Side) (venue.Quote, error) {
	return venue.Quote{Symbol: symbol, Last: 100}, nil
}

// scriptStrategy returns a fixed set of signals, or an error.
type scriptStrategy struct {
	id      string
	signals []strategy.Signal
	err     error
	calls   int
}

func (s *scriptStrategy) ID() string   { return s.id }
func (s *scriptStrategy) Name() string { return s.id }

func (s *scriptStrategy) GenerateSignals(ctx strategy.Context) ([]strategy.Signal, error) {
	s.calls++
	return s.signals, s.err
}

type fixture struct {
	engine   *Engine
	primary  *fakeVenue
	fallback *sim.Venue
	ledger   *ledger.Ledger
	governor *risk.Governor
	events   *bus.Bus
	feed     *market.StaticFeed
	strat    *scriptStrategy
}

func buyOrder(symbol string, qty, price float64) venue.OrderRequest {
	return venue.OrderRequest{
		Symbol:   symbol,
		Side:     types.SideBuy,
		Type:     venue.OrderLimit,
		Quantity: qty,
		Price:    price,
	}
}

func newFixture(t *testing.T, limits risk.Limits, dryRun bool) *fixture {
	t.Helper()
	st := memstore.New()
	led := ledger.New(st.Stocks(), st.Trades())
	require.NoError(t, led.RegisterStock(context.Background(), "AAPL", "Apple"))

	events := bus.New()
	feed := market.NewStaticFeed()
	feed.SetPrice("AAPL", 100)

	primary := &fakeVenue{name: "primary"}
	fallback := sim.New(feed)
	strat := &scriptStrategy{
		id: "test",
		signals: []strategy.Signal{{
			Strategy: "test",
			Symbol:   "AAPL",
			Orders:   []venue.OrderRequest{buyOrder("AAPL", 10, 100)},
			Reason:   "scripted",
		}},
	}

	eng := New(Options{
		Primary:  primary,
		Fallback: fallback,
		Governor: risk.NewGovernor(limits, events),
		Ledger:   led,
		Feed:     feed,
		Events:   events,
		DryRun:   dryRun,
	})
	eng.RegisterStrategy(strat)
	return &fixture{
		engine:   eng,
		primary:  primary,
		fallback: fallback,
		ledger:   led,
		events:   events,
		feed:     feed,
		strat:    strat,
	}
}

func TestEvaluateHealthyPrimary(t *testing.T) {
	fx := newFixture(t, risk.Limits{}, false)

	var published []venue.OrderExecution
	fx.events.Subscribe(bus.TopicTradeExecuted, func(evt bus.Event) {
		published = append(published, evt.Payload.(venue.OrderExecution))
	})

	result, err := fx.engine.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, "primary", result.Venue)
	require.Len(t, result.Executions, 1)
	assert.Empty(t, result.Failures)
	assert.Equal(t, venue.StatusFilled, result.Executions[0].Status)

	trades, err := fx.ledger.Trades(context.Background())
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, 10.0, trades[0].Quantity)

	require.Len(t, published, 1)
	assert.Equal(t, "AAPL", published[0].Symbol)
}

func TestEvaluateFallsBackWhenPrimaryDown(t *testing.T) {
	fx := newFixture(t, risk.Limits{}, false)
	fx.primary.connectErr = errors.New("connection refused")

	result, err := fx.engine.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	assert.Equal(t, "sim", result.Venue)
	require.Len(t, result.Executions, 1)
	assert.Equal(t, "sim", result.Executions[0].Venue)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, venue.CodeBrokerConnection, result.Failures[0].Code)
	assert.Equal(t, 1, fx.strat.calls)
}

func TestEvaluateBothVenuesDown(t *testing.T) {
	st := memstore.New()
	led := ledger.New(st.Stocks(), st.Trades())
	feed := market.NewStaticFeed()
	primary := &fakeVenue{name: "primary", connectErr: errors.New("refused")}
	secondary := &fakeVenue{name: "backup", connectErr: errors.New("also refused")}
	strat := &scriptStrategy{id: "test"}

	eng := New(Options{
		Primary:  primary,
		Fallback: secondary,
		Governor: risk.NewGovernor(risk.Limits{}, nil),
		Ledger:   led,
		Feed:     feed,
	})
	eng.RegisterStrategy(strat)

	result, err := eng.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	require.Len(t, result.Failures, 2)
	assert.Equal(t, venue.CodeBrokerConnection, result.Failures[0].Code)
	assert.Equal(t, venue.CodeBrokerConnection, result.Failures[1].Code)
	assert.Empty(t, result.Executions)
	assert.Zero(t, strat.calls, "signal generation must not run without a venue")
}

func TestEvaluateUnknownStrategy(t *testing.T) {
	fx := newFixture(t, risk.Limits{}, false)
	_, err := fx.engine.Evaluate(context.Background(), "nope")
	require.Error(t, err)
}

func TestEvaluateDryRun(t *testing.T) {
	fx := newFixture(t, risk.Limits{MaxPositionSize: 1}, true)

	result, err := fx.engine.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	assert.True(t, result.DryRun)
	assert.Equal(t, "dry-run", result.Venue)
	require.Len(t, result.Executions, 1)

	exec := result.Executions[0]
	assert.Equal(t, venue.StatusSimulated, exec.Status)
	assert.Zero(t, exec.FilledQuantity)
	assert.False(t, exec.Filled())

	// Nothing touches the venue or the ledger, and the tight position
	// limit above proves risk checks are bypassed.
	assert.Empty(t, fx.primary.placed)
	trades, err := fx.ledger.Trades(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trades)
}

func TestRiskRejectionIsIsolated(t *testing.T) {
	fx := newFixture(t, risk.Limits{MaxPositionSize: 500}, false)
	fx.strat.signals = []strategy.Signal{{
		Strategy: "test",
		Symbol:   "AAPL",
		Orders: []venue.OrderRequest{
			buyOrder("AAPL", 100, 100), // notional 10000, rejected
			buyOrder("AAPL", 4, 100),   // notional 400, allowed
		},
	}}

	result, err := fx.engine.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, venue.CodeRiskRejected, result.Failures[0].Code)
	require.Len(t, result.Executions, 1)
	assert.Equal(t, 4.0, result.Executions[0].FilledQuantity)
}

func TestValidationFailures(t *testing.T) {
	fx := newFixture(t, risk.Limits{}, false)
	fx.strat.signals = []strategy.Signal{{
		Strategy: "test",
		Symbol:   "AAPL",
		Orders: []venue.OrderRequest{
			{Symbol: "AAPL", Side: types.SideBuy, Type: venue.OrderMarket, Quantity: 0},
			{Symbol: "AAPL", Side: types.SideBuy, Type: venue.OrderLimit, Quantity: 1, Price: 0},
		},
	}}

	result, err := fx.engine.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	require.Len(t, result.Failures, 2)
	for _, f := range result.Failures {
		assert.Equal(t, venue.CodeValidation, f.Code)
	}
	assert.Empty(t, fx.primary.placed)
}

func TestSignalGenerationFailure(t *testing.T) {
	fx := newFixture(t, risk.Limits{}, false)
	fx.strat.err = errors.New("indicator blew up")

	result, err := fx.engine.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, venue.CodeSignalGeneration, result.Failures[0].Code)
	assert.Empty(t, result.Executions)
	assert.Empty(t, fx.primary.placed)
}

func TestVenueRejectionBecomesFailure(t *testing.T) {
	fx := newFixture(t, risk.Limits{}, false)
	fx.primary.reject = true

	result, err := fx.engine.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	require.Len(t, result.Failures, 1)
	assert.Equal(t, venue.CodeOrderFailed, result.Failures[0].Code)

	trades, err := fx.ledger.Trades(context.Background())
	require.NoError(t, err)
	assert.Empty(t, trades, "rejected orders must not reach the ledger")
}

func TestRealizedLossFeedsDailyLimit(t *testing.T) {
	fx := newFixture(t, risk.Limits{MaxDailyLoss: 400}, false)

	// Build a long position, then sell at a 500 loss. The realized
	// delta crosses the daily limit, so the next buy is refused.
	fx.strat.signals = []strategy.Signal{{
		Strategy: "test",
		Symbol:   "AAPL",
		Orders: []venue.OrderRequest{
			buyOrder("AAPL", 10, 100),
			{Symbol: "AAPL", Side: types.SideSell, Type: venue.OrderLimit, Quantity: 10, Price: 50},
			buyOrder("AAPL", 1, 100),
		},
	}}

	result, err := fx.engine.Evaluate(context.Background(), "test")
	require.NoError(t, err)

	require.Len(t, result.Executions, 2)
	require.Len(t, result.Failures, 1)
	assert.Equal(t, venue.CodeRiskRejected, result.Failures[0].Code)
	assert.Contains(t, result.Failures[0].Reason, "daily loss")
}

func TestSubmitOrderRiskGated(t *testing.T) {
	fx := newFixture(t, risk.Limits{MaxPositionSize: 500}, false)

	_, err := fx.engine.SubmitOrder(context.Background(), buyOrder("AAPL", 100, 100))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max position size")

	exec, err := fx.engine.SubmitOrder(context.Background(), buyOrder("AAPL", 2, 100))
	require.NoError(t, err)
	assert.True(t, exec.Filled())
}

func TestSellAllPositionsFlattens(t *testing.T) {
	fx := newFixture(t, risk.Limits{}, false)

	// Venue history: long 5 AAPL, short 3 MSFT, flat TSLA.
	fx.primary.connected = true
	fx.primary.fills = []types.Trade{
		{ID: "1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 8, Price: 100},
		{ID: "2", Symbol: "AAPL", Side: types.SideSell, Quantity: 3, Price: 101},
		{ID: "3", Symbol: "MSFT", Side: types.SideSell, Quantity: 3, Price: 300},
		{ID: "4", Symbol: "TSLA", Side: types.SideBuy, Quantity: 2, Price: 200},
		{ID: "5", Symbol: "TSLA", Side: types.SideSell, Quantity: 2, Price: 210},
	}
	fx.feed.SetPrice("MSFT", 300)

	result, err := fx.engine.SellAllPositions(context.Background())
	require.NoError(t, err)
	require.Len(t, result.Executions, 2)

	bySymbol := map[string]venue.OrderExecution{}
	for _, exec := range result.Executions {
		bySymbol[exec.Symbol] = exec
	}
	assert.Equal(t, types.SideSell, bySymbol["AAPL"].Side)
	assert.Equal(t, 5.0, bySymbol["AAPL"].FilledQuantity)
	assert.Equal(t, types.SideBuy, bySymbol["MSFT"].Side)
	assert.Equal(t, 3.0, bySymbol["MSFT"].FilledQuantity)
	assert.NotContains(t, bySymbol, "TSLA")
}

func TestSellAllPositionsIsolatesFailures(t *testing.T) {
	fx := newFixture(t, risk.Limits{}, false)

	fx.primary.connected = true
	fx.primary.fills = []types.Trade{
		{ID: "1", Symbol: "AAPL", Side: types.SideBuy, Quantity: 5, Price: 100},
		{ID: "2", Symbol: "MSFT", Side: types.SideBuy, Quantity: 3, Price: 300},
	}
	fx.primary.rejectSymbols = map[string]bool{"AAPL": true}
	fx.feed.SetPrice("MSFT", 300)

	result, err := fx.engine.SellAllPositions(context.Background())
	require.NoError(t, err)

	// The AAPL rejection is recorded but MSFT still flattens.
	require.Len(t, result.Failures, 1)
	assert.Equal(t, venue.CodeOrderFailed, result.Failures[0].Code)
	assert.Equal(t, "AAPL", result.Failures[0].Symbol)

	require.Len(t, result.Executions, 1)
	assert.Equal(t, "MSFT", result.Executions[0].Symbol)
	assert.Equal(t, types.SideSell, result.Executions[0].Side)
	assert.Equal(t, 3.0, result.Executions[0].FilledQuantity)
}
