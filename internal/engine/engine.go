// Package engine orchestrates one evaluation cycle: venue connection
// with fallback, signal generation, risk gating and order placement.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"keel/internal/bus"
	"keel/internal/ledger"
	"keel/internal/logger"
	"keel/internal/market"
	"keel/internal/pkg/traderr"
	"keel/internal/risk"
	"keel/internal/strategy"
	"keel/internal/types"
	"keel/internal/venue"
)

// EvaluationResult is the complete account of one cycle. Failures are
// accumulated alongside executions; a failed order never aborts its
// siblings.
type EvaluationResult struct {
	Strategy   string                 `json:"strategy"`
	Venue      string                 `json:"venue"`
	DryRun     bool                   `json:"dry_run"`
	StartedAt  time.Time              `json:"started_at"`
	FinishedAt time.Time              `json:"finished_at"`
	Signals    []strategy.Signal      `json:"signals"`
	Executions []venue.OrderExecution `json:"executions"`
	Failures   []venue.OrderFailure   `json:"failures"`
}

// Engine serializes evaluations with a mutex: exactly one cycle runs
// at a time, callers that overlap wait their turn.
type Engine struct {
	mu sync.Mutex

	primary  venue.Venue
	fallback venue.Venue
	governor *risk.Governor
	ledger   *ledger.Ledger
	feed     market.Feed
	history  *market.Recorder
	events   *bus.Bus
	dryRun   bool

	stratMu    sync.RWMutex
	strategies map[string]strategy.Strategy

	nowFn func() time.Time
}

type Options struct {
	Primary  venue.Venue
	Fallback venue.Venue
	Governor *risk.Governor
	Ledger   *ledger.Ledger
	Feed     market.Feed
	History  *market.Recorder
	Events   *bus.Bus
	DryRun   bool
}

func New(opts Options) *Engine {
	return &Engine{
		primary:    opts.Primary,
		fallback:   opts.Fallback,
		governor:   opts.Governor,
		ledger:     opts.Ledger,
		feed:       opts.Feed,
		history:    opts.History,
		events:     opts.Events,
		dryRun:     opts.DryRun,
		strategies: make(map[string]strategy.Strategy),
		nowFn:      time.Now,
	}
}

func (e *Engine) RegisterStrategy(s strategy.Strategy) {
	e.stratMu.Lock()
	defer e.stratMu.Unlock()
	e.strategies[s.ID()] = s
}

// Strategies lists registered strategies in stable order.
func (e *Engine) Strategies() []strategy.Strategy {
	e.stratMu.RLock()
	defer e.stratMu.RUnlock()
	out := make([]strategy.Strategy, 0, len(e.strategies))
	for _, s := range e.strategies {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

func (e *Engine) DryRun() bool { return e.dryRun }

// Evaluate runs one full cycle for the named strategy. Connection
// failure on both venues ends the cycle before signal generation;
// signal-generation errors end it before any order is placed.
func (e *Engine) Evaluate(ctx context.Context, strategyID string) (*EvaluationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.stratMu.RLock()
	strat, ok := e.strategies[strategyID]
	e.stratMu.RUnlock()
	if !ok {
		return nil, traderr.NotFoundf("strategy %q is not registered", strategyID)
	}

	result := &EvaluationResult{
		Strategy:  strategyID,
		DryRun:    e.dryRun,
		StartedAt: e.nowFn(),
	}
	defer func() { result.FinishedAt = e.nowFn() }()

	var active venue.Venue
	if e.dryRun {
		result.Venue = "dry-run"
	} else {
		var err error
		active, err = e.connectWithFallback(ctx, result)
		if err != nil {
			logger.Errorf("engine: no venue available for %s: %v", strategyID, err)
			return result, nil
		}
		result.Venue = active.Name()
	}

	sctx, err := e.buildContext(ctx, result.Venue)
	if err != nil {
		result.Failures = append(result.Failures, venue.OrderFailure{
			Code:       venue.CodeSignalGeneration,
			Reason:     fmt.Sprintf("context build failed: %v", err),
			OccurredAt: e.nowFn(),
		})
		return result, nil
	}

	signals, err := strat.GenerateSignals(sctx)
	if err != nil {
		result.Failures = append(result.Failures, venue.OrderFailure{
			Code:       venue.CodeSignalGeneration,
			Reason:     err.Error(),
			OccurredAt: e.nowFn(),
		})
		logger.Warnf("engine: strategy %s signal generation failed: %v", strategyID, err)
		return result, nil
	}
	result.Signals = signals

	for _, sig := range signals {
		for _, order := range sig.Orders {
			if e.dryRun {
				result.Executions = append(result.Executions, e.simulate(ctx, order))
				continue
			}
			exec, failure := e.executeOrder(ctx, active, order)
			if failure != nil {
				result.Failures = append(result.Failures, *failure)
				continue
			}
			result.Executions = append(result.Executions, *exec)
		}
	}
	logger.Infof("engine: %s cycle done venue=%s executions=%d failures=%d",
		strategyID, result.Venue, len(result.Executions), len(result.Failures))
	return result, nil
}

// SubmitOrder places a single risk-gated order outside an evaluation
// cycle. The stop-loss supervisor and the manual-order endpoint go
// through here.
func (e *Engine) SubmitOrder(ctx context.Context, order venue.OrderRequest) (*venue.OrderExecution, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.dryRun {
		exec := e.simulate(ctx, order)
		return &exec, nil
	}
	result := &EvaluationResult{StartedAt: e.nowFn()}
	active, err := e.connectWithFallback(ctx, result)
	if err != nil {
		return nil, err
	}
	exec, failure := e.executeOrder(ctx, active, order)
	if failure != nil {
		return nil, fmt.Errorf("%s: %s", failure.Code, failure.Reason)
	}
	return exec, nil
}

// SellAllPositions flattens every open position the venue reports.
// The venue's fill history is authoritative, not the local ledger.
// Symbols are handled independently; one failure never stops the rest.
func (e *Engine) SellAllPositions(ctx context.Context) (*EvaluationResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	result := &EvaluationResult{StartedAt: e.nowFn()}
	defer func() { result.FinishedAt = e.nowFn() }()

	active, err := e.connectWithFallback(ctx, result)
	if err != nil {
		return result, err
	}
	result.Venue = active.Name()

	fills, err := active.Positions(ctx)
	if err != nil {
		return result, fmt.Errorf("engine: venue positions: %w", err)
	}
	net := foldNet(fills)

	symbols := make([]string, 0, len(net))
	for s := range net {
		symbols = append(symbols, s)
	}
	sort.Strings(symbols)

	for _, symbol := range symbols {
		qty := net[symbol]
		order := venue.OrderRequest{Symbol: symbol, Type: venue.OrderMarket}
		switch {
		case qty > 0:
			order.Side, order.Quantity = types.SideSell, qty
		case qty < 0:
			order.Side, order.Quantity = types.SideBuy, -qty
		default:
			continue
		}
		exec, failure := e.executeOrder(ctx, active, order)
		if failure != nil {
			result.Failures = append(result.Failures, *failure)
			continue
		}
		result.Executions = append(result.Executions, *exec)
	}
	logger.Infof("engine: sell-all flattened %d symbols, %d failures",
		len(result.Executions), len(result.Failures))
	return result, nil
}

// connectWithFallback returns the venue to trade on: the primary if it
// is or becomes connected, otherwise the fallback after exactly one
// connection attempt. Each refusal is recorded on the result.
func (e *Engine) connectWithFallback(ctx context.Context, result *EvaluationResult) (venue.Venue, error) {
	if e.primary.IsConnected() {
		return e.primary, nil
	}
	err := e.primary.Connect(ctx)
	if err == nil {
		return e.primary, nil
	}
	result.Failures = append(result.Failures, venue.OrderFailure{
		Code:       venue.CodeBrokerConnection,
		Reason:     fmt.Sprintf("primary venue %s: %v", e.primary.Name(), err),
		OccurredAt: e.nowFn(),
	})
	logger.Warnf("engine: primary venue %s unreachable: %v", e.primary.Name(), err)
	if e.fallback == nil {
		return nil, fmt.Errorf("engine: primary venue unreachable and no fallback configured")
	}
	if e.fallback.IsConnected() {
		return e.fallback, nil
	}
	if err := e.fallback.Connect(ctx); err != nil {
		result.Failures = append(result.Failures, venue.OrderFailure{
			Code:       venue.CodeBrokerConnection,
			Reason:     fmt.Sprintf("fallback venue %s: %v", e.fallback.Name(), err),
			OccurredAt: e.nowFn(),
		})
		return nil, fmt.Errorf("engine: all venues unreachable")
	}
	logger.Warnf("engine: trading on fallback venue %s", e.fallback.Name())
	return e.fallback, nil
}

// executeOrder validates, risk-checks and places one order, then
// records any fill in the ledger and with the governor.
func (e *Engine) executeOrder(ctx context.Context, active venue.Venue, order venue.OrderRequest) (*venue.OrderExecution, *venue.OrderFailure) {
	if failure := e.validateOrder(order); failure != nil {
		return nil, failure
	}

	priced := order
	if priced.Price <= 0 {
		tick, err := e.feed.Tick(ctx, order.Symbol)
		if err != nil {
			return nil, e.failure(order, venue.CodeValidation,
				fmt.Sprintf("no market price to size %s: %v", order.Symbol, err))
		}
		priced.Price = tick.Price
	}

	// Risk state is re-read for every order: an earlier fill in the
	// same cycle changes what the next order is allowed to do.
	unrealized, err := e.ledger.TotalUnrealizedPnl(ctx)
	if err != nil {
		return nil, e.failure(order, venue.CodeOrderFailed, fmt.Sprintf("ledger read: %v", err))
	}
	openCount, err := e.ledger.OpenPositionCount(ctx)
	if err != nil {
		return nil, e.failure(order, venue.CodeOrderFailed, fmt.Sprintf("ledger read: %v", err))
	}
	opensNew, err := e.opensNewSymbol(ctx, order)
	if err != nil {
		return nil, e.failure(order, venue.CodeOrderFailed, fmt.Sprintf("ledger read: %v", err))
	}
	if decision := e.governor.CheckOrder(priced, unrealized, openCount, opensNew); !decision.Allowed {
		logger.Warnf("engine: order %s %s rejected: %s", order.Side, order.Symbol, decision.Reason)
		return nil, e.failure(order, venue.CodeRiskRejected, decision.Reason)
	}

	exec, err := active.PlaceOrder(ctx, order)
	if err != nil {
		return nil, e.failure(order, venue.CodeOrderFailed, err.Error())
	}
	if exec.Status == venue.StatusRejected {
		return nil, e.failure(order, venue.CodeOrderFailed,
			fmt.Sprintf("venue %s rejected the order", active.Name()))
	}
	if exec.Filled() {
		e.recordFill(ctx, *exec)
	}
	return exec, nil
}

// recordFill books a confirmed execution into the ledger, feeds the
// realized-loss delta to the governor and announces the trade.
func (e *Engine) recordFill(ctx context.Context, exec venue.OrderExecution) {
	before, err := e.realizedFor(ctx, exec.Symbol)
	if err != nil {
		logger.Errorf("engine: realized pnl read for %s: %v", exec.Symbol, err)
	}
	if _, err := e.ledger.RecordExternalTrade(ctx, types.Trade{
		ID:         exec.OrderID,
		Symbol:     exec.Symbol,
		Side:       exec.Side,
		Quantity:   exec.FilledQuantity,
		Price:      exec.AveragePrice,
		ExecutedAt: exec.ExecutedAt,
		Notes:      "fill via " + exec.Venue,
	}); err != nil {
		logger.Errorf("engine: recording fill %s failed: %v", exec.OrderID, err)
		return
	}
	after, err := e.realizedFor(ctx, exec.Symbol)
	if err != nil {
		logger.Errorf("engine: realized pnl read for %s: %v", exec.Symbol, err)
	}
	e.ledger.UpdateMark(exec.Symbol, exec.AveragePrice, exec.ExecutedAt)
	e.governor.RecordExecution(exec, after-before)
	if e.events != nil {
		e.events.Publish(bus.TopicTradeExecuted, exec)
	}
}

// simulate produces the dry-run stand-in for an order: a distinct
// status, zero fill, nothing booked anywhere.
func (e *Engine) simulate(ctx context.Context, order venue.OrderRequest) venue.OrderExecution {
	price := order.Price
	if price <= 0 {
		if tick, err := e.feed.Tick(ctx, order.Symbol); err == nil {
			price = tick.Price
		}
	}
	return venue.OrderExecution{
		OrderID:        fmt.Sprintf("dry-%d", e.nowFn().UnixNano()),
		Symbol:         order.Symbol,
		Side:           order.Side,
		Status:         venue.StatusSimulated,
		FilledQuantity: 0,
		AveragePrice:   price,
		ExecutedAt:     e.nowFn(),
		Venue:          "dry-run",
	}
}

func (e *Engine) validateOrder(order venue.OrderRequest) *venue.OrderFailure {
	switch {
	case order.Symbol == "":
		return e.failure(order, venue.CodeValidation, "symbol is required")
	case !order.Side.Valid():
		return e.failure(order, venue.CodeValidation, fmt.Sprintf("invalid side %q", order.Side))
	case order.Quantity <= 0:
		return e.failure(order, venue.CodeValidation, "quantity must be positive")
	case order.Type == venue.OrderLimit && order.Price <= 0:
		return e.failure(order, venue.CodeValidation, "limit orders require a positive price")
	}
	return nil
}

func (e *Engine) failure(order venue.OrderRequest, code venue.FailureCode, reason string) *venue.OrderFailure {
	return &venue.OrderFailure{
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      order.Price,
		Code:       code,
		Reason:     reason,
		OccurredAt: e.nowFn(),
	}
}

func (e *Engine) buildContext(ctx context.Context, venueName string) (strategy.Context, error) {
	prices, err := e.feed.Snapshot(ctx, nil)
	if err != nil {
		return strategy.Context{}, fmt.Errorf("price snapshot: %w", err)
	}
	for symbol, price := range prices {
		e.ledger.UpdateMark(symbol, price, e.nowFn())
	}
	portfolio, err := e.ledger.Snapshot(ctx)
	if err != nil {
		return strategy.Context{}, fmt.Errorf("portfolio snapshot: %w", err)
	}
	history := make(map[string][]float64)
	if e.history != nil {
		for _, symbol := range e.history.Symbols() {
			history[symbol] = e.history.Series(symbol)
		}
	}
	return strategy.Context{
		Prices:    prices,
		History:   history,
		Portfolio: portfolio,
		VenueName: venueName,
	}, nil
}

func (e *Engine) opensNewSymbol(ctx context.Context, order venue.OrderRequest) (bool, error) {
	summaries, err := e.ledger.TradeSummaries(ctx)
	if err != nil {
		return false, err
	}
	for _, s := range summaries {
		if s.Symbol == order.Symbol {
			return s.NetQuantity == 0, nil
		}
	}
	return true, nil
}

func (e *Engine) realizedFor(ctx context.Context, symbol string) (float64, error) {
	summaries, err := e.ledger.TradeSummaries(ctx)
	if err != nil {
		return 0, err
	}
	for _, s := range summaries {
		if s.Symbol == symbol {
			return s.RealizedPnl, nil
		}
	}
	return 0, nil
}

// foldNet reduces a venue fill history to net quantity per symbol,
// dropping dust below the reconciliation epsilon.
func foldNet(fills []types.Trade) map[string]float64 {
	net := make(map[string]float64)
	for _, t := range fills {
		switch t.Side {
		case types.SideBuy:
			net[t.Symbol] += t.Quantity
		case types.SideSell:
			net[t.Symbol] -= t.Quantity
		}
	}
	for s, q := range net {
		if q > -0.001 && q < 0.001 {
			delete(net, s)
		}
	}
	return net
}
