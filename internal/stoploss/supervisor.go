// Package stoploss supervises protective exits. It tracks one config
// per symbol, follows trade executions to keep them sized, and turns
// price ticks into market sells when a stop is breached.
package stoploss

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"keel/internal/bus"
	"keel/internal/logger"
	"keel/internal/pkg/traderr"
	"keel/internal/risk"
	"keel/internal/store"
	"keel/internal/types"
	"keel/internal/venue"

	"github.com/shopspring/decimal"
)

// OrderSubmitter is the engine surface the supervisor needs: one
// risk-gated order at a time.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, order venue.OrderRequest) (*venue.OrderExecution, error)
}

// RiskControl is the governor surface the supervisor needs: live
// limits to price stops for newly filled symbols, and an escalation
// path for repeated exit failures.
type RiskControl interface {
	CurrentLimits() risk.Limits
	ReportCritical(source, reason string)
}

// TriggerEvent is the payload on the stop-loss trigger, executed and
// failed topics.
type TriggerEvent struct {
	Config    types.StopLossConfig  `json:"config"`
	Price     float64               `json:"price"`
	Execution *venue.OrderExecution `json:"execution,omitempty"`
	Error     string                `json:"error,omitempty"`
}

// Status is the observability view of the supervisor.
type Status struct {
	Running             bool `json:"running"`
	ActiveConfigs       int  `json:"active_configs"`
	ConsecutiveFailures int  `json:"consecutive_failures"`
}

const maxConsecutiveFailures = 3

// Supervisor owns the stop-loss state machine. Monitoring is gated by
// Start/Stop; configuration changes are accepted in either state.
type Supervisor struct {
	repo     store.StopLossRepository
	engine   OrderSubmitter
	events   *bus.Bus
	riskCtl  RiskControl

	mu       sync.Mutex
	configs  map[string]types.StopLossConfig
	running  bool
	failures int
	// symbols with a trigger in flight, so a burst of ticks cannot
	// double-sell.
	firing map[string]bool

	nowFn func() time.Time
}

func New(repo store.StopLossRepository, engine OrderSubmitter, events *bus.Bus, riskCtl RiskControl) (*Supervisor, error) {
	s := &Supervisor{
		repo:     repo,
		engine:   engine,
		events:   events,
		riskCtl:  riskCtl,
		configs:  make(map[string]types.StopLossConfig),
		firing:   make(map[string]bool),
		nowFn:    time.Now,
	}
	if repo != nil {
		saved, err := repo.GetAll(context.Background())
		if err != nil {
			return nil, fmt.Errorf("stoploss: loading saved configs: %w", err)
		}
		for _, cfg := range saved {
			s.configs[cfg.Symbol] = cfg
		}
		if len(saved) > 0 {
			logger.Infof("stoploss: restored %d saved configs", len(saved))
		}
	}
	if events != nil {
		events.Subscribe(bus.TopicTradeExecuted, s.onTradeExecuted)
	}
	return s, nil
}

func (s *Supervisor) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		s.running = true
		logger.Infof("stoploss: monitoring started, %d active configs", len(s.configs))
	}
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.running = false
		logger.Infof("stoploss: monitoring stopped")
	}
}

func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Status{
		Running:             s.running,
		ActiveConfigs:       len(s.configs),
		ConsecutiveFailures: s.failures,
	}
}

// SetStopLoss creates or replaces the config for a symbol.
func (s *Supervisor) SetStopLoss(ctx context.Context, cfg types.StopLossConfig) error {
	if cfg.Symbol == "" {
		return traderr.Validationf("symbol is required")
	}
	if cfg.Quantity <= 0 {
		return traderr.Validationf("quantity must be positive")
	}
	if cfg.StopLossPrice <= 0 {
		return traderr.Validationf("stop price must be positive")
	}
	switch cfg.Type {
	case types.StopLossFixed:
	case types.StopLossTrailing:
		if cfg.TrailingPercent <= 0 || cfg.TrailingPercent >= 100 {
			return traderr.Validationf("trailing percent must be in (0, 100)")
		}
		if cfg.HighWaterMark < cfg.EntryPrice {
			cfg.HighWaterMark = cfg.EntryPrice
		}
	default:
		return traderr.Validationf("unknown stop-loss type %q", cfg.Type)
	}

	now := s.nowFn()
	s.mu.Lock()
	if existing, ok := s.configs[cfg.Symbol]; ok {
		cfg.CreatedAt = existing.CreatedAt
	} else {
		cfg.CreatedAt = now
	}
	cfg.UpdatedAt = now
	s.configs[cfg.Symbol] = cfg
	s.mu.Unlock()

	if err := s.persist(ctx, cfg); err != nil {
		return err
	}
	if s.events != nil {
		s.events.Publish(bus.TopicStopLossSet, cfg)
	}
	logger.Infof("stoploss: %s %s stop=%.4f qty=%.4f", cfg.Type, cfg.Symbol, cfg.StopLossPrice, cfg.Quantity)
	return nil
}

func (s *Supervisor) RemoveStopLoss(ctx context.Context, symbol string) error {
	s.mu.Lock()
	_, ok := s.configs[symbol]
	delete(s.configs, symbol)
	delete(s.firing, symbol)
	s.mu.Unlock()
	if !ok {
		return traderr.NotFoundf("no stop-loss for %s", symbol)
	}
	if s.repo != nil {
		if err := s.repo.Delete(ctx, symbol); err != nil && !traderr.IsNotFound(err) {
			return err
		}
	}
	return nil
}

func (s *Supervisor) Get(symbol string) (types.StopLossConfig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cfg, ok := s.configs[symbol]
	return cfg, ok
}

func (s *Supervisor) GetAll() []types.StopLossConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]types.StopLossConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		out = append(out, cfg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// onTradeExecuted keeps configs sized against the fills that come
// through the bus: a buy on an unprotected symbol arms a fresh stop,
// further buys extend quantity and re-average the entry, sells shrink
// it and remove the config once nothing is protected.
func (s *Supervisor) onTradeExecuted(evt bus.Event) {
	exec, ok := evt.Payload.(venue.OrderExecution)
	if !ok || !exec.Filled() {
		return
	}
	s.mu.Lock()
	cfg, exists := s.configs[exec.Symbol]
	if !exists {
		s.mu.Unlock()
		if exec.Side == types.SideBuy {
			s.protect(exec)
		}
		return
	}
	switch exec.Side {
	case types.SideBuy:
		total := cfg.Quantity + exec.FilledQuantity
		cfg.EntryPrice = (cfg.EntryPrice*cfg.Quantity + exec.AveragePrice*exec.FilledQuantity) / total
		cfg.Quantity = total
	case types.SideSell:
		cfg.Quantity -= exec.FilledQuantity
	}
	cfg.UpdatedAt = s.nowFn()
	if cfg.Quantity <= 0 {
		delete(s.configs, exec.Symbol)
		s.mu.Unlock()
		if s.repo != nil {
			if err := s.repo.Delete(context.Background(), exec.Symbol); err != nil && !traderr.IsNotFound(err) {
				logger.Errorf("stoploss: deleting drained config %s: %v", exec.Symbol, err)
			}
		}
		logger.Infof("stoploss: %s position closed by trade, config removed", exec.Symbol)
		return
	}
	s.configs[exec.Symbol] = cfg
	s.mu.Unlock()
	if err := s.persist(context.Background(), cfg); err != nil {
		logger.Errorf("stoploss: persisting resized config %s: %v", exec.Symbol, err)
	}
}

// protect arms a FIXED stop under a buy fill that opened an
// unprotected symbol, priced off the governor's stop percent.
func (s *Supervisor) protect(exec venue.OrderExecution) {
	pct := 0.0
	if s.riskCtl != nil {
		pct = s.riskCtl.CurrentLimits().StopLossPercent
	}
	if pct <= 0 || pct >= 100 {
		logger.Warnf("stoploss: no stop percent configured, %s position left unprotected", exec.Symbol)
		return
	}
	now := s.nowFn()
	cfg := types.StopLossConfig{
		Symbol:        exec.Symbol,
		EntryPrice:    exec.AveragePrice,
		StopLossPrice: exec.AveragePrice * (1 - pct/100),
		Quantity:      exec.FilledQuantity,
		Type:          types.StopLossFixed,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	s.mu.Lock()
	s.configs[cfg.Symbol] = cfg
	s.mu.Unlock()
	if err := s.persist(context.Background(), cfg); err != nil {
		logger.Errorf("stoploss: persisting new config %s: %v", cfg.Symbol, err)
	}
	if s.events != nil {
		s.events.Publish(bus.TopicStopLossSet, cfg)
	}
	logger.Infof("stoploss: %s protected from fill, stop=%.4f qty=%.4f", cfg.Symbol, cfg.StopLossPrice, cfg.Quantity)
}

// OnTick advances the state machine for one price observation. A
// trailing ratchet and a trigger never happen on the same tick.
func (s *Supervisor) OnTick(tick types.Tick) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	cfg, ok := s.configs[tick.Symbol]
	if !ok || s.firing[tick.Symbol] {
		s.mu.Unlock()
		return
	}

	price := decimal.NewFromFloat(tick.Price)
	stop := decimal.NewFromFloat(cfg.StopLossPrice)
	if cfg.Type == types.StopLossTrailing && price.GreaterThan(decimal.NewFromFloat(cfg.HighWaterMark)) {
		factor := decimal.NewFromFloat(1).Sub(decimal.NewFromFloat(cfg.TrailingPercent).Div(decimal.NewFromInt(100)))
		raised := price.Mul(factor)
		if raised.GreaterThan(stop) {
			// The high-water mark moves only together with the stop,
			// so a persisted config always pairs the two.
			cfg.HighWaterMark = tick.Price
			cfg.StopLossPrice, _ = raised.Float64()
			cfg.UpdatedAt = s.nowFn()
			s.configs[tick.Symbol] = cfg
			s.mu.Unlock()
			if err := s.persist(context.Background(), cfg); err != nil {
				logger.Errorf("stoploss: persisting ratchet for %s: %v", tick.Symbol, err)
			}
			logger.Debugf("stoploss: %s trailed to %.4f (hwm %.4f)", cfg.Symbol, cfg.StopLossPrice, cfg.HighWaterMark)
			return
		}
	}
	if price.GreaterThan(stop) {
		s.mu.Unlock()
		return
	}
	s.firing[tick.Symbol] = true
	s.mu.Unlock()

	s.trigger(cfg, tick.Price)
}

// trigger sells the protected quantity at market. Success removes the
// config; failure keeps it armed for the next tick.
func (s *Supervisor) trigger(cfg types.StopLossConfig, price float64) {
	logger.Warnf("stoploss: %s triggered at %.4f (stop %.4f)", cfg.Symbol, price, cfg.StopLossPrice)
	if s.events != nil {
		s.events.Publish(bus.TopicStopLossTrigger, TriggerEvent{Config: cfg, Price: price})
	}

	exec, err := s.engine.SubmitOrder(context.Background(), venue.OrderRequest{
		Symbol:   cfg.Symbol,
		Side:     types.SideSell,
		Type:     venue.OrderMarket,
		Quantity: cfg.Quantity,
	})

	s.mu.Lock()
	delete(s.firing, cfg.Symbol)
	if err != nil {
		s.failures++
		failures := s.failures
		s.mu.Unlock()
		logger.Errorf("stoploss: exit order for %s failed: %v", cfg.Symbol, err)
		if s.events != nil {
			s.events.Publish(bus.TopicStopLossFailed, TriggerEvent{Config: cfg, Price: price, Error: err.Error()})
		}
		if failures >= maxConsecutiveFailures && s.riskCtl != nil {
			s.riskCtl.ReportCritical("stoploss",
				fmt.Sprintf("%d consecutive stop-loss executions failed, positions may be unprotected", failures))
		}
		return
	}
	if !exec.Filled() {
		// Dry-run rehearsals come back SIMULATED with nothing filled.
		// The position is still open, so the stop stays armed.
		s.mu.Unlock()
		logger.Infof("stoploss: %s exit returned %s without a fill, config stays armed", cfg.Symbol, exec.Status)
		return
	}
	s.failures = 0
	delete(s.configs, cfg.Symbol)
	s.mu.Unlock()

	if s.repo != nil {
		if derr := s.repo.Delete(context.Background(), cfg.Symbol); derr != nil && !traderr.IsNotFound(derr) {
			logger.Errorf("stoploss: deleting executed config %s: %v", cfg.Symbol, derr)
		}
	}
	if s.events != nil {
		s.events.Publish(bus.TopicStopLossExecuted, TriggerEvent{Config: cfg, Price: price, Execution: exec})
	}
	logger.Infof("stoploss: %s exit filled qty=%.4f avg=%.4f", cfg.Symbol, exec.FilledQuantity, exec.AveragePrice)
}

func (s *Supervisor) persist(ctx context.Context, cfg types.StopLossConfig) error {
	if s.repo == nil {
		return nil
	}
	return s.repo.Save(ctx, cfg)
}
