// Package risk enforces trading limits and owns the circuit breaker.
// Rejections are data, never errors: one disallowed order must not
// disturb its siblings.
package risk

import (
	"fmt"
	"sync"
	"time"

	"keel/internal/bus"
	"keel/internal/logger"
	"keel/internal/venue"
)

// Limits are externally configured bounds read by the Governor.
type Limits struct {
	MaxDailyLoss        float64 `toml:"max_daily_loss" yaml:"max_daily_loss"`
	MaxDailyLossPercent float64 `toml:"max_daily_loss_percent" yaml:"max_daily_loss_percent"`
	MaxPositionSize     float64 `toml:"max_position_size" yaml:"max_position_size"`
	MaxOpenPositions    int     `toml:"max_open_positions" yaml:"max_open_positions"`
	StopLossPercent     float64 `toml:"stop_loss_percent" yaml:"stop_loss_percent"`
	// AccountEquity is the baseline for MaxDailyLossPercent.
	AccountEquity float64 `toml:"account_equity" yaml:"account_equity"`
}

// Decision is the result of a risk check.
type Decision struct {
	Allowed bool   `json:"allowed"`
	Reason  string `json:"reason,omitempty"`
}

func deny(format string, args ...any) Decision {
	return Decision{Allowed: false, Reason: fmt.Sprintf(format, args...)}
}

// Status is the observability view of the Governor.
type Status struct {
	Limits        Limits    `json:"limits"`
	CircuitBroken bool      `json:"circuit_broken"`
	DailyRealized float64   `json:"daily_realized"`
	Day           time.Time `json:"day"`
}

// CriticalError is the payload published on the critical_error topic.
type CriticalError struct {
	Source string `json:"source"`
	Reason string `json:"reason"`
}

// Governor evaluates proposed orders against the configured limits and
// the ledger's current state. The circuit breaker is sticky: once
// tripped it blocks everything until ResetBreaker.
type Governor struct {
	mu            sync.Mutex
	limits        Limits
	circuitBroken bool
	dailyRealized float64
	day           time.Time

	events *bus.Bus
	nowFn  func() time.Time
}

func NewGovernor(limits Limits, events *bus.Bus) *Governor {
	return &Governor{
		limits: limits,
		events: events,
		nowFn:  time.Now,
	}
}

// CheckOrder decides whether order may be submitted given the current
// unrealized P&L and the number of open positions. opensNewSymbol is
// true when the order would add a symbol not currently held.
func (g *Governor) CheckOrder(order venue.OrderRequest, unrealizedPnl float64, openPositions int, opensNewSymbol bool) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()

	if g.circuitBroken {
		return deny("circuit breaker is tripped; trading halted until reset")
	}
	if g.limits.MaxPositionSize > 0 && order.Notional() > g.limits.MaxPositionSize {
		return deny("order notional %.2f exceeds max position size %.2f", order.Notional(), g.limits.MaxPositionSize)
	}
	if opensNewSymbol && g.limits.MaxOpenPositions > 0 && openPositions+1 > g.limits.MaxOpenPositions {
		return deny("open positions %d at limit %d", openPositions, g.limits.MaxOpenPositions)
	}

	aggregate := g.dailyRealized + unrealizedPnl
	if g.limits.MaxDailyLoss > 0 && aggregate <= -g.limits.MaxDailyLoss {
		return deny("daily loss %.2f exceeds max daily loss %.2f", -aggregate, g.limits.MaxDailyLoss)
	}
	if g.limits.MaxDailyLossPercent > 0 && g.limits.AccountEquity > 0 {
		lossPct := -aggregate / g.limits.AccountEquity * 100
		if lossPct >= g.limits.MaxDailyLossPercent {
			return deny("daily loss %.2f%% exceeds max %.2f%%", lossPct, g.limits.MaxDailyLossPercent)
		}
	}
	return Decision{Allowed: true}
}

// RecordExecution feeds the realized P&L delta of a confirmed fill
// into the daily-loss bookkeeping used by the next check.
func (g *Governor) RecordExecution(exec venue.OrderExecution, realizedDelta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	g.dailyRealized += realizedDelta
	logger.Debugf("risk: recorded execution %s %s realized_delta=%.2f daily=%.2f",
		exec.Symbol, exec.Side, realizedDelta, g.dailyRealized)
}

// Status returns the current limits and breaker state.
func (g *Governor) Status() Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.rollDayLocked()
	return Status{
		Limits:        g.limits,
		CircuitBroken: g.circuitBroken,
		DailyRealized: g.dailyRealized,
		Day:           g.day,
	}
}

// TripBreaker trips the circuit breaker. It stays tripped until
// ResetBreaker; evaluation cycles never clear it.
func (g *Governor) TripBreaker(reason string) {
	g.mu.Lock()
	already := g.circuitBroken
	g.circuitBroken = true
	g.mu.Unlock()
	if !already {
		logger.Errorf("risk: circuit breaker tripped: %s", reason)
		g.publishCritical("circuit breaker tripped: " + reason)
	}
}

// ResetBreaker is the explicit operator action that clears the
// breaker.
func (g *Governor) ResetBreaker() {
	g.mu.Lock()
	was := g.circuitBroken
	g.circuitBroken = false
	g.mu.Unlock()
	if was {
		logger.Warnf("risk: circuit breaker reset by operator")
	}
}

// ReportCritical surfaces an unrecoverable condition to operators via
// the critical_error topic. It is a notification hook, not a crash.
func (g *Governor) ReportCritical(source, reason string) {
	logger.Errorf("risk: critical condition source=%s reason=%s", source, reason)
	g.publishCriticalFrom(source, reason)
}

// UpdateLimits swaps in new limits. A tripped breaker stays tripped.
func (g *Governor) UpdateLimits(limits Limits) {
	g.mu.Lock()
	g.limits = limits
	g.mu.Unlock()
	logger.Infof("risk: limits updated max_daily_loss=%.2f max_position_size=%.2f max_open_positions=%d",
		limits.MaxDailyLoss, limits.MaxPositionSize, limits.MaxOpenPositions)
}

// CurrentLimits returns a copy of the active limits.
func (g *Governor) CurrentLimits() Limits {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits
}

func (g *Governor) publishCritical(reason string) {
	g.publishCriticalFrom("risk", reason)
}

func (g *Governor) publishCriticalFrom(source, reason string) {
	if g.events != nil {
		g.events.Publish(bus.TopicCriticalError, CriticalError{Source: source, Reason: reason})
	}
}

// rollDayLocked resets the daily-loss accumulator when the UTC day
// changes. The breaker is not touched.
func (g *Governor) rollDayLocked() {
	today := g.nowFn().UTC().Truncate(24 * time.Hour)
	if !g.day.Equal(today) {
		g.day = today
		g.dailyRealized = 0
	}
}
