// Package ledger is the authoritative local record of trades and the
// per-symbol positions derived from them.
package ledger

import (
	"context"
	"math"
	"strings"
	"sync"
	"time"

	"keel/internal/logger"
	"keel/internal/pkg/traderr"
	"keel/internal/store"
	"keel/internal/types"

	"github.com/google/uuid"
)

// Ledger derives position state from the immutable trade history. All
// mutation goes through AddTrade / RecordExternalTrade; summaries are
// recomputed from the full history on demand.
type Ledger struct {
	stocks store.StockRepository
	trades store.TradeRepository

	markMu sync.RWMutex
	marks  map[string]mark
}

type mark struct {
	price float64
	at    time.Time
}

// TradeInput is the caller-facing shape for locally originated trades.
type TradeInput struct {
	ID         string
	Symbol     string
	Side       types.Side
	Quantity   float64
	Price      float64
	ExecutedAt time.Time
	Notes      string
}

func New(stocks store.StockRepository, trades store.TradeRepository) *Ledger {
	return &Ledger{
		stocks: stocks,
		trades: trades,
		marks:  make(map[string]mark),
	}
}

// RegisterStock adds a symbol to the instrument registry.
func (l *Ledger) RegisterStock(ctx context.Context, symbol, name string) error {
	symbol = normalizeSymbol(symbol)
	if symbol == "" {
		return traderr.Validationf("symbol cannot be empty")
	}
	return l.stocks.Save(ctx, types.Stock{Symbol: symbol, Name: name, CreatedAt: time.Now()})
}

// AddTrade validates and stores a locally originated trade. The symbol
// must already be registered.
func (l *Ledger) AddTrade(ctx context.Context, in TradeInput) (*types.Trade, error) {
	symbol := normalizeSymbol(in.Symbol)
	if err := validateNumbers(in.Quantity, in.Price); err != nil {
		return nil, err
	}
	if !in.Side.Valid() {
		return nil, traderr.Validationf("side must be BUY or SELL, got %q", in.Side)
	}
	if _, err := l.stocks.Get(ctx, symbol); err != nil {
		return nil, traderr.NotFoundf("symbol %s is not registered", symbol)
	}
	trade := types.Trade{
		ID:         strings.TrimSpace(in.ID),
		Symbol:     symbol,
		Side:       in.Side,
		Quantity:   in.Quantity,
		Price:      in.Price,
		ExecutedAt: in.ExecutedAt,
		Notes:      in.Notes,
	}
	if trade.ID == "" {
		trade.ID = uuid.NewString()
	}
	if trade.ExecutedAt.IsZero() {
		trade.ExecutedAt = time.Now()
	}
	if err := l.trades.Save(ctx, trade); err != nil {
		return nil, err
	}
	l.observeMark(trade)
	return &trade, nil
}

// RecordExternalTrade accepts a venue-confirmed fill. External fills
// are ground truth, so an unknown symbol is auto-registered rather
// than rejected. A duplicate id returns ErrConflict; callers replaying
// venue history treat that as already-recorded.
func (l *Ledger) RecordExternalTrade(ctx context.Context, t types.Trade) (*types.Trade, error) {
	t.Symbol = normalizeSymbol(t.Symbol)
	if err := validateNumbers(t.Quantity, t.Price); err != nil {
		return nil, err
	}
	if !t.Side.Valid() {
		return nil, traderr.Validationf("side must be BUY or SELL, got %q", t.Side)
	}
	if strings.TrimSpace(t.ID) == "" {
		t.ID = uuid.NewString()
	}
	if t.ExecutedAt.IsZero() {
		t.ExecutedAt = time.Now()
	}
	if _, err := l.stocks.Get(ctx, t.Symbol); err != nil {
		logger.Infof("ledger: auto-registering symbol %s from external fill", t.Symbol)
		if err := l.stocks.Save(ctx, types.Stock{Symbol: t.Symbol, Name: t.Symbol, CreatedAt: time.Now()}); err != nil {
			return nil, err
		}
	}
	if err := l.trades.Save(ctx, t); err != nil {
		return nil, err
	}
	l.observeMark(t)
	return &t, nil
}

// Trades returns the full history ordered by execution time.
func (l *Ledger) Trades(ctx context.Context) ([]types.Trade, error) {
	return l.trades.GetAll(ctx)
}

// TradesBySymbol returns one symbol's history ordered by execution time.
func (l *Ledger) TradesBySymbol(ctx context.Context, symbol string) ([]types.Trade, error) {
	return l.trades.GetBySymbol(ctx, normalizeSymbol(symbol))
}

// Stocks returns the instrument registry.
func (l *Ledger) Stocks(ctx context.Context) ([]types.Stock, error) {
	return l.stocks.GetAll(ctx)
}

// UpdateMark records a live price observation used by Snapshot for
// unrealized P&L. Without live updates the mark falls back to the most
// recent trade price.
func (l *Ledger) UpdateMark(symbol string, price float64, at time.Time) {
	if price <= 0 || math.IsNaN(price) || math.IsInf(price, 0) {
		return
	}
	symbol = normalizeSymbol(symbol)
	l.markMu.Lock()
	if cur, ok := l.marks[symbol]; !ok || !at.Before(cur.at) {
		l.marks[symbol] = mark{price: price, at: at}
	}
	l.markMu.Unlock()
}

func (l *Ledger) observeMark(t types.Trade) {
	l.UpdateMark(t.Symbol, t.Price, t.ExecutedAt)
}

func (l *Ledger) markFor(symbol string, fallback float64) float64 {
	l.markMu.RLock()
	defer l.markMu.RUnlock()
	if m, ok := l.marks[symbol]; ok {
		return m.price
	}
	return fallback
}

func validateNumbers(quantity, price float64) error {
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) || quantity <= 0 {
		return traderr.Validationf("quantity must be a positive finite number, got %v", quantity)
	}
	if math.IsNaN(price) || math.IsInf(price, 0) || price <= 0 {
		return traderr.Validationf("price must be a positive finite number, got %v", price)
	}
	return nil
}

func normalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}
