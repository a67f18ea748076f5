// Package binance adapts the Binance spot REST API to the venue
// interface using the go-binance SDK.
package binance

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"keel/internal/logger"
	"keel/internal/pkg/circuit"
	"keel/internal/types"
	"keel/internal/venue"

	gobinance "github.com/adshao/go-binance/v2"
)

// Venue implements venue.Venue over a spot client. Connect performs a
// ping round-trip; a failed ping leaves the venue disconnected so the
// engine can fall back.
type Venue struct {
	cfg     Config
	client  *gobinance.Client
	breaker *circuit.Breaker

	mu        sync.Mutex
	connected bool
	// orderID -> symbol, needed because spot order cancellation is
	// scoped to a symbol.
	orderSymbols map[string]string
}

var _ venue.Venue = (*Venue)(nil)

func New(cfg Config) (*Venue, error) {
	final := cfg.withDefaults()
	if final.APIKey == "" || final.APISecret == "" {
		return nil, fmt.Errorf("binance: api key and secret are required")
	}
	client := gobinance.NewClient(final.APIKey, final.APISecret)
	client.BaseURL = final.RESTBaseURL
	client.HTTPClient = &http.Client{Timeout: final.HTTPTimeout}
	return &Venue{
		cfg:          final,
		client:       client,
		breaker:      circuit.NewBreaker("binance", 5, 30*time.Second),
		orderSymbols: make(map[string]string),
	}, nil
}

// call runs one API request through the breaker.
func (v *Venue) call(what string, fn func() error) error {
	if !v.breaker.Allow() {
		return fmt.Errorf("binance: %s refused, api circuit is open", what)
	}
	if err := fn(); err != nil {
		v.breaker.RecordFailure()
		return err
	}
	v.breaker.RecordSuccess()
	return nil
}

func (v *Venue) Name() string { return "binance" }

func (v *Venue) Connect(ctx context.Context) error {
	if err := v.client.NewPingService().Do(ctx); err != nil {
		return fmt.Errorf("binance: ping failed: %w", err)
	}
	serverTime, err := v.client.NewServerTimeService().Do(ctx)
	if err != nil {
		return fmt.Errorf("binance: server time failed: %w", err)
	}
	drift := time.Since(time.UnixMilli(serverTime))
	if drift < 0 {
		drift = -drift
	}
	if drift > 30*time.Second {
		logger.Warnf("binance: clock drift %s against exchange, signed requests may fail", drift)
	}
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	logger.Infof("binance: connected to %s", v.cfg.RESTBaseURL)
	return nil
}

func (v *Venue) Disconnect(ctx context.Context) error {
	v.mu.Lock()
	v.connected = false
	v.mu.Unlock()
	return nil
}

func (v *Venue) IsConnected() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.connected
}

// Positions lists the account's fill history for every configured
// symbol. Binance spot has no position endpoint; the fill stream is
// the authoritative record.
func (v *Venue) Positions(ctx context.Context) ([]types.Trade, error) {
	if !v.IsConnected() {
		return nil, venue.ErrNotConnected
	}
	var out []types.Trade
	for _, symbol := range v.cfg.Symbols {
		var trades []*gobinance.TradeV3
		err := v.call("list trades", func() error {
			var err error
			trades, err = v.client.NewListTradesService().Symbol(symbol).Do(ctx)
			return err
		})
		if err != nil {
			return nil, fmt.Errorf("binance: list trades for %s: %w", symbol, err)
		}
		for _, t := range trades {
			if t == nil {
				continue
			}
			side := types.SideSell
			if t.IsBuyer {
				side = types.SideBuy
			}
			out = append(out, types.Trade{
				ID:         strconv.FormatInt(t.ID, 10),
				Symbol:     symbol,
				Side:       side,
				Quantity:   parseFloat(t.Quantity),
				Price:      parseFloat(t.Price),
				ExecutedAt: time.UnixMilli(t.Time),
			})
		}
	}
	return out, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderExecution, error) {
	if !v.IsConnected() {
		return nil, venue.ErrNotConnected
	}
	symbol := strings.ToUpper(strings.TrimSpace(req.Symbol))
	if symbol == "" {
		return nil, fmt.Errorf("binance: symbol is required")
	}
	side := gobinance.SideTypeBuy
	if req.Side == types.SideSell {
		side = gobinance.SideTypeSell
	}
	svc := v.client.NewCreateOrderService().
		Symbol(symbol).
		Side(side).
		Quantity(formatFloat(req.Quantity))
	switch req.Type {
	case venue.OrderLimit:
		svc = svc.Type(gobinance.OrderTypeLimit).
			TimeInForce(gobinance.TimeInForceTypeGTC).
			Price(formatFloat(req.Price))
	default:
		svc = svc.Type(gobinance.OrderTypeMarket)
	}
	var res *gobinance.CreateOrderResponse
	err := v.call("create order", func() error {
		var err error
		res, err = svc.Do(ctx)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("binance: create order %s %s: %w", req.Side, symbol, err)
	}

	exec := &venue.OrderExecution{
		OrderID:        strconv.FormatInt(res.OrderID, 10),
		Symbol:         symbol,
		Side:           req.Side,
		Status:         mapStatus(res.Status),
		FilledQuantity: parseFloat(res.ExecutedQuantity),
		AveragePrice:   averageFillPrice(res),
		ExecutedAt:     time.UnixMilli(res.TransactTime),
		Venue:          v.Name(),
	}
	v.mu.Lock()
	v.orderSymbols[exec.OrderID] = symbol
	v.mu.Unlock()
	logger.Infof("binance: order %s %s %s filled=%.8f avg=%.8f status=%s",
		exec.OrderID, req.Side, symbol, exec.FilledQuantity, exec.AveragePrice, exec.Status)
	return exec, nil
}

func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	if !v.IsConnected() {
		return venue.ErrNotConnected
	}
	v.mu.Lock()
	symbol, ok := v.orderSymbols[orderID]
	v.mu.Unlock()
	if !ok {
		return fmt.Errorf("binance: unknown order id %s", orderID)
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: malformed order id %s", orderID)
	}
	_, err = v.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	return err
}

func (v *Venue) Quote(ctx context.Context, symbol string, side types.Side) (venue.Quote, error) {
	if !v.IsConnected() {
		return venue.Quote{}, venue.ErrNotConnected
	}
	symbol = strings.ToUpper(strings.TrimSpace(symbol))
	var tickers []*gobinance.BookTicker
	err := v.call("book ticker", func() error {
		var err error
		tickers, err = v.client.NewListBookTickersService().Symbol(symbol).Do(ctx)
		return err
	})
	if err != nil {
		return venue.Quote{}, fmt.Errorf("binance: book ticker for %s: %w", symbol, err)
	}
	if len(tickers) == 0 || tickers[0] == nil {
		return venue.Quote{}, fmt.Errorf("binance: no book ticker for %s", symbol)
	}
	t := tickers[0]
	return venue.Quote{
		Symbol:    symbol,
		Bid:       parseFloat(t.BidPrice),
		Ask:       parseFloat(t.AskPrice),
		UpdatedAt: time.Now(),
	}, nil
}

func mapStatus(s gobinance.OrderStatusType) venue.ExecStatus {
	switch s {
	case gobinance.OrderStatusTypeFilled:
		return venue.StatusFilled
	case gobinance.OrderStatusTypePartiallyFilled:
		return venue.StatusPartiallyFilled
	case gobinance.OrderStatusTypeRejected, gobinance.OrderStatusTypeExpired, gobinance.OrderStatusTypeCanceled:
		return venue.StatusRejected
	default:
		// NEW and PENDING map to partial: nothing filled yet, the
		// order is live.
		return venue.StatusPartiallyFilled
	}
}

// averageFillPrice derives the volume-weighted price from the fill
// legs, falling back to the quote/executed ratio.
func averageFillPrice(res *gobinance.CreateOrderResponse) float64 {
	var qty, notional float64
	for _, f := range res.Fills {
		if f == nil {
			continue
		}
		q := parseFloat(f.Quantity)
		qty += q
		notional += q * parseFloat(f.Price)
	}
	if qty > 0 {
		return notional / qty
	}
	executed := parseFloat(res.ExecutedQuantity)
	if executed > 0 {
		return parseFloat(res.CummulativeQuoteQuantity) / executed
	}
	return parseFloat(res.Price)
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
