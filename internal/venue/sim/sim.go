// Package sim is the simulated execution venue. It is substituted as
// the fallback when the primary venue is unreachable and stands alone
// in paper-trading setups.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"keel/internal/logger"
	"keel/internal/market"
	"keel/internal/types"
	"keel/internal/venue"

	"github.com/google/uuid"
)

// Venue fills MARKET orders at the feed's last price and LIMIT orders
// at their limit price. Fills are retained as the venue's own
// authoritative history.
type Venue struct {
	feed market.Feed

	mu        sync.Mutex
	connected bool
	fills     []types.Trade
	nowFn     func() time.Time
}

var _ venue.Venue = (*Venue)(nil)

func New(feed market.Feed) *Venue {
	return &Venue{feed: feed, nowFn: time.Now}
}

func (v *Venue) Name() string { return "sim" }

func (v *Venue) Connect(ctx context.Context) error {
	v.mu.Lock()
	v.connected = true
	v.mu.Unlock()
	logger.Infof("sim: venue connected")
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

func (v *Venue) Positions(ctx context.Context) ([]types.Trade, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.connected {
		return nil, venue.ErrNotConnected
	}
	out := make([]types.Trade, len(v.fills))
	copy(out, v.fills)
	return out, nil
}

func (v *Venue) PlaceOrder(ctx context.Context, req venue.OrderRequest) (*venue.OrderExecution, error) {
	if !v.IsConnected() {
		return nil, venue.ErrNotConnected
	}
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("sim: quantity must be positive")
	}

	price := req.Price
	if req.Type == venue.OrderMarket {
		tick, err := v.feed.Tick(ctx, req.Symbol)
		if err != nil {
			return nil, fmt.Errorf("sim: no market price for %s: %w", req.Symbol, err)
		}
		price = tick.Price
	}
	if price <= 0 {
		return nil, fmt.Errorf("sim: cannot price order for %s", req.Symbol)
	}

	now := v.nowFn()
	exec := &venue.OrderExecution{
		OrderID:        uuid.NewString(),
		Symbol:         req.Symbol,
		Side:           req.Side,
		Status:         venue.StatusFilled,
		FilledQuantity: req.Quantity,
		AveragePrice:   price,
		ExecutedAt:     now,
		Venue:          v.Name(),
	}

	v.mu.Lock()
	v.fills = append(v.fills, types.Trade{
		ID:         exec.OrderID,
		Symbol:     req.Symbol,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Price:      price,
		ExecutedAt: now,
		Notes:      "sim fill",
	})
	v.mu.Unlock()

	logger.Debugf("sim: filled %s %s qty=%.4f price=%.4f", req.Side, req.Symbol, req.Quantity, price)
	return exec, nil
}

func (v *Venue) CancelOrder(ctx context.Context, orderID string) error {
	// Orders fill synchronously; there is never anything to cancel.
	return nil
}

func (v *Venue) Quote(ctx context.Context, symbol string, side types.Side) (venue.Quote, error) {
	if !v.IsConnected() {
		return venue.Quote{}, venue.ErrNotConnected
	}
	tick, err := v.feed.Tick(ctx, symbol)
	if err != nil {
		return venue.Quote{}, err
	}
	return venue.Quote{
		Symbol:    symbol,
		Bid:       tick.Price,
		Ask:       tick.Price,
		Last:      tick.Price,
		UpdatedAt: tick.At,
	}, nil
}

// SeedFill injects a historical fill, used to set up reconciliation
// scenarios.
func (v *Venue) SeedFill(t types.Trade) {
	v.mu.Lock()
	v.fills = append(v.fills, t)
	v.mu.Unlock()
}
