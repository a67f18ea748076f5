// Package venue defines a common abstraction for order-execution
// venues. The execution engine works against this interface so a live
// exchange and the simulated fallback are interchangeable.
package venue

import (
	"context"
	"errors"
	"time"

	"keel/internal/types"
)

// ErrNotConnected is returned by venue calls made before Connect
// succeeded.
var ErrNotConnected = errors.New("venue not connected")

type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
)

type ExecStatus string

const (
	StatusFilled          ExecStatus = "FILLED"
	StatusPartiallyFilled ExecStatus = "PARTIALLY_FILLED"
	StatusRejected        ExecStatus = "REJECTED"
	// StatusSimulated marks dry-run executions. Downstream code must
	// never treat it as a fill.
	StatusSimulated ExecStatus = "SIMULATED"
)

type FailureCode string

const (
	CodeBrokerConnection FailureCode = "BROKER_CONNECTION"
	CodeSignalGeneration FailureCode = "SIGNAL_GENERATION"
	CodeRiskRejected     FailureCode = "RISK_REJECTED"
	CodeValidation       FailureCode = "VALIDATION"
	CodeOrderFailed      FailureCode = "ORDER_FAILED"
)

// OrderRequest is the order intent handed to a venue.
type OrderRequest struct {
	Symbol   string     `json:"symbol"`
	Side     types.Side `json:"side"`
	Type     OrderType  `json:"type"`
	Quantity float64    `json:"quantity"`
	Price    float64    `json:"price,omitempty"` // required for LIMIT
}

// Notional returns the order's cash value at its stated price.
func (r OrderRequest) Notional() float64 { return r.Quantity * r.Price }

// OrderExecution is a venue-confirmed result.
type OrderExecution struct {
	OrderID        string     `json:"order_id"`
	Symbol         string     `json:"symbol"`
	Side           types.Side `json:"side"`
	Status         ExecStatus `json:"status"`
	FilledQuantity float64    `json:"filled_quantity"`
	AveragePrice   float64    `json:"average_price"`
	ExecutedAt     time.Time  `json:"executed_at"`
	Venue          string     `json:"venue"`
}

// Filled reports whether the execution put real quantity on the book.
func (e OrderExecution) Filled() bool {
	return e.FilledQuantity > 0 && e.Status != StatusRejected && e.Status != StatusSimulated
}

// OrderFailure is the structured record of an order that never became
// an execution. Failures are data, not exceptions; one failure must
// never abort sibling orders.
type OrderFailure struct {
	Symbol     string      `json:"symbol,omitempty"`
	Side       types.Side  `json:"side,omitempty"`
	Quantity   float64     `json:"quantity,omitempty"`
	Price      float64     `json:"price,omitempty"`
	Code       FailureCode `json:"code"`
	Reason     string      `json:"reason"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// Quote is a venue-side price for sizing and simulated fills.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Price returns the side-appropriate price: ask for buys, bid for
// sells, falling back to the last trade.
func (q Quote) Price(side types.Side) float64 {
	switch {
	case side == types.SideBuy && q.Ask > 0:
		return q.Ask
	case side == types.SideSell && q.Bid > 0:
		return q.Bid
	default:
		return q.Last
	}
}

// Venue is an order-execution venue. Positions returns the venue's
// authoritative fill history; reconnect/backoff scheduling is the
// implementation's concern, the core performs exactly one fallback
// attempt per evaluation.
type Venue interface {
	Name() string
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool
	Positions(ctx context.Context) ([]types.Trade, error)
	PlaceOrder(ctx context.Context, req OrderRequest) (*OrderExecution, error)
	CancelOrder(ctx context.Context, orderID string) error
	Quote(ctx context.Context, symbol string, side types.Side) (Quote, error)
}
