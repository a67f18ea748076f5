// Package types holds the domain records shared across the ledger,
// execution and reconciliation layers.
package types

import "time"

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

// Opposite returns the closing side for a position opened on s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// Stock is a tradable instrument registry entry.
type Stock struct {
	Symbol    string    `json:"symbol"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Trade is immutable once recorded. It is created either by a local
// fill or by syncing the venue's authoritative history.
type Trade struct {
	ID         string    `json:"id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"quantity"`
	Price      float64   `json:"price"`
	ExecutedAt time.Time `json:"executed_at"`
	Notes      string    `json:"notes,omitempty"`
}

type PositionClass string

const (
	PositionLong  PositionClass = "LONG"
	PositionShort PositionClass = "SHORT"
	PositionFlat  PositionClass = "FLAT"
)

// ClassifyPosition maps a net quantity onto LONG/SHORT/FLAT.
func ClassifyPosition(netQuantity float64) PositionClass {
	switch {
	case netQuantity > 0:
		return PositionLong
	case netQuantity < 0:
		return PositionShort
	default:
		return PositionFlat
	}
}

// TradeSummary is the per-symbol accumulation of the full trade
// history: net quantity, size-weighted entry price and realized P&L.
type TradeSummary struct {
	Symbol            string        `json:"symbol"`
	NetQuantity       float64       `json:"net_quantity"`
	AverageEntryPrice float64       `json:"average_entry_price"`
	RealizedPnl       float64       `json:"realized_pnl"`
	Position          PositionClass `json:"position"`
}

// PositionSnapshot extends a summary with a mark-to-market valuation.
type PositionSnapshot struct {
	TradeSummary
	MarkPrice     float64 `json:"mark_price"`
	UnrealizedPnl float64 `json:"unrealized_pnl"`
}

// Tick is a single live price observation.
type Tick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	At     time.Time `json:"at"`
}
