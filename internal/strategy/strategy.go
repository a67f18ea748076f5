// Package strategy defines the signal-generation contract and the
// built-in strategies.
package strategy

import (
	"keel/internal/types"
	"keel/internal/venue"
)

// Context is the read-only input to signal generation: a market
// snapshot, a portfolio snapshot and the name of the venue that will
// execute the result. Generation must be a pure function of it.
type Context struct {
	Prices    map[string]float64
	History   map[string][]float64
	Portfolio []types.PositionSnapshot
	VenueName string
}

// HeldQuantity returns the net quantity held for symbol, zero when
// flat or unknown.
func (c Context) HeldQuantity(symbol string) float64 {
	for _, p := range c.Portfolio {
		if p.Symbol == symbol {
			return p.NetQuantity
		}
	}
	return 0
}

// Signal is a strategy's proposal: zero or more orders with the
// reasoning that produced them.
type Signal struct {
	Strategy string               `json:"strategy"`
	Symbol   string               `json:"symbol"`
	Orders   []venue.OrderRequest `json:"orders"`
	Reason   string               `json:"reason"`
}

// Strategy generates signals from a context. Implementations must not
// reach out to venues or storage.
type Strategy interface {
	ID() string
	Name() string
	GenerateSignals(ctx Context) ([]Signal, error)
}
