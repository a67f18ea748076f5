// Package market provides the live price feed consumed by strategy
// evaluation and the stop-loss supervisor.
package market

import (
	"context"

	"keel/internal/types"
)

// TickHandler receives one tick at a time, in arrival order.
type TickHandler func(types.Tick)

// Feed is a live market data source. Snapshot returns last-known
// prices for the requested symbols (all known symbols when the filter
// is empty); Tick returns a single fresh observation.
type Feed interface {
	Snapshot(ctx context.Context, symbols []string) (map[string]float64, error)
	Tick(ctx context.Context, symbol string) (types.Tick, error)
	Subscribe(handler TickHandler)
}
