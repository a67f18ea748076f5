package market

import (
	"context"
	"sync"
	"time"

	"keel/internal/pkg/traderr"
	"keel/internal/types"
)

// StaticFeed is a settable in-memory feed. Tests drive it directly;
// the simulated venue prices fills from it.
type StaticFeed struct {
	mu       sync.RWMutex
	prices   map[string]float64
	handlers []TickHandler
	nowFn    func() time.Time
}

var _ Feed = (*StaticFeed)(nil)

func NewStaticFeed() *StaticFeed {
	return &StaticFeed{
		prices: make(map[string]float64),
		nowFn:  time.Now,
	}
}

// SetPrice updates the last price and pushes a tick to subscribers.
func (f *StaticFeed) SetPrice(symbol string, price float64) {
	f.mu.Lock()
	f.prices[symbol] = price
	handlers := make([]TickHandler, len(f.handlers))
	copy(handlers, f.handlers)
	now := f.nowFn()
	f.mu.Unlock()

	tick := types.Tick{Symbol: symbol, Price: price, At: now}
	for _, h := range handlers {
		h(tick)
	}
}

func (f *StaticFeed) Snapshot(ctx context.Context, symbols []string) (map[string]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64)
	if len(symbols) == 0 {
		for sym, p := range f.prices {
			out[sym] = p
		}
		return out, nil
	}
	for _, sym := range symbols {
		if p, ok := f.prices[sym]; ok {
			out[sym] = p
		}
	}
	return out, nil
}

func (f *StaticFeed) Tick(ctx context.Context, symbol string) (types.Tick, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	p, ok := f.prices[symbol]
	if !ok {
		return types.Tick{}, traderr.NotFoundf("no price for %s", symbol)
	}
	return types.Tick{Symbol: symbol, Price: p, At: f.nowFn()}, nil
}

func (f *StaticFeed) Subscribe(handler TickHandler) {
	if handler == nil {
		return
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
}
