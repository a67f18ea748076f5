// Package memstore is an in-memory store implementation used by tests
// and dry-run sessions that should leave no database behind.
package memstore

import (
	"context"
	"sort"
	"sync"

	"keel/internal/pkg/traderr"
	"keel/internal/store"
	"keel/internal/types"
)

type MemStore struct {
	stocks     *stockRepo
	trades     *tradeRepo
	stopLosses *stopLossRepo
	reconciles *reconcileRepo
}

var _ store.Store = (*MemStore)(nil)

func New() *MemStore {
	return &MemStore{
		stocks:     &stockRepo{items: make(map[string]types.Stock)},
		trades:     &tradeRepo{items: make(map[string]types.Trade)},
		stopLosses: &stopLossRepo{items: make(map[string]types.StopLossConfig)},
		reconciles: &reconcileRepo{},
	}
}

func (s *MemStore) Stocks() store.StockRepository                   { return s.stocks }
func (s *MemStore) Trades() store.TradeRepository                   { return s.trades }
func (s *MemStore) StopLosses() store.StopLossRepository            { return s.stopLosses }
func (s *MemStore) Reconciliations() store.ReconciliationRepository { return s.reconciles }
func (s *MemStore) Close() error                                    { return nil }

type stockRepo struct {
	mu    sync.RWMutex
	items map[string]types.Stock
}

func (r *stockRepo) GetAll(ctx context.Context) ([]types.Stock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.Stock, 0, len(r.items))
	for _, s := range r.items {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *stockRepo) Get(ctx context.Context, symbol string) (*types.Stock, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.items[symbol]
	if !ok {
		return nil, traderr.NotFoundf("stock %s", symbol)
	}
	return &s, nil
}

func (r *stockRepo) Save(ctx context.Context, stock types.Stock) error {
	r.mu.Lock()
	r.items[stock.Symbol] = stock
	r.mu.Unlock()
	return nil
}

type tradeRepo struct {
	mu    sync.RWMutex
	items map[string]types.Trade
}

func (r *tradeRepo) sorted(filter func(types.Trade) bool) []types.Trade {
	out := make([]types.Trade, 0, len(r.items))
	for _, t := range r.items {
		if filter == nil || filter(t) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExecutedAt.Before(out[j].ExecutedAt)
	})
	return out
}

func (r *tradeRepo) GetAll(ctx context.Context) ([]types.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(nil), nil
}

func (r *tradeRepo) GetBySymbol(ctx context.Context, symbol string) ([]types.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sorted(func(t types.Trade) bool { return t.Symbol == symbol }), nil
}

func (r *tradeRepo) Get(ctx context.Context, id string) (*types.Trade, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.items[id]
	if !ok {
		return nil, traderr.NotFoundf("trade %s", id)
	}
	return &t, nil
}

func (r *tradeRepo) Save(ctx context.Context, trade types.Trade) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[trade.ID]; exists {
		return traderr.Conflictf("trade %s already recorded", trade.ID)
	}
	r.items[trade.ID] = trade
	return nil
}

type stopLossRepo struct {
	mu    sync.RWMutex
	items map[string]types.StopLossConfig
	hook  func(symbol string)
}

func (r *stopLossRepo) GetAll(ctx context.Context) ([]types.StopLossConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.StopLossConfig, 0, len(r.items))
	for _, c := range r.items {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

func (r *stopLossRepo) Get(ctx context.Context, symbol string) (*types.StopLossConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.items[symbol]
	if !ok {
		return nil, traderr.NotFoundf("stop-loss config %s", symbol)
	}
	return &c, nil
}

func (r *stopLossRepo) Save(ctx context.Context, cfg types.StopLossConfig) error {
	r.mu.Lock()
	r.items[cfg.Symbol] = cfg
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(cfg.Symbol)
	}
	return nil
}

func (r *stopLossRepo) Delete(ctx context.Context, symbol string) error {
	r.mu.Lock()
	delete(r.items, symbol)
	hook := r.hook
	r.mu.Unlock()
	if hook != nil {
		hook(symbol)
	}
	return nil
}

func (r *stopLossRepo) SetChangeHook(hook func(symbol string)) {
	r.mu.Lock()
	r.hook = hook
	r.mu.Unlock()
}

type reconcileRepo struct {
	mu      sync.RWMutex
	results []types.ReconciliationResult
}

func (r *reconcileRepo) Save(ctx context.Context, result types.ReconciliationResult) error {
	r.mu.Lock()
	r.results = append(r.results, result)
	r.mu.Unlock()
	return nil
}

func (r *reconcileRepo) Last(ctx context.Context) (*types.ReconciliationResult, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.results) == 0 {
		return nil, nil
	}
	last := r.results[len(r.results)-1]
	return &last, nil
}
