// Package store declares the persistence contracts the core depends
// on. Implementations live in subpackages.
package store

import (
	"context"

	"keel/internal/types"
)

// Store is the entry point for database access.
type Store interface {
	Stocks() StockRepository
	Trades() TradeRepository
	StopLosses() StopLossRepository
	Reconciliations() ReconciliationRepository
	Close() error
}

// Backuper is an optional capability. Callers resolve it once at
// construction with a type assertion, never by probing shapes at
// runtime.
type Backuper interface {
	Backup(ctx context.Context, destPath string) error
}

// StockRepository handles the instrument registry.
type StockRepository interface {
	GetAll(ctx context.Context) ([]types.Stock, error)
	Get(ctx context.Context, symbol string) (*types.Stock, error)
	Save(ctx context.Context, stock types.Stock) error
}

// TradeRepository handles the immutable trade history. GetAll returns
// trades ordered by execution time ascending.
type TradeRepository interface {
	GetAll(ctx context.Context) ([]types.Trade, error)
	GetBySymbol(ctx context.Context, symbol string) ([]types.Trade, error)
	Get(ctx context.Context, id string) (*types.Trade, error)
	Save(ctx context.Context, trade types.Trade) error
}

// ReconciliationRepository keeps an audit trail of reconciliation
// passes. Last returns the most recent result or nil.
type ReconciliationRepository interface {
	Save(ctx context.Context, result types.ReconciliationResult) error
	Last(ctx context.Context) (*types.ReconciliationResult, error)
}

// StopLossRepository handles protective-exit configurations, one per
// symbol. SetChangeHook registers a notification callback invoked
// after every successful Save or Delete.
type StopLossRepository interface {
	GetAll(ctx context.Context) ([]types.StopLossConfig, error)
	Get(ctx context.Context, symbol string) (*types.StopLossConfig, error)
	Save(ctx context.Context, cfg types.StopLossConfig) error
	Delete(ctx context.Context, symbol string) error
	SetChangeHook(func(symbol string))
}
