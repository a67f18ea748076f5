package gormstore

import (
	"context"
	"errors"
	"strings"
	"sync"

	"keel/internal/pkg/traderr"
	"keel/internal/types"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type stockRepo struct {
	db *gorm.DB
}

func (r *stockRepo) GetAll(ctx context.Context) ([]types.Stock, error) {
	var rows []stockModel
	if err := r.db.WithContext(ctx).Order("symbol asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Stock, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *stockRepo) Get(ctx context.Context, symbol string) (*types.Stock, error) {
	var row stockModel
	err := r.db.WithContext(ctx).First(&row, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, traderr.NotFoundf("stock %s", symbol)
	}
	if err != nil {
		return nil, err
	}
	stock := row.toDomain()
	return &stock, nil
}

func (r *stockRepo) Save(ctx context.Context, stock types.Stock) error {
	row := stockFromDomain(stock)
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
}

type tradeRepo struct {
	db *gorm.DB
}

func (r *tradeRepo) GetAll(ctx context.Context) ([]types.Trade, error) {
	var rows []tradeModel
	if err := r.db.WithContext(ctx).Order("executed_at asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.Trade, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *tradeRepo) GetBySymbol(ctx context.Context, symbol string) ([]types.Trade, error) {
	var rows []tradeModel
	err := r.db.WithContext(ctx).
		Where("symbol = ?", symbol).
		Order("executed_at asc").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]types.Trade, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *tradeRepo) Get(ctx context.Context, id string) (*types.Trade, error) {
	var row tradeModel
	err := r.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, traderr.NotFoundf("trade %s", id)
	}
	if err != nil {
		return nil, err
	}
	trade := row.toDomain()
	return &trade, nil
}

func (r *tradeRepo) Save(ctx context.Context, trade types.Trade) error {
	row := tradeFromDomain(trade)
	err := r.db.WithContext(ctx).Create(&row).Error
	if err != nil && (errors.Is(err, gorm.ErrDuplicatedKey) || isUniqueViolation(err)) {
		return traderr.Conflictf("trade %s already recorded", trade.ID)
	}
	return err
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint")
}

type stopLossRepo struct {
	db *gorm.DB

	hookMu sync.RWMutex
	hook   func(symbol string)
}

func (r *stopLossRepo) GetAll(ctx context.Context) ([]types.StopLossConfig, error) {
	var rows []stopLossModel
	if err := r.db.WithContext(ctx).Order("symbol asc").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]types.StopLossConfig, 0, len(rows))
	for _, row := range rows {
		out = append(out, row.toDomain())
	}
	return out, nil
}

func (r *stopLossRepo) Get(ctx context.Context, symbol string) (*types.StopLossConfig, error) {
	var row stopLossModel
	err := r.db.WithContext(ctx).First(&row, "symbol = ?", symbol).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, traderr.NotFoundf("stop-loss config %s", symbol)
	}
	if err != nil {
		return nil, err
	}
	cfg := row.toDomain()
	return &cfg, nil
}

func (r *stopLossRepo) Save(ctx context.Context, cfg types.StopLossConfig) error {
	row := stopLossFromDomain(cfg)
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{UpdateAll: true}).
		Create(&row).Error
	if err == nil {
		r.notify(cfg.Symbol)
	}
	return err
}

func (r *stopLossRepo) Delete(ctx context.Context, symbol string) error {
	err := r.db.WithContext(ctx).Delete(&stopLossModel{}, "symbol = ?", symbol).Error
	if err == nil {
		r.notify(symbol)
	}
	return err
}

func (r *stopLossRepo) SetChangeHook(hook func(symbol string)) {
	r.hookMu.Lock()
	r.hook = hook
	r.hookMu.Unlock()
}

func (r *stopLossRepo) notify(symbol string) {
	r.hookMu.RLock()
	hook := r.hook
	r.hookMu.RUnlock()
	if hook != nil {
		hook(symbol)
	}
}

type reconcileRepo struct {
	db *gorm.DB
}

func (r *reconcileRepo) Save(ctx context.Context, result types.ReconciliationResult) error {
	row, err := reconcileFromDomain(result)
	if err != nil {
		return err
	}
	return r.db.WithContext(ctx).Create(&row).Error
}

func (r *reconcileRepo) Last(ctx context.Context) (*types.ReconciliationResult, error) {
	var row reconcileModel
	err := r.db.WithContext(ctx).Order("timestamp desc").First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	result, err := row.toDomain()
	if err != nil {
		return nil, err
	}
	return &result, nil
}
