package gormstore

import (
	"encoding/json"
	"time"

	"keel/internal/types"

	"gorm.io/datatypes"
)

type stockModel struct {
	Symbol    string    `gorm:"primaryKey;size:32"`
	Name      string    `gorm:"size:128"`
	CreatedAt time.Time `gorm:"autoCreateTime:false"`
}

func (stockModel) TableName() string { return "stocks" }

func (m stockModel) toDomain() types.Stock {
	return types.Stock{Symbol: m.Symbol, Name: m.Name, CreatedAt: m.CreatedAt}
}

func stockFromDomain(s types.Stock) stockModel {
	return stockModel{Symbol: s.Symbol, Name: s.Name, CreatedAt: s.CreatedAt}
}

type tradeModel struct {
	ID         string    `gorm:"primaryKey;size:64"`
	Symbol     string    `gorm:"index;size:32"`
	Side       string    `gorm:"size:8"`
	Quantity   float64
	Price      float64
	ExecutedAt time.Time `gorm:"index"`
	Notes      string
}

func (tradeModel) TableName() string { return "trades" }

func (m tradeModel) toDomain() types.Trade {
	return types.Trade{
		ID:         m.ID,
		Symbol:     m.Symbol,
		Side:       types.Side(m.Side),
		Quantity:   m.Quantity,
		Price:      m.Price,
		ExecutedAt: m.ExecutedAt,
		Notes:      m.Notes,
	}
}

func tradeFromDomain(t types.Trade) tradeModel {
	return tradeModel{
		ID:         t.ID,
		Symbol:     t.Symbol,
		Side:       string(t.Side),
		Quantity:   t.Quantity,
		Price:      t.Price,
		ExecutedAt: t.ExecutedAt,
		Notes:      t.Notes,
	}
}

type stopLossModel struct {
	Symbol          string `gorm:"primaryKey;size:32"`
	EntryPrice      float64
	StopLossPrice   float64
	Quantity        float64
	Type            string `gorm:"size:16"`
	TrailingPercent float64
	HighWaterMark   float64
	CreatedAt       time.Time `gorm:"autoCreateTime:false"`
	UpdatedAt       time.Time `gorm:"autoUpdateTime:false"`
}

func (stopLossModel) TableName() string { return "stop_loss_configs" }

func (m stopLossModel) toDomain() types.StopLossConfig {
	return types.StopLossConfig{
		Symbol:          m.Symbol,
		EntryPrice:      m.EntryPrice,
		StopLossPrice:   m.StopLossPrice,
		Quantity:        m.Quantity,
		Type:            types.StopLossType(m.Type),
		TrailingPercent: m.TrailingPercent,
		HighWaterMark:   m.HighWaterMark,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
	}
}

func stopLossFromDomain(c types.StopLossConfig) stopLossModel {
	return stopLossModel{
		Symbol:          c.Symbol,
		EntryPrice:      c.EntryPrice,
		StopLossPrice:   c.StopLossPrice,
		Quantity:        c.Quantity,
		Type:            string(c.Type),
		TrailingPercent: c.TrailingPercent,
		HighWaterMark:   c.HighWaterMark,
		CreatedAt:       c.CreatedAt,
		UpdatedAt:       c.UpdatedAt,
	}
}

type reconcileModel struct {
	ID        uint           `gorm:"primaryKey;autoIncrement"`
	Timestamp time.Time      `gorm:"index"`
	Result    datatypes.JSON `gorm:"type:json"`
}

func (reconcileModel) TableName() string { return "reconciliations" }

func reconcileFromDomain(r types.ReconciliationResult) (reconcileModel, error) {
	raw, err := json.Marshal(r)
	if err != nil {
		return reconcileModel{}, err
	}
	return reconcileModel{Timestamp: r.Timestamp, Result: datatypes.JSON(raw)}, nil
}

func (m reconcileModel) toDomain() (types.ReconciliationResult, error) {
	var out types.ReconciliationResult
	if err := json.Unmarshal(m.Result, &out); err != nil {
		return types.ReconciliationResult{}, err
	}
	return out, nil
}
