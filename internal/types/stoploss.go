package types

import "time"

type StopLossType string

const (
	StopLossFixed    StopLossType = "FIXED"
	StopLossTrailing StopLossType = "TRAILING"
)

// StopLossConfig is the protective-exit configuration for one open
// long symbol. At most one config exists per symbol. For TRAILING
// configs StopLossPrice only ever ratchets upward.
type StopLossConfig struct {
	Symbol          string       `json:"symbol"`
	EntryPrice      float64      `json:"entry_price"`
	StopLossPrice   float64      `json:"stop_loss_price"`
	Quantity        float64      `json:"quantity"`
	Type            StopLossType `json:"type"`
	TrailingPercent float64      `json:"trailing_percent,omitempty"`
	HighWaterMark   float64      `json:"high_water_mark,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
}
