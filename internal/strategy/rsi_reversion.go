package strategy

import (
	"fmt"

	"keel/internal/types"
	"keel/internal/venue"

	talib "github.com/markcheno/go-talib"
)

// RSIReversion buys oversold symbols and sells held positions once
// they turn overbought.
type RSIReversion struct {
	Symbols    []string
	Period     int
	Oversold   float64
	Overbought float64
	Quantity   float64
}

func NewRSIReversion(symbols []string, period int, quantity float64) *RSIReversion {
	if period <= 0 {
		period = 14
	}
	if quantity <= 0 {
		quantity = 1
	}
	return &RSIReversion{
		Symbols:    symbols,
		Period:     period,
		Oversold:   30,
		Overbought: 70,
		Quantity:   quantity,
	}
}

func (s *RSIReversion) ID() string   { return "rsi-reversion" }
func (s *RSIReversion) Name() string { return "RSI mean reversion" }

func (s *RSIReversion) GenerateSignals(ctx Context) ([]Signal, error) {
	var signals []Signal
	for _, symbol := range s.Symbols {
		closes := ctx.History[symbol]
		if len(closes) <= s.Period {
			continue
		}
		rsi := talib.Rsi(closes, s.Period)
		last := rsi[len(rsi)-1]
		held := ctx.HeldQuantity(symbol)

		switch {
		case last <= s.Oversold && held <= 0:
			signals = append(signals, Signal{
				Strategy: s.ID(),
				Symbol:   symbol,
				Reason:   fmt.Sprintf("RSI(%d)=%.1f oversold", s.Period, last),
				Orders: []venue.OrderRequest{{
					Symbol:   symbol,
					Side:     types.SideBuy,
					Type:     venue.OrderMarket,
					Quantity: s.Quantity,
				}},
			})
		case last >= s.Overbought && held > 0:
			signals = append(signals, Signal{
				Strategy: s.ID(),
				Symbol:   symbol,
				Reason:   fmt.Sprintf("RSI(%d)=%.1f overbought", s.Period, last),
				Orders: []venue.OrderRequest{{
					Symbol:   symbol,
					Side:     types.SideSell,
					Type:     venue.OrderMarket,
					Quantity: held,
				}},
			})
		}
	}
	return signals, nil
}
