package strategy

import (
	"fmt"

	"keel/internal/types"
	"keel/internal/venue"

	talib "github.com/markcheno/go-talib"
)

// SMACross buys when the fast simple moving average crosses above the
// slow one and exits the position on the cross back down.
type SMACross struct {
	Symbols    []string
	FastPeriod int
	SlowPeriod int
	Quantity   float64
}

func NewSMACross(symbols []string, fast, slow int, quantity float64) *SMACross {
	if fast <= 0 {
		fast = 10
	}
	if slow <= fast {
		slow = fast * 3
	}
	if quantity <= 0 {
		quantity = 1
	}
	return &SMACross{Symbols: symbols, FastPeriod: fast, SlowPeriod: slow, Quantity: quantity}
}

func (s *SMACross) ID() string   { return "sma-cross" }
func (s *SMACross) Name() string { return "SMA crossover" }

func (s *SMACross) GenerateSignals(ctx Context) ([]Signal, error) {
	var signals []Signal
	for _, symbol := range s.Symbols {
		closes := ctx.History[symbol]
		if len(closes) < s.SlowPeriod+1 {
			continue
		}
		fast := talib.Sma(closes, s.FastPeriod)
		slow := talib.Sma(closes, s.SlowPeriod)
		n := len(closes) - 1

		crossedUp := fast[n] > slow[n] && fast[n-1] <= slow[n-1]
		crossedDown := fast[n] < slow[n] && fast[n-1] >= slow[n-1]
		held := ctx.HeldQuantity(symbol)

		switch {
		case crossedUp && held <= 0:
			signals = append(signals, Signal{
				Strategy: s.ID(),
				Symbol:   symbol,
				Reason:   fmt.Sprintf("fast SMA(%d) crossed above slow SMA(%d)", s.FastPeriod, s.SlowPeriod),
				Orders: []venue.OrderRequest{{
					Symbol:   symbol,
					Side:     types.SideBuy,
					Type:     venue.OrderMarket,
					Quantity: s.Quantity,
				}},
			})
		case crossedDown && held > 0:
			signals = append(signals, Signal{
				Strategy: s.ID(),
				Symbol:   symbol,
				Reason:   fmt.Sprintf("fast SMA(%d) crossed below slow SMA(%d)", s.FastPeriod, s.SlowPeriod),
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
