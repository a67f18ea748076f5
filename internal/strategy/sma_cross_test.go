package strategy

import (
	"testing"

	"keel/internal/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func flatSeries(n int, price float64) []float64 {
	s := make([]float64, n)
	for i := range s {
		s[i] = price
	}
	return s
}

func TestSMACrossBuySignal(t *testing.T) {
	s := NewSMACross([]string{"AAPL"}, 3, 6, 2)

	// Flat history then a sharp rise makes the fast average cross up on
	// the final bar.
	series := flatSeries(13, 100)
	series = append(series, 108)

	signals, err := s.GenerateSignals(Context{
		History: map[string][]float64{"AAPL": series},
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Len(t, signals[0].Orders, 1)
	assert.Equal(t, types.SideBuy, signals[0].Orders[0].Side)
	assert.InDelta(t, 2, signals[0].Orders[0].Quantity, 1e-9)
}

func TestSMACrossNoSignalWithoutHistory(t *testing.T) {
	s := NewSMACross([]string{"AAPL"}, 3, 6, 2)
	signals, err := s.GenerateSignals(Context{
		History: map[string][]float64{"AAPL": flatSeries(4, 100)},
	})
	require.NoError(t, err)
	assert.Empty(t, signals)
}

func TestSMACrossSellExitsHeldQuantity(t *testing.T) {
	s := NewSMACross([]string{"AAPL"}, 3, 6, 2)

	series := flatSeries(13, 100)
	series = append(series, 90)

	signals, err := s.GenerateSignals(Context{
		History: map[string][]float64{"AAPL": series},
		Portfolio: []types.PositionSnapshot{{
			TradeSummary: types.TradeSummary{
				Symbol:      "AAPL",
				NetQuantity: 5,
				Position:    types.PositionLong,
			},
		}},
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	require.Len(t, signals[0].Orders, 1)
	assert.Equal(t, types.SideSell, signals[0].Orders[0].Side)
	// The exit closes the full held quantity, not the entry size.
	assert.InDelta(t, 5, signals[0].Orders[0].Quantity, 1e-9)
}

func TestRSIReversionOversoldBuy(t *testing.T) {
	s := NewRSIReversion([]string{"TSLA"}, 5, 1)

	// A steady decline drives RSI to the floor.
	series := []float64{100, 98, 96, 94, 92, 90, 88, 86, 84, 82}
	signals, err := s.GenerateSignals(Context{
		History: map[string][]float64{"TSLA": series},
	})
	require.NoError(t, err)
	require.Len(t, signals, 1)
	assert.Equal(t, types.SideBuy, signals[0].Orders[0].Side)
}
