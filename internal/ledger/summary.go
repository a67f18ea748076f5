package ledger

import (
	"context"
	"sort"

	"keel/internal/types"

	"github.com/shopspring/decimal"
)

// symbolState is the running accumulation for one symbol. Quantity and
// cost basis are kept as decimals so long sequences of partial closes
// do not drift; a flat position lands back on exactly zero.
type symbolState struct {
	qty      decimal.Decimal
	cost     decimal.Decimal
	realized decimal.Decimal
}

// TradeSummaries folds the full trade history, ordered by execution
// time, into per-symbol summaries.
//
// A fill in the direction of the current position extends it at the
// fill price. A fill against it first closes up to the open quantity,
// realizing (fillPrice - avgCost) * closedQty for longs and the mirror
// for shorts, and reduces cost basis proportionally. Quantity beyond
// the open position flips it: the residual opens the opposite side at
// the fill price, which for a fresh short records the sale proceeds as
// negative cost basis.
func (l *Ledger) TradeSummaries(ctx context.Context) ([]types.TradeSummary, error) {
	trades, err := l.trades.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	states := make(map[string]*symbolState)
	for _, t := range trades {
		st, ok := states[t.Symbol]
		if !ok {
			st = &symbolState{}
			states[t.Symbol] = st
		}
		delta := decimal.NewFromFloat(t.Quantity)
		if t.Side == types.SideSell {
			delta = delta.Neg()
		}
		st.apply(delta, decimal.NewFromFloat(t.Price))
	}

	out := make([]types.TradeSummary, 0, len(states))
	for symbol, st := range states {
		out = append(out, st.summary(symbol))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out, nil
}

// Snapshot attaches mark-to-market valuations to the summaries. The
// mark is the latest live observation pushed via UpdateMark, falling
// back to the most recent trade price.
func (l *Ledger) Snapshot(ctx context.Context) ([]types.PositionSnapshot, error) {
	summaries, err := l.TradeSummaries(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]types.PositionSnapshot, 0, len(summaries))
	for _, s := range summaries {
		markPrice := l.markFor(s.Symbol, s.AverageEntryPrice)
		snap := types.PositionSnapshot{TradeSummary: s, MarkPrice: markPrice}
		if s.Position != types.PositionFlat {
			snap.UnrealizedPnl = s.NetQuantity * (markPrice - s.AverageEntryPrice)
		}
		out = append(out, snap)
	}
	return out, nil
}

// OpenPositionCount returns the number of non-flat symbols.
func (l *Ledger) OpenPositionCount(ctx context.Context) (int, error) {
	summaries, err := l.TradeSummaries(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, s := range summaries {
		if s.Position != types.PositionFlat {
			n++
		}
	}
	return n, nil
}

// TotalUnrealizedPnl sums unrealized P&L across open positions.
func (l *Ledger) TotalUnrealizedPnl(ctx context.Context) (float64, error) {
	snaps, err := l.Snapshot(ctx)
	if err != nil {
		return 0, err
	}
	total := 0.0
	for _, s := range snaps {
		total += s.UnrealizedPnl
	}
	return total, nil
}

func (st *symbolState) apply(delta, price decimal.Decimal) {
	if st.qty.IsZero() || st.qty.Sign() == delta.Sign() {
		st.cost = st.cost.Add(delta.Mul(price))
		st.qty = st.qty.Add(delta)
		return
	}

	openAbs := st.qty.Abs()
	closeQty := decimal.Min(delta.Abs(), openAbs)
	avg := st.cost.Div(st.qty) // positive for both longs and shorts

	if st.qty.Sign() > 0 {
		// Selling down a long.
		st.realized = st.realized.Add(closeQty.Mul(price.Sub(avg)))
	} else {
		// Buying back a short.
		st.realized = st.realized.Add(closeQty.Mul(avg.Sub(price)))
	}

	// Reduce cost basis proportionally to the closed quantity.
	signed := closeQty
	if st.qty.Sign() < 0 {
		signed = closeQty.Neg()
	}
	st.cost = st.cost.Sub(avg.Mul(signed))
	st.qty = st.qty.Sub(signed)

	residual := delta.Abs().Sub(closeQty)
	if residual.Sign() > 0 {
		// The fill flips the position; the remainder opens the other
		// side at the fill price.
		if delta.Sign() < 0 {
			residual = residual.Neg()
		}
		st.cost = st.cost.Add(residual.Mul(price))
		st.qty = st.qty.Add(residual)
	}
}

func (st *symbolState) summary(symbol string) types.TradeSummary {
	net, _ := st.qty.Float64()
	realized, _ := st.realized.Float64()
	s := types.TradeSummary{
		Symbol:      symbol,
		NetQuantity: net,
		RealizedPnl: realized,
		Position:    types.ClassifyPosition(net),
	}
	if !st.qty.IsZero() {
		avg, _ := st.cost.Div(st.qty).Abs().Float64()
		s.AverageEntryPrice = avg
	}
	return s
}
