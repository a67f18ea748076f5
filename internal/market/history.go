package market

import (
	"sync"

	"keel/internal/types"
)

// Recorder keeps a bounded per-symbol price history fed by ticks.
// Strategies read it for indicator input.
type Recorder struct {
	mu     sync.RWMutex
	max    int
	series map[string][]float64
}

func NewRecorder(feed Feed, max int) *Recorder {
	if max <= 0 {
		max = 500
	}
	r := &Recorder{
		max:    max,
		series: make(map[string][]float64),
	}
	if feed != nil {
		feed.Subscribe(func(tick types.Tick) {
			r.Observe(tick.Symbol, tick.Price)
		})
	}
	return r
}

// Observe appends one price to a symbol's series, dropping the oldest
// entry past the cap.
func (r *Recorder) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	r.mu.Lock()
	s := append(r.series[symbol], price)
	if len(s) > r.max {
		s = s[len(s)-r.max:]
	}
	r.series[symbol] = s
	r.mu.Unlock()
}

// Series returns a copy of the recorded prices for symbol, oldest
// first.
func (r *Recorder) Series(symbol string) []float64 {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.series[symbol]
	out := make([]float64, len(s))
	copy(out, s)
	return out
}

// Symbols returns the symbols with recorded history.
func (r *Recorder) Symbols() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.series))
	for sym := range r.series {
		out = append(out, sym)
	}
	return out
}
