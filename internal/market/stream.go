package market

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"keel/internal/logger"
	"keel/internal/types"

	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"
)

const (
	handshakeTimeout = 4 * time.Second
	readTimeout      = 60 * time.Second
	reconnectDelay   = 5 * time.Second
)

// StreamConfig describes a JSON trade-tick websocket stream. The
// field paths are gjson expressions so one client covers venues with
// different payload shapes.
type StreamConfig struct {
	URL          string
	Symbols      []string
	SymbolPath   string // e.g. "s" or "data.symbol"
	PricePath    string // e.g. "p" or "data.price"
	SubscribeMsg string // optional message sent after connect; %s expands to the symbol list
}

// StreamFeed consumes a websocket tick stream and fans ticks out to
// subscribers while caching the last price per symbol.
type StreamFeed struct {
	cfg StreamConfig

	mu       sync.RWMutex
	prices   map[string]float64
	handlers []TickHandler
}

var _ Feed = (*StreamFeed)(nil)

func NewStreamFeed(cfg StreamConfig) *StreamFeed {
	return &StreamFeed{
		cfg:    cfg,
		prices: make(map[string]float64),
	}
}

// Run connects and consumes until ctx is done, reconnecting with a
// fixed delay on any transport error.
func (f *StreamFeed) Run(ctx context.Context) error {
	for {
		if err := f.consumeOnce(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logger.Errorf("market: stream error: %v, reconnecting in %s", err, reconnectDelay)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(reconnectDelay):
		}
	}
}

func (f *StreamFeed) consumeOnce(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}
	defer conn.Close()
	logger.Infof("market: stream connected url=%s symbols=%d", f.cfg.URL, len(f.cfg.Symbols))

	if msg := f.subscribeMessage(); msg != "" {
		if err := conn.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if err := conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return err
		}
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		f.handleMessage(raw)
	}
}

func (f *StreamFeed) subscribeMessage() string {
	if f.cfg.SubscribeMsg == "" || len(f.cfg.Symbols) == 0 {
		return f.cfg.SubscribeMsg
	}
	quoted := make([]string, 0, len(f.cfg.Symbols))
	for _, s := range f.cfg.Symbols {
		b, _ := json.Marshal(strings.ToLower(s))
		quoted = append(quoted, string(b))
	}
	return fmt.Sprintf(f.cfg.SubscribeMsg, strings.Join(quoted, ","))
}

func (f *StreamFeed) handleMessage(raw []byte) {
	symbol := strings.ToUpper(gjson.GetBytes(raw, f.cfg.SymbolPath).String())
	price := gjson.GetBytes(raw, f.cfg.PricePath).Float()
	if symbol == "" || price <= 0 {
		return
	}

	f.mu.Lock()
	f.prices[symbol] = price
	handlers := make([]TickHandler, len(f.handlers))
	copy(handlers, f.handlers)
	f.mu.Unlock()

	tick := types.Tick{Symbol: symbol, Price: price, At: time.Now()}
	for _, h := range handlers {
		h(tick)
	}
}

func (f *StreamFeed) Snapshot(ctx context.Context, symbols []string) (map[string]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]float64)
	if len(symbols) == 0 {
		for sym, p := range f.prices {
			out[sym] = p
		}
		return out, nil
	}
	for _, sym := range symbols {
		if p, ok := f.prices[strings.ToUpper(sym)]; ok {
			out[strings.ToUpper(sym)] = p
		}
	}
	return out, nil
}

func (f *StreamFeed) Tick(ctx context.Context, symbol string) (types.Tick, error) {
	f.mu.RLock()
	p, ok := f.prices[strings.ToUpper(symbol)]
	f.mu.RUnlock()
	if !ok {
		return types.Tick{}, fmt.Errorf("no price observed yet for %s", symbol)
	}
	return types.Tick{Symbol: strings.ToUpper(symbol), Price: p, At: time.Now()}, nil
}

func (f *StreamFeed) Subscribe(handler TickHandler) {
	if handler == nil {
		return
	}
	f.mu.Lock()
	f.handlers = append(f.handlers, handler)
	f.mu.Unlock()
}
