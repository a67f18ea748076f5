// Package bus is a small in-process publish/subscribe hub. Components
// register observers explicitly at construction time; there is no
// emitter base type to inherit from and no global instance.
package bus

import (
	"sync"
	"time"

	"keel/internal/logger"
)

type Topic string

const (
	TopicTradeExecuted    Topic = "trade-executed"
	TopicStopLossSet      Topic = "stop-loss-set"
	TopicStopLossTrigger  Topic = "stop-loss-triggered"
	TopicStopLossExecuted Topic = "stop-loss-executed"
	TopicStopLossFailed   Topic = "stop-loss-failed"
	TopicCriticalError    Topic = "critical_error"
)

// Event carries a topic-specific payload. Payload types are declared
// next to their publishers.
type Event struct {
	Topic   Topic
	At      time.Time
	Payload any
}

type Handler func(Event)

type Bus struct {
	mu   sync.RWMutex
	subs map[Topic][]Handler
}

func New() *Bus {
	return &Bus{subs: make(map[Topic][]Handler)}
}

// Subscribe registers h for topic. Handlers run synchronously in
// publish order; a handler must not block on venue or storage calls it
// cannot bound itself.
func (b *Bus) Subscribe(topic Topic, h Handler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	b.subs[topic] = append(b.subs[topic], h)
	b.mu.Unlock()
}

// Publish delivers payload to every subscriber of topic. A panicking
// handler is logged and skipped so one bad listener cannot take down
// the publisher.
func (b *Bus) Publish(topic Topic, payload any) {
	b.mu.RLock()
	handlers := b.subs[topic]
	b.mu.RUnlock()
	if len(handlers) == 0 {
		return
	}
	evt := Event{Topic: topic, At: time.Now(), Payload: payload}
	for _, h := range handlers {
		b.dispatch(topic, h, evt)
	}
}

func (b *Bus) dispatch(topic Topic, h Handler, evt Event) {
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("bus: handler panic topic=%s err=%v", topic, r)
		}
	}()
	h(evt)
}
