// Package notifier delivers operator alerts. The interface is kept
// small so components can depend on it without importing a concrete
// transport.
package notifier

import (
	"context"
	"fmt"

	"keel/internal/bus"
	"keel/internal/logger"
	"keel/internal/risk"
	"keel/internal/stoploss"
)

// Notifier sends one subject/body message to the operator channel.
type Notifier interface {
	Notify(ctx context.Context, subject, body string) error
}

// Log writes alerts into the application log. It is the fallback when
// no external channel is configured.
type Log struct{}

func (Log) Notify(ctx context.Context, subject, body string) error {
	logger.Warnf("ALERT %s: %s", subject, body)
	return nil
}

// WireAlerts subscribes n to the event topics operators care about.
func WireAlerts(events *bus.Bus, n Notifier) {
	events.Subscribe(bus.TopicCriticalError, func(evt bus.Event) {
		ce, ok := evt.Payload.(risk.CriticalError)
		if !ok {
			return
		}
		send(n, "Critical error", fmt.Sprintf("source=%s\n%s", ce.Source, ce.Reason))
	})
	events.Subscribe(bus.TopicStopLossTrigger, func(evt bus.Event) {
		te, ok := evt.Payload.(stoploss.TriggerEvent)
		if !ok {
			return
		}
		send(n, "Stop-loss triggered",
			fmt.Sprintf("%s at %.4f (stop %.4f, qty %.4f)",
				te.Config.Symbol, te.Price, te.Config.StopLossPrice, te.Config.Quantity))
	})
	events.Subscribe(bus.TopicStopLossExecuted, func(evt bus.Event) {
		te, ok := evt.Payload.(stoploss.TriggerEvent)
		if !ok || te.Execution == nil {
			return
		}
		send(n, "Stop-loss executed",
			fmt.Sprintf("%s sold %.4f at %.4f",
				te.Config.Symbol, te.Execution.FilledQuantity, te.Execution.AveragePrice))
	})
	events.Subscribe(bus.TopicStopLossFailed, func(evt bus.Event) {
		te, ok := evt.Payload.(stoploss.TriggerEvent)
		if !ok {
			return
		}
		send(n, "Stop-loss FAILED",
			fmt.Sprintf("%s exit did not fill: %s", te.Config.Symbol, te.Error))
	})
}

func send(n Notifier, subject, body string) {
	if err := n.Notify(context.Background(), subject, body); err != nil {
		logger.Errorf("notifier: sending %q: %v", subject, err)
	}
}
