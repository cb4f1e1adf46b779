package monitor

import (
	"context"
	"fmt"
	"log"
	"time"

	"execution-core/internal/events"
)

// Monitor watches the bus and turns audit gaps and risk blocks into alerts.
type Monitor struct {
	Bus  *events.Bus
	Sink AlertSink
}

func (m *Monitor) Start(ctx context.Context) {
	if m.Bus == nil || m.Sink == nil {
		log.Println("monitor not fully configured; skipping")
		return
	}
	stream, unsub := m.Bus.SubscribeMany([]events.Event{events.EventAuditGap, events.EventRiskBlock}, 50)
	go func() {
		defer unsub()
		for {
			select {
			case <-ctx.Done():
				return
			case env, ok := <-stream:
				if !ok {
					return
				}
				if err := m.Sink.Send(formatAlert(env)); err != nil {
					log.Printf("monitor: alert delivery failed: %v", err)
				}
			}
		}
	}()
}

func formatAlert(env events.Envelope) string {
	return "[" + time.Now().Format(time.RFC3339) + "] " + describe(env)
}

func describe(env events.Envelope) string {
	switch p := env.Payload.(type) {
	case events.AuditGap:
		return fmt.Sprintf("audit gap: user=%s connection=%s exchange_order_id=%s", p.UserID, p.ConnectionID, p.ExchangeOrderID)
	case events.StrategyEvent:
		return fmt.Sprintf("risk block: run=%s reason=%v", p.RunID, p.Payload["reason"])
	default:
		return string(env.Topic) + " alert triggered"
	}
}
