package events

import (
	"testing"
	"time"
)

func TestPublishDropsForSlowSubscriber(t *testing.T) {
	b := NewBus()
	ch, unsub := b.Subscribe(EventRiskBlock, 1)
	defer unsub()

	b.Publish(EventRiskBlock, "first")
	b.Publish(EventRiskBlock, "second")

	if got := <-ch; got != "first" {
		t.Fatalf("got %v, want first", got)
	}
	select {
	case extra := <-ch:
		t.Fatalf("expected drop, got %v", extra)
	default:
	}
}

func TestSubscribeManyTagsTopic(t *testing.T) {
	b := NewBus()
	ch, unsub := b.SubscribeMany([]Event{EventAuditGap, EventStrategySignal}, 4)
	defer unsub()

	b.Publish(EventAuditGap, AuditGap{ExchangeOrderID: "x1"})

	select {
	case env := <-ch:
		if env.Topic != EventAuditGap {
			t.Fatalf("topic = %s", env.Topic)
		}
		if gap, ok := env.Payload.(AuditGap); !ok || gap.ExchangeOrderID != "x1" {
			t.Fatalf("unexpected payload %+v", env.Payload)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for envelope")
	}
}
