package session

import (
	"testing"

	sessionmodel "github.com/zhouzirui/karitas/backend/internal/model/session"
)

func TestBrokerFanOut(t *testing.T) {
	b := NewBroker()
	first := b.Subscribe(4)
	second := b.Subscribe(4)
	defer first.Close()
	defer second.Close()

	b.Publish(sessionmodel.Event{Kind: sessionmodel.EventStatus})

	for _, sub := range []*Subscription{first, second} {
		event := <-sub.Events()
		if event.Kind != sessionmodel.EventStatus {
			t.Fatalf("unexpected kind %s", event.Kind)
		}
		if event.Time.IsZero() {
			t.Fatalf("expected publish time to be stamped")
		}
	}
}

func TestBrokerDropsWhenFull(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(2)
	defer sub.Close()

	for i := 0; i < 5; i++ {
		b.Publish(sessionmodel.Event{Kind: sessionmodel.EventFrame})
	}

	if got := len(sub.Events()); got != 2 {
		t.Fatalf("buffered events = %d, want 2", got)
	}
	if got := sub.Dropped(); got != 3 {
		t.Fatalf("Dropped() = %d, want 3", got)
	}
}

func TestBrokerCloseIsIdempotent(t *testing.T) {
	b := NewBroker()
	sub := b.Subscribe(0)
	sub.Close()
	sub.Close()

	if _, ok := <-sub.Events(); ok {
		t.Fatalf("expected closed channel")
	}
	if b.Subscribers() != 0 {
		t.Fatalf("Subscribers() = %d, want 0", b.Subscribers())
	}

	// 关闭后发布不会 panic
	b.Publish(sessionmodel.Event{Kind: sessionmodel.EventStatus})
}
