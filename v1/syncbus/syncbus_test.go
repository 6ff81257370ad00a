package syncbus

import (
	"context"
	"testing"
	"time"
)

func TestInMemoryBusPublishSubscribe(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "unlock:ward:job:1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "unlock:ward:job:1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal")
	}
	m := bus.Metrics()
	if m.Published != 1 || m.Delivered != 1 {
		t.Fatalf("metrics: expected 1/1, got %d/%d", m.Published, m.Delivered)
	}
}

func TestInMemoryBusTopicIsolation(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "unlock:ward:job:1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "unlock:ward:job:2"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("received signal for unrelated topic")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestInMemoryBusUnsubscribeClosesChannel(t *testing.T) {
	bus := NewInMemoryBus()
	ctx := context.Background()

	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "k", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("expected closed channel after unsubscribe")
	}
	// Publishing to a topic with no subscribers must not fail.
	if err := bus.Publish(ctx, "k"); err != nil {
		t.Fatalf("publish after unsubscribe: %v", err)
	}
}

func TestInMemoryBusContextCancelUnsubscribes(t *testing.T) {
	bus := NewInMemoryBus()
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	deadline := time.After(time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("channel not closed after context cancel")
		}
	}
}
