package syncbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
)

func newRedisBus(t *testing.T) (*RedisBus, context.Context) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	bus := NewRedisBus(client)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return bus, ctx
}

func TestRedisBusPublishSubscribe(t *testing.T) {
	bus, ctx := newRedisBus(t)

	ch, err := bus.Subscribe(ctx, "unlock:ward:ticket:7")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "unlock:ward:ticket:7"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for signal")
	}
	if m := bus.Metrics(); m.Published != 1 {
		t.Fatalf("metrics: expected published 1, got %d", m.Published)
	}
}

func TestRedisBusFanOutToLocalSubscribers(t *testing.T) {
	bus, ctx := newRedisBus(t)

	ch1, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe ch1: %v", err)
	}
	ch2, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe ch2: %v", err)
	}
	if err := bus.Publish(ctx, "k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for i, ch := range []chan struct{}{ch1, ch2} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("subscriber %d: timeout waiting for signal", i+1)
		}
	}
}

func TestRedisBusUnsubscribe(t *testing.T) {
	bus, ctx := newRedisBus(t)

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
}
