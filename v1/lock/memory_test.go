package lock

import (
	"context"
	"testing"
	"time"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/syncbus"
)

func TestInMemoryAcquireReleaseCycle(t *testing.T) {
	m := NewInMemory(nil)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "ward:job:1", time.Second, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !m.Release(ctx, h) {
		t.Fatal("release: expected true")
	}
	if m.Release(ctx, h) {
		t.Fatal("double release: expected false")
	}
}

func TestInMemoryTTLExpiryFreesLock(t *testing.T) {
	m := NewInMemory(nil)
	ctx := context.Background()

	h1, err := m.Acquire(ctx, "k", 20*time.Millisecond, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	// Waiter should get the lock once the TTL self-heals it.
	h2, err := m.Acquire(ctx, "k", time.Second, time.Second)
	if err != nil {
		t.Fatalf("second acquire: %v", err)
	}
	if m.Release(ctx, h1) {
		t.Fatal("expired handle release must return false")
	}
	if !m.Release(ctx, h2) {
		t.Fatal("live handle release: expected true")
	}
}

func TestInMemoryBlockingTimeout(t *testing.T) {
	m := NewInMemory(nil)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer m.Release(ctx, h)

	_, err = m.Acquire(ctx, "k", time.Second, 50*time.Millisecond)
	if kind := warderrors.KindOf(err); kind != warderrors.KindLockAcquisition {
		t.Fatalf("expected lock_acquisition, got %v (%s)", err, kind)
	}
}

func TestInMemoryUnlockWakesWaiter(t *testing.T) {
	bus := syncbus.NewInMemoryBus()
	m := NewInMemory(bus)
	ctx := context.Background()

	h, err := m.Acquire(ctx, "k", time.Minute, time.Second)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		h2, err := m.Acquire(ctx, "k", time.Second, 2*time.Second)
		if err == nil {
			m.Release(ctx, h2)
		}
		done <- err
	}()

	time.Sleep(20 * time.Millisecond)
	m.Release(ctx, h)

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("waiter: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter not woken by release")
	}
}

func TestKeyFor(t *testing.T) {
	if got := KeyFor("job", 482); got != "ward:job:482" {
		t.Fatalf("KeyFor: got %q", got)
	}
	if KeyFor("job", 1) == KeyFor("ticket", 1) {
		t.Fatal("different resource types must not share a key")
	}
}
