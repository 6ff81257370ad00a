package lock

import (
	"context"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/syncbus"
)

type memoryEntry struct {
	token string
	timer *time.Timer
}

// InMemory implements Mutex using local memory. It mirrors the Redis
// semantics, including TTL expiry and token-checked release, and is intended
// for tests and single-process deployments.
type InMemory struct {
	mu    sync.Mutex
	bus   syncbus.Bus
	locks map[string]*memoryEntry
	poll  time.Duration
}

// NewInMemory returns a new in-memory mutex that publishes unlock events on bus.
func NewInMemory(bus syncbus.Bus) *InMemory {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	return &InMemory{bus: bus, locks: make(map[string]*memoryEntry), poll: defaultPollInterval}
}

// TryAcquire implements Mutex.TryAcquire.
func (l *InMemory) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.locks[key]; held {
		return nil, false, nil
	}
	token := uuid.NewString()
	e := &memoryEntry{token: token}
	if ttl > 0 {
		e.timer = time.AfterFunc(ttl, func() { l.expire(key, token) })
	}
	l.locks[key] = e
	return &Handle{Key: key, Token: token, Expiry: time.Now().Add(ttl)}, true, nil
}

func (l *InMemory) expire(key, token string) {
	l.mu.Lock()
	e, ok := l.locks[key]
	if ok && e.token == token {
		delete(l.locks, key)
	}
	l.mu.Unlock()
	if ok {
		_ = l.bus.Publish(context.Background(), "unlock:"+key)
	}
}

// Acquire implements Mutex.Acquire.
func (l *InMemory) Acquire(ctx context.Context, key string, ttl, blockingTimeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(blockingTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ch, err := l.bus.Subscribe(ctx, "unlock:"+key)
	if err != nil {
		return nil, err
	}
	defer func() { _ = l.bus.Unsubscribe(context.Background(), "unlock:"+key, ch) }()

	for {
		h, ok, err := l.TryAcquire(ctx, key, ttl)
		if err != nil {
			return nil, err
		}
		if ok {
			return h, nil
		}
		wait := l.poll + time.Duration(rand.Int63n(int64(l.poll)))
		select {
		case <-ch:
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, warderrors.Newf(warderrors.KindLockAcquisition,
				"lock not acquired within %s", blockingTimeout)
		}
	}
}

// Release implements Mutex.Release.
func (l *InMemory) Release(ctx context.Context, h *Handle) bool {
	if h == nil {
		return false
	}
	l.mu.Lock()
	e, ok := l.locks[h.Key]
	if !ok || e.token != h.Token {
		l.mu.Unlock()
		slog.Warn("ward: stale lock release ignored", "key", h.Key)
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	delete(l.locks, h.Key)
	l.mu.Unlock()
	_ = l.bus.Publish(ctx, "unlock:"+h.Key)
	return true
}

// Extend implements Mutex.Extend.
func (l *InMemory) Extend(ctx context.Context, h *Handle, ttl time.Duration) bool {
	if h == nil {
		return false
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.locks[h.Key]
	if !ok || e.token != h.Token {
		return false
	}
	if e.timer != nil {
		e.timer.Stop()
	}
	if ttl > 0 {
		token := e.token
		e.timer = time.AfterFunc(ttl, func() { l.expire(h.Key, token) })
	}
	h.Expiry = time.Now().Add(ttl)
	return true
}
