package snapshot

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/mirkobrombin/go-ward/v1/store"
)

// Mode defines validator behaviour when a stale snapshot is found.
type Mode int

const (
	// ModeAlert only counts and logs mismatches.
	ModeAlert Mode = iota
	// ModeAutoHeal drops the stale snapshot so the next read refetches.
	ModeAutoHeal
)

// Validator periodically compares cached snapshots with the store. It is a
// safety net for deployments where commit signals can be lost, for example a
// bus outage.
type Validator[T any] struct {
	cache      *Cache[T]
	mode       Mode
	interval   time.Duration
	mismatches atomic.Uint64
}

// NewValidator creates a Validator over the given cache.
func NewValidator[T any](c *Cache[T], mode Mode, interval time.Duration) *Validator[T] {
	return &Validator[T]{cache: c, mode: mode, interval: interval}
}

// Run starts the validation loop and blocks until ctx is cancelled.
func (v *Validator[T]) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Scan(ctx)
		}
	}
}

// Scan performs one validation pass and returns the number of stale
// snapshots found.
func (v *Validator[T]) Scan(ctx context.Context) int {
	c := v.cache
	c.mu.Lock()
	watched := make(map[string]uint64, len(c.watched))
	for k, id := range c.watched {
		watched[k] = id
	}
	c.mu.Unlock()

	stale := 0
	for key, id := range watched {
		cached, ok := c.cache.Get(key)
		if !ok {
			continue
		}
		snap, ok := cached.(*T)
		if !ok {
			continue
		}
		var row T
		if err := c.store.Find(ctx, &row, id); err != nil {
			continue
		}
		if any(snap).(store.Resource).CurrentVersion() == any(&row).(store.Resource).CurrentVersion() {
			continue
		}
		stale++
		v.mismatches.Add(1)
		slog.Warn("ward: stale snapshot detected", "key", key)
		if v.mode == ModeAutoHeal {
			c.cache.Del(key)
			c.cache.Wait()
			c.invalidated.Add(1)
		}
	}
	return stale
}

// Mismatches returns the total number of stale snapshots detected.
func (v *Validator[T]) Mismatches() uint64 {
	return v.mismatches.Load()
}
