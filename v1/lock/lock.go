package lock

import (
	"context"
	"fmt"
	"time"
)

// Handle is the in-memory representation of a held mutex. Only the holder of
// the token may release or extend the lock; a handle whose TTL elapsed is
// silently invalid at the store.
type Handle struct {
	Key    string
	Token  string
	Expiry time.Time
}

// Mutex is a named, TTL-bounded cross-process lock. A lock that outlives its
// holder self-heals via TTL expiry, so the TTL must exceed the expected
// critical-section duration with margin.
type Mutex interface {
	// TryAcquire attempts to obtain the lock without waiting. The boolean
	// reports whether the lock was obtained.
	TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error)
	// Acquire blocks until the lock is obtained, blockingTimeout elapses, or
	// ctx is cancelled. Timeout yields a KindLockAcquisition error.
	Acquire(ctx context.Context, key string, ttl, blockingTimeout time.Duration) (*Handle, error)
	// Release frees the lock if the handle's token still matches the stored
	// value. It returns false, without touching the lock, when the token no
	// longer matches (the lock expired and was re-acquired by someone else).
	Release(ctx context.Context, h *Handle) bool
	// Extend pushes the lock's expiry forward if the token still matches.
	Extend(ctx context.Context, h *Handle, ttl time.Duration) bool
}

// KeyFor derives the canonical lock key for a resource. Concurrent callers on
// the same resource collide on the same key; different resources never do.
func KeyFor(resourceType string, id uint64) string {
	return fmt.Sprintf("ward:%s:%d", resourceType, id)
}
