package lock

import (
	"context"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/syncbus"
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
else
    return 0
end
`)

var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("PEXPIRE", KEYS[1], ARGV[2])
else
    return 0
end
`)

const defaultPollInterval = 20 * time.Millisecond

// Redis implements Mutex using a Redis backend. Contending waiters poll with
// short randomized backoff and additionally wake on unlock signals published
// through the bus.
type Redis struct {
	client *redis.Client
	bus    syncbus.Bus
	poll   time.Duration
}

// RedisOption configures a Redis mutex.
type RedisOption func(*Redis)

// WithPollInterval sets the base poll interval used while contending.
func WithPollInterval(d time.Duration) RedisOption {
	return func(r *Redis) {
		if d > 0 {
			r.poll = d
		}
	}
}

// NewRedis returns a new Redis mutex using the provided client. A nil bus
// falls back to a process-local one, which still wakes local waiters.
func NewRedis(client *redis.Client, bus syncbus.Bus, opts ...RedisOption) *Redis {
	if bus == nil {
		bus = syncbus.NewInMemoryBus()
	}
	r := &Redis{client: client, bus: bus, poll: defaultPollInterval}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// TryAcquire implements Mutex.TryAcquire.
func (r *Redis) TryAcquire(ctx context.Context, key string, ttl time.Duration) (*Handle, bool, error) {
	token := uuid.NewString()
	ok, err := r.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, warderrors.Wrap(warderrors.KindConnection, err, "lock store unreachable")
	}
	if !ok {
		return nil, false, nil
	}
	return &Handle{Key: key, Token: token, Expiry: time.Now().Add(ttl)}, true, nil
}

// Acquire implements Mutex.Acquire.
func (r *Redis) Acquire(ctx context.Context, key string, ttl, blockingTimeout time.Duration) (*Handle, error) {
	deadline := time.Now().Add(blockingTimeout)
	ctx, cancel := context.WithDeadline(ctx, deadline)
	defer cancel()

	ch, err := r.bus.Subscribe(ctx, "unlock:"+key)
	if err != nil {
		return nil, warderrors.Wrap(warderrors.KindConnection, err, "lock store unreachable")
	}
	defer func() { _ = r.bus.Unsubscribe(context.Background(), "unlock:"+key, ch) }()

	for {
		h, ok, err := r.TryAcquire(ctx, key, ttl)
		if err != nil {
			// A deadline hit between polls surfaces here as a Redis
			// command error; that is a timeout, not an outage.
			if ctx.Err() != nil {
				return nil, warderrors.Newf(warderrors.KindLockAcquisition,
					"lock not acquired within %s", blockingTimeout)
			}
			return nil, err
		}
		if ok {
			return h, nil
		}
		wait := r.poll + time.Duration(rand.Int63n(int64(r.poll)))
		select {
		case <-ch:
		case <-time.After(wait):
		case <-ctx.Done():
			return nil, warderrors.Newf(warderrors.KindLockAcquisition,
				"lock not acquired within %s", blockingTimeout)
		}
	}
}

// Release implements Mutex.Release. The compare-and-delete runs server-side so
// a timed-out holder can never clear a lock now held by someone else.
func (r *Redis) Release(ctx context.Context, h *Handle) bool {
	if h == nil {
		return false
	}
	n, err := releaseScript.Run(ctx, r.client, []string{h.Key}, h.Token).Int64()
	if err != nil && err != redis.Nil {
		slog.Warn("ward: lock release failed", "key", h.Key, "error", err)
		return false
	}
	if n == 0 {
		slog.Warn("ward: stale lock release ignored", "key", h.Key)
		return false
	}
	_ = r.bus.Publish(ctx, "unlock:"+h.Key)
	return true
}

// Extend implements Mutex.Extend.
func (r *Redis) Extend(ctx context.Context, h *Handle, ttl time.Duration) bool {
	if h == nil {
		return false
	}
	n, err := extendScript.Run(ctx, r.client, []string{h.Key}, h.Token, ttl.Milliseconds()).Int64()
	if err != nil && err != redis.Nil {
		slog.Warn("ward: lock extend failed", "key", h.Key, "error", err)
		return false
	}
	if n == 0 {
		return false
	}
	h.Expiry = time.Now().Add(ttl)
	return true
}
