// Package snapshot provides a read-side cache of workflow rows. Cached
// snapshots are served without touching the database and are invalidated by
// the commit signals the write path publishes on the bus, so readers converge
// on the committed state without polling.
package snapshot

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/ristretto"

	warderrors "github.com/mirkobrombin/go-ward/v1/errors"
	"github.com/mirkobrombin/go-ward/v1/lock"
	"github.com/mirkobrombin/go-ward/v1/store"
	"github.com/mirkobrombin/go-ward/v1/syncbus"
)

const defaultTTL = 30 * time.Second

// Metrics reports cache traffic counters.
type Metrics struct {
	Hits        uint64
	Misses      uint64
	Invalidated uint64
}

// Cache serves point-in-time copies of rows of T. Returned values are
// snapshots: they may lag the store until the next commit signal arrives, and
// callers must not mutate them.
type Cache[T any] struct {
	store        *store.Store
	cache        *ristretto.Cache
	bus          syncbus.Bus
	resourceType string
	ttl          time.Duration

	mu      sync.Mutex
	watched map[string]uint64
	ctx     context.Context
	cancel  context.CancelFunc

	hits        atomic.Uint64
	misses      atomic.Uint64
	invalidated atomic.Uint64
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	ttl time.Duration
	cfg *ristretto.Config
}

// WithTTL bounds how long a snapshot may be served without revalidation.
// The TTL is a backstop; bus invalidation is the primary freshness mechanism.
func WithTTL(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.ttl = d
		}
	}
}

// WithRistretto applies a custom ristretto configuration.
func WithRistretto(cfg *ristretto.Config) Option {
	return func(o *options) { o.cfg = cfg }
}

// New returns a Cache over rows of T. bus may be nil, in which case only the
// TTL bounds staleness.
func New[T any](st *store.Store, bus syncbus.Bus, opts ...Option) (*Cache[T], error) {
	var probe T
	res, ok := any(&probe).(store.Resource)
	if !ok {
		return nil, warderrors.Newf(warderrors.KindValidation,
			"%T does not implement store.Resource", &probe)
	}
	o := options{ttl: defaultTTL, cfg: &ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     1 << 20,
		BufferItems: 64,
	}}
	for _, opt := range opts {
		opt(&o)
	}
	rc, err := ristretto.NewCache(o.cfg)
	if err != nil {
		return nil, warderrors.Wrap(warderrors.KindInternal, err, "init cache")
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Cache[T]{
		store:        st,
		cache:        rc,
		bus:          bus,
		resourceType: res.ResourceType(),
		ttl:          o.ttl,
		watched:      make(map[string]uint64),
		ctx:          ctx,
		cancel:       cancel,
	}, nil
}

// Get returns a snapshot of the row, reading the store on a miss.
func (c *Cache[T]) Get(ctx context.Context, id uint64) (*T, error) {
	key := lock.KeyFor(c.resourceType, id)
	if v, ok := c.cache.Get(key); ok {
		if snap, ok := v.(*T); ok {
			c.hits.Add(1)
			return snap, nil
		}
	}
	c.misses.Add(1)

	var row T
	if err := c.store.Find(ctx, &row, id); err != nil {
		return nil, err
	}
	c.cache.SetWithTTL(key, &row, 1, c.ttl)
	c.cache.Wait()
	if err := c.watch(key, id); err != nil {
		return nil, err
	}
	return &row, nil
}

// Invalidate drops the snapshot for the given row.
func (c *Cache[T]) Invalidate(id uint64) {
	c.cache.Del(lock.KeyFor(c.resourceType, id))
	c.cache.Wait()
	c.invalidated.Add(1)
}

// Metrics returns a point-in-time view of the cache counters.
func (c *Cache[T]) Metrics() Metrics {
	return Metrics{
		Hits:        c.hits.Load(),
		Misses:      c.misses.Load(),
		Invalidated: c.invalidated.Load(),
	}
}

// Close stops all invalidation watchers and releases the cache.
func (c *Cache[T]) Close() {
	c.cancel()
	c.cache.Close()
}

// watch subscribes to the row's commit topic once and drops the snapshot on
// every signal.
func (c *Cache[T]) watch(key string, id uint64) error {
	c.mu.Lock()
	if _, ok := c.watched[key]; ok {
		c.mu.Unlock()
		return nil
	}
	c.watched[key] = id
	c.mu.Unlock()
	if c.bus == nil {
		return nil
	}

	ch, err := c.bus.Subscribe(c.ctx, "commit:"+key)
	if err != nil {
		c.mu.Lock()
		delete(c.watched, key)
		c.mu.Unlock()
		return err
	}
	go func() {
		for {
			select {
			case _, ok := <-ch:
				if !ok {
					return
				}
				c.cache.Del(key)
				c.cache.Wait()
				c.invalidated.Add(1)
			case <-c.ctx.Done():
				return
			}
		}
	}()
	return nil
}
