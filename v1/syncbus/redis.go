package syncbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"
)

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus over Redis pub/sub. One PubSub connection is held
// per topic and fanned out to all local subscribers.
type RedisBus struct {
	client    *redis.Client
	mu        sync.Mutex
	subs      map[string]*redisSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewRedisBus returns a new RedisBus using the provided client.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{client: client, subs: make(map[string]*redisSubscription)}
}

// Publish implements Bus.Publish.
func (b *RedisBus) Publish(ctx context.Context, topic string) error {
	if err := b.client.Publish(ctx, topic, "1").Err(); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *RedisBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	sub, ok := b.subs[topic]
	if ok {
		sub.chans = append(sub.chans, ch)
		b.mu.Unlock()
		return ch, nil
	}
	ps := b.client.Subscribe(ctx, topic)
	sub = &redisSubscription{pubsub: ps, chans: []chan struct{}{ch}}
	b.subs[topic] = sub
	b.mu.Unlock()

	// Wait for the subscription to be established before returning, so a
	// Publish immediately after Subscribe is not lost.
	if _, err := ps.Receive(ctx); err != nil {
		b.mu.Lock()
		delete(b.subs, topic)
		b.mu.Unlock()
		_ = ps.Close()
		return nil, err
	}

	go func() {
		for range ps.Channel() {
			b.mu.Lock()
			chans := append([]chan struct{}(nil), sub.chans...)
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- struct{}{}:
					b.delivered.Add(1)
				default:
				}
			}
		}
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The Redis subscription is closed
// once the last local subscriber for the topic is gone.
func (b *RedisBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
	b.mu.Lock()
	sub, ok := b.subs[topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	var toClose *redis.PubSub
	if len(sub.chans) == 0 {
		toClose = sub.pubsub
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	if toClose != nil {
		if err := toClose.Close(); err != nil {
			slog.Warn("ward: closing redis subscription failed", "topic", topic, "error", err)
		}
	}
	return nil
}

// Metrics returns traffic counters for this bus.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
