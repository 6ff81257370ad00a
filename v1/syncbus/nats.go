package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"
)

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSBus implements Bus using a NATS backend.
type NATSBus struct {
	conn      *nats.Conn
	mu        sync.Mutex
	subs      map[string]*natsSubscription
	published atomic.Uint64
	delivered atomic.Uint64
}

// NewNATSBus returns a new NATSBus using the provided connection.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{conn: conn, subs: make(map[string]*natsSubscription)}
}

// Publish implements Bus.Publish.
func (b *NATSBus) Publish(ctx context.Context, topic string) error {
	if err := b.conn.Publish(topic, []byte("1")); err != nil {
		return err
	}
	b.published.Add(1)
	return nil
}

// Subscribe implements Bus.Subscribe.
func (b *NATSBus) Subscribe(ctx context.Context, topic string) (chan struct{}, error) {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[topic]; ok {
		sub.chans = append(sub.chans, ch)
		return ch, nil
	}
	sub := &natsSubscription{chans: []chan struct{}{ch}}
	ns, err := b.conn.Subscribe(topic, func(*nats.Msg) {
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
	})
	if err != nil {
		return nil, err
	}
	sub.sub = ns
	b.subs[topic] = sub
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *NATSBus) Unsubscribe(ctx context.Context, topic string, ch chan struct{}) error {
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
	var toDrain *nats.Subscription
	if len(sub.chans) == 0 {
		toDrain = sub.sub
		delete(b.subs, topic)
	}
	b.mu.Unlock()
	if toDrain != nil {
		return toDrain.Unsubscribe()
	}
	return nil
}

// Metrics returns traffic counters for this bus.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{Published: b.published.Load(), Delivered: b.delivered.Load()}
}
