package cluster

import (
	"context"
	"fmt"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
)

// Subscription is a live channel subscription.
type Subscription interface {
	Close() error
}

// Transport is the publish/subscribe substrate shards talk over. Handlers
// run on the transport's delivery goroutine and must not block for long.
type Transport interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string, handler func(payload []byte)) (Subscription, error)
	Close() error
}

// RedisTransport runs over Redis pub/sub.
type RedisTransport struct {
	client *redis.Client
}

func NewRedisTransport(client *redis.Client) *RedisTransport {
	return &RedisTransport{client: client}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := t.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("redis publish %s: %w", channel, err)
	}
	return nil
}

func (t *RedisTransport) Subscribe(ctx context.Context, channel string, handler func([]byte)) (Subscription, error) {
	pubsub := t.client.Subscribe(ctx, channel)
	// Wait for the subscription confirmation so callers know it is live.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe %s: %w", channel, err)
	}
	sub := &redisSubscription{pubsub: pubsub, done: make(chan struct{})}
	go func() {
		defer close(sub.done)
		for msg := range pubsub.Channel() {
			handler([]byte(msg.Payload))
		}
	}()
	return sub, nil
}

// Close is a no-op; the client is owned by the caller.
func (t *RedisTransport) Close() error { return nil }

type redisSubscription struct {
	pubsub *redis.PubSub
	once   sync.Once
	done   chan struct{}
	err    error
}

func (s *redisSubscription) Close() error {
	s.once.Do(func() {
		s.err = s.pubsub.Close()
		<-s.done
	})
	return s.err
}

// NATSTransport runs over core NATS subjects.
type NATSTransport struct {
	conn *nats.Conn
}

func NewNATSTransport(conn *nats.Conn) *NATSTransport {
	return &NATSTransport{conn: conn}
}

func (t *NATSTransport) Publish(_ context.Context, channel string, payload []byte) error {
	if err := t.conn.Publish(channel, payload); err != nil {
		return fmt.Errorf("nats publish %s: %w", channel, err)
	}
	return nil
}

func (t *NATSTransport) Subscribe(_ context.Context, channel string, handler func([]byte)) (Subscription, error) {
	sub, err := t.conn.Subscribe(channel, func(m *nats.Msg) {
		handler(m.Data)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	if err := t.conn.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, fmt.Errorf("nats subscribe %s: %w", channel, err)
	}
	return natsSubscription{sub}, nil
}

func (t *NATSTransport) Close() error {
	return t.conn.Drain()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (s natsSubscription) Close() error { return s.sub.Unsubscribe() }
