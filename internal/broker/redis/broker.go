// Package redis implements the broker over Redis pub/sub.
package redis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/nexa-labs/classifyd/internal/classify"
)

// Config controls the Redis connection.
type Config struct {
	Addr     string
	Password string
	DB       int
}

// Broker publishes and subscribes over Redis channels. Redis preserves
// per-channel message order, which the per-task progress protocol relies on.
type Broker struct {
	client *redis.Client
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Broker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Broker{client: client}, nil
}

// NewWithClient wraps an existing client; the caller owns its lifecycle.
func NewWithClient(client *redis.Client) *Broker {
	return &Broker{client: client}
}

// Publish sends the payload on the channel.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := b.client.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a subscription on the channel and waits for Redis to
// confirm it, so that messages published immediately after Subscribe
// returns are not lost.
func (b *Broker) Subscribe(ctx context.Context, channel string) (classify.Subscription, error) {
	pubsub := b.client.Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		if closeErr := pubsub.Close(); closeErr != nil {
			return nil, fmt.Errorf("subscribe to %s: %w (close: %v)", channel, err, closeErr)
		}
		return nil, fmt.Errorf("subscribe to %s: %w", channel, err)
	}

	sub := &subscription{
		pubsub: pubsub,
		msgs:   make(chan []byte),
		done:   make(chan struct{}),
	}
	go sub.pump()
	return sub, nil
}

// Close releases the underlying Redis client.
func (b *Broker) Close() error {
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return nil
}

type subscription struct {
	pubsub    *redis.PubSub
	msgs      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

func (s *subscription) Messages() <-chan []byte {
	return s.msgs
}

// Close unsubscribes and stops the pump. Safe to call from any exit path,
// including concurrently with message delivery.
func (s *subscription) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.closeErr = s.pubsub.Close()
	})
	if s.closeErr != nil {
		return fmt.Errorf("close subscription: %w", s.closeErr)
	}
	return nil
}

func (s *subscription) pump() {
	defer close(s.msgs)
	ch := s.pubsub.Channel()
	for {
		select {
		case <-s.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			select {
			case s.msgs <- []byte(msg.Payload):
			case <-s.done:
				return
			}
		}
	}
}
