// Package memory contains an in-memory broker for tests and local runs.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/nexa-labs/classifyd/internal/classify"
)

const subscriptionBuffer = 64

// Broker fans published payloads out to channel subscribers in publish
// order. It is safe for concurrent use.
type Broker struct {
	mu     sync.RWMutex
	subs   map[string][]*subscription
	closed bool
}

// New returns a memory Broker.
func New() *Broker {
	return &Broker{subs: make(map[string][]*subscription)}
}

// Publish delivers the payload to every current subscriber of the channel.
// Payloads published to a channel with no subscribers are dropped, matching
// broker pub/sub semantics.
func (b *Broker) Publish(ctx context.Context, channel string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return errors.New("broker closed")
	}
	for _, sub := range b.subs[channel] {
		sub.deliver(payload)
	}
	return nil
}

// Subscribe registers a new subscription on the channel.
func (b *Broker) Subscribe(ctx context.Context, channel string) (classify.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, errors.New("broker closed")
	}
	sub := &subscription{
		broker:  b,
		channel: channel,
		msgs:    make(chan []byte, subscriptionBuffer),
	}
	b.subs[channel] = append(b.subs[channel], sub)
	return sub, nil
}

// Close drops all subscriptions and rejects further publishes.
func (b *Broker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, sub := range subs {
			sub.closeOnce.Do(func() { close(sub.msgs) })
		}
	}
	b.subs = make(map[string][]*subscription)
	return nil
}

// SubscriberCount reports how many subscriptions a channel currently has.
func (b *Broker) SubscriberCount(channel string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[channel])
}

func (b *Broker) remove(target *subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[target.channel]
	for i, sub := range subs {
		if sub == target {
			b.subs[target.channel] = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(b.subs[target.channel]) == 0 {
		delete(b.subs, target.channel)
	}
}

type subscription struct {
	broker    *Broker
	channel   string
	msgs      chan []byte
	closeOnce sync.Once
	closedMu  sync.RWMutex
	closed    bool
}

func (s *subscription) Messages() <-chan []byte {
	return s.msgs
}

func (s *subscription) Close() error {
	s.closedMu.Lock()
	s.closed = true
	s.closedMu.Unlock()
	s.broker.remove(s)
	s.closeOnce.Do(func() { close(s.msgs) })
	return nil
}

func (s *subscription) deliver(payload []byte) {
	s.closedMu.RLock()
	defer s.closedMu.RUnlock()
	if s.closed {
		return
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	select {
	case s.msgs <- buf:
	default:
		// Subscriber is not keeping up; drop rather than block publishers.
	}
}
