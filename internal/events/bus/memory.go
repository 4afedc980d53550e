package bus

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kestrelhq/kestrel/internal/common/logger"
)

// subscriberBuffer bounds how many undelivered messages a subscriber may
// accumulate before it is dropped as a slow consumer.
const subscriberBuffer = 256

// MemoryBus is the in-process implementation of Bus. Publish and Subscribe
// share one mutex, which is what makes snapshot subscriptions gap-free.
type MemoryBus struct {
	mu     sync.Mutex
	subs   map[string]*Subscription
	closed bool
	log    *logger.Logger
}

// NewMemoryBus creates an in-process session stream.
func NewMemoryBus(log *logger.Logger) *MemoryBus {
	return &MemoryBus{
		subs: make(map[string]*Subscription),
		log:  log.WithFields(zap.String("component", "event_bus")),
	}
}

// Publish broadcasts the message to every live subscriber. A subscriber
// whose buffer is full is closed with a lagged marker instead of blocking.
func (b *MemoryBus) Publish(ctx context.Context, msg Message) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return fmt.Errorf("event bus is closed")
	}

	for id, sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			b.log.Warn("dropping slow subscriber",
				zap.String("subscription_id", id),
				zap.String("kind", msg.Kind))
			sub.close(true)
			delete(b.subs, id)
		}
	}
	return nil
}

// Subscribe registers a new subscriber.
func (b *MemoryBus) Subscribe(ctx context.Context) (*Subscription, error) {
	sub, _, err := b.SubscribeWithSnapshot(ctx, nil)
	return sub, err
}

// SubscribeWithSnapshot registers a subscriber and, when snapshot is
// non-nil, evaluates it while holding the publish lock. Messages published
// after the snapshot are guaranteed to reach the subscriber; messages
// published before it are guaranteed not to.
func (b *MemoryBus) SubscribeWithSnapshot(ctx context.Context, snapshot func() ([]Message, error)) (*Subscription, []Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, nil, fmt.Errorf("event bus is closed")
	}

	var initial []Message
	if snapshot != nil {
		msgs, err := snapshot()
		if err != nil {
			return nil, nil, fmt.Errorf("snapshot failed: %w", err)
		}
		initial = msgs
	}

	sub := &Subscription{
		id:     uuid.NewString(),
		ch:     make(chan Message, subscriberBuffer),
		cancel: b.remove,
	}
	b.subs[sub.id] = sub
	return sub, initial, nil
}

func (b *MemoryBus) remove(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		sub.close(false)
		delete(b.subs, id)
	}
}

// SubscriberCount reports the number of live subscribers.
func (b *MemoryBus) SubscriberCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Close disconnects all subscribers. Further publishes fail.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.close(false)
		delete(b.subs, id)
	}
	return nil
}
