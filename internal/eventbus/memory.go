// ABOUTME: In-process Bus implementation with per-subscription delivery goroutines
// ABOUTME: Publishers never run subscriber code; a full buffer applies backpressure until ctx ends

package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriptionBufferSize bounds events queued per subscription.
const subscriptionBufferSize = 256

type memorySubscription struct {
	keys    map[string]struct{}
	events  chan Event
	done    chan struct{}
	deliver DeliverFunc
}

// MemoryBus fans events out to subscribers inside the process.
type MemoryBus struct {
	mu     sync.RWMutex
	subs   map[Handle]*memorySubscription
	closed bool
	wg     sync.WaitGroup
	logger *slog.Logger
}

// NewMemoryBus creates an in-process bus.
func NewMemoryBus(logger *slog.Logger) *MemoryBus {
	if logger == nil {
		logger = slog.Default()
	}
	return &MemoryBus{
		subs:   make(map[Handle]*memorySubscription),
		logger: logger.With("component", "eventbus", "driver", "memory"),
	}
}

// Publish queues ev for every matching subscription.
func (b *MemoryBus) Publish(ctx context.Context, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	key := ev.RoutingKey()

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	targets := make(map[Handle]*memorySubscription)
	for h, sub := range b.subs {
		if _, ok := sub.keys[key]; ok {
			targets[h] = sub
		}
	}
	b.mu.RUnlock()

	for h, sub := range targets {
		select {
		case sub.events <- ev:
		case <-sub.done:
		case <-ctx.Done():
			b.logger.Warn("publish abandoned, subscriber backlog full",
				"handle", h,
				"routing_key", key,
			)
			return fmt.Errorf("publishing %s: %w", key, ctx.Err())
		}
	}
	return nil
}

// Subscribe starts a delivery goroutine for the given topics and types.
func (b *MemoryBus) Subscribe(topics []string, types []Type, deliver DeliverFunc) (Handle, error) {
	keys := make(map[string]struct{})
	for _, topic := range topics {
		for _, t := range normalizeTypes(types) {
			keys[topic+"."+string(t)] = struct{}{}
		}
	}

	sub := &memorySubscription{
		keys:    keys,
		events:  make(chan Event, subscriptionBufferSize),
		done:    make(chan struct{}),
		deliver: deliver,
	}
	h := Handle(uuid.New().String())

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", ErrClosed
	}
	b.subs[h] = sub
	b.wg.Add(1)
	b.mu.Unlock()

	go b.run(sub)

	b.logger.Debug("subscribed", "handle", h, "topics", topics)
	return h, nil
}

func (b *MemoryBus) run(sub *memorySubscription) {
	defer b.wg.Done()
	for {
		select {
		case ev := <-sub.events:
			sub.deliver(ev)
		case <-sub.done:
			return
		}
	}
}

// Unsubscribe stops delivery for h. Unknown handles are ignored.
func (b *MemoryBus) Unsubscribe(h Handle) error {
	b.mu.Lock()
	sub, ok := b.subs[h]
	if ok {
		delete(b.subs, h)
		close(sub.done)
	}
	b.mu.Unlock()

	if ok {
		b.logger.Debug("unsubscribed", "handle", h)
	}
	return nil
}

// Close stops every subscription and waits for in-flight deliveries.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	for h, sub := range b.subs {
		close(sub.done)
		delete(b.subs, h)
	}
	b.mu.Unlock()

	b.wg.Wait()
	return nil
}

var _ Bus = (*MemoryBus)(nil)
