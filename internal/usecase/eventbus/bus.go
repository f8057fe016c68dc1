package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"

	"pivot-edge/internal/domain"
)

type subscription struct {
	id      uint64
	typ     domain.EventType // empty = all events
	handler domain.EventHandler
}

// Bus is an in-process, goroutine-safe event bus. It carries the observable
// status channel (mode transitions, health transitions, process lifecycle);
// the coordinator's control flow does not depend on it.
type Bus struct {
	mu     sync.RWMutex
	subs   []subscription
	nextID atomic.Uint64
	logger *slog.Logger
	wg     sync.WaitGroup
	closed atomic.Bool
}

// New creates an event bus.
func New(logger *slog.Logger) *Bus {
	return &Bus{logger: logger}
}

// Publish fans out an event to matching subscribers. Each handler is invoked
// in its own goroutine. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	matched := make([]subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		if sub.typ == "" || sub.typ == event.Type {
			matched = append(matched, sub)
		}
	}
	b.mu.RUnlock()

	for _, sub := range matched {
		b.wg.Add(1)
		go func(sub subscription) {
			defer b.wg.Done()
			defer func() {
				if r := recover(); r != nil {
					b.logger.Error("event handler panicked",
						"event", string(event.Type),
						"panic", r,
					)
				}
			}()
			sub.handler(ctx, event)
		}(sub)
	}
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	return b.add(subscription{id: b.nextID.Add(1), typ: eventType, handler: handler})
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	return b.add(subscription{id: b.nextID.Add(1), handler: handler})
}

func (b *Bus) add(sub subscription) func() {
	b.mu.Lock()
	b.subs = append(b.subs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == sub.id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
