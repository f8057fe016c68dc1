package eventbus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"pivot-edge/internal/domain"
)

func newTestBus() *Bus {
	return New(slog.Default())
}

func newEvent(t domain.EventType) domain.Event {
	return domain.Event{Type: t, Timestamp: time.Now()}
}

func TestPublishSubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventHealthUp, func(_ context.Context, e domain.Event) {
		if e.Type == domain.EventHealthUp {
			got.Add(1)
		}
	})

	bus.Publish(context.Background(), newEvent(domain.EventHealthUp))
	bus.Close() // drain
	if got.Load() != 1 {
		t.Fatalf("expected 1, got %d", got.Load())
	}
}

func TestSubscribeDoesNotMatchOtherTypes(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.Subscribe(domain.EventHealthUp, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventHealthDown))
	bus.Close()
	if got.Load() != 0 {
		t.Fatalf("expected 0, got %d", got.Load())
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventEndpointResolved))
	bus.Publish(context.Background(), newEvent(domain.EventProcessStarted))
	bus.Close()

	if got.Load() != 2 {
		t.Fatalf("expected 2, got %d", got.Load())
	}
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	unsub := bus.Subscribe(domain.EventHealthUp, func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	unsub()
	bus.Publish(context.Background(), newEvent(domain.EventHealthUp))
	bus.Close()

	if got.Load() != 0 {
		t.Fatalf("expected 0 after unsubscribe, got %d", got.Load())
	}
}

func TestPublishAfterClose(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Close()
	bus.Publish(context.Background(), newEvent(domain.EventHealthUp))

	if got.Load() != 0 {
		t.Fatalf("expected 0 after close, got %d", got.Load())
	}
}

func TestHandlerPanicDoesNotCrash(t *testing.T) {
	bus := newTestBus()

	var got atomic.Int32
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		panic("handler boom")
	})
	bus.SubscribeAll(func(_ context.Context, _ domain.Event) {
		got.Add(1)
	})

	bus.Publish(context.Background(), newEvent(domain.EventHealthUp))
	bus.Close()

	if got.Load() != 1 {
		t.Fatalf("expected surviving handler to run, got %d", got.Load())
	}
}
