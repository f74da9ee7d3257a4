package syncbus

import (
	"context"
	"errors"
	"testing"
	"time"
)

type flakyBus struct {
	*InMemoryBus
	fail  bool
	calls int
}

func (f *flakyBus) Publish(ctx context.Context, key string) error {
	f.calls++
	if f.fail {
		return errors.New("transport down")
	}
	return f.InMemoryBus.Publish(ctx, key)
}

func TestCircuitBreakerTransitions(t *testing.T) {
	inner := &flakyBus{InMemoryBus: NewInMemoryBus(), fail: true}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker(inner, 2, time.Minute)
	cb.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := cb.Publish(ctx, "k"); err == nil || errors.Is(err, ErrCircuitOpen) {
			t.Fatalf("attempt %d: expected transport error, got %v", i, err)
		}
	}
	if cb.State() != "open" || cb.IsHealthy() {
		t.Fatalf("expected open breaker, got %s", cb.State())
	}
	if err := cb.Publish(ctx, "k"); !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("expected ErrCircuitOpen, got %v", err)
	}
	if inner.calls != 2 {
		t.Fatalf("open breaker must not call the bus, calls %d", inner.calls)
	}

	now = now.Add(2 * time.Minute)
	if !cb.IsHealthy() {
		t.Fatal("breaker should be willing to probe after timeout")
	}
	// failed probe re-opens immediately
	if err := cb.Publish(ctx, "k"); err == nil {
		t.Fatal("expected probe failure")
	}
	if cb.State() != "open" {
		t.Fatalf("failed probe must re-open, got %s", cb.State())
	}

	now = now.Add(2 * time.Minute)
	inner.fail = false
	if err := cb.Publish(ctx, "k"); err != nil {
		t.Fatalf("probe: %v", err)
	}
	if cb.State() != "closed" || !cb.IsHealthy() {
		t.Fatalf("successful probe must close, got %s", cb.State())
	}
}

func TestCircuitBreakerPassesSubscriptions(t *testing.T) {
	inner := NewInMemoryBus()
	cb := NewCircuitBreaker(inner, 1, time.Second)
	ch, err := cb.Subscribe(context.Background(), "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := cb.Publish(context.Background(), "k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(time.Second):
		t.Fatal("no delivery through breaker")
	}
	if err := cb.Unsubscribe(context.Background(), "k", ch); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}
}
