package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOfWalksChain(t *testing.T) {
	base := E("store.count", KindTransient, errors.New("dial tcp: refused"))
	wrapped := fmt.Errorf("runtime: %w", base)
	if got := KindOf(wrapped); got != KindTransient {
		t.Fatalf("expected transient, got %v", got)
	}
	if !Is(wrapped, KindTransient) {
		t.Fatal("Is should match transient")
	}
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Fatal("plain errors have no kind")
	}
	if Is(nil, KindUnknown) {
		t.Fatal("nil error never matches")
	}
}

func TestEReturnsNilForNil(t *testing.T) {
	if err := E("op", KindFatal, nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
	if err := Transient("op", nil); err != nil {
		t.Fatalf("expected nil, got %v", err)
	}
}

func TestTransientNormalizesDeadline(t *testing.T) {
	err := Transient("cache.get", context.DeadlineExceeded)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout in chain, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("original deadline should still be visible, got %v", err)
	}
}

func TestSentinelSurvivesWrap(t *testing.T) {
	err := E("scheduler.submit", KindCapacity, ErrQueueFull)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatal("expected ErrQueueFull")
	}
	if err.Error() != "scheduler.submit: queue full" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
