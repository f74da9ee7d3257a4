package validator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-marquee/v1/cache"
)

type fakeSnapshot struct {
	entries     []cache.IndexEntry
	cached      bool
	invalidated int
}

func (f *fakeSnapshot) Load(context.Context) ([]cache.IndexEntry, bool) { return f.entries, f.cached }

func (f *fakeSnapshot) Invalidate(context.Context) bool {
	f.invalidated++
	f.cached = false
	return true
}

type fakeCounter struct {
	n   int64
	err error
}

func (f fakeCounter) Count(context.Context) (int64, error) { return f.n, f.err }

type fakeAlerter struct{ keys []string }

func (f *fakeAlerter) Alert(_ context.Context, key, _, _ string) bool {
	f.keys = append(f.keys, key)
	return true
}

func snapshotOf(n int) *fakeSnapshot {
	return &fakeSnapshot{entries: make([]cache.IndexEntry, n), cached: true}
}

func TestValidatorAutoHeal(t *testing.T) {
	ctx := context.Background()
	snap := snapshotOf(3)
	a := &fakeAlerter{}
	reg := prometheus.NewRegistry()
	v := New(snap, fakeCounter{n: 4}, ModeAutoHeal, time.Minute, WithAlerter(a), WithMetrics(reg))

	if v.Check(ctx) {
		t.Fatal("expected mismatch")
	}
	if snap.invalidated != 1 {
		t.Fatalf("expected snapshot invalidated once, got %d", snap.invalidated)
	}
	if len(a.keys) != 1 || a.keys[0] != "index_drift" {
		t.Fatalf("expected drift alert, got %v", a.keys)
	}
	if m := v.Metrics(); m != 1 {
		t.Fatalf("expected 1 mismatch, got %d", m)
	}
	if got := testutil.ToFloat64(v.counter); got != 1 {
		t.Fatalf("expected counter 1, got %v", got)
	}
	// the snapshot is gone, so the next check has nothing to compare
	if !v.Check(ctx) {
		t.Fatal("expected no mismatch without a snapshot")
	}
}

func TestValidatorAlertOnly(t *testing.T) {
	snap := snapshotOf(2)
	a := &fakeAlerter{}
	v := New(snap, fakeCounter{n: 5}, ModeAlert, time.Minute, WithAlerter(a))
	v.Check(context.Background())
	if snap.invalidated != 0 {
		t.Fatal("alert mode must not invalidate")
	}
	if len(a.keys) != 1 {
		t.Fatalf("expected one alert, got %d", len(a.keys))
	}
}

func TestValidatorIgnoresUnavailableStore(t *testing.T) {
	v := New(snapshotOf(2), fakeCounter{err: errors.New("down")}, ModeAutoHeal, time.Minute)
	if !v.Check(context.Background()) || v.Metrics() != 0 {
		t.Fatal("an unreachable store is not a mismatch")
	}
}

func TestValidatorMatch(t *testing.T) {
	v := New(snapshotOf(7), fakeCounter{n: 7}, ModeAutoHeal, time.Minute)
	if !v.Check(context.Background()) {
		t.Fatal("expected match")
	}
}

func TestRunNoopReturns(t *testing.T) {
	v := New(snapshotOf(1), fakeCounter{n: 2}, ModeNoop, time.Millisecond)
	done := make(chan struct{})
	go func() {
		v.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("noop validator should return immediately")
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"off": ModeNoop, "alert": ModeAlert, "heal": ModeAutoHeal} {
		got, err := ParseMode(in)
		if err != nil || got != want {
			t.Fatalf("ParseMode(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseMode("panic"); err == nil {
		t.Fatal("expected error")
	}
}
