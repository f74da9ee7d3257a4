package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	redis "github.com/redis/go-redis/v9"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTiered(t *testing.T, opts ...Option) (*Tiered, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis run: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() {
		_ = client.Close()
		mr.Close()
	})
	return New(client, opts...), mr
}

func TestTieredGetSetDelete(t *testing.T) {
	c, mr := newTiered(t)
	ctx := context.Background()

	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss")
	}
	if !c.IsReady() {
		t.Fatal("first call should have probed the backend")
	}
	if !c.Set(ctx, "k", []byte("v"), time.Minute) {
		t.Fatal("set failed")
	}
	v, ok := c.Get(ctx, "k")
	if !ok || string(v) != "v" {
		t.Fatalf("expected v got %q ok %v", v, ok)
	}

	mr.FastForward(2 * time.Minute)
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected expired key to miss")
	}

	_ = c.Set(ctx, "k", []byte("v"), 0)
	if !c.Delete(ctx, "k") {
		t.Fatal("delete failed")
	}
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("expected miss after delete")
	}
}

func TestTieredIncrementAndExpire(t *testing.T) {
	c, mr := newTiered(t)
	ctx := context.Background()

	for i := int64(1); i <= 3; i++ {
		n, ok := c.Increment(ctx, "hits")
		if !ok || n != i {
			t.Fatalf("increment %d: got %d ok %v", i, n, ok)
		}
	}
	if !c.Expire(ctx, "hits", time.Second) {
		t.Fatal("expire on existing key should succeed")
	}
	if c.Expire(ctx, "missing", time.Second) {
		t.Fatal("expire on missing key should report false")
	}
	mr.FastForward(2 * time.Second)
	if mr.Exists("hits") {
		t.Fatal("counter should have expired")
	}
}

func TestTieredDegradesAndRecovers(t *testing.T) {
	clk := newManualClock()
	reg := prometheus.NewRegistry()
	c, mr := newTiered(t, WithClock(clk.Now), WithRecheckInterval(10*time.Second), WithTimeout(200*time.Millisecond), WithMetrics(reg))
	ctx := context.Background()

	if !c.Set(ctx, "k", []byte("v"), time.Minute) {
		t.Fatal("set failed")
	}

	mr.SetError("LOADING")
	if c.Set(ctx, "k", []byte("v2"), time.Minute) {
		t.Fatal("set must fail while backend errors")
	}
	if c.IsReady() {
		t.Fatal("failure must flip readiness")
	}
	if got := testutil.ToFloat64(c.errorCounter); got != 1 {
		t.Fatalf("expected 1 error, got %v", got)
	}

	mr.SetError("")
	// inside the recheck interval calls are skipped without a probe
	if _, ok := c.Get(ctx, "k"); ok {
		t.Fatal("call inside recheck interval must be skipped")
	}
	if c.IsReady() {
		t.Fatal("must stay down until the recheck interval elapses")
	}

	clk.Advance(11 * time.Second)
	v, ok := c.Get(ctx, "k")
	if !ok || string(v) != "v" {
		t.Fatalf("expected recovery after recheck, got %q ok %v", v, ok)
	}
	if !c.IsReady() {
		t.Fatal("expected ready after successful recheck")
	}
	if got := testutil.ToFloat64(c.hitCounter); got != 1 {
		t.Fatalf("expected 1 hit, got %v", got)
	}
}

func TestTieredRunRechecks(t *testing.T) {
	c, mr := newTiered(t, WithRecheckInterval(20*time.Millisecond))
	mr.SetError("LOADING")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if c.Ping(ctx) {
		t.Fatal("ping should fail")
	}
	go c.Run(ctx)
	mr.SetError("")

	deadline := time.Now().Add(time.Second)
	for !c.IsReady() {
		if time.Now().After(deadline) {
			t.Fatal("Run did not restore readiness")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
