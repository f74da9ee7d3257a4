package health

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
	err    error
}

func (r *recordingNotifier) Notify(_ context.Context, title, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.titles = append(r.titles, title)
	return nil
}

func (r *recordingNotifier) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.titles)
}

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

func TestAlertCooldownPerKey(t *testing.T) {
	n := &recordingNotifier{}
	clk := newManualClock()
	reg := prometheus.NewRegistry()
	a := NewAlerter(n, WithCooldown(15*time.Minute), WithAlerterClock(clk.Now), WithAlerterMetrics(reg))
	ctx := context.Background()

	if !a.Alert(ctx, "cpu", "High CPU", "95%") {
		t.Fatal("first alert must be sent")
	}
	if a.Alert(ctx, "cpu", "High CPU", "96%") {
		t.Fatal("repeat inside cooldown must be suppressed")
	}
	if !a.Alert(ctx, "disk", "High Disk", "99%") {
		t.Fatal("other keys are throttled independently")
	}
	clk.Advance(15 * time.Minute)
	if !a.Alert(ctx, "cpu", "High CPU", "97%") {
		t.Fatal("alert after cooldown must be sent")
	}
	if n.count() != 3 {
		t.Fatalf("expected 3 deliveries, got %d", n.count())
	}
	if got := testutil.ToFloat64(a.suppressedCounter); got != 1 {
		t.Fatalf("expected 1 suppressed, got %v", got)
	}
}

func TestAlertFailureDoesNotStartCooldown(t *testing.T) {
	n := &recordingNotifier{err: errors.New("telegram down")}
	a := NewAlerter(n)
	ctx := context.Background()
	if a.Alert(ctx, "k", "t", "d") {
		t.Fatal("failed delivery must report false")
	}
	n.err = nil
	if !a.Alert(ctx, "k", "t", "d") {
		t.Fatal("retry after a failed delivery must not be throttled")
	}
}

func TestAlertConcurrentSameKey(t *testing.T) {
	n := &recordingNotifier{}
	a := NewAlerter(n)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Alert(context.Background(), "same", "t", "d")
		}()
	}
	wg.Wait()
	if n.count() != 1 {
		t.Fatalf("expected a single delivery, got %d", n.count())
	}
}
