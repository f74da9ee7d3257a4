package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mirkobrombin/go-marquee/v1/scheduler"
)

type fakeSampler struct {
	u   Usage
	err error
}

func (f fakeSampler) Sample(context.Context) (Usage, error) { return f.u, f.err }

type fakeBacklog struct {
	depth  int
	oldest *scheduler.WorkItem
}

func (f fakeBacklog) Len() int { return f.depth }

func (f fakeBacklog) PeekOldest() (scheduler.WorkItem, bool) {
	if f.oldest == nil {
		return scheduler.WorkItem{}, false
	}
	return *f.oldest, true
}

func TestTickRaisesAlertsPerCheck(t *testing.T) {
	n := &recordingNotifier{}
	clk := newManualClock()
	oldest := scheduler.WorkItem{Priority: scheduler.PriorityUser, EnqueuedAt: clk.Now().Add(-10 * time.Minute)}
	m := New(NewAlerter(n, WithAlerterClock(clk.Now)),
		WithClock(clk.Now),
		WithResourceSampler(fakeSampler{u: Usage{CPU: 95, Memory: 10, Disk: 99}}),
		WithBacklog(fakeBacklog{depth: 5000, oldest: &oldest}),
		WithBackend("redis", ReadinessFunc(func(context.Context) bool { return false })),
		WithBackend("store", ReadinessFunc(func(context.Context) bool { return true })),
	)
	m.Tick(context.Background())

	// cpu, disk, backlog depth, backlog age, redis
	if got := n.count(); got != 5 {
		t.Fatalf("expected 5 alerts, got %d: %v", got, n.titles)
	}
	if m.Healthy() {
		t.Fatal("monitor should be unhealthy")
	}
	status := map[string]bool{}
	for _, s := range m.Status() {
		status[s.Name] = s.Healthy
	}
	if status["backend:store"] != true || status["backend:redis"] != false || status["resources"] != false {
		t.Fatalf("unexpected status %v", status)
	}

	// a persisting condition is throttled on the next tick
	m.Tick(context.Background())
	if got := n.count(); got != 5 {
		t.Fatalf("expected alerts to be throttled, got %d", got)
	}
}

func TestTickIsolatesPanics(t *testing.T) {
	n := &recordingNotifier{}
	m := New(NewAlerter(n),
		WithBackend("boom", ReadinessFunc(func(context.Context) bool { panic("driver bug") })),
		WithBackend("down", ReadinessFunc(func(context.Context) bool { return false })),
	)
	m.Tick(context.Background())
	if n.count() != 1 {
		t.Fatalf("the other check must still alert, got %d", n.count())
	}
	for _, s := range m.Status() {
		if s.Name == "backend:boom" && (s.Healthy || s.Message == "") {
			t.Fatalf("panicking check must be recorded unhealthy: %+v", s)
		}
	}
}

func TestSamplerErrorIsUnhealthy(t *testing.T) {
	m := New(nil, WithResourceSampler(fakeSampler{err: errors.New("no /proc")}))
	m.Tick(context.Background())
	if m.Healthy() {
		t.Fatal("sampler failure must mark resources unhealthy")
	}
}

func TestHandler(t *testing.T) {
	up := true
	m := New(nil, WithBackend("store", ReadinessFunc(func(context.Context) bool { return up })))
	m.Tick(context.Background())

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body struct {
		Healthy bool          `json:"healthy"`
		Checks  []CheckStatus `json:"checks"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !body.Healthy || len(body.Checks) != 1 {
		t.Fatalf("unexpected body %+v", body)
	}

	up = false
	m.Tick(context.Background())
	rec = httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStartStopsWithContext(t *testing.T) {
	ticks := make(chan struct{}, 10)
	m := New(nil, WithInterval(10*time.Millisecond), WithBackend("x", ReadinessFunc(func(context.Context) bool {
		ticks <- struct{}{}
		return true
	})))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Start(ctx)
		close(done)
	}()
	<-ticks
	<-ticks
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
