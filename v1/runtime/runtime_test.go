package runtime

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mirkobrombin/go-marquee/v1/cache"
	"github.com/mirkobrombin/go-marquee/v1/config"
	"github.com/mirkobrombin/go-marquee/v1/health"
	"github.com/mirkobrombin/go-marquee/v1/lock"
	"github.com/mirkobrombin/go-marquee/v1/scheduler"
	"github.com/mirkobrombin/go-marquee/v1/store"
)

type fakeSampler struct{ u health.Usage }

func (f fakeSampler) Sample(context.Context) (health.Usage, error) { return f.u, nil }

type recordingNotifier struct {
	mu     sync.Mutex
	titles []string
}

func (n *recordingNotifier) Notify(_ context.Context, title, _ string) error {
	n.mu.Lock()
	n.titles = append(n.titles, title)
	n.mu.Unlock()
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.titles)
}

type command string

func (c command) Command() string { return string(c) }

func testConfig(t *testing.T, mr *miniredis.Miniredis) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Redis.URL = "redis://" + mr.Addr()
	name := strings.NewReplacer("/", "_", " ", "_").Replace(t.Name())
	cfg.Store.URL = fmt.Sprintf("file:%s?mode=memory&cache=shared", name)
	cfg.Bus.Kind = "memory"
	cfg.Scheduler.Workers = 2
	cfg.Scheduler.BackoffMillis = 10
	cfg.Scheduler.CriticalCommands = []string{"broadcast"}
	cfg.Lock.SweepIntervalSeconds = 0
	return &cfg
}

func newTestRuntime(t *testing.T, cfg *config.Config, opts ...Option) *Runtime {
	t.Helper()
	opts = append([]Option{
		WithRegistry(prometheus.NewRegistry()),
		WithSampler(fakeSampler{u: health.Usage{CPU: 10, Memory: 10, Disk: 10}}),
	}, opts...)
	r, err := New(context.Background(), cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Close(ctx)
	})
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestNewWiresComponents(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRuntime(t, testConfig(t, mr))

	if r.Store.Err() != nil {
		t.Fatalf("store should open: %v", r.Store.Err())
	}
	if r.Store.Mode() != store.ModeRelational {
		t.Fatalf("expected relational store, got %s", r.Store.Mode())
	}
	if !r.Cache.IsReady() {
		t.Fatal("cache should be ready after the startup ping")
	}
	if r.Bus == nil || r.Bus.State() != "closed" {
		t.Fatal("expected a closed circuit breaker around the bus")
	}
	if r.Monitor == nil {
		t.Fatal("expected a health monitor")
	}
	if got := r.Classifier.Classify(command("/broadcast")); got != scheduler.PriorityCritical {
		t.Fatalf("expected critical, got %s", got)
	}
}

func TestNoBus(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Bus.Kind = "none"
	r := newTestRuntime(t, cfg)
	if r.Bus != nil {
		t.Fatal("expected no bus")
	}
}

func TestStartDispatchesItemsAndJobs(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRuntime(t, testConfig(t, mr))
	ctx := context.Background()

	rec := store.Record{UniqueID: "m-1", Title: "Amélie", FileName: "amelie.mkv", FileSize: 10}
	if _, err := r.Store.AddOrUpdate(ctx, rec); err != nil {
		t.Fatalf("add: %v", err)
	}

	got := make(chan scheduler.WorkItem, 1)
	if err := r.Start(ctx, func(_ context.Context, it scheduler.WorkItem) error {
		got <- it
		return nil
	}); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(ctx, nil); err != ErrAlreadyStarted {
		t.Fatalf("expected ErrAlreadyStarted, got %v", err)
	}

	if err := r.Submit(command("help")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case it := <-got:
		if it.Priority != scheduler.PriorityCritical {
			t.Fatalf("help should be critical, got %s", it.Priority)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("handler not called")
	}

	if err := r.Submit(JobRebuildIndex); err != nil {
		t.Fatalf("submit job: %v", err)
	}
	waitFor(t, "index snapshot in redis", func() bool { return mr.Exists(r.cfg.Redis.IndexKey) })
	entries, ok := r.Index.Load(ctx)
	if !ok || len(entries) != 1 || entries[0].NormalizedTitle != "amelie" {
		t.Fatalf("unexpected index %v ok %v", entries, ok)
	}
}

func TestDedupeSkipsWhenLockHeld(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRuntime(t, testConfig(t, mr))
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := r.Store.AddOrUpdate(ctx, store.Record{UniqueID: id, Title: "Dup", FileName: "dup.mkv", FileSize: 5}); err != nil {
			t.Fatalf("add: %v", err)
		}
	}

	if ok, err := r.Locker.Acquire(ctx, JobDedupe.lockName(), time.Minute); !ok || err != nil {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	ran, removed, err := r.Dedupe(ctx)
	if ran || removed != 0 || err != nil {
		t.Fatalf("expected skip, got ran %v removed %d err %v", ran, removed, err)
	}

	if _, err := r.Locker.Release(ctx, JobDedupe.lockName()); err != nil {
		t.Fatalf("release: %v", err)
	}
	ran, removed, err = r.Dedupe(ctx)
	if !ran || removed != 1 || err != nil {
		t.Fatalf("expected one removal, got ran %v removed %d err %v", ran, removed, err)
	}
	if held, _ := r.Locker.Exists(ctx, JobDedupe.lockName()); held {
		t.Fatal("lock must be released after the job")
	}

	expected := `
# HELP marquee_maintenance_runs_total Total number of maintenance job runs by outcome
# TYPE marquee_maintenance_runs_total counter
marquee_maintenance_runs_total{job="dedupe",outcome="ran"} 1
marquee_maintenance_runs_total{job="dedupe",outcome="skipped"} 1
`
	if err := testutil.GatherAndCompare(r.reg, strings.NewReader(expected), "marquee_maintenance_runs_total"); err != nil {
		t.Fatalf("maintenance runs: %v", err)
	}
}

func TestRunJobRejectsUnknown(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRuntime(t, testConfig(t, mr))
	if _, err := r.RunJob(context.Background(), Job("vacuum")); err == nil {
		t.Fatal("expected error for unknown job")
	}
}

func TestActivityFallsBackToStore(t *testing.T) {
	mr := miniredis.RunT(t)
	r := newTestRuntime(t, testConfig(t, mr))
	ctx := context.Background()

	r.Touch(ctx, "u1")
	r.Touch(ctx, "u2")
	if n, err := r.ActiveCount(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 active from redis, got %d err %v", n, err)
	}

	mr.SetError("LOADING")
	if n, err := r.ActiveCount(ctx); err != nil || n != 2 {
		t.Fatalf("expected 2 active from the store, got %d err %v", n, err)
	}
}

func TestHealthzReflectsBackends(t *testing.T) {
	mr := miniredis.RunT(t)
	n := &recordingNotifier{}
	r := newTestRuntime(t, testConfig(t, mr), WithNotifier(n))
	ctx := context.Background()

	r.Monitor.Tick(ctx)
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "marquee_scheduler_queue_depth") {
		t.Fatal("scheduler metrics missing from /metrics")
	}

	mr.Close()
	r.Monitor.Tick(ctx)
	rec = httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 with redis down, got %d", rec.Code)
	}
	if n.count() != 1 {
		t.Fatalf("expected one backend alert, got %d", n.count())
	}
}

func TestUnrecognizedStoreRunsInErrorMode(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Store.URL = "redis://not-a-catalog"
	r := newTestRuntime(t, cfg)
	ctx := context.Background()

	if r.Store.Err() == nil {
		t.Fatal("store should be in error mode")
	}
	if _, _, err := r.Dedupe(ctx); err == nil {
		t.Fatal("dedupe must fail without a store")
	}
	r.Monitor.Tick(ctx)
	if r.Monitor.Healthy() {
		t.Fatal("monitor should report the store")
	}
}

func TestValidatorHealsDriftedIndex(t *testing.T) {
	mr := miniredis.RunT(t)
	n := &recordingNotifier{}
	r := newTestRuntime(t, testConfig(t, mr), WithNotifier(n))
	ctx := context.Background()

	if _, err := r.Store.AddOrUpdate(ctx, store.Record{UniqueID: "only", Title: "Only"}); err != nil {
		t.Fatalf("add: %v", err)
	}
	stale := []cache.IndexEntry{{UniqueID: "gone-1"}, {UniqueID: "gone-2"}}
	if !r.Index.Save(ctx, stale) {
		t.Fatal("save failed")
	}

	if r.Validator.Check(ctx) {
		t.Fatal("expected drift")
	}
	if _, ok := r.Index.Load(ctx); ok {
		t.Fatal("drifted snapshot should be invalidated")
	}
	if n.count() != 1 {
		t.Fatalf("expected a drift alert, got %d", n.count())
	}
}

func TestRedisLockBackend(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t, mr)
	cfg.Lock.Backend = "redis"
	cfg.Lock.Owner = "replica-a"
	r := newTestRuntime(t, cfg)
	ctx := context.Background()

	if _, ok := r.Locker.(*lock.Redis); !ok {
		t.Fatalf("expected a redis locker, got %T", r.Locker)
	}
	if ok, err := r.Locker.Acquire(ctx, JobRebuildIndex.lockName(), time.Minute); !ok || err != nil {
		t.Fatalf("acquire: ok %v err %v", ok, err)
	}
	if got, _ := mr.Get("marquee:lock:maintenance:rebuild_index"); got != "replica-a" {
		t.Fatalf("unexpected holder %q", got)
	}
	ran, _, err := r.RebuildIndex(ctx)
	if ran || err != nil {
		t.Fatalf("expected skip while held, got ran %v err %v", ran, err)
	}
}
