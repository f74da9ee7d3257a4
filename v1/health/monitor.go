package health

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/mirkobrombin/go-marquee/v1/scheduler"
)

const (
	defaultInterval     = 60 * time.Second
	defaultCheckTimeout = 10 * time.Second
)

// Thresholds trip alerts. Percentages are 0-100; zero disables a check.
type Thresholds struct {
	CPU       float64
	Memory    float64
	Disk      float64
	Backlog   int
	OldestAge time.Duration
}

// DefaultThresholds are used unless WithThresholds overrides them.
var DefaultThresholds = Thresholds{
	CPU:       90,
	Memory:    90,
	Disk:      90,
	Backlog:   1000,
	OldestAge: 5 * time.Minute,
}

// BacklogSource exposes queue depth and the oldest pending item.
// *scheduler.Scheduler implements it.
type BacklogSource interface {
	Len() int
	PeekOldest() (scheduler.WorkItem, bool)
}

// ReadinessChecker reports whether a backend is reachable.
type ReadinessChecker interface {
	Ready(ctx context.Context) bool
}

// ReadinessFunc adapts a function to ReadinessChecker.
type ReadinessFunc func(ctx context.Context) bool

// Ready implements ReadinessChecker.
func (f ReadinessFunc) Ready(ctx context.Context) bool { return f(ctx) }

// CheckStatus is the outcome of the last run of one check.
type CheckStatus struct {
	Name      string    `json:"name"`
	Healthy   bool      `json:"healthy"`
	Message   string    `json:"message,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type backendCheck struct {
	name    string
	checker ReadinessChecker
}

// Monitor runs the periodic checks.
type Monitor struct {
	alerter      *Alerter
	interval     time.Duration
	checkTimeout time.Duration
	sampler      ResourceSampler
	thresholds   Thresholds
	backlog      BacklogSource
	backends     []backendCheck
	logger       *slog.Logger
	now          func() time.Time

	mu     sync.RWMutex
	status map[string]CheckStatus
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the tick interval. The default is 60s.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithCheckTimeout bounds every check.
func WithCheckTimeout(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.checkTimeout = d
		}
	}
}

// WithResourceSampler enables the resource check.
func WithResourceSampler(s ResourceSampler) Option {
	return func(m *Monitor) { m.sampler = s }
}

// WithThresholds overrides DefaultThresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) { m.thresholds = t }
}

// WithBacklog enables the scheduler backlog check.
func WithBacklog(b BacklogSource) Option {
	return func(m *Monitor) { m.backlog = b }
}

// WithBackend adds a reachability check.
func WithBackend(name string, c ReadinessChecker) Option {
	return func(m *Monitor) {
		if c != nil {
			m.backends = append(m.backends, backendCheck{name: name, checker: c})
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the time source used for backlog age.
func WithClock(now func() time.Time) Option {
	return func(m *Monitor) {
		if now != nil {
			m.now = now
		}
	}
}

// New returns a Monitor raising alerts through alerter.
func New(alerter *Alerter, opts ...Option) *Monitor {
	m := &Monitor{
		alerter:      alerter,
		interval:     defaultInterval,
		checkTimeout: defaultCheckTimeout,
		thresholds:   DefaultThresholds,
		logger:       slog.Default(),
		now:          time.Now,
		status:       make(map[string]CheckStatus),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.alerter == nil {
		m.alerter = NewAlerter(nil, WithAlerterLogger(m.logger))
	}
	return m
}

// Start runs Tick every interval until ctx is done. The first tick runs
// immediately.
func (m *Monitor) Start(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		m.Tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

type check struct {
	name string
	run  func(ctx context.Context) (bool, string)
}

// Tick runs every configured check concurrently and waits for them.
func (m *Monitor) Tick(ctx context.Context) {
	var checks []check
	if m.sampler != nil {
		checks = append(checks, check{"resources", m.checkResources})
	}
	if m.backlog != nil {
		checks = append(checks, check{"backlog", m.checkBacklog})
	}
	for _, b := range m.backends {
		checks = append(checks, check{"backend:" + b.name, m.backendCheck(b)})
	}

	var g errgroup.Group
	for _, c := range checks {
		g.Go(func() error {
			m.runIsolated(ctx, c)
			return nil
		})
	}
	_ = g.Wait()
}

func (m *Monitor) runIsolated(ctx context.Context, c check) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("health: check panicked", "check", c.name, "panic", r)
			m.record(c.name, false, fmt.Sprintf("panic: %v", r))
		}
	}()
	cctx, cancel := context.WithTimeout(ctx, m.checkTimeout)
	defer cancel()
	ok, msg := c.run(cctx)
	m.record(c.name, ok, msg)
}

func (m *Monitor) record(name string, ok bool, msg string) {
	m.mu.Lock()
	m.status[name] = CheckStatus{Name: name, Healthy: ok, Message: msg, Timestamp: m.now()}
	m.mu.Unlock()
}

func (m *Monitor) checkResources(ctx context.Context) (bool, string) {
	u, err := m.sampler.Sample(ctx)
	if err != nil {
		m.logger.Warn("health: resource sample failed", "error", err)
		return false, "sample failed: " + err.Error()
	}
	ok := true
	for _, r := range []struct {
		key       string
		label     string
		value     float64
		threshold float64
	}{
		{"cpu", "CPU", u.CPU, m.thresholds.CPU},
		{"memory", "Memory", u.Memory, m.thresholds.Memory},
		{"disk", "Disk", u.Disk, m.thresholds.Disk},
	} {
		if r.threshold <= 0 || r.value < r.threshold {
			continue
		}
		ok = false
		m.alerter.Alert(ctx, r.key, "High "+r.label+" usage",
			fmt.Sprintf("%s at %.1f%% (threshold %.0f%%)", r.label, r.value, r.threshold))
	}
	return ok, fmt.Sprintf("cpu %.1f%% mem %.1f%% disk %.1f%%", u.CPU, u.Memory, u.Disk)
}

func (m *Monitor) checkBacklog(ctx context.Context) (bool, string) {
	depth := m.backlog.Len()
	ok := true
	if t := m.thresholds.Backlog; t > 0 && depth > t {
		ok = false
		m.alerter.Alert(ctx, "backlog_depth", "Scheduler backlog",
			fmt.Sprintf("%d items pending (threshold %d)", depth, t))
	}
	var age time.Duration
	if oldest, found := m.backlog.PeekOldest(); found {
		age = m.now().Sub(oldest.EnqueuedAt)
		if t := m.thresholds.OldestAge; t > 0 && age > t {
			ok = false
			m.alerter.Alert(ctx, "backlog_age", "Stale scheduler item",
				fmt.Sprintf("oldest %s item waiting %s (threshold %s)", oldest.Priority, age.Round(time.Second), t))
		}
	}
	return ok, fmt.Sprintf("depth %d oldest %s", depth, age.Round(time.Second))
}

func (m *Monitor) backendCheck(b backendCheck) func(context.Context) (bool, string) {
	return func(ctx context.Context) (bool, string) {
		if b.checker.Ready(ctx) {
			return true, "reachable"
		}
		m.alerter.Alert(ctx, "backend:"+b.name, "Backend unreachable", b.name+" failed its readiness check")
		return false, "unreachable"
	}
}

// Status returns the last result of every check, sorted by name.
func (m *Monitor) Status() []CheckStatus {
	m.mu.RLock()
	out := make([]CheckStatus, 0, len(m.status))
	for _, s := range m.status {
		out = append(out, s)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Healthy reports whether every check passed on its last run.
func (m *Monitor) Healthy() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.status {
		if !s.Healthy {
			return false
		}
	}
	return true
}

// Handler serves the status as JSON: 200 when healthy, 503 otherwise.
func (m *Monitor) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		code := http.StatusOK
		if !m.Healthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(struct {
			Healthy bool          `json:"healthy"`
			Checks  []CheckStatus `json:"checks"`
		}{Healthy: code == http.StatusOK, Checks: m.Status()})
	})
}
