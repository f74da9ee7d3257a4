package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	merrors "github.com/mirkobrombin/go-marquee/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-marquee/v1/cache")

const (
	defaultRecheckInterval = 10 * time.Second
	defaultOpTimeout       = 2 * time.Second
)

// Tiered is a best-effort key/value layer over Redis. Every call degrades to
// "not available" on a backend error and flips the readiness flag; while the
// flag is down, calls re-check the backend at most once per recheck
// interval and are skipped otherwise.
type Tiered struct {
	client          redis.UniversalClient
	ready           atomic.Bool
	lastCheck       atomic.Int64
	recheckInterval time.Duration
	timeout         time.Duration
	now             func() time.Time
	logger          *slog.Logger

	hitCounter   prometheus.Counter
	missCounter  prometheus.Counter
	errorCounter prometheus.Counter
	traceEnabled bool
}

// Option configures a Tiered cache.
type Option func(*Tiered)

// WithRecheckInterval sets how often a down backend is probed again.
func WithRecheckInterval(d time.Duration) Option {
	return func(t *Tiered) {
		if d > 0 {
			t.recheckInterval = d
		}
	}
}

// WithTimeout bounds each Redis call.
func WithTimeout(d time.Duration) Option {
	return func(t *Tiered) {
		if d > 0 {
			t.timeout = d
		}
	}
}

// WithClock overrides the time source used for scores and recheck pacing.
func WithClock(now func() time.Time) Option {
	return func(t *Tiered) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Tiered) {
		if l != nil {
			t.logger = l
		}
	}
}

// WithTracing enables OpenTelemetry spans around every call.
func WithTracing() Option {
	return func(t *Tiered) { t.traceEnabled = true }
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(t *Tiered) {
		t.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_cache_hits_total",
			Help: "Total number of cache hits",
		})
		t.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_cache_misses_total",
			Help: "Total number of cache misses",
		})
		t.errorCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_cache_errors_total",
			Help: "Total number of failed cache calls",
		})
		reg.MustRegister(t.hitCounter, t.missCounter, t.errorCounter)
	}
}

// New returns a Tiered cache over client. It makes no network call; the
// readiness flag starts down and the first call (or Ping) probes the backend.
func New(client redis.UniversalClient, opts ...Option) *Tiered {
	t := &Tiered{
		client:          client,
		recheckInterval: defaultRecheckInterval,
		timeout:         defaultOpTimeout,
		now:             time.Now,
		logger:          slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// IsReady reports the readiness flag without touching the network.
func (t *Tiered) IsReady() bool { return t.ready.Load() }

// Ping probes the backend and updates the readiness flag.
func (t *Tiered) Ping(ctx context.Context) bool {
	t.lastCheck.Store(t.now().UnixNano())
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.client.Ping(cctx).Err(); err != nil {
		if t.ready.Swap(false) {
			t.logger.Warn("cache: backend down", "error", err)
		}
		return false
	}
	if !t.ready.Swap(true) {
		t.logger.Info("cache: backend ready")
	}
	return true
}

// Run probes a down backend every recheck interval until ctx is done.
func (t *Tiered) Run(ctx context.Context) {
	ticker := time.NewTicker(t.recheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !t.IsReady() {
				t.Ping(ctx)
			}
		}
	}
}

// available reports whether a call should reach Redis, re-checking a down
// backend when the recheck interval has elapsed. Only one caller performs
// the re-check; the rest are skipped.
func (t *Tiered) available(ctx context.Context) bool {
	if t.ready.Load() {
		return true
	}
	last := t.lastCheck.Load()
	now := t.now().UnixNano()
	if last != 0 && time.Duration(now-last) < t.recheckInterval {
		return false
	}
	if !t.lastCheck.CompareAndSwap(last, now) {
		return false
	}
	return t.Ping(ctx)
}

// fail records a backend error and flips the backend to not ready.
func (t *Tiered) fail(op, key string, err error) {
	if t.errorCounter != nil {
		t.errorCounter.Inc()
	}
	err = mapRedisErr(err)
	t.lastCheck.Store(t.now().UnixNano())
	if t.ready.Swap(false) {
		t.logger.Warn("cache: backend down", "op", op, "key", key, "error", err)
		return
	}
	t.logger.Debug("cache: call failed", "op", op, "key", key, "error", err)
}

func (t *Tiered) startSpan(ctx context.Context, op, key string) (context.Context, trace.Span) {
	if !t.traceEnabled {
		return ctx, nil
	}
	return tracer.Start(ctx, "Cache."+op, trace.WithAttributes(attribute.String("marquee.cache.key", key)))
}

func endSpan(span trace.Span, result string, err error) {
	if span == nil {
		return
	}
	span.SetAttributes(attribute.String("marquee.cache.result", result))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// Get retrieves the value for key. The boolean is false on a miss and when
// the backend is not available.
func (t *Tiered) Get(ctx context.Context, key string) ([]byte, bool) {
	ctx, span := t.startSpan(ctx, "Get", key)
	if !t.available(ctx) {
		endSpan(span, "skipped", nil)
		return nil, false
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	data, err := t.client.Get(cctx, key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		if t.missCounter != nil {
			t.missCounter.Inc()
		}
		endSpan(span, "miss", nil)
		return nil, false
	case err != nil:
		t.fail("get", key, err)
		endSpan(span, "error", err)
		return nil, false
	}
	if t.hitCounter != nil {
		t.hitCounter.Inc()
	}
	endSpan(span, "hit", nil)
	return data, true
}

// Set stores value under key for ttl. It reports whether the write landed.
func (t *Tiered) Set(ctx context.Context, key string, value []byte, ttl time.Duration) bool {
	ctx, span := t.startSpan(ctx, "Set", key)
	if !t.available(ctx) {
		endSpan(span, "skipped", nil)
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.client.Set(cctx, key, value, ttl).Err(); err != nil {
		t.fail("set", key, err)
		endSpan(span, "error", err)
		return false
	}
	endSpan(span, "ok", nil)
	return true
}

// Increment atomically increments the counter under key.
func (t *Tiered) Increment(ctx context.Context, key string) (int64, bool) {
	ctx, span := t.startSpan(ctx, "Increment", key)
	if !t.available(ctx) {
		endSpan(span, "skipped", nil)
		return 0, false
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	n, err := t.client.Incr(cctx, key).Result()
	if err != nil {
		t.fail("incr", key, err)
		endSpan(span, "error", err)
		return 0, false
	}
	endSpan(span, "ok", nil)
	return n, true
}

// Expire sets a ttl on key. It returns false when the key does not exist or
// the backend is not available.
func (t *Tiered) Expire(ctx context.Context, key string, ttl time.Duration) bool {
	ctx, span := t.startSpan(ctx, "Expire", key)
	if !t.available(ctx) {
		endSpan(span, "skipped", nil)
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	ok, err := t.client.Expire(cctx, key, ttl).Result()
	if err != nil {
		t.fail("expire", key, err)
		endSpan(span, "error", err)
		return false
	}
	endSpan(span, "ok", nil)
	return ok
}

// Delete removes key. It reports whether the call reached the backend.
func (t *Tiered) Delete(ctx context.Context, key string) bool {
	ctx, span := t.startSpan(ctx, "Delete", key)
	if !t.available(ctx) {
		endSpan(span, "skipped", nil)
		return false
	}
	cctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()
	if err := t.client.Del(cctx, key).Err(); err != nil {
		t.fail("del", key, err)
		endSpan(span, "error", err)
		return false
	}
	endSpan(span, "ok", nil)
	return true
}

func mapRedisErr(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return merrors.Transient("cache", err)
	case errors.Is(err, redis.ErrClosed):
		return merrors.Transient("cache", merrors.ErrConnectionClosed)
	}
	return err
}
