package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	merrors "github.com/mirkobrombin/go-marquee/v1/errors"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-marquee/v1/scheduler")

var (
	// ErrAlreadyStarted is returned by Start on a running scheduler.
	ErrAlreadyStarted = errors.New("scheduler: already started")
	// ErrNilHandler is returned by Start when no handler is given.
	ErrNilHandler = errors.New("scheduler: handler cannot be nil")
)

const (
	defaultCapacity    = 1000
	defaultMaxAttempts = 3
	defaultBackoff     = 500 * time.Millisecond
	defaultGracePeriod = 10 * time.Second
)

// Classifier assigns a priority tier to a decoded event. It runs once, at
// submit time.
type Classifier func(payload any) Priority

// Handler processes one item. The context is cancelled only when the
// shutdown grace period runs out.
type Handler func(ctx context.Context, item WorkItem) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

func isPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Scheduler is a bounded priority queue drained by a fixed worker pool.
type Scheduler struct {
	mu       sync.Mutex
	queue    itemHeap
	seq      uint64
	capacity int
	started  bool
	stopped  bool
	wake     chan struct{}

	maxAttempts int
	backoff     time.Duration
	grace       time.Duration
	now         func() time.Time
	logger      *slog.Logger

	runCancel    context.CancelFunc
	handleCancel context.CancelFunc
	wg           sync.WaitGroup

	submitted atomic.Uint64
	dropped   atomic.Uint64
	processed atomic.Uint64
	failed    atomic.Uint64
	retried   atomic.Uint64
	panicked  atomic.Uint64

	metrics      *schedulerMetrics
	traceEnabled bool
}

type schedulerMetrics struct {
	depth     prometheus.Gauge
	submitted *prometheus.CounterVec
	dropped   prometheus.Counter
	processed prometheus.Counter
	failed    prometheus.Counter
	retries   prometheus.Counter
	latency   prometheus.Histogram
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithCapacity bounds the number of pending items. Non-positive values keep
// the default of 1000.
func WithCapacity(n int) Option {
	return func(s *Scheduler) {
		if n > 0 {
			s.capacity = n
		}
	}
}

// WithRetry sets how many times a failing item is attempted and the fixed
// pause between attempts.
func WithRetry(maxAttempts int, backoff time.Duration) Option {
	return func(s *Scheduler) {
		if maxAttempts > 0 {
			s.maxAttempts = maxAttempts
		}
		if backoff >= 0 {
			s.backoff = backoff
		}
	}
}

// WithGracePeriod sets how long Stop waits for in-flight items before
// cancelling their context.
func WithGracePeriod(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.grace = d
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock overrides the enqueue timestamp source.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) {
		if now != nil {
			s.now = now
		}
	}
}

// WithTracing enables OpenTelemetry spans around each handled item.
func WithTracing() Option {
	return func(s *Scheduler) {
		s.traceEnabled = true
	}
}

// WithMetrics enables Prometheus metrics collection using the provided registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(s *Scheduler) {
		m := &schedulerMetrics{
			depth: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "marquee_scheduler_queue_depth",
				Help: "Number of items waiting in the priority queue",
			}),
			submitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Name: "marquee_scheduler_submitted_total",
				Help: "Items accepted by the scheduler, by priority tier",
			}, []string{"priority"}),
			dropped: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "marquee_scheduler_dropped_total",
				Help: "Items rejected because the queue was full",
			}),
			processed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "marquee_scheduler_processed_total",
				Help: "Items handled successfully",
			}),
			failed: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "marquee_scheduler_failed_total",
				Help: "Items that exhausted their attempts or panicked",
			}),
			retries: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "marquee_scheduler_retries_total",
				Help: "Handler re-attempts after a failure",
			}),
			latency: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "marquee_scheduler_handle_seconds",
				Help:    "Time spent handling an item, retries included",
				Buckets: prometheus.DefBuckets,
			}),
		}
		reg.MustRegister(m.depth, m.submitted, m.dropped, m.processed, m.failed, m.retries, m.latency)
		s.metrics = m
	}
}

// New returns a stopped scheduler. Items may be submitted before Start.
func New(opts ...Option) *Scheduler {
	s := &Scheduler{
		capacity:    defaultCapacity,
		maxAttempts: defaultMaxAttempts,
		backoff:     defaultBackoff,
		grace:       defaultGracePeriod,
		now:         time.Now,
		logger:      slog.Default(),
		wake:        make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Submit classifies payload and enqueues it. It never blocks: a full queue
// rejects the new item with a Capacity error and leaves queued items alone.
func (s *Scheduler) Submit(payload any, classify Classifier) error {
	prio := PriorityUser
	if classify != nil {
		prio = classify(payload)
	}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return merrors.E("scheduler.submit", merrors.KindCapacity, merrors.ErrStopped)
	}
	if len(s.queue) >= s.capacity {
		s.mu.Unlock()
		s.dropped.Add(1)
		if s.metrics != nil {
			s.metrics.dropped.Inc()
		}
		s.logger.Warn("scheduler: queue full, dropping item", "priority", prio.String(), "capacity", s.capacity)
		return merrors.E("scheduler.submit", merrors.KindCapacity, merrors.ErrQueueFull)
	}
	s.seq++
	s.queue.push(WorkItem{Priority: prio, EnqueuedAt: s.now(), Payload: payload, seq: s.seq})
	depth := len(s.queue)
	s.mu.Unlock()

	s.submitted.Add(1)
	if s.metrics != nil {
		s.metrics.submitted.WithLabelValues(prio.String()).Inc()
		s.metrics.depth.Set(float64(depth))
	}
	s.signal()
	return nil
}

func (s *Scheduler) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) next() (WorkItem, bool) {
	s.mu.Lock()
	it, ok := s.queue.pop()
	remaining := len(s.queue)
	s.mu.Unlock()
	if ok {
		if s.metrics != nil {
			s.metrics.depth.Set(float64(remaining))
		}
		if remaining > 0 {
			s.signal()
		}
	}
	return it, ok
}

// Start launches workers goroutines that drain the queue through handler.
func (s *Scheduler) Start(ctx context.Context, workers int, handler Handler) error {
	if handler == nil {
		return ErrNilHandler
	}
	if workers <= 0 {
		workers = 1
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return merrors.ErrStopped
	}
	if s.started {
		return ErrAlreadyStarted
	}

	runCtx, runCancel := context.WithCancel(ctx)
	handleCtx, handleCancel := context.WithCancel(context.WithoutCancel(ctx))
	s.runCancel = runCancel
	s.handleCancel = handleCancel
	s.started = true

	for i := 0; i < workers; i++ {
		s.wg.Add(1)
		go s.worker(runCtx, handleCtx, i, handler)
	}
	s.logger.Info("scheduler: started", "workers", workers, "capacity", s.capacity)
	return nil
}

func (s *Scheduler) worker(runCtx, handleCtx context.Context, id int, handler Handler) {
	defer s.wg.Done()
	for {
		if runCtx.Err() != nil {
			return
		}
		it, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-runCtx.Done():
				return
			}
		}
		s.process(handleCtx, id, it, handler)
	}
}

func (s *Scheduler) process(ctx context.Context, workerID int, it WorkItem, handler Handler) {
	start := time.Now()
	var span trace.Span
	if s.traceEnabled {
		ctx, span = tracer.Start(ctx, "Scheduler.Handle",
			trace.WithAttributes(attribute.String("marquee.scheduler.priority", it.Priority.String())))
		defer span.End()
	}
	if s.metrics != nil {
		defer func() { s.metrics.latency.Observe(time.Since(start).Seconds()) }()
	}

	for attempt := 1; ; attempt++ {
		err := s.invoke(ctx, it, handler)
		if err == nil {
			s.processed.Add(1)
			if s.metrics != nil {
				s.metrics.processed.Inc()
			}
			return
		}
		if attempt >= s.maxAttempts || isPermanent(err) || ctx.Err() != nil {
			s.failed.Add(1)
			if s.metrics != nil {
				s.metrics.failed.Inc()
			}
			if span != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "handler failed")
				span.SetAttributes(attribute.Int("marquee.scheduler.attempts", attempt))
			}
			s.logger.Error("scheduler: item failed", "worker", workerID, "priority", it.Priority.String(), "attempts", attempt, "error", err)
			return
		}
		s.retried.Add(1)
		if s.metrics != nil {
			s.metrics.retries.Inc()
		}
		s.logger.Debug("scheduler: retrying item", "worker", workerID, "attempt", attempt, "error", err)
		if s.backoff > 0 {
			t := time.NewTimer(s.backoff)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
			}
		}
	}
}

// invoke runs handler and converts a panic into a permanent error so one bad
// item cannot take the worker down.
func (s *Scheduler) invoke(ctx context.Context, it WorkItem, handler Handler) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.panicked.Add(1)
			err = Permanent(fmt.Errorf("scheduler: handler panic: %v", r))
		}
	}()
	return handler(ctx, it)
}

// Stop stops accepting items, discards what is still queued and waits for
// in-flight handlers. When the grace period elapses their context is
// cancelled; if ctx ends first Stop returns without waiting further.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	discarded := len(s.queue)
	s.queue = nil
	started := s.started
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.depth.Set(0)
	}
	if discarded > 0 {
		s.logger.Info("scheduler: discarded pending items on stop", "count", discarded)
	}
	if !started {
		return nil
	}
	s.runCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(s.grace)
	defer grace.Stop()
	select {
	case <-done:
		s.handleCancel()
		s.logger.Info("scheduler: stopped")
		return nil
	case <-grace.C:
	case <-ctx.Done():
	}

	s.logger.Warn("scheduler: grace period elapsed, cancelling in-flight items", "grace", s.grace)
	s.handleCancel()
	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("scheduler: workers still running after cancellation")
	}
	return nil
}

// Len returns the number of pending items.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// PeekOldest returns the pending item that has waited the longest.
func (s *Scheduler) PeekOldest() (WorkItem, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.oldest()
}

// Stats reports counters about scheduler activity.
type Stats struct {
	Pending   int
	Capacity  int
	Submitted uint64
	Dropped   uint64
	Processed uint64
	Failed    uint64
	Retried   uint64
	Panicked  uint64
}

// Stats returns current scheduler statistics.
func (s *Scheduler) Stats() Stats {
	return Stats{
		Pending:   s.Len(),
		Capacity:  s.capacity,
		Submitted: s.submitted.Load(),
		Dropped:   s.dropped.Load(),
		Processed: s.processed.Load(),
		Failed:    s.failed.Load(),
		Retried:   s.retried.Load(),
		Panicked:  s.panicked.Load(),
	}
}
