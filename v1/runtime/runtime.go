package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"

	"github.com/mirkobrombin/go-marquee/v1/cache"
	"github.com/mirkobrombin/go-marquee/v1/config"
	"github.com/mirkobrombin/go-marquee/v1/health"
	"github.com/mirkobrombin/go-marquee/v1/lock"
	"github.com/mirkobrombin/go-marquee/v1/metrics"
	"github.com/mirkobrombin/go-marquee/v1/scheduler"
	"github.com/mirkobrombin/go-marquee/v1/store"
	"github.com/mirkobrombin/go-marquee/v1/syncbus"
	"github.com/mirkobrombin/go-marquee/v1/validator"
)

// ErrAlreadyStarted is returned by Start on a running runtime.
var ErrAlreadyStarted = errors.New("runtime: already started")

// Runtime holds the components built from one configuration.
type Runtime struct {
	Scheduler  *scheduler.Scheduler
	Classifier *scheduler.CommandClassifier
	Cache      *cache.Tiered
	Activity   *cache.Activity
	Index      *cache.IndexCache
	Bus        *syncbus.CircuitBreakerBus
	Store      *store.HybridStore
	Locker     lock.Locker
	Alerter    *health.Alerter
	Monitor    *health.Monitor
	Validator  *validator.Validator

	cfg      *config.Config
	logger   *slog.Logger
	reg      *prometheus.Registry
	metrics  *metrics.Runtime
	notifier health.Notifier
	sampler  health.ResourceSampler
	tracing  bool
	now      func() time.Time

	redis redis.UniversalClient
	nats  *nats.Conn

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithLogger sets the logger handed to every component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRegistry enables Prometheus metrics on every component.
func WithRegistry(reg *prometheus.Registry) Option {
	return func(r *Runtime) { r.reg = reg }
}

// WithNotifier overrides the alert channel selected by the telegram section.
func WithNotifier(n health.Notifier) Option {
	return func(r *Runtime) { r.notifier = n }
}

// WithSampler overrides the gopsutil resource sampler.
func WithSampler(s health.ResourceSampler) Option {
	return func(r *Runtime) { r.sampler = s }
}

// WithTracing enables OpenTelemetry spans on the cache and the scheduler.
func WithTracing() Option {
	return func(r *Runtime) { r.tracing = true }
}

// WithClock overrides the time source of every component.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// New builds the components described by cfg. A store that cannot be
// opened does not fail New: the store runs in error mode and its health
// check reports it.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*Runtime, error) {
	r := &Runtime{
		cfg:    cfg,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.reg != nil {
		r.metrics = metrics.NewRuntime(r.reg)
	}

	if err := r.buildCache(ctx); err != nil {
		r.closeAll(ctx)
		return nil, err
	}
	bus, err := r.buildBus()
	if err != nil {
		r.closeAll(ctx)
		return nil, err
	}
	if err := r.buildIndex(bus); err != nil {
		r.closeAll(ctx)
		return nil, err
	}
	r.buildStore(ctx)
	r.buildScheduler()
	if err := r.buildHealth(); err != nil {
		r.closeAll(ctx)
		return nil, err
	}
	if err := r.buildValidator(); err != nil {
		r.closeAll(ctx)
		return nil, err
	}
	return r, nil
}

func (r *Runtime) buildCache(ctx context.Context) error {
	ropts, err := redis.ParseURL(r.cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("runtime: parse redis url: %w", err)
	}
	r.redis = redis.NewClient(ropts)

	copts := []cache.Option{
		cache.WithTimeout(r.cfg.Redis.Timeout()),
		cache.WithRecheckInterval(r.cfg.Redis.RecheckInterval()),
		cache.WithLogger(r.logger),
		cache.WithClock(r.now),
	}
	if r.reg != nil {
		copts = append(copts, cache.WithMetrics(r.reg))
	}
	if r.tracing {
		copts = append(copts, cache.WithTracing())
	}
	r.Cache = cache.New(r.redis, copts...)
	if !r.Cache.Ping(ctx) {
		r.logger.Warn("runtime: redis unavailable at startup, continuing without cache", "addr", ropts.Addr)
	}
	r.Activity = cache.NewActivity(r.Cache, r.cfg.Redis.ActivityKey)
	return nil
}

// buildBus returns nil when invalidation fan-out is disabled.
func (r *Runtime) buildBus() (syncbus.Bus, error) {
	var bus syncbus.Bus
	switch r.cfg.Bus.Kind {
	case "none":
		return nil, nil
	case "memory":
		bus = syncbus.NewInMemoryBus()
	case "redis":
		bus = syncbus.NewRedisBus(r.redis)
	case "nats":
		nc, err := nats.Connect(r.cfg.Bus.NATSURL, nats.Name("marquee"))
		if err != nil {
			return nil, fmt.Errorf("runtime: connect nats: %w", err)
		}
		r.nats = nc
		bus = syncbus.NewNATSBus(nc)
	default:
		return nil, fmt.Errorf("runtime: unknown bus kind %q", r.cfg.Bus.Kind)
	}
	r.Bus = syncbus.NewCircuitBreaker(bus, r.cfg.Bus.BreakerThreshold, r.cfg.Bus.BreakerTimeout())
	return r.Bus, nil
}

func (r *Runtime) buildIndex(bus syncbus.Bus) error {
	iopts := []cache.IndexOption{
		cache.WithIndexKey(r.cfg.Redis.IndexKey),
		cache.WithIndexTTL(r.cfg.Redis.IndexTTL()),
		cache.WithLocalTTL(r.cfg.Redis.LocalIndexTTL()),
		cache.WithRebuildTimeout(r.cfg.Store.BulkTimeout()),
	}
	if bus != nil {
		iopts = append(iopts, cache.WithBus(bus))
	}
	if r.reg != nil {
		iopts = append(iopts, cache.WithIndexMetrics(r.reg))
	}
	idx, err := cache.NewIndexCache(r.Cache, iopts...)
	if err != nil {
		return fmt.Errorf("runtime: index cache: %w", err)
	}
	r.Index = idx
	return nil
}

func (r *Runtime) buildStore(ctx context.Context) {
	var lopts []lock.Option
	if r.cfg.Lock.Owner != "" {
		lopts = append(lopts, lock.WithOwner(r.cfg.Lock.Owner))
	}
	r.Store = store.Open(ctx, r.cfg.Store.URL,
		store.WithLogger(r.logger),
		store.WithTimeout(r.cfg.Store.Timeout()),
		store.WithBulkTimeout(r.cfg.Store.BulkTimeout()),
		store.WithClock(r.now),
		store.WithDatabase(r.cfg.Store.Database),
		store.WithIndexCache(r.Index),
		store.WithLockOptions(lopts...),
	)
	r.Locker = r.Store.Locker()
	if r.cfg.Lock.Backend == "redis" {
		r.Locker = lock.NewRedis(r.redis, append(lopts, lock.WithLogger(r.logger), lock.WithClock(r.now))...)
	}
}

func (r *Runtime) buildScheduler() {
	s := r.cfg.Scheduler
	r.Classifier = scheduler.NewCommandClassifier(s.CriticalCommands, s.EssentialCommands)
	sopts := []scheduler.Option{
		scheduler.WithCapacity(s.Capacity),
		scheduler.WithRetry(s.MaxAttempts, s.Backoff()),
		scheduler.WithGracePeriod(s.GracePeriod()),
		scheduler.WithLogger(r.logger),
		scheduler.WithClock(r.now),
	}
	if r.reg != nil {
		sopts = append(sopts, scheduler.WithMetrics(r.reg))
	}
	if r.tracing {
		sopts = append(sopts, scheduler.WithTracing())
	}
	r.Scheduler = scheduler.New(sopts...)
}

func (r *Runtime) buildHealth() error {
	n := r.notifier
	if n == nil && r.cfg.Telegram.Token != "" {
		tn, err := health.NewTelegramNotifier(r.cfg.Telegram.Token, r.cfg.Telegram.ChatIDs, health.WithTelegramLogger(r.logger))
		if err != nil {
			return fmt.Errorf("runtime: telegram notifier: %w", err)
		}
		n = tn
	}
	aopts := []health.AlerterOption{
		health.WithCooldown(r.cfg.Health.Cooldown()),
		health.WithAlerterClock(r.now),
		health.WithAlerterLogger(r.logger),
	}
	if r.reg != nil {
		aopts = append(aopts, health.WithAlerterMetrics(r.reg))
	}
	r.Alerter = health.NewAlerter(n, aopts...)

	if !r.cfg.Health.Enabled {
		return nil
	}
	h := r.cfg.Health
	sampler := r.sampler
	if sampler == nil {
		sampler = health.SystemSampler{DiskPath: h.DiskPath}
	}
	mopts := []health.Option{
		health.WithInterval(h.Interval()),
		health.WithCheckTimeout(h.CheckTimeout()),
		health.WithResourceSampler(sampler),
		health.WithThresholds(health.Thresholds{
			CPU:       h.CPUPercent,
			Memory:    h.MemoryPercent,
			Disk:      h.DiskPercent,
			Backlog:   h.BacklogDepth,
			OldestAge: h.BacklogAge(),
		}),
		health.WithBacklog(r.Scheduler),
		health.WithBackend("redis", health.ReadinessFunc(r.Cache.Ping)),
		health.WithBackend("store", r.Store),
		health.WithLogger(r.logger),
		health.WithClock(r.now),
	}
	if r.Bus != nil {
		mopts = append(mopts, health.WithBackend("bus", health.ReadinessFunc(func(context.Context) bool {
			return r.Bus.IsHealthy()
		})))
	}
	r.Monitor = health.New(r.Alerter, mopts...)
	return nil
}

func (r *Runtime) buildValidator() error {
	mode, err := validator.ParseMode(r.cfg.Redis.IndexCheckMode)
	if err != nil {
		return err
	}
	vopts := []validator.Option{validator.WithAlerter(r.Alerter), validator.WithLogger(r.logger)}
	if r.reg != nil {
		vopts = append(vopts, validator.WithMetrics(r.reg))
	}
	r.Validator = validator.New(r.Index, r.Store, mode, r.cfg.Redis.IndexCheckInterval(), vopts...)
	return nil
}

// Config returns the configuration the runtime was built from.
func (r *Runtime) Config() *config.Config { return r.cfg }

// Submit classifies payload and queues it. It never blocks.
func (r *Runtime) Submit(payload any) error {
	return r.Scheduler.Submit(payload, r.Classifier.Classify)
}

// Start launches the scheduler workers and the background loops: cache
// re-probing, health ticks, lock sweeping and the activity gauge. Handler
// receives every item that is not a maintenance Job.
func (r *Runtime) Start(ctx context.Context, handler scheduler.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	if err := r.Scheduler.Start(runCtx, r.cfg.Scheduler.Workers, r.dispatch(handler)); err != nil {
		cancel()
		return err
	}
	r.started = true
	r.cancel = cancel

	r.goLoop(func() { r.Cache.Run(runCtx) })
	if r.Monitor != nil {
		r.goLoop(func() { r.Monitor.Start(runCtx) })
	}
	if sw, ok := r.Locker.(sweeper); ok && r.cfg.Lock.SweepInterval() > 0 {
		r.goLoop(func() { r.sweepLocks(runCtx, sw) })
	}
	r.goLoop(func() { r.Validator.Run(runCtx) })
	r.goLoop(func() { r.reportActivity(runCtx) })
	r.logger.Info("runtime: started", "workers", r.cfg.Scheduler.Workers, "store", r.Store.Mode().String(), "bus", r.cfg.Bus.Kind)
	return nil
}

func (r *Runtime) goLoop(fn func()) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		fn()
	}()
}

func (r *Runtime) dispatch(handler scheduler.Handler) scheduler.Handler {
	return func(ctx context.Context, item scheduler.WorkItem) error {
		if job, ok := item.Payload.(Job); ok {
			_, err := r.RunJob(ctx, job)
			return err
		}
		if handler == nil {
			return nil
		}
		return handler(ctx, item)
	}
}

type sweeper interface {
	Sweep(ctx context.Context) (int64, error)
}

func (r *Runtime) sweepLocks(ctx context.Context, sw sweeper) {
	ticker := time.NewTicker(r.cfg.Lock.SweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := sw.Sweep(ctx); err == nil && n > 0 {
				r.logger.Debug("runtime: swept expired locks", "count", n)
			}
		}
	}
}

func (r *Runtime) reportActivity(ctx context.Context) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		if n, err := r.ActiveCount(ctx); err == nil {
			r.metrics.SetActiveSubjects(n)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Touch records that subjectID was just seen, in Redis and in the store.
func (r *Runtime) Touch(ctx context.Context, subjectID string) {
	r.Activity.Record(ctx, subjectID)
	_, _ = r.Store.RecordActivity(ctx, subjectID)
}

// ActiveCount counts subjects seen within the configured window, from
// Redis when available and from the store otherwise.
func (r *Runtime) ActiveCount(ctx context.Context) (int64, error) {
	return r.Activity.CountActiveOr(ctx, r.cfg.Redis.ActivityWindow(), r.Store)
}

// Handler serves /metrics (when a registry is configured) and /healthz.
func (r *Runtime) Handler() http.Handler {
	mux := http.NewServeMux()
	if r.reg != nil {
		mux.Handle("/metrics", metrics.Handler(r.reg))
	}
	if r.Monitor != nil {
		mux.Handle("/healthz", r.Monitor.Handler())
	} else {
		mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
		})
	}
	return mux
}

// Close stops the scheduler within its grace period, ends the background
// loops and releases every connection.
func (r *Runtime) Close(ctx context.Context) error {
	r.mu.Lock()
	if r.cancel != nil {
		r.cancel()
	}
	r.mu.Unlock()
	var errs []error
	if r.Scheduler != nil {
		errs = append(errs, r.Scheduler.Stop(ctx))
	}
	r.wg.Wait()
	errs = append(errs, r.closeAll(ctx))
	r.logger.Info("runtime: closed")
	return errors.Join(errs...)
}

func (r *Runtime) closeAll(ctx context.Context) error {
	var errs []error
	if r.Index != nil {
		r.Index.Close()
	}
	if r.Store != nil {
		if err := r.Store.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close store: %w", err))
		}
	}
	if r.nats != nil {
		r.nats.Close()
	}
	if r.redis != nil {
		if err := r.redis.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, fmt.Errorf("close redis: %w", err))
		}
	}
	return errors.Join(errs...)
}
