package cache

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"github.com/mirkobrombin/go-marquee/v1/syncbus"
)

const (
	// DefaultIndexKey is the Redis key holding the fuzzy index snapshot.
	DefaultIndexKey = "marquee:fuzzy_index"
	// DefaultIndexTTL is how long a saved snapshot lives in Redis.
	DefaultIndexTTL = 72 * time.Hour

	defaultLocalTTL     = 5 * time.Minute
	defaultLocalMaxCost = 1 << 20
	defaultRebuildLimit = 2 * time.Minute
	indexBusKey         = "fuzzy_index"
)

// IndexEntry is one row of the fuzzy index: a projection of a catalog
// record used for approximate title lookup.
type IndexEntry struct {
	UniqueID        string `json:"unique_id"`
	DisplayTitle    string `json:"display_title"`
	NormalizedTitle string `json:"normalized_title"`
	Year            int    `json:"year,omitempty"`
}

// RebuildFunc rebuilds the index from the durable store.
type RebuildFunc func(ctx context.Context) ([]IndexEntry, error)

// IndexCache stores the fuzzy index snapshot under one key, with a local
// ristretto copy in front of Redis. When a bus is configured, a save or an
// invalidation on any replica makes every replica reload its local copy.
// gen counts invalidations; genMu orders generation checks against writes.
type IndexCache struct {
	t            *Tiered
	key          string
	ttl          time.Duration
	localTTL     time.Duration
	rebuildLimit time.Duration
	codec        Codec
	local        *local[[]IndexEntry]
	bus          syncbus.Bus
	logger       *slog.Logger
	group        singleflight.Group
	genMu        sync.Mutex
	gen          atomic.Uint64
	wg           sync.WaitGroup
	cancel       context.CancelFunc

	rebuildCounter prometheus.Counter
	writeBackFails prometheus.Counter
}

// IndexOption configures an IndexCache.
type IndexOption func(*IndexCache)

// WithIndexKey overrides DefaultIndexKey.
func WithIndexKey(key string) IndexOption {
	return func(c *IndexCache) {
		if key != "" {
			c.key = key
		}
	}
}

// WithIndexTTL overrides DefaultIndexTTL.
func WithIndexTTL(d time.Duration) IndexOption {
	return func(c *IndexCache) {
		if d > 0 {
			c.ttl = d
		}
	}
}

// WithLocalTTL bounds how long the process-local copy is trusted without a
// bus event.
func WithLocalTTL(d time.Duration) IndexOption {
	return func(c *IndexCache) {
		if d > 0 {
			c.localTTL = d
		}
	}
}

// WithRebuildTimeout bounds a single rebuild.
func WithRebuildTimeout(d time.Duration) IndexOption {
	return func(c *IndexCache) {
		if d > 0 {
			c.rebuildLimit = d
		}
	}
}

// WithCodec sets the snapshot encoding. The default is JSONCodec.
func WithCodec(codec Codec) IndexOption {
	return func(c *IndexCache) {
		if codec != nil {
			c.codec = codec
		}
	}
}

// WithBus propagates invalidations to other replicas.
func WithBus(bus syncbus.Bus) IndexOption {
	return func(c *IndexCache) { c.bus = bus }
}

// WithIndexMetrics registers rebuild counters on reg.
func WithIndexMetrics(reg prometheus.Registerer) IndexOption {
	return func(c *IndexCache) {
		c.rebuildCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_index_rebuilds_total",
			Help: "Total number of fuzzy index rebuilds",
		})
		c.writeBackFails = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_index_writeback_failures_total",
			Help: "Total number of rebuilt snapshots that could not be cached",
		})
		reg.MustRegister(c.rebuildCounter, c.writeBackFails)
	}
}

// NewIndexCache returns an IndexCache over t.
func NewIndexCache(t *Tiered, opts ...IndexOption) (*IndexCache, error) {
	c := &IndexCache{
		t:            t,
		key:          DefaultIndexKey,
		ttl:          DefaultIndexTTL,
		localTTL:     defaultLocalTTL,
		rebuildLimit: defaultRebuildLimit,
		codec:        JSONCodec{},
		logger:       t.logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	l, err := newLocal(defaultLocalMaxCost, func(e []IndexEntry) int64 { return int64(len(e)) + 1 })
	if err != nil {
		return nil, err
	}
	c.local = l

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	if c.bus != nil {
		ch, err := c.bus.Subscribe(ctx, indexBusKey)
		if err != nil {
			c.logger.Warn("cache: index invalidation subscription failed", "error", err)
		} else {
			c.wg.Add(1)
			go c.listen(ch)
		}
	}
	return c, nil
}

func (c *IndexCache) listen(ch chan struct{}) {
	defer c.wg.Done()
	for range ch {
		c.refresh()
	}
}

// refresh replaces the local copy with whatever Redis holds now. The
// replica that saved the snapshot reloads the same data and keeps serving
// it locally.
func (c *IndexCache) refresh() {
	gen := c.gen.Load()
	c.local.del(c.key)
	ctx, cancel := context.WithTimeout(context.Background(), c.t.timeout)
	defer cancel()
	data, ok := c.t.Get(ctx, c.key)
	if !ok {
		return
	}
	var entries []IndexEntry
	if err := c.codec.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("cache: index decode failed", "key", c.key, "error", err)
		return
	}
	c.setLocalIfGen(entries, gen)
}

func (c *IndexCache) setLocalIfGen(entries []IndexEntry, gen uint64) {
	c.genMu.Lock()
	defer c.genMu.Unlock()
	if c.gen.Load() == gen {
		c.local.set(c.key, entries, c.localTTL)
	}
}

// Generation identifies the current snapshot epoch. Invalidate advances it.
func (c *IndexCache) Generation() uint64 { return c.gen.Load() }

// Save stores entries in Redis and in the local copy. Other replicas are
// told to reload their local copy only once Redis holds the new snapshot.
func (c *IndexCache) Save(ctx context.Context, entries []IndexEntry) bool {
	return c.save(ctx, entries, 0, false)
}

// SaveIfGeneration is Save for a snapshot built while Generation returned
// gen. Nothing is written when an Invalidate happened since.
func (c *IndexCache) SaveIfGeneration(ctx context.Context, entries []IndexEntry, gen uint64) bool {
	return c.save(ctx, entries, gen, true)
}

func (c *IndexCache) save(ctx context.Context, entries []IndexEntry, gen uint64, check bool) bool {
	data, err := c.codec.Marshal(entries)
	if err != nil {
		c.logger.Error("cache: index encode failed", "error", err)
		return false
	}
	c.genMu.Lock()
	if check && c.gen.Load() != gen {
		c.genMu.Unlock()
		c.logger.Debug("cache: stale index snapshot dropped", "key", c.key)
		return false
	}
	c.local.set(c.key, entries, c.localTTL)
	ok := c.t.Set(ctx, c.key, data, c.ttl)
	c.genMu.Unlock()
	if !ok {
		return false
	}
	c.publish(ctx)
	return true
}

// Load returns the snapshot from the local copy or Redis. The boolean is
// false on a miss, which never means the catalog is empty.
func (c *IndexCache) Load(ctx context.Context) ([]IndexEntry, bool) {
	if entries, ok := c.local.get(c.key); ok {
		return entries, true
	}
	gen := c.gen.Load()
	data, ok := c.t.Get(ctx, c.key)
	if !ok {
		return nil, false
	}
	var entries []IndexEntry
	if err := c.codec.Unmarshal(data, &entries); err != nil {
		c.logger.Warn("cache: index decode failed", "key", c.key, "error", err)
		return nil, false
	}
	c.setLocalIfGen(entries, gen)
	return entries, true
}

// LoadOrRebuild loads the snapshot and, on a miss, rebuilds it. Concurrent
// misses share one rebuild. The fresh snapshot is written back in the
// background, off the caller's path.
func (c *IndexCache) LoadOrRebuild(ctx context.Context, rebuild RebuildFunc) ([]IndexEntry, error) {
	if entries, ok := c.Load(ctx); ok {
		return entries, nil
	}
	ch := c.group.DoChan(c.key, func() (any, error) {
		gen := c.gen.Load()
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.rebuildLimit)
		defer cancel()
		entries, err := rebuild(rctx)
		if err != nil {
			return nil, err
		}
		if c.rebuildCounter != nil {
			c.rebuildCounter.Inc()
		}
		// an invalidation during the rebuild makes this snapshot stale
		c.setLocalIfGen(entries, gen)
		c.writeBack(ctx, entries, gen)
		return entries, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.([]IndexEntry), nil
	}
}

func (c *IndexCache) writeBack(ctx context.Context, entries []IndexEntry, gen uint64) {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if c.gen.Load() != gen {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.t.timeout)
		defer cancel()
		if !c.SaveIfGeneration(wctx, entries, gen) {
			if c.writeBackFails != nil {
				c.writeBackFails.Inc()
			}
			c.logger.Debug("cache: index write-back skipped", "key", c.key, "entries", len(entries))
		}
	}()
}

// Invalidate drops the snapshot locally and in Redis, advances the
// generation and tells other replicas to reload.
func (c *IndexCache) Invalidate(ctx context.Context) bool {
	c.genMu.Lock()
	c.gen.Add(1)
	c.local.del(c.key)
	c.genMu.Unlock()
	ok := c.t.Delete(ctx, c.key)
	c.publish(ctx)
	return ok
}

func (c *IndexCache) publish(ctx context.Context) {
	if c.bus == nil {
		return
	}
	if err := c.bus.Publish(ctx, indexBusKey); err != nil {
		c.logger.Debug("cache: index invalidation publish failed", "error", err)
	}
}

// Close ends the bus subscription, waits for pending write-backs and
// releases the local copy.
func (c *IndexCache) Close() {
	c.cancel()
	c.wg.Wait()
	c.local.close()
}
