package cache

import (
	"time"

	"github.com/dgraph-io/ristretto"
)

// local is a process-local copy kept in front of Redis, backed by
// dgraph-io/ristretto. Values are admitted probabilistically, so a Set may
// be dropped; callers treat it like any other miss.
type local[T any] struct {
	c    *ristretto.Cache
	cost func(T) int64
}

func newLocal[T any](maxCost int64, cost func(T) int64) (*local[T], error) {
	rc, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 1e4,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, err
	}
	if cost == nil {
		cost = func(T) int64 { return 1 }
	}
	return &local[T]{c: rc, cost: cost}, nil
}

func (l *local[T]) get(key string) (T, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		var zero T
		return zero, false
	}
	val, ok := v.(T)
	return val, ok
}

func (l *local[T]) set(key string, value T, ttl time.Duration) {
	l.c.SetWithTTL(key, value, l.cost(value), ttl)
	l.c.Wait()
}

func (l *local[T]) del(key string) {
	l.c.Del(key)
	l.c.Wait()
}

func (l *local[T]) close() { l.c.Close() }
