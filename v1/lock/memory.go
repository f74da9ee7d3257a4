package lock

import (
	"context"
	"sync"
	"time"
)

// InMemory implements Locker in local memory. It only coordinates goroutines
// of one process and is meant for single-replica deployments and tests.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]Record
	opts  options
}

// NewInMemory returns a new in-memory locker.
func NewInMemory(opts ...Option) *InMemory {
	return &InMemory{locks: make(map[string]Record), opts: buildOptions(opts)}
}

// Acquire implements Locker.Acquire.
func (l *InMemory) Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	now := l.opts.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	if rec, ok := l.locks[name]; ok && !rec.ExpiresAt.Before(now) {
		return false, nil
	}
	l.locks[name] = Record{Name: name, Owner: l.opts.owner, AcquiredAt: now, ExpiresAt: now.Add(ttl)}
	return true, nil
}

// Release implements Locker.Release.
func (l *InMemory) Release(ctx context.Context, name string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.locks[name]
	delete(l.locks, name)
	return ok, nil
}

// Exists implements Locker.Exists.
func (l *InMemory) Exists(ctx context.Context, name string) (bool, error) {
	now := l.opts.clock()
	l.mu.Lock()
	defer l.mu.Unlock()
	rec, ok := l.locks[name]
	return ok && rec.ExpiresAt.After(now), nil
}
