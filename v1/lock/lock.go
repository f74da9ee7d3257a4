package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	merrors "github.com/mirkobrombin/go-marquee/v1/errors"
)

// ErrInvalidTTL is returned when a non-positive TTL is provided.
var ErrInvalidTTL = errors.New("lock: ttl must be positive")

const defaultOpTimeout = 5 * time.Second

// Locker is a named TTL lock shared across processes.
type Locker interface {
	// Acquire takes the lock for ttl. It returns false when another holder's
	// lock is still unexpired; that is routine contention, not an error.
	Acquire(ctx context.Context, name string, ttl time.Duration) (bool, error)
	// Release deletes the lock record regardless of owner. It returns false
	// when no record existed.
	Release(ctx context.Context, name string) (bool, error)
	// Exists reports whether an unexpired lock is held by anyone.
	Exists(ctx context.Context, name string) (bool, error)
}

// Record is the persisted form of a lock.
type Record struct {
	Name       string
	Owner      string
	AcquiredAt time.Time
	ExpiresAt  time.Time
}

type options struct {
	owner   string
	now     func() time.Time
	logger  *slog.Logger
	timeout time.Duration
}

// Option configures a Locker.
type Option func(*options)

// WithOwner sets the identifier written into acquired records.
func WithOwner(id string) Option {
	return func(o *options) {
		if id != "" {
			o.owner = id
		}
	}
}

// WithClock overrides the time source used for expiry decisions.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithTimeout bounds each backend call.
func WithTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.timeout = d
		}
	}
}

func buildOptions(opts []Option) options {
	o := options{
		now:     time.Now,
		logger:  slog.Default(),
		timeout: defaultOpTimeout,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.owner == "" {
		o.owner = DefaultOwner()
	}
	return o
}

func (o options) clock() time.Time { return o.now().UTC() }

// degrade logs a backend failure and wraps it as transient.
func (o options) degrade(op, name string, err error) error {
	o.logger.Warn("lock: backend unavailable", "op", op, "name", name, "error", err)
	return merrors.Transient(op, err)
}

// DefaultOwner returns hostname:pid:uuid, unique per process.
func DefaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d:%s", host, os.Getpid(), uuid.NewString())
}

// Guard runs fn while holding name. It skips without acquiring when another
// holder is already visible, and skips when Acquire loses the race; a skip
// returns a Contention-kind error wrapping errors.ErrLockHeld. ran reports
// whether fn was executed.
func Guard(ctx context.Context, l Locker, name string, ttl time.Duration, fn func(ctx context.Context) error) (ran bool, err error) {
	if held, err := l.Exists(ctx, name); err == nil && held {
		return false, contended(name)
	}
	ok, err := l.Acquire(ctx, name, ttl)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, contended(name)
	}
	defer func() {
		_, _ = l.Release(context.WithoutCancel(ctx), name)
	}()
	return true, fn(ctx)
}

func contended(name string) error {
	return merrors.E("lock.guard", merrors.KindContention, fmt.Errorf("%s: %w", name, merrors.ErrLockHeld))
}
