// Package validator periodically checks that the cached fuzzy index still
// matches the durable catalog and, depending on its mode, reports or heals
// the drift.
package validator

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirkobrombin/go-marquee/v1/cache"
)

// Mode defines validator behaviour.
type Mode int

const (
	ModeNoop Mode = iota
	ModeAlert
	ModeAutoHeal
)

// ParseMode maps a config value (off, alert, heal) to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "off":
		return ModeNoop, nil
	case "alert":
		return ModeAlert, nil
	case "heal":
		return ModeAutoHeal, nil
	}
	return ModeNoop, fmt.Errorf("validator: unknown mode %q", s)
}

// Snapshot is the cached side of the comparison. *cache.IndexCache
// implements it.
type Snapshot interface {
	Load(ctx context.Context) ([]cache.IndexEntry, bool)
	Invalidate(ctx context.Context) bool
}

// Counter is the durable side. *store.HybridStore implements it.
type Counter interface {
	Count(ctx context.Context) (int64, error)
}

// Alerter raises operator alerts. *health.Alerter implements it.
type Alerter interface {
	Alert(ctx context.Context, key, title, details string) bool
}

// Validator periodically compares the cached index with the store.
type Validator struct {
	snap       Snapshot
	store      Counter
	mode       Mode
	interval   time.Duration
	alerter    Alerter
	logger     *slog.Logger
	mismatches atomic.Uint64
	counter    prometheus.Counter
}

// Option configures a Validator.
type Option func(*Validator)

// WithAlerter sets where ModeAlert and ModeAutoHeal report drift.
func WithAlerter(a Alerter) Option {
	return func(v *Validator) { v.alerter = a }
}

// WithLogger sets the logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *Validator) {
		if l != nil {
			v.logger = l
		}
	}
}

// WithMetrics registers the mismatch counter on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(v *Validator) {
		v.counter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_index_mismatches_total",
			Help: "Total number of cached index snapshots found out of date",
		})
		reg.MustRegister(v.counter)
	}
}

// New creates a new Validator.
func New(snap Snapshot, store Counter, mode Mode, interval time.Duration, opts ...Option) *Validator {
	v := &Validator{snap: snap, store: store, mode: mode, interval: interval, logger: slog.Default()}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Run starts the validation loop.
func (v *Validator) Run(ctx context.Context) {
	if v.store == nil || v.mode == ModeNoop || v.interval <= 0 {
		return
	}
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			v.Check(ctx)
		}
	}
}

// Check compares the cached snapshot size with the catalog size. It reports
// false only when a snapshot is cached and disagrees with the store; a
// missing snapshot or an unreachable store is not a mismatch.
func (v *Validator) Check(ctx context.Context) bool {
	entries, ok := v.snap.Load(ctx)
	if !ok {
		return true
	}
	n, err := v.store.Count(ctx)
	if err != nil {
		v.logger.Debug("validator: store count unavailable", "error", err)
		return true
	}
	if int64(len(entries)) == n {
		return true
	}

	v.mismatches.Add(1)
	if v.counter != nil {
		v.counter.Inc()
	}
	details := fmt.Sprintf("cached index has %d entries, catalog has %d records", len(entries), n)
	v.logger.Warn("validator: index drift", "cached", len(entries), "stored", n)
	switch v.mode {
	case ModeAutoHeal:
		v.snap.Invalidate(ctx)
		details += "; snapshot invalidated"
		fallthrough
	case ModeAlert:
		if v.alerter != nil {
			v.alerter.Alert(ctx, "index_drift", "Fuzzy index drift", details)
		}
	}
	return false
}

// Metrics returns number of mismatches detected.
func (v *Validator) Metrics() uint64 {
	return v.mismatches.Load()
}
