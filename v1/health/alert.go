package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// DefaultCooldown is the minimum gap between two alerts with the same key.
const DefaultCooldown = 15 * time.Minute

// Notifier delivers an alert to operators.
type Notifier interface {
	Notify(ctx context.Context, title, details string) error
}

// LogNotifier writes alerts to a logger. It is the fallback when no
// operator channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(_ context.Context, title, details string) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.Warn("health: alert", "title", title, "details", details)
	return nil
}

// Alerter throttles alerts per key.
type Alerter struct {
	notifier Notifier
	cooldown time.Duration
	now      func() time.Time
	logger   *slog.Logger

	mu   sync.Mutex
	last map[string]time.Time

	sentCounter       prometheus.Counter
	suppressedCounter prometheus.Counter
	failedCounter     prometheus.Counter
}

// AlerterOption configures an Alerter.
type AlerterOption func(*Alerter)

// WithCooldown overrides DefaultCooldown.
func WithCooldown(d time.Duration) AlerterOption {
	return func(a *Alerter) {
		if d > 0 {
			a.cooldown = d
		}
	}
}

// WithAlerterClock overrides the time source.
func WithAlerterClock(now func() time.Time) AlerterOption {
	return func(a *Alerter) {
		if now != nil {
			a.now = now
		}
	}
}

// WithAlerterLogger sets the logger. The default is slog.Default().
func WithAlerterLogger(l *slog.Logger) AlerterOption {
	return func(a *Alerter) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithAlerterMetrics enables Prometheus metrics collection using the provided registerer.
func WithAlerterMetrics(reg prometheus.Registerer) AlerterOption {
	return func(a *Alerter) {
		a.sentCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_alerts_sent_total",
			Help: "Total number of alerts delivered to operators",
		})
		a.suppressedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_alerts_suppressed_total",
			Help: "Total number of alerts suppressed by the cooldown",
		})
		a.failedCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "marquee_alerts_failed_total",
			Help: "Total number of alerts the notifier could not deliver",
		})
		reg.MustRegister(a.sentCounter, a.suppressedCounter, a.failedCounter)
	}
}

// NewAlerter returns an Alerter delivering through n. A nil n logs only.
func NewAlerter(n Notifier, opts ...AlerterOption) *Alerter {
	a := &Alerter{
		notifier: n,
		cooldown: DefaultCooldown,
		now:      time.Now,
		logger:   slog.Default(),
		last:     make(map[string]time.Time),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.notifier == nil {
		a.notifier = LogNotifier{Logger: a.logger}
	}
	return a
}

// Alert dispatches the alert unless the same key fired within the cooldown.
// It reports whether the alert was delivered. A failed delivery does not
// start the cooldown, so the next tick retries.
func (a *Alerter) Alert(ctx context.Context, key, title, details string) bool {
	now := a.now()
	a.mu.Lock()
	prev, seen := a.last[key]
	if seen && now.Sub(prev) < a.cooldown {
		a.mu.Unlock()
		if a.suppressedCounter != nil {
			a.suppressedCounter.Inc()
		}
		a.logger.Info("health: alert suppressed", "key", key, "title", title, "since", now.Sub(prev))
		return false
	}
	a.last[key] = now
	a.mu.Unlock()

	if err := a.notifier.Notify(ctx, title, details); err != nil {
		a.mu.Lock()
		if seen {
			a.last[key] = prev
		} else {
			delete(a.last, key)
		}
		a.mu.Unlock()
		if a.failedCounter != nil {
			a.failedCounter.Inc()
		}
		a.logger.Error("health: alert delivery failed", "key", key, "error", err)
		return false
	}
	if a.sentCounter != nil {
		a.sentCounter.Inc()
	}
	return true
}
