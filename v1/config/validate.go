package config

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
)

// Validate ensures the configuration is usable. The store URL is not
// checked here: an unrecognized store runs in error mode instead of
// refusing to start.
func (c *Config) Validate() error {
	if err := c.validateLog(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateRedis(); err != nil {
		return err
	}
	if err := c.validateLock(); err != nil {
		return err
	}
	if err := c.validateBus(); err != nil {
		return err
	}
	if err := c.validateHealth(); err != nil {
		return err
	}
	if err := c.validateTelegram(); err != nil {
		return err
	}
	return c.validateMetrics()
}

func (c *Config) validateLog() error {
	switch c.Log.Format {
	case "json", "text":
	default:
		return fmt.Errorf("log.format must be json or text, got %q", c.Log.Format)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	return nil
}

// ParseLevel maps a log.level value to a slog level.
func ParseLevel(level string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return slog.LevelInfo, fmt.Errorf("log.level %q is not a valid level", level)
	}
	return l, nil
}

func (c *Config) validateScheduler() error {
	s := c.Scheduler
	if s.Workers <= 0 {
		return errors.New("scheduler.workers must be positive")
	}
	if s.Capacity <= 0 {
		return errors.New("scheduler.capacity must be positive")
	}
	if s.MaxAttempts <= 0 {
		return errors.New("scheduler.max_attempts must be positive")
	}
	if s.BackoffMillis < 0 || s.GracePeriodSeconds < 0 {
		return errors.New("scheduler.backoff_millis and scheduler.grace_period_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateRedis() error {
	r := c.Redis
	if r.URL == "" {
		return fmt.Errorf("redis.url is required. Set %s or edit the config file", EnvRedisURL)
	}
	if !strings.HasPrefix(r.URL, "redis://") && !strings.HasPrefix(r.URL, "rediss://") && !strings.HasPrefix(r.URL, "unix://") {
		return errors.New("redis.url must use the redis://, rediss:// or unix:// scheme")
	}
	if r.TimeoutMillis <= 0 || r.RecheckIntervalSeconds <= 0 {
		return errors.New("redis.timeout_millis and redis.recheck_interval_seconds must be positive")
	}
	if r.ActivityWindowSeconds <= 0 {
		return errors.New("redis.activity_window_seconds must be positive")
	}
	if r.IndexTTLHours <= 0 || r.LocalIndexTTLSeconds <= 0 {
		return errors.New("redis.index_ttl_hours and redis.local_index_ttl_seconds must be positive")
	}
	if r.IndexCheckSeconds < 0 {
		return errors.New("redis.index_check_seconds must not be negative")
	}
	switch r.IndexCheckMode {
	case "off", "alert", "heal":
	default:
		return fmt.Errorf("redis.index_check_mode must be off, alert or heal, got %q", r.IndexCheckMode)
	}
	return nil
}

func (c *Config) validateLock() error {
	switch c.Lock.Backend {
	case "store", "redis":
	default:
		return fmt.Errorf("lock.backend must be store or redis, got %q", c.Lock.Backend)
	}
	if c.Lock.TTLSeconds <= 0 {
		return errors.New("lock.ttl_seconds must be positive")
	}
	if c.Lock.SweepIntervalSeconds < 0 {
		return errors.New("lock.sweep_interval_seconds must not be negative")
	}
	return nil
}

func (c *Config) validateBus() error {
	switch c.Bus.Kind {
	case "none", "memory", "redis":
	case "nats":
		if strings.TrimSpace(c.Bus.NATSURL) == "" {
			return errors.New("bus.nats_url must be set when bus.kind is nats")
		}
	default:
		return fmt.Errorf("bus.kind must be none, memory, redis or nats, got %q", c.Bus.Kind)
	}
	if c.Bus.BreakerThreshold <= 0 || c.Bus.BreakerTimeoutSeconds <= 0 {
		return errors.New("bus.breaker_threshold and bus.breaker_timeout_seconds must be positive")
	}
	return nil
}

func (c *Config) validateHealth() error {
	h := c.Health
	if !h.Enabled {
		return nil
	}
	if h.IntervalSeconds <= 0 || h.CheckTimeoutSeconds <= 0 {
		return errors.New("health.interval_seconds and health.check_timeout_seconds must be positive")
	}
	if h.CooldownSeconds < 0 {
		return errors.New("health.cooldown_seconds must not be negative")
	}
	for name, pct := range map[string]float64{
		"health.cpu_percent":    h.CPUPercent,
		"health.memory_percent": h.MemoryPercent,
		"health.disk_percent":   h.DiskPercent,
	} {
		if pct < 0 || pct > 100 {
			return fmt.Errorf("%s must be between 0 and 100", name)
		}
	}
	return nil
}

func (c *Config) validateTelegram() error {
	if c.Telegram.Token != "" && len(c.Telegram.ChatIDs) == 0 {
		return errors.New("telegram.chat_ids must list at least one operator chat when telegram.token is set")
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Enabled && strings.TrimSpace(c.Metrics.Bind) == "" {
		return errors.New("metrics.bind must be set when metrics.enabled is true")
	}
	return nil
}
