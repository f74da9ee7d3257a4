package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Environment variables that override secrets from the file.
const (
	EnvTelegramToken = "MARQUEE_TELEGRAM_TOKEN"
	EnvTelegramChats = "MARQUEE_TELEGRAM_CHAT_IDS"
	EnvStoreURL      = "MARQUEE_STORE_URL"
	EnvRedisURL      = "MARQUEE_REDIS_URL"
	EnvLockOwner     = "MARQUEE_LOCK_OWNER"
)

// Log selects the slog handler installed by the binary.
type Log struct {
	Format string `toml:"format"` // json or text
	Level  string `toml:"level"`
}

// Scheduler configures the priority scheduler and its worker pool.
type Scheduler struct {
	Workers            int      `toml:"workers"`
	Capacity           int      `toml:"capacity"`
	MaxAttempts        int      `toml:"max_attempts"`
	BackoffMillis      int      `toml:"backoff_millis"`
	GracePeriodSeconds int      `toml:"grace_period_seconds"`
	CriticalCommands   []string `toml:"critical_commands"`
	EssentialCommands  []string `toml:"essential_commands"`
}

// Redis configures the best-effort cache layer.
type Redis struct {
	URL                    string `toml:"url"`
	TimeoutMillis          int    `toml:"timeout_millis"`
	RecheckIntervalSeconds int    `toml:"recheck_interval_seconds"`
	ActivityKey            string `toml:"activity_key"`
	ActivityWindowSeconds  int    `toml:"activity_window_seconds"`
	IndexKey               string `toml:"index_key"`
	IndexTTLHours          int    `toml:"index_ttl_hours"`
	LocalIndexTTLSeconds   int    `toml:"local_index_ttl_seconds"`
	IndexCheckSeconds      int    `toml:"index_check_seconds"`
	IndexCheckMode         string `toml:"index_check_mode"` // off, alert or heal
}

// Store configures the durable catalog store.
type Store struct {
	URL                string `toml:"url"`
	Database           string `toml:"database"`
	TimeoutSeconds     int    `toml:"timeout_seconds"`
	BulkTimeoutSeconds int    `toml:"bulk_timeout_seconds"`
}

// Lock configures distributed locking for maintenance jobs.
type Lock struct {
	Backend              string `toml:"backend"` // store or redis
	Owner                string `toml:"owner"`
	TTLSeconds           int    `toml:"ttl_seconds"`
	SweepIntervalSeconds int    `toml:"sweep_interval_seconds"`
}

// Bus configures cross-replica invalidation of the local index copy.
type Bus struct {
	Kind                  string `toml:"kind"` // none, memory, redis or nats
	NATSURL               string `toml:"nats_url"`
	BreakerThreshold      int    `toml:"breaker_threshold"`
	BreakerTimeoutSeconds int    `toml:"breaker_timeout_seconds"`
}

// Health configures the periodic health monitor.
type Health struct {
	Enabled             bool    `toml:"enabled"`
	IntervalSeconds     int     `toml:"interval_seconds"`
	CheckTimeoutSeconds int     `toml:"check_timeout_seconds"`
	CooldownSeconds     int     `toml:"cooldown_seconds"`
	CPUPercent          float64 `toml:"cpu_percent"`
	MemoryPercent       float64 `toml:"memory_percent"`
	DiskPercent         float64 `toml:"disk_percent"`
	DiskPath            string  `toml:"disk_path"`
	BacklogDepth        int     `toml:"backlog_depth"`
	BacklogAgeSeconds   int     `toml:"backlog_age_seconds"`
}

// Telegram configures operator alerts. Alerts are only logged when the
// token is empty.
type Telegram struct {
	Token   string  `toml:"token"`
	ChatIDs []int64 `toml:"chat_ids"`
}

// Metrics configures the HTTP endpoint serving /metrics and /healthz.
type Metrics struct {
	Enabled bool   `toml:"enabled"`
	Bind    string `toml:"bind"`
}

// Config is the full marquee configuration.
type Config struct {
	Log       Log       `toml:"log"`
	Scheduler Scheduler `toml:"scheduler"`
	Redis     Redis     `toml:"redis"`
	Store     Store     `toml:"store"`
	Lock      Lock      `toml:"lock"`
	Bus       Bus       `toml:"bus"`
	Health    Health    `toml:"health"`
	Telegram  Telegram  `toml:"telegram"`
	Metrics   Metrics   `toml:"metrics"`
}

// Load reads the file at path over the defaults, applies environment
// overrides and validates the result. An empty path loads defaults only.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		file, err := os.Open(path)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("config file %s not found", path)
			}
			return nil, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		decoder.DisallowUnknownFields()
		if err := decoder.Decode(&cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.normalize()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Parse decodes TOML data over the defaults without touching the
// environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Sample returns the commented sample configuration.
func Sample() string { return sampleConfig }

func (c *Config) applyEnv() error {
	if v := strings.TrimSpace(os.Getenv(EnvTelegramToken)); v != "" {
		c.Telegram.Token = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvStoreURL)); v != "" {
		c.Store.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvRedisURL)); v != "" {
		c.Redis.URL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLockOwner)); v != "" {
		c.Lock.Owner = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvTelegramChats)); v != "" {
		ids, err := parseChatIDs(v)
		if err != nil {
			return fmt.Errorf("%s: %w", EnvTelegramChats, err)
		}
		c.Telegram.ChatIDs = ids
	}
	return nil
}

func parseChatIDs(v string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid chat id %q", part)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (c *Config) normalize() {
	c.Log.Format = strings.ToLower(strings.TrimSpace(c.Log.Format))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	c.Bus.Kind = strings.ToLower(strings.TrimSpace(c.Bus.Kind))
	c.Lock.Backend = strings.ToLower(strings.TrimSpace(c.Lock.Backend))
	c.Redis.IndexCheckMode = strings.ToLower(strings.TrimSpace(c.Redis.IndexCheckMode))
	c.Store.URL = strings.TrimSpace(c.Store.URL)
	c.Redis.URL = strings.TrimSpace(c.Redis.URL)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// Backoff returns the retry backoff as a duration.
func (s Scheduler) Backoff() time.Duration { return time.Duration(s.BackoffMillis) * time.Millisecond }

// GracePeriod returns the stop grace period as a duration.
func (s Scheduler) GracePeriod() time.Duration { return seconds(s.GracePeriodSeconds) }

// Timeout returns the per-call Redis timeout.
func (r Redis) Timeout() time.Duration { return time.Duration(r.TimeoutMillis) * time.Millisecond }

// RecheckInterval returns how often a down Redis is re-probed.
func (r Redis) RecheckInterval() time.Duration { return seconds(r.RecheckIntervalSeconds) }

// ActivityWindow returns the activity counting window.
func (r Redis) ActivityWindow() time.Duration { return seconds(r.ActivityWindowSeconds) }

// IndexTTL returns the Redis TTL of the fuzzy index snapshot.
func (r Redis) IndexTTL() time.Duration { return time.Duration(r.IndexTTLHours) * time.Hour }

// LocalIndexTTL returns the TTL of the process-local index copy.
func (r Redis) LocalIndexTTL() time.Duration { return seconds(r.LocalIndexTTLSeconds) }

// IndexCheckInterval returns how often the cached index is compared with
// the store.
func (r Redis) IndexCheckInterval() time.Duration { return seconds(r.IndexCheckSeconds) }

// Timeout returns the per-operation store timeout.
func (s Store) Timeout() time.Duration { return seconds(s.TimeoutSeconds) }

// BulkTimeout returns the timeout for scans and migrations.
func (s Store) BulkTimeout() time.Duration { return seconds(s.BulkTimeoutSeconds) }

// TTL returns the maintenance lock lease.
func (l Lock) TTL() time.Duration { return seconds(l.TTLSeconds) }

// SweepInterval returns how often expired relational locks are purged.
func (l Lock) SweepInterval() time.Duration { return seconds(l.SweepIntervalSeconds) }

// BreakerTimeout returns how long the bus circuit stays open.
func (b Bus) BreakerTimeout() time.Duration { return seconds(b.BreakerTimeoutSeconds) }

// Interval returns the monitor tick interval.
func (h Health) Interval() time.Duration { return seconds(h.IntervalSeconds) }

// CheckTimeout returns the per-check timeout.
func (h Health) CheckTimeout() time.Duration { return seconds(h.CheckTimeoutSeconds) }

// Cooldown returns the per-key alert cooldown.
func (h Health) Cooldown() time.Duration { return seconds(h.CooldownSeconds) }

// BacklogAge returns the oldest-item age threshold.
func (h Health) BacklogAge() time.Duration { return seconds(h.BacklogAgeSeconds) }
