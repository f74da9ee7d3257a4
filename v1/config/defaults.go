package config

const (
	defaultLogFormat            = "json"
	defaultLogLevel             = "info"
	defaultWorkers              = 4
	defaultCapacity             = 1000
	defaultMaxAttempts          = 3
	defaultBackoffMillis        = 500
	defaultGracePeriodSeconds   = 10
	defaultRedisURL             = "redis://localhost:6379/0"
	defaultRedisTimeoutMillis   = 2000
	defaultRecheckSeconds       = 10
	defaultActivityKey          = "marquee:activity"
	defaultActivityWindow       = 15 * 60
	defaultIndexKey             = "marquee:fuzzy_index"
	defaultIndexTTLHours        = 72
	defaultLocalIndexTTLSeconds = 300
	defaultIndexCheckSeconds    = 600
	defaultIndexCheckMode       = "heal"
	defaultStoreURL             = "sqlite://marquee.db"
	defaultDatabase             = "marquee"
	defaultStoreTimeout         = 5
	defaultStoreBulkTimeout     = 120
	defaultLockBackend          = "store"
	defaultLockTTLSeconds       = 600
	defaultSweepSeconds         = 300
	defaultBusKind              = "redis"
	defaultNATSURL              = "nats://127.0.0.1:4222"
	defaultBreakerThreshold     = 5
	defaultBreakerSeconds       = 30
	defaultHealthInterval       = 60
	defaultCheckTimeout         = 10
	defaultCooldownSeconds      = 15 * 60
	defaultResourcePercent      = 90
	defaultDiskPath             = "/"
	defaultBacklogDepth         = 1000
	defaultBacklogAgeSeconds    = 300
	defaultMetricsBind          = "127.0.0.1:9464"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Log: Log{
			Format: defaultLogFormat,
			Level:  defaultLogLevel,
		},
		Scheduler: Scheduler{
			Workers:            defaultWorkers,
			Capacity:           defaultCapacity,
			MaxAttempts:        defaultMaxAttempts,
			BackoffMillis:      defaultBackoffMillis,
			GracePeriodSeconds: defaultGracePeriodSeconds,
			EssentialCommands:  []string{"start", "help", "cancel"},
		},
		Redis: Redis{
			URL:                    defaultRedisURL,
			TimeoutMillis:          defaultRedisTimeoutMillis,
			RecheckIntervalSeconds: defaultRecheckSeconds,
			ActivityKey:            defaultActivityKey,
			ActivityWindowSeconds:  defaultActivityWindow,
			IndexKey:               defaultIndexKey,
			IndexTTLHours:          defaultIndexTTLHours,
			LocalIndexTTLSeconds:   defaultLocalIndexTTLSeconds,
			IndexCheckSeconds:      defaultIndexCheckSeconds,
			IndexCheckMode:         defaultIndexCheckMode,
		},
		Store: Store{
			URL:                defaultStoreURL,
			Database:           defaultDatabase,
			TimeoutSeconds:     defaultStoreTimeout,
			BulkTimeoutSeconds: defaultStoreBulkTimeout,
		},
		Lock: Lock{
			Backend:              defaultLockBackend,
			TTLSeconds:           defaultLockTTLSeconds,
			SweepIntervalSeconds: defaultSweepSeconds,
		},
		Bus: Bus{
			Kind:                  defaultBusKind,
			NATSURL:               defaultNATSURL,
			BreakerThreshold:      defaultBreakerThreshold,
			BreakerTimeoutSeconds: defaultBreakerSeconds,
		},
		Health: Health{
			Enabled:             true,
			IntervalSeconds:     defaultHealthInterval,
			CheckTimeoutSeconds: defaultCheckTimeout,
			CooldownSeconds:     defaultCooldownSeconds,
			CPUPercent:          defaultResourcePercent,
			MemoryPercent:       defaultResourcePercent,
			DiskPercent:         defaultResourcePercent,
			DiskPath:            defaultDiskPath,
			BacklogDepth:        defaultBacklogDepth,
			BacklogAgeSeconds:   defaultBacklogAgeSeconds,
		},
		Metrics: Metrics{
			Enabled: true,
			Bind:    defaultMetricsBind,
		},
	}
}
