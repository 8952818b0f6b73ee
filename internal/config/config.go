package config

import (
	"fmt"
	"time"

	"github.com/Netflix/go-env"
)

type Config struct {
	DatabaseDSN string `env:"DATABASE_DSN,required=true"`
	RabbitMQURL string `env:"RABBITMQ_URL,required=true"`
	RedisURL    string `env:"REDIS_URL,required=true"`
	APIPort     int    `env:"API_PORT,default=8080"`
	MetricsPort int    `env:"METRICS_PORT,default=9091"`
	LogLevel    string `env:"LOG_LEVEL,default=info"`

	// Provider endpoints, one primary per channel plus an optional failover.
	PushPrimaryURL       string  `env:"PUSH_PRIMARY_URL,required=true"`
	PushSecondaryURL     string  `env:"PUSH_SECONDARY_URL"`
	PushUnitCost         float64 `env:"PUSH_UNIT_COST,default=0.001"`
	SMSPrimaryURL        string  `env:"SMS_PRIMARY_URL,required=true"`
	SMSSecondaryURL      string  `env:"SMS_SECONDARY_URL"`
	SMSUnitCost          float64 `env:"SMS_UNIT_COST,default=0.045"`
	EmailPrimaryURL      string  `env:"EMAIL_PRIMARY_URL,required=true"`
	EmailSecondaryURL    string  `env:"EMAIL_SECONDARY_URL"`
	EmailUnitCost        float64 `env:"EMAIL_UNIT_COST,default=0.0004"`
	RealtimePrimaryURL   string  `env:"REALTIME_PRIMARY_URL,required=true"`
	RealtimeSecondaryURL string  `env:"REALTIME_SECONDARY_URL"`
	RealtimeUnitCost     float64 `env:"REALTIME_UNIT_COST,default=0.0001"`

	DefaultLocale string `env:"DEFAULT_LOCALE,default=en"`

	// OverrideToken enables audited budget overrides; empty disables them.
	OverrideToken string `env:"OVERRIDE_TOKEN"`

	IdempotencyTTLHours int `env:"IDEMPOTENCY_TTL_HOURS,default=24"`
	SyncDeadlineMillis  int `env:"SYNC_DEADLINE_MILLIS,default=2000"`

	WorkerConcurrency        int `env:"WORKER_CONCURRENCY,default=16"`
	ScannerIntervalSeconds   int `env:"SCANNER_INTERVAL_SECONDS,default=5"`
	ScannerBatchSize         int `env:"SCANNER_BATCH_SIZE,default=100"`
	LeaseSeconds             int `env:"LEASE_SECONDS,default=60"`
	SchedulerIntervalSeconds int `env:"SCHEDULER_INTERVAL_SECONDS,default=30"`

	RetentionDays       int `env:"RETENTION_DAYS,default=30"`
	PurgeIntervalMinute int `env:"PURGE_INTERVAL_MINUTES,default=60"`
	PurgeBatchSize      int `env:"PURGE_BATCH_SIZE,default=1000"`

	BreakerWindowSize       int     `env:"BREAKER_WINDOW_SIZE,default=10"`
	BreakerFailureThreshold float64 `env:"BREAKER_FAILURE_THRESHOLD,default=0.5"`
	BreakerCooldownSeconds  int     `env:"BREAKER_COOLDOWN_SECONDS,default=30"`
}

func Load() (*Config, error) {
	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) IdempotencyTTL() time.Duration {
	return time.Duration(c.IdempotencyTTLHours) * time.Hour
}

func (c *Config) SyncDeadline() time.Duration {
	return time.Duration(c.SyncDeadlineMillis) * time.Millisecond
}

func (c *Config) ScannerInterval() time.Duration {
	return time.Duration(c.ScannerIntervalSeconds) * time.Second
}

func (c *Config) Lease() time.Duration {
	return time.Duration(c.LeaseSeconds) * time.Second
}

func (c *Config) SchedulerInterval() time.Duration {
	return time.Duration(c.SchedulerIntervalSeconds) * time.Second
}

func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func (c *Config) PurgeInterval() time.Duration {
	return time.Duration(c.PurgeIntervalMinute) * time.Minute
}

func (c *Config) BreakerCooldown() time.Duration {
	return time.Duration(c.BreakerCooldownSeconds) * time.Second
}
