package config

import (
	"time"

	"github.com/customeros/imapfleet/internal/logger"
	"github.com/customeros/imapfleet/internal/tracing"
)

type AppConfig struct {
	APIPort string `env:"PORT" envDefault:"12223"`
	APIKey  string `env:"API_KEY,required"`
}

type DatabaseConfig struct {
	Host            string `env:"FLEET_POSTGRES_HOST,required"`
	Port            string `env:"FLEET_POSTGRES_PORT,required"`
	User            string `env:"FLEET_POSTGRES_USER,required"`
	DBName          string `env:"FLEET_POSTGRES_DB_NAME,required"`
	Password        string `env:"FLEET_POSTGRES_PASSWORD,required"`
	MaxConn         int    `env:"FLEET_POSTGRES_DB_MAX_CONN"`
	MaxIdleConn     int    `env:"FLEET_POSTGRES_DB_MAX_IDLE_CONN"`
	ConnMaxLifetime int    `env:"FLEET_POSTGRES_DB_CONN_MAX_LIFETIME"`
	LogLevel        string `env:"FLEET_POSTGRES_LOG_LEVEL" envDefault:"WARN"`
	SSLMode         string `env:"FLEET_POSTGRES_SSL_MODE" envDefault:"disable"`
}

// FleetConfig carries the ingestion tuning surface. Durations are
// expressed in milliseconds on the wire, matching the deployment
// environment this service inherits.
type FleetConfig struct {
	MaxConcurrentAccounts    int     `env:"MAX_CONCURRENT_ACCOUNTS" envDefault:"5000"`
	// The pool holds at most one live session per mailbox; values above
	// 1 are accepted for surface compatibility and logged at startup.
	MaxConnectionsPerAccount int     `env:"MAX_CONNECTIONS_PER_ACCOUNT" envDefault:"1"`
	MaxConnectionsPerServer  int     `env:"MAX_CONNECTIONS_PER_SERVER" envDefault:"50"`
	RateLimitWindowMs        int     `env:"RATE_LIMIT_WINDOW" envDefault:"60000"`
	MaxRateLimit             int     `env:"MAX_RATE_LIMIT" envDefault:"200"`
	MaxWorkers               int     `env:"MAX_WORKERS" envDefault:"50"`
	WorkerTimeoutMs          int     `env:"WORKER_TIMEOUT" envDefault:"300000"`
	TaskQueueSize            int     `env:"TASK_QUEUE_SIZE" envDefault:"10000"`
	TaskMaxRetries           int     `env:"TASK_MAX_RETRIES" envDefault:"2"`
	HighPriorityIntervalMs   int     `env:"HIGH_PRIORITY_INTERVAL" envDefault:"60000"`
	MediumPriorityIntervalMs int     `env:"MEDIUM_PRIORITY_INTERVAL" envDefault:"300000"`
	LowPriorityIntervalMs    int     `env:"LOW_PRIORITY_INTERVAL" envDefault:"900000"`
	MaxConsecutiveFailures   int     `env:"MAX_CONSECUTIVE_FAILURES" envDefault:"3"`
	BackoffMultiplier        float64 `env:"BACKOFF_MULTIPLIER" envDefault:"2"`
	IdleTimeoutMs            int     `env:"IDLE_TIMEOUT" envDefault:"30000"`
	NoopIntervalMs           int     `env:"NOOP_INTERVAL" envDefault:"30000"`
	MaxIdleFailures          int     `env:"MAX_IDLE_FAILURES" envDefault:"3"`
}

func (c *FleetConfig) RateLimitWindow() time.Duration {
	return time.Duration(c.RateLimitWindowMs) * time.Millisecond
}

func (c *FleetConfig) WorkerTimeout() time.Duration {
	return time.Duration(c.WorkerTimeoutMs) * time.Millisecond
}

func (c *FleetConfig) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

func (c *FleetConfig) NoopInterval() time.Duration {
	return time.Duration(c.NoopIntervalMs) * time.Millisecond
}

// BackoffFactor returns the configured backoff multiplier, falling back
// to doubling when the value is unset or below 1.
func (c *FleetConfig) BackoffFactor() float64 {
	if c.BackoffMultiplier >= 1 {
		return c.BackoffMultiplier
	}
	return 2
}

func (c *FleetConfig) IntervalFor(priority string) time.Duration {
	switch priority {
	case "high":
		return time.Duration(c.HighPriorityIntervalMs) * time.Millisecond
	case "medium":
		return time.Duration(c.MediumPriorityIntervalMs) * time.Millisecond
	default:
		return time.Duration(c.LowPriorityIntervalMs) * time.Millisecond
	}
}

// SinkConfig selects and configures the durable queue sink. When QueueURL
// is set the SQS FIFO sink is used; otherwise RabbitMQURL selects the
// RabbitMQ publisher.
type SinkConfig struct {
	QueueURL    string `env:"SINK_QUEUE_URL"`
	AWSRegion   string `env:"AWS_REGION" envDefault:"us-east-1"`
	RabbitMQURL string `env:"RABBITMQ_URL"`
	MessageType string `env:"SINK_MESSAGE_TYPE" envDefault:"email_envelope"`
}

type CronConfig struct {
	CronScheduleHeartbeat      string `env:"CRON_SCHEDULE_HEARTBEAT" envDefault:"0 * * * *"`
	CronScheduleMailboxRefresh string `env:"CRON_SCHEDULE_MAILBOX_REFRESH" envDefault:"*/5 * * * *"`
	CronScheduleReconnectSweep string `env:"CRON_SCHEDULE_RECONNECT_SWEEP" envDefault:"*/2 * * * *"`
}

type Config struct {
	AppConfig      *AppConfig
	DatabaseConfig *DatabaseConfig
	FleetConfig    *FleetConfig
	SinkConfig     *SinkConfig
	CronConfig     *CronConfig
	Logger         *logger.Config
	Tracing        *tracing.JaegerConfig
}
