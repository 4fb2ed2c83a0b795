package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	Env      string `env:"ENV" envDefault:"development"`

	// StoreDriver selects the notification store: postgres or memory.
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`

	// Database
	DBHost     string `env:"DB_HOST" envDefault:"localhost"`
	DBPort     int    `env:"DB_PORT" envDefault:"5432"`
	DBUser     string `env:"DB_USER" envDefault:"herald"`
	DBPassword string `env:"DB_PASSWORD"`
	DBName     string `env:"DB_NAME" envDefault:"herald"`
	DBSSLMode  string `env:"DB_SSLMODE" envDefault:"disable"`
	DBMaxConns int32  `env:"DB_MAX_CONNS" envDefault:"25"`
	DBMinConns int32  `env:"DB_MIN_CONNS" envDefault:"2"`
	// DatabaseURL overrides the discrete DB_* settings when set.
	DatabaseURL string `env:"DATABASE_URL"`
	// DBMigrate runs pending migrations on gateway start.
	DBMigrate bool `env:"DB_MIGRATE" envDefault:"false"`

	// Redis config
	RedisHost      string        `env:"REDIS_HOST"`
	RedisPort      int           `env:"REDIS_PORT" envDefault:"6379"`
	RedisPassword  string        `env:"REDIS_PASSWORD"`
	RedisDB        int           `env:"REDIS_DB" envDefault:"0"`
	RedisNamespace string        `env:"REDIS_NAMESPACE" envDefault:"herald"`
	IdempotencyTTL time.Duration `env:"IDEMPOTENCY_TTL" envDefault:"24h"`
	InboxLimit     int           `env:"INBOX_LIMIT" envDefault:"100"`

	// SQS config
	SQSRegion   string `env:"SQS_REGION"`
	SQSQueueURL string `env:"SQS_QUEUE_URL"`
	// SQSConsume starts the in-process consumer for SQSQueueURL.
	SQSConsume bool `env:"SQS_CONSUME" envDefault:"true"`

	// Kafka ingestion
	KafkaBrokers     []string `env:"KAFKA_BROKERS" envSeparator:","`
	KafkaTopic       string   `env:"KAFKA_TOPIC" envDefault:"notification-events"`
	KafkaGroupID     string   `env:"KAFKA_GROUP_ID" envDefault:"herald"`
	KafkaEventsTopic string   `env:"KAFKA_EVENTS_TOPIC"`

	// EmailTransport is smtp, ses or log.
	EmailTransport string `env:"EMAIL_TRANSPORT" envDefault:"smtp"`
	SMTPHost       string `env:"SMTP_HOST" envDefault:"localhost"`
	SMTPPort       int    `env:"SMTP_PORT" envDefault:"587"`
	SMTPUsername   string `env:"SMTP_USERNAME"`
	SMTPPassword   string `env:"SMTP_PASSWORD"`
	SMTPFrom       string `env:"SMTP_FROM" envDefault:"noreply@herald.local"`
	SMTPFromName   string `env:"SMTP_FROM_NAME" envDefault:"Herald"`

	// AWS Services
	AWSRegion         string `env:"AWS_REGION" envDefault:"us-east-1"`
	SESFromEmail      string `env:"SES_FROM_EMAIL" envDefault:"noreply@herald.local"`
	SNSRegion         string `env:"SNS_REGION"`
	SMSEnabled        bool   `env:"SMS_ENABLED" envDefault:"false"`
	SMSSenderID       string `env:"SMS_SENDER_ID"`
	SNSEventsTopicARN string `env:"SNS_EVENTS_TOPIC_ARN"`

	// Push gateway
	PushGatewayURL string        `env:"PUSH_GATEWAY_URL"`
	PushAPIKey     string        `env:"PUSH_API_KEY"`
	PushTimeout    time.Duration `env:"PUSH_TIMEOUT" envDefault:"10s"`

	// Worker
	WorkerConcurrency     int           `env:"WORKER_CONCURRENCY" envDefault:"10"`
	WorkerBatchSize       int           `env:"WORKER_BATCH_SIZE" envDefault:"10"`
	WorkerPendingInterval time.Duration `env:"WORKER_PENDING_INTERVAL" envDefault:"2s"`
	WorkerRetryInterval   time.Duration `env:"WORKER_RETRY_INTERVAL" envDefault:"15s"`
	SendTimeout           time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`

	// Circuit breaker applied to every channel sender
	BreakerMaxFailures     int           `env:"BREAKER_MAX_FAILURES" envDefault:"5"`
	BreakerRecoveryTimeout time.Duration `env:"BREAKER_RECOVERY_TIMEOUT" envDefault:"30s"`
}

// Load reads configuration from environment variables, after loading an
// optional .env file from the working directory. Values already set in the
// environment win over .env.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if cfg.SQSRegion == "" {
		cfg.SQSRegion = cfg.AWSRegion
	}
	if cfg.SNSRegion == "" {
		cfg.SNSRegion = cfg.AWSRegion
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the gateway cannot start with.
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid PORT %d", c.Port))
	}
	switch c.StoreDriver {
	case "postgres", "memory":
	default:
		errs = append(errs, fmt.Errorf("invalid STORE_DRIVER %q: want postgres or memory", c.StoreDriver))
	}
	switch strings.ToLower(c.EmailTransport) {
	case "smtp", "ses", "log":
	default:
		errs = append(errs, fmt.Errorf("invalid EMAIL_TRANSPORT %q: want smtp, ses or log", c.EmailTransport))
	}
	if c.WorkerConcurrency <= 0 {
		errs = append(errs, errors.New("WORKER_CONCURRENCY must be positive"))
	}
	if c.WorkerBatchSize <= 0 {
		errs = append(errs, errors.New("WORKER_BATCH_SIZE must be positive"))
	}
	if c.WorkerPendingInterval <= 0 || c.WorkerRetryInterval <= 0 {
		errs = append(errs, errors.New("worker poll intervals must be positive"))
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, errors.New("SEND_TIMEOUT must be positive"))
	}
	if c.BreakerMaxFailures <= 0 {
		errs = append(errs, errors.New("BREAKER_MAX_FAILURES must be positive"))
	}

	return errors.Join(errs...)
}

// RedisEnabled reports whether a Redis host is configured.
func (c *Config) RedisEnabled() bool { return c.RedisHost != "" }

// KafkaEnabled reports whether Kafka ingestion is configured.
func (c *Config) KafkaEnabled() bool { return len(c.KafkaBrokers) > 0 && c.KafkaTopic != "" }
