package main

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/api"
	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/config"
	"github.com/lalithlochan/herald/internal/db"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/ingest"
	"github.com/lalithlochan/herald/internal/kafka"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/redis"
	"github.com/lalithlochan/herald/internal/sender"
	"github.com/lalithlochan/herald/internal/sns"
	"github.com/lalithlochan/herald/internal/sqs"
	"github.com/lalithlochan/herald/migrations"
)

// backend is what both the postgres repository and the in-memory store offer.
type backend interface {
	dispatch.Store
	api.PreferenceStore
	api.TemplateStore
}

type inboxStore interface {
	sender.Inbox
	api.InboxReader
}

// dependencies owns the external clients opened during startup.
type dependencies struct {
	cfg    *config.Config
	logger *zap.Logger

	database *db.DB
	redis    *redis.Client
	closers  []func() error
}

func (d *dependencies) close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			d.logger.Warn("failed to close dependency", zap.Error(err))
		}
	}
}

func (d *dependencies) openStore(ctx context.Context) (backend, error) {
	if d.cfg.StoreDriver == "memory" {
		d.logger.Warn("using in-memory store, notifications are lost on restart")
		return memstore.New(), nil
	}

	database, err := db.New(ctx, db.Config{
		Host:     d.cfg.DBHost,
		Port:     d.cfg.DBPort,
		User:     d.cfg.DBUser,
		Password: d.cfg.DBPassword,
		Database: d.cfg.DBName,
		SSLMode:  d.cfg.DBSSLMode,
		MaxConns: d.cfg.DBMaxConns,
		MinConns: d.cfg.DBMinConns,
		URL:      d.cfg.DatabaseURL,
	}, d.logger)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	d.database = database
	d.closers = append(d.closers, func() error { database.Close(); return nil })

	if d.cfg.DBMigrate {
		if err := db.Migrate(ctx, database, migrations.FS, d.logger.Named("migrate")); err != nil {
			return nil, err
		}
	}

	return db.NewRepository(database, d.logger.Named("repository")), nil
}

// openRedis returns the idempotency cache and the in-app inbox. Without
// Redis the cache is disabled and the inbox lives in process memory.
func (d *dependencies) openRedis(ctx context.Context) (dispatch.IdempotencyCache, inboxStore) {
	fallback := memstore.NewInbox(d.cfg.InboxLimit)
	if !d.cfg.RedisEnabled() {
		d.logger.Info("redis not configured, idempotency cache disabled")
		return nil, fallback
	}

	client, err := redis.New(ctx, redis.Config{
		Host:      d.cfg.RedisHost,
		Port:      d.cfg.RedisPort,
		Password:  d.cfg.RedisPassword,
		DB:        d.cfg.RedisDB,
		Namespace: d.cfg.RedisNamespace,
	}, d.logger)
	if err != nil {
		d.logger.Warn("redis unavailable, idempotency cache disabled",
			zap.Error(err),
			zap.String("host", d.cfg.RedisHost),
		)
		return nil, fallback
	}
	d.redis = client
	d.closers = append(d.closers, client.Close)

	return redis.NewIdempotencyService(client, d.cfg.IdempotencyTTL, d.logger.Named("idempotency")),
		redis.NewInbox(client, d.cfg.InboxLimit, d.logger.Named("inbox"))
}

// buildSenders creates one sender per channel, each behind its own circuit
// breaker. Channels without a configured provider log instead of sending.
func (d *dependencies) buildSenders(ctx context.Context, box inboxStore) ([]sender.Sender, error) {
	cfg := d.cfg
	logger := d.logger.Named("sender")

	email, err := d.emailSender(ctx, logger)
	if err != nil {
		return nil, err
	}

	var sms sender.Sender = sender.NewLogSender(notification.ChannelSMS, logger)
	if cfg.SMSEnabled {
		s, err := sender.NewSMSSender(ctx, sender.SMSConfig{Region: cfg.SNSRegion, SenderID: cfg.SMSSenderID}, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create SMS sender: %w", err)
		}
		sms = s
	}

	var push sender.Sender = sender.NewLogSender(notification.ChannelPush, logger)
	if cfg.PushGatewayURL != "" {
		push = sender.NewPushSender(sender.PushConfig{
			GatewayURL: cfg.PushGatewayURL,
			APIKey:     cfg.PushAPIKey,
			Timeout:    cfg.PushTimeout,
		}, logger)
	}

	logger.Info("initialized channel senders",
		zap.String("email_transport", cfg.EmailTransport),
		zap.Bool("sms_enabled", cfg.SMSEnabled),
		zap.Bool("push_enabled", cfg.PushGatewayURL != ""),
		zap.Bool("in_app_redis", d.redis != nil),
	)

	breaker := circuitbreaker.DefaultConfig("")
	breaker.MaxFailures = cfg.BreakerMaxFailures
	breaker.RecoveryTimeout = cfg.BreakerRecoveryTimeout
	breaker.OnStateChange = func(name string, _, to circuitbreaker.State) {
		metrics.SetBreakerState(name, int(to))
	}
	return circuitbreaker.Protect(breaker, d.logger.Named("breaker"),
		email, sms, push, sender.NewInAppSender(box, logger),
	), nil
}

func (d *dependencies) emailSender(ctx context.Context, logger *zap.Logger) (sender.Sender, error) {
	cfg := d.cfg
	switch strings.ToLower(cfg.EmailTransport) {
	case "log":
		return sender.NewLogSender(notification.ChannelEmail, logger), nil
	case "ses":
		transport, err := sender.NewSESTransport(ctx, sender.SESConfig{Region: cfg.AWSRegion})
		if err != nil {
			return nil, fmt.Errorf("failed to create SES transport: %w", err)
		}
		return sender.NewEmailSender(transport, sender.EmailConfig{
			FromAddress: cfg.SESFromEmail,
			FromName:    cfg.SMTPFromName,
		}, logger), nil
	default:
		transport := sender.NewSMTPTransport(sender.SMTPConfig{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			Timeout:  cfg.SendTimeout,
		})
		return sender.NewEmailSender(transport, sender.EmailConfig{
			FromAddress: cfg.SMTPFrom,
			FromName:    cfg.SMTPFromName,
		}, logger), nil
	}
}

// buildPublishers fans lifecycle events out to SNS and Kafka, whichever are
// configured. A publisher that fails to start is skipped.
func (d *dependencies) buildPublishers(ctx context.Context) dispatch.Publishers {
	var pubs dispatch.Publishers
	if arn := d.cfg.SNSEventsTopicARN; arn != "" {
		p, err := sns.NewPublisher(ctx, arn, d.cfg.SNSRegion, d.logger.Named("sns"))
		if err != nil {
			d.logger.Warn("sns publisher unavailable, lifecycle events not published to SNS", zap.Error(err))
		} else {
			pubs = append(pubs, p)
		}
	}
	if d.cfg.KafkaEnabled() && d.cfg.KafkaEventsTopic != "" {
		p := kafka.NewPublisher(d.kafkaConfig(), d.logger.Named("kafka"))
		d.closers = append(d.closers, p.Close)
		pubs = append(pubs, p)
	}
	return pubs
}

func (d *dependencies) kafkaConfig() kafka.Config {
	return kafka.Config{
		Brokers:     d.cfg.KafkaBrokers,
		Topic:       d.cfg.KafkaTopic,
		GroupID:     d.cfg.KafkaGroupID,
		EventsTopic: d.cfg.KafkaEventsTopic,
	}
}

// startConsumers starts the SQS and Kafka consumers and returns the API
// options that depend on them.
func (d *dependencies) startConsumers(ctx context.Context, ingester *ingest.Handler, spawn func(func(context.Context))) ([]api.Option, error) {
	var opts []api.Option

	if d.cfg.SQSQueueURL != "" {
		client, err := sqs.NewClient(ctx, sqs.Config{Region: d.cfg.SQSRegion, QueueURL: d.cfg.SQSQueueURL})
		if err != nil {
			return nil, fmt.Errorf("failed to create SQS client: %w", err)
		}
		opts = append(opts, api.WithEventQueue(sqs.NewProducer(client, d.cfg.SQSQueueURL, d.logger.Named("sqs"))))

		if d.cfg.SQSConsume {
			consumer := sqs.NewConsumer(client, d.cfg.SQSQueueURL, sqs.ConsumerConfig{}, d.logger.Named("sqs"))
			spawn(func(ctx context.Context) {
				consumer.Run(ctx, func(ctx context.Context, body []byte) error {
					_, err := ingester.Handle(ctx, "sqs", body)
					return err
				})
			})
		}
	}

	if d.cfg.KafkaEnabled() {
		consumer := kafka.NewConsumer(d.kafkaConfig(), d.logger.Named("kafka"))
		d.closers = append(d.closers, consumer.Close)
		spawn(func(ctx context.Context) {
			consumer.Run(ctx, func(ctx context.Context, value []byte) error {
				_, err := ingester.Handle(ctx, "kafka", value)
				return err
			})
		})
	}

	return opts, nil
}

func (d *dependencies) healthChecks() []api.Option {
	var opts []api.Option
	if d.database != nil {
		opts = append(opts, api.WithHealthCheck("postgres", d.database.Health))
	}
	if d.redis != nil {
		opts = append(opts, api.WithHealthCheck("redis", d.redis.Ping))
	}
	return opts
}
