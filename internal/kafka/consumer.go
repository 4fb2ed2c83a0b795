// Package kafka consumes inbound notification events from an event bus
// topic and publishes lifecycle events back to it.
package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

type Config struct {
	Brokers []string
	Topic   string
	GroupID string
	// EventsTopic receives lifecycle events. Empty disables the publisher.
	EventsTopic string
}

// Reader is the part of kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler processes one message value. An error is retried with backoff
// and the offset is committed only once the handler succeeds.
type Handler func(ctx context.Context, value []byte) error

// Consumer reads one topic as part of a consumer group.
type Consumer struct {
	reader     Reader
	logger     *zap.Logger
	minBackoff time.Duration
	maxBackoff time.Duration
}

func NewConsumer(cfg Config, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		SessionTimeout: 30 * time.Second,
		StartOffset:    kafka.FirstOffset,
		MaxBytes:       10e6,
	})

	logger.Info("kafka consumer created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.Topic),
		zap.String("group_id", cfg.GroupID),
	)
	return NewConsumerWithReader(reader, logger)
}

func NewConsumerWithReader(r Reader, logger *zap.Logger) *Consumer {
	return &Consumer{reader: r, logger: logger, minBackoff: 500 * time.Millisecond, maxBackoff: 30 * time.Second}
}

// Run consumes until ctx is cancelled. Messages of a partition are handled
// in order; a failing message blocks its partition until it succeeds.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				break
			}
			c.logger.Error("kafka fetch failed", zap.Error(err))
			if !c.sleep(ctx, c.minBackoff) {
				break
			}
			continue
		}

		if !c.handle(ctx, msg, handle) {
			break
		}
		if err := c.reader.CommitMessages(context.WithoutCancel(ctx), msg); err != nil {
			c.logger.Error("kafka commit failed",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}
	}
	c.logger.Info("kafka consumer stopped")
}

// handle retries msg until it succeeds. It returns false if ctx ended first.
func (c *Consumer) handle(ctx context.Context, msg kafka.Message, handle Handler) bool {
	backoff := c.minBackoff
	for {
		err := handle(context.WithoutCancel(ctx), msg.Value)
		if err == nil {
			return true
		}
		c.logger.Warn("kafka message failed, retrying",
			zap.Int("partition", msg.Partition),
			zap.Int64("offset", msg.Offset),
			zap.Duration("backoff", backoff),
			zap.Error(err),
		)
		if !c.sleep(ctx, backoff) {
			return false
		}
		backoff = min(backoff*2, c.maxBackoff)
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
