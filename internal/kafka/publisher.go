package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
)

// Writer is the part of kafka.Writer the publisher uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes lifecycle events keyed by notification id, so every
// event of one notification lands on the same partition in order.
type Publisher struct {
	writer Writer
	logger *zap.Logger
}

var _ dispatch.EventPublisher = (*Publisher)(nil)

func NewPublisher(cfg Config, logger *zap.Logger) *Publisher {
	writer := &kafka.Writer{
		Addr:            kafka.TCP(cfg.Brokers...),
		Topic:           cfg.EventsTopic,
		Balancer:        &kafka.Hash{},
		RequiredAcks:    kafka.RequireAll,
		Compression:     kafka.Snappy,
		MaxAttempts:     5,
		WriteBackoffMin: 100 * time.Millisecond,
		WriteBackoffMax: time.Second,
	}
	logger.Info("kafka event publisher created",
		zap.Strings("brokers", cfg.Brokers),
		zap.String("topic", cfg.EventsTopic),
	)
	return NewPublisherWithWriter(writer, logger)
}

func NewPublisherWithWriter(w Writer, logger *zap.Logger) *Publisher {
	return &Publisher{writer: w, logger: logger}
}

func (p *Publisher) Publish(ctx context.Context, ev dispatch.LifecycleEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(ev.NotificationID.String()),
		Value: data,
		Time:  ev.OccurredAt,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(ev.Type)},
		},
	})
	if err != nil {
		return fmt.Errorf("kafka write failed: %w", err)
	}
	return nil
}

func (p *Publisher) Close() error {
	return p.writer.Close()
}
