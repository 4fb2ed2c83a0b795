package sqs

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"go.uber.org/zap"
)

// Handler processes one message body. A nil error deletes the message;
// otherwise it becomes visible again after the retry delay.
type Handler func(ctx context.Context, body []byte) error

type ConsumerConfig struct {
	MaxMessages       int32
	WaitTimeSeconds   int32
	VisibilityTimeout int32
	// RetryDelay is the visibility applied to a message whose handler failed.
	RetryDelay time.Duration
	// ErrorBackoff pauses polling after a receive error.
	ErrorBackoff time.Duration
}

// Consumer reads inbound events from SQS.
type Consumer struct {
	client   API
	queueURL string
	cfg      ConsumerConfig
	logger   *zap.Logger
}

func NewConsumer(client API, queueURL string, cfg ConsumerConfig, logger *zap.Logger) *Consumer {
	if cfg.MaxMessages <= 0 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = 10
	}
	if cfg.WaitTimeSeconds < 0 || cfg.WaitTimeSeconds > 20 {
		cfg.WaitTimeSeconds = 20
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 60
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 30 * time.Second
	}
	if cfg.ErrorBackoff <= 0 {
		cfg.ErrorBackoff = 5 * time.Second
	}

	logger.Info("sqs consumer initialized", zap.String("queue_url", queueURL))
	return &Consumer{client: client, queueURL: queueURL, cfg: cfg, logger: logger}
}

// Run long-polls the queue until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context, handle Handler) {
	for ctx.Err() == nil {
		n, err := c.Poll(ctx, handle)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			c.logger.Error("sqs poll failed", zap.Error(err))
			select {
			case <-ctx.Done():
			case <-time.After(c.cfg.ErrorBackoff):
			}
			continue
		}
		if n > 0 {
			c.logger.Debug("sqs batch processed", zap.Int("count", n))
		}
	}
	c.logger.Info("sqs consumer stopped")
}

// Poll receives one batch and handles every message in it. It returns the
// number of messages received.
func (c *Consumer) Poll(ctx context.Context, handle Handler) (int, error) {
	result, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(c.queueURL),
		MaxNumberOfMessages:   c.cfg.MaxMessages,
		WaitTimeSeconds:       c.cfg.WaitTimeSeconds,
		VisibilityTimeout:     c.cfg.VisibilityTimeout,
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return 0, fmt.Errorf("sqs receive failed: %w", err)
	}

	var errs []error
	for _, msg := range result.Messages {
		if err := c.process(ctx, msg, handle); err != nil {
			errs = append(errs, err)
		}
	}
	return len(result.Messages), errors.Join(errs...)
}

func (c *Consumer) process(ctx context.Context, msg types.Message, handle Handler) error {
	// A message already received is finished even if shutdown begins.
	ctx = context.WithoutCancel(ctx)
	receipt := aws.ToString(msg.ReceiptHandle)

	if err := handle(ctx, []byte(aws.ToString(msg.Body))); err != nil {
		c.logger.Warn("sqs message will be retried",
			zap.String("message_id", aws.ToString(msg.MessageId)),
			zap.Duration("retry_in", c.cfg.RetryDelay),
			zap.Error(err),
		)
		return c.ChangeVisibility(ctx, receipt, int32(c.cfg.RetryDelay/time.Second))
	}
	return c.DeleteMessage(ctx, receipt)
}

// DeleteMessage removes a message from SQS after successful processing.
func (c *Consumer) DeleteMessage(ctx context.Context, receiptHandle string) error {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete failed: %w", err)
	}
	return nil
}

// ChangeVisibility sets the visibility timeout for a message.
func (c *Consumer) ChangeVisibility(ctx context.Context, receiptHandle string, seconds int32) error {
	_, err := c.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(c.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: seconds,
	})
	if err != nil {
		return fmt.Errorf("sqs change visibility failed: %w", err)
	}
	return nil
}
