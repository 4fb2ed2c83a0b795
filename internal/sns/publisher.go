// Package sns publishes notification lifecycle events to an SNS topic.
package sns

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
)

// API is the part of the SNS client the publisher uses.
type API interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	PublishBatch(ctx context.Context, params *sns.PublishBatchInput, optFns ...func(*sns.Options)) (*sns.PublishBatchOutput, error)
}

// Publisher handles SNS topic publishing of lifecycle events. Subscribers
// filter on the event_type and channel message attributes.
type Publisher struct {
	client   API
	topicARN string
	logger   *zap.Logger
}

var _ dispatch.EventPublisher = (*Publisher)(nil)

// NewPublisher creates an SNS publisher for the given topic
func NewPublisher(ctx context.Context, topicARN, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return NewPublisherWithClient(sns.NewFromConfig(cfg), topicARN, logger), nil
}

// NewPublisherWithEndpoint creates a publisher with custom endpoint (for LocalStack)
func NewPublisherWithEndpoint(ctx context.Context, topicARN, endpoint, region string, logger *zap.Logger) (*Publisher, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		o.BaseEndpoint = aws.String(endpoint)
	})
	return NewPublisherWithClient(client, topicARN, logger), nil
}

func NewPublisherWithClient(client API, topicARN string, logger *zap.Logger) *Publisher {
	return &Publisher{client: client, topicARN: topicARN, logger: logger}
}

func attributes(ev dispatch.LifecycleEvent) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		"event_type": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(ev.Type)),
		},
		"channel": {
			DataType:    aws.String("String"),
			StringValue: aws.String(string(ev.Channel)),
		},
	}
}

// Publish sends one lifecycle event.
func (p *Publisher) Publish(ctx context.Context, ev dispatch.LifecycleEvent) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	result, err := p.client.Publish(ctx, &sns.PublishInput{
		TopicArn:          aws.String(p.topicARN),
		Message:           aws.String(string(payload)),
		MessageAttributes: attributes(ev),
	})
	if err != nil {
		return fmt.Errorf("failed to publish to SNS: %w", err)
	}

	p.logger.Debug("lifecycle event published",
		zap.String("event_type", string(ev.Type)),
		zap.String("notification_id", ev.NotificationID.String()),
		zap.String("message_id", aws.ToString(result.MessageId)),
	)
	return nil
}

// PublishBatch sends up to ten events in one request.
func (p *Publisher) PublishBatch(ctx context.Context, events []dispatch.LifecycleEvent) error {
	if len(events) == 0 {
		return nil
	}
	if len(events) > 10 {
		return fmt.Errorf("batch size exceeds SNS limit of 10")
	}

	entries := make([]types.PublishBatchRequestEntry, len(events))
	for i, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("failed to marshal event %d: %w", i, err)
		}
		entries[i] = types.PublishBatchRequestEntry{
			// Batch entry ids only need to be unique within the request.
			Id:                aws.String(fmt.Sprintf("%d", i)),
			Message:           aws.String(string(payload)),
			MessageAttributes: attributes(ev),
		}
	}

	result, err := p.client.PublishBatch(ctx, &sns.PublishBatchInput{
		TopicArn:                   aws.String(p.topicARN),
		PublishBatchRequestEntries: entries,
	})
	if err != nil {
		return fmt.Errorf("failed to publish batch to SNS: %w", err)
	}
	if len(result.Failed) > 0 {
		return fmt.Errorf("partial batch failure: %d events failed", len(result.Failed))
	}
	return nil
}
