package sender

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
)

// SNSAPI is the part of the SNS client the SMS sender uses.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

type SMSConfig struct {
	Region   string
	SenderID string
	// MaxLength truncates longer bodies; 0 disables truncation.
	MaxLength int
}

// SMSSender sends text messages through AWS SNS direct publish.
type SMSSender struct {
	client SNSAPI
	cfg    SMSConfig
	logger *zap.Logger
}

func NewSMSSender(ctx context.Context, cfg SMSConfig, logger *zap.Logger) (*SMSSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load default AWS config for SNS: %w", err)
	}
	return NewSMSSenderWithClient(sns.NewFromConfig(awsCfg), cfg, logger), nil
}

func NewSMSSenderWithClient(client SNSAPI, cfg SMSConfig, logger *zap.Logger) *SMSSender {
	return &SMSSender{client: client, cfg: cfg, logger: logger}
}

func (s *SMSSender) Channel() notification.Channel { return notification.ChannelSMS }

func (s *SMSSender) Send(ctx context.Context, m *Message) (*Receipt, error) {
	if m.Body == "" {
		return nil, fmt.Errorf("sms has no body")
	}

	body := m.Body
	if s.cfg.MaxLength > 0 {
		if runes := []rune(body); len(runes) > s.cfg.MaxLength {
			body = string(runes[:s.cfg.MaxLength])
		}
	}

	smsType := "Promotional"
	if m.Priority == notification.PriorityUrgent || m.Priority == notification.PriorityHigh {
		smsType = "Transactional"
	}
	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String(smsType),
		},
	}
	if s.cfg.SenderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.cfg.SenderID),
		}
	}

	result, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(m.To),
		Message:           aws.String(body),
		MessageAttributes: attrs,
	})
	if err != nil {
		return nil, fmt.Errorf("sns publish failed: %w", err)
	}

	id := aws.ToString(result.MessageId)
	s.logger.Info("sms sent via SNS",
		zap.String("notification_id", m.NotificationID.String()),
		zap.String("message_id", id),
		zap.String("sms_type", smsType),
	)
	return &Receipt{ProviderMessageID: id}, nil
}
