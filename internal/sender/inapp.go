package sender

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
)

// Inbox stores in-app messages for a recipient.
type Inbox interface {
	Store(ctx context.Context, msg *Message) (string, error)
	Contains(ctx context.Context, recipientID, messageID string) (bool, error)
}

// InAppSender writes to the recipient's inbox. A stored message counts as
// delivered, so it also implements Confirmer.
type InAppSender struct {
	inbox  Inbox
	logger *zap.Logger
}

func NewInAppSender(inbox Inbox, logger *zap.Logger) *InAppSender {
	return &InAppSender{inbox: inbox, logger: logger}
}

func (s *InAppSender) Channel() notification.Channel { return notification.ChannelInApp }

func (s *InAppSender) Send(ctx context.Context, m *Message) (*Receipt, error) {
	id, err := s.inbox.Store(ctx, m)
	if err != nil {
		return nil, fmt.Errorf("inbox write failed: %w", err)
	}
	s.logger.Debug("in-app message stored",
		zap.String("notification_id", m.NotificationID.String()),
		zap.String("recipient_id", m.RecipientID),
	)
	return &Receipt{ProviderMessageID: id}, nil
}

func (s *InAppSender) Confirm(ctx context.Context, m *Message, r *Receipt) (bool, error) {
	return s.inbox.Contains(ctx, m.RecipientID, r.ProviderMessageID)
}
