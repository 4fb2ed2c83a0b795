package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/sender"
)

// inboxItem is the stored form of one in-app message.
type inboxItem struct {
	NotificationID uuid.UUID             `json:"notification_id"`
	Subject        string                `json:"subject,omitempty"`
	Body           string                `json:"body"`
	Priority       notification.Priority `json:"priority"`
	CorrelationID  string                `json:"correlation_id,omitempty"`
	Metadata       map[string]string     `json:"metadata,omitempty"`
}

// Inbox keeps the newest Limit in-app messages per recipient in a Redis
// list and announces each new one on the recipient's pub/sub channel.
type Inbox struct {
	client *Client
	logger *zap.Logger
	limit  int64
}

var _ sender.Inbox = (*Inbox)(nil)

func NewInbox(client *Client, limit int, logger *zap.Logger) *Inbox {
	if limit <= 0 {
		limit = 100
	}
	return &Inbox{client: client, logger: logger, limit: int64(limit)}
}

func (b *Inbox) listKey(recipientID string) string {
	return b.client.key("inbox", recipientID)
}

// Channel is the pub/sub channel new messages for recipientID are
// published on.
func (b *Inbox) Channel(recipientID string) string {
	return b.client.key("inbox", recipientID, "events")
}

// Store pushes the message and trims the list in one MULTI/EXEC.
func (b *Inbox) Store(ctx context.Context, m *sender.Message) (string, error) {
	data, err := json.Marshal(inboxItem{
		NotificationID: m.NotificationID,
		Subject:        m.Subject,
		Body:           m.Body,
		Priority:       m.Priority,
		CorrelationID:  m.CorrelationID,
		Metadata:       m.Metadata,
	})
	if err != nil {
		return "", fmt.Errorf("encode inbox message: %w", err)
	}

	key := b.listKey(m.RecipientID)
	pipe := b.client.rdb.TxPipeline()
	pipe.LPush(ctx, key, data)
	pipe.LTrim(ctx, key, 0, b.limit-1)
	pipe.Publish(ctx, b.Channel(m.RecipientID), data)
	if _, err := pipe.Exec(ctx); err != nil {
		return "", fmt.Errorf("redis inbox write failed: %w", err)
	}

	return m.NotificationID.String(), nil
}

// Contains reports whether the message is still in the recipient's inbox.
func (b *Inbox) Contains(ctx context.Context, recipientID, messageID string) (bool, error) {
	items, err := b.items(ctx, recipientID, 0)
	if err != nil {
		return false, err
	}
	for _, it := range items {
		if it.NotificationID.String() == messageID {
			return true, nil
		}
	}
	return false, nil
}

// List returns the recipient's messages, newest first.
func (b *Inbox) List(ctx context.Context, recipientID string, limit int) ([]*sender.Message, error) {
	items, err := b.items(ctx, recipientID, limit)
	if err != nil {
		return nil, err
	}
	out := make([]*sender.Message, 0, len(items))
	for _, it := range items {
		out = append(out, &sender.Message{
			NotificationID: it.NotificationID,
			Channel:        notification.ChannelInApp,
			RecipientID:    recipientID,
			Subject:        it.Subject,
			Body:           it.Body,
			Priority:       it.Priority,
			CorrelationID:  it.CorrelationID,
			Metadata:       it.Metadata,
		})
	}
	return out, nil
}

func (b *Inbox) items(ctx context.Context, recipientID string, limit int) ([]inboxItem, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit) - 1
	}
	raw, err := b.client.rdb.LRange(ctx, b.listKey(recipientID), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redis lrange failed: %w", err)
	}

	items := make([]inboxItem, 0, len(raw))
	for _, r := range raw {
		var it inboxItem
		if err := json.Unmarshal([]byte(r), &it); err != nil {
			b.logger.Warn("skipping corrupt inbox entry",
				zap.String("recipient_id", recipientID),
				zap.Error(err),
			)
			continue
		}
		items = append(items, it)
	}
	return items, nil
}
