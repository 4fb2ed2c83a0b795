package memstore

import (
	"context"
	"sync"

	"github.com/lalithlochan/herald/internal/sender"
)

// Inbox is a process-local in-app inbox keeping the newest Limit messages
// per recipient.
type Inbox struct {
	mu    sync.Mutex
	limit int
	items map[string][]*sender.Message
}

func NewInbox(limit int) *Inbox {
	if limit <= 0 {
		limit = 100
	}
	return &Inbox{limit: limit, items: make(map[string][]*sender.Message)}
}

func (b *Inbox) Store(_ context.Context, m *sender.Message) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	c := *m
	list := append([]*sender.Message{&c}, b.items[m.RecipientID]...)
	if len(list) > b.limit {
		list = list[:b.limit]
	}
	b.items[m.RecipientID] = list
	return m.NotificationID.String(), nil
}

func (b *Inbox) Contains(_ context.Context, recipientID, messageID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.items[recipientID] {
		if m.NotificationID.String() == messageID {
			return true, nil
		}
	}
	return false, nil
}

// List returns the recipient's messages, newest first.
func (b *Inbox) List(_ context.Context, recipientID string, limit int) ([]*sender.Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	list := b.items[recipientID]
	if limit > 0 && len(list) > limit {
		list = list[:limit]
	}
	return append([]*sender.Message(nil), list...), nil
}
