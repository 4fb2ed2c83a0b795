// Package sender holds the channel senders and the registry the dispatcher
// routes attempts through.
package sender

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/observ"
)

// Message is the rendered content of one delivery attempt.
type Message struct {
	NotificationID uuid.UUID
	Attempt        int
	Channel        notification.Channel
	RecipientID    string
	To             string
	Subject        string
	Body           string
	HTMLBody       string
	Priority       notification.Priority
	CorrelationID  string
	Email          *notification.EmailOptions
	Metadata       map[string]string
}

// Receipt is what a channel hands back when it accepts a message.
type Receipt struct {
	ProviderMessageID string
}

// Sender delivers one attempt over one channel. A non-nil error is a failed
// attempt and its text becomes the stored failure reason.
type Sender interface {
	Channel() notification.Channel
	Send(ctx context.Context, msg *Message) (*Receipt, error)
}

// Confirmer is implemented by senders that can tell whether an accepted
// message actually reached the recipient.
type Confirmer interface {
	Confirm(ctx context.Context, msg *Message, receipt *Receipt) (bool, error)
}

// Registry maps each channel to exactly one sender.
type Registry struct {
	mu      sync.RWMutex
	senders map[notification.Channel]Sender
	logger  *zap.Logger
}

func NewRegistry(logger *zap.Logger, senders ...Sender) *Registry {
	r := &Registry{
		senders: make(map[notification.Channel]Sender, len(senders)),
		logger:  logger,
	}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register installs s for its channel, replacing any previous sender.
func (r *Registry) Register(s Sender) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.senders[s.Channel()]; exists {
		r.logger.Warn("replacing channel sender", zap.String("channel", string(s.Channel())))
	}
	r.senders[s.Channel()] = s
}

func (r *Registry) Lookup(ch notification.Channel) (Sender, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.senders[ch]
	return s, ok
}

// Channels returns the registered channels in sorted order.
func (r *Registry) Channels() []notification.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]notification.Channel, 0, len(r.senders))
	for ch := range r.senders {
		out = append(out, ch)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// LogSender logs messages instead of delivering them (development).
type LogSender struct {
	channel notification.Channel
	logger  *zap.Logger
}

func NewLogSender(ch notification.Channel, logger *zap.Logger) *LogSender {
	return &LogSender{channel: ch, logger: logger}
}

func (s *LogSender) Channel() notification.Channel { return s.channel }

func (s *LogSender) Send(_ context.Context, msg *Message) (*Receipt, error) {
	s.logger.Info("logging notification (development mode)",
		zap.String("notification_id", msg.NotificationID.String()),
		zap.String("channel", string(msg.Channel)),
		observ.Address("to", msg.To),
		zap.String("subject", msg.Subject),
		zap.Int("body_len", len(msg.Body)+len(msg.HTMLBody)),
	)
	return &Receipt{ProviderMessageID: "log-" + msg.NotificationID.String()}, nil
}

// AsConfirmer finds a Confirmer on s or on any sender it decorates.
func AsConfirmer(s Sender) (Confirmer, bool) {
	for s != nil {
		if c, ok := s.(Confirmer); ok {
			return c, true
		}
		u, ok := s.(interface{ Unwrap() Sender })
		if !ok {
			return nil, false
		}
		s = u.Unwrap()
	}
	return nil, false
}
