package circuitbreaker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/sender"
)

// ProtectedSender puts a Breaker in front of a channel sender. While the
// breaker is open, attempts fail immediately with ErrCircuitOpen and the
// dispatcher records them as ordinary failed attempts.
type ProtectedSender struct {
	next    sender.Sender
	breaker *Breaker
	logger  *zap.Logger
}

func NewProtectedSender(next sender.Sender, breaker *Breaker, logger *zap.Logger) *ProtectedSender {
	return &ProtectedSender{next: next, breaker: breaker, logger: logger}
}

// Protect gives every sender its own breaker named after its channel.
func Protect(cfg Config, logger *zap.Logger, senders ...sender.Sender) []sender.Sender {
	out := make([]sender.Sender, 0, len(senders))
	for _, s := range senders {
		c := cfg
		c.Name = string(s.Channel())
		out = append(out, NewProtectedSender(s, New(c, logger), logger))
	}
	return out
}

// Snapshots collects the state of every protected sender in the list.
// Senders without a breaker are skipped.
func Snapshots(senders []sender.Sender) []Snapshot {
	var out []Snapshot
	for _, s := range senders {
		if p, ok := s.(*ProtectedSender); ok {
			out = append(out, p.breaker.Snapshot())
		}
	}
	return out
}

func (p *ProtectedSender) Channel() notification.Channel { return p.next.Channel() }

func (p *ProtectedSender) Send(ctx context.Context, msg *sender.Message) (*sender.Receipt, error) {
	if !p.breaker.Allow() {
		p.logger.Warn("channel breaker open, skipping provider",
			zap.String("channel", p.breaker.Name()),
			zap.String("notification_id", msg.NotificationID.String()),
			zap.Int("attempt", msg.Attempt),
		)
		return nil, fmt.Errorf("%w: %s provider unavailable", ErrCircuitOpen, p.breaker.Name())
	}

	receipt, err := p.next.Send(ctx, msg)
	if err != nil {
		p.breaker.RecordFailure()
		return nil, err
	}
	p.breaker.RecordSuccess()
	return receipt, nil
}

// Unwrap exposes the decorated sender so sender.AsConfirmer can find it.
func (p *ProtectedSender) Unwrap() sender.Sender { return p.next }

func (p *ProtectedSender) Breaker() *Breaker { return p.breaker }
