package dispatch

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/lalithlochan/herald/internal/notification"
)

// EventType names a lifecycle event published after a transition persists.
type EventType string

const (
	EventSent      EventType = "notification.sent"
	EventDelivered EventType = "notification.delivered"
	EventFailed    EventType = "notification.failed"
	EventCancelled EventType = "notification.cancelled"
)

// LifecycleEvent is the payload handed to an EventPublisher.
type LifecycleEvent struct {
	Type            EventType            `json:"type"`
	NotificationID  uuid.UUID            `json:"notification_id"`
	ExternalEventID string               `json:"external_event_id"`
	CorrelationID   string               `json:"correlation_id,omitempty"`
	Channel         notification.Channel `json:"channel"`
	RecipientID     string               `json:"recipient_id"`
	Status          notification.Status  `json:"status"`
	Attempt         int                  `json:"attempt"`
	Retryable       bool                 `json:"retryable,omitempty"`
	FailureReason   string               `json:"failure_reason,omitempty"`
	OccurredAt      time.Time            `json:"occurred_at"`
}

// EventPublisher fans lifecycle events out to other systems. Publishing is
// best effort and never affects the notification.
type EventPublisher interface {
	Publish(ctx context.Context, ev LifecycleEvent) error
}

func newEvent(t EventType, n *notification.Notification, now time.Time) LifecycleEvent {
	ev := LifecycleEvent{
		Type:            t,
		NotificationID:  n.ID,
		ExternalEventID: n.ExternalEventID,
		CorrelationID:   n.CorrelationID,
		Channel:         n.Channel,
		RecipientID:     n.RecipientID,
		Status:          n.Status,
		Attempt:         n.Attempt(),
		Retryable:       notification.CanRetry(n),
		OccurredAt:      now,
	}
	if n.FailureReason != nil {
		ev.FailureReason = *n.FailureReason
	}
	return ev
}

// Publishers fans each event out to every publisher in order.
type Publishers []EventPublisher

func (ps Publishers) Publish(ctx context.Context, ev LifecycleEvent) error {
	var errs []error
	for _, p := range ps {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
