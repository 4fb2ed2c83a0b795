package notification

import "time"

// Event drives a lifecycle transition.
type Event string

const (
	EventClaim     Event = "claim"
	EventSent      Event = "sent"
	EventDelivered Event = "delivered"
	EventFailed    Event = "failed"
	EventCancel    Event = "cancel"
)

// transitions lists the legal source states for every event.
var transitions = map[Event]struct {
	from []Status
	to   Status
}{
	EventClaim:     {from: []Status{StatusPending, StatusFailed}, to: StatusProcessing},
	EventSent:      {from: []Status{StatusProcessing}, to: StatusSent},
	EventDelivered: {from: []Status{StatusSent}, to: StatusDelivered},
	EventFailed:    {from: []Status{StatusProcessing}, to: StatusFailed},
	EventCancel: {
		from: []Status{StatusPending, StatusProcessing, StatusSent, StatusFailed, StatusCancelled},
		to:   StatusCancelled,
	},
}

// Next is the pure transition function of the lifecycle.
func Next(from Status, ev Event) (Status, error) {
	t, ok := transitions[ev]
	if !ok {
		return from, &IllegalStateError{Op: string(ev), Status: from, Reason: "unknown event"}
	}
	for _, s := range t.from {
		if s == from {
			return t.to, nil
		}
	}
	return from, &IllegalStateError{Op: string(ev), Status: from}
}

// Sources returns the statuses from which ev is legal.
func Sources(ev Event) []Status {
	return append([]Status(nil), transitions[ev].from...)
}

// CanRetry reports whether a failed notification may be attempted again.
func CanRetry(n *Notification) bool {
	return n.Status == StatusFailed && n.RetryCount < n.MaxRetries
}

func apply(n *Notification, ev Event, now time.Time) error {
	to, err := Next(n.Status, ev)
	if err != nil {
		ise := err.(*IllegalStateError)
		ise.ID = n.ID
		return ise
	}
	n.Status = to
	n.UpdatedAt = now
	return nil
}

// Claim moves a PENDING or retryable FAILED notification to PROCESSING.
// Claiming a FAILED notification starts a retry and increments RetryCount.
func Claim(n *Notification, now time.Time) error {
	if n.Status == StatusFailed && !CanRetry(n) {
		return &IllegalStateError{ID: n.ID, Op: string(EventClaim), Status: n.Status, Reason: "retries exhausted"}
	}
	retrying := n.Status == StatusFailed
	if err := apply(n, EventClaim, now); err != nil {
		return err
	}
	if retrying {
		n.RetryCount++
	}
	n.NextAttemptAt = nil
	return nil
}

// MarkSent records synchronous acceptance by the channel.
func MarkSent(n *Notification, providerMessageID string, now time.Time) error {
	if err := apply(n, EventSent, now); err != nil {
		return err
	}
	n.SentAt = &now
	n.ProviderMessageID = providerMessageID
	n.FailureReason = nil
	return nil
}

// MarkDelivered confirms a SENT notification.
func MarkDelivered(n *Notification, now time.Time) error {
	if err := apply(n, EventDelivered, now); err != nil {
		return err
	}
	n.DeliveredAt = &now
	return nil
}

// MarkFailed records a failed attempt. An empty reason is replaced so the
// stored failure reason is never blank.
func MarkFailed(n *Notification, reason string, now time.Time) error {
	if err := apply(n, EventFailed, now); err != nil {
		return err
	}
	if reason == "" {
		reason = "unknown delivery error"
	}
	n.FailedAt = &now
	n.FailureReason = &reason
	return nil
}

// Cancel moves any non-delivered notification to CANCELLED.
func Cancel(n *Notification, now time.Time) error {
	if n.Status == StatusCancelled {
		return nil
	}
	if err := apply(n, EventCancel, now); err != nil {
		return err
	}
	n.NextAttemptAt = nil
	return nil
}

// FinishDelivery finalizes an attempt record to mirror the notification.
func FinishDelivery(d *Delivery, n *Notification, now time.Time) {
	switch n.Status {
	case StatusSent:
		d.Status = DeliverySent
		d.SentAt = &now
		d.ProviderMessageID = n.ProviderMessageID
	case StatusDelivered:
		d.Status = DeliveryDelivered
		d.DeliveredAt = &now
	case StatusFailed:
		d.Status = DeliveryFailed
		d.FailedAt = &now
		d.FailureReason = n.FailureReason
	}
}
