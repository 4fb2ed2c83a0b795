package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/render"
	"github.com/lalithlochan/herald/internal/sender"
)

// Attempt runs one delivery attempt for a notification the caller has
// already claimed (status PROCESSING). It opens a Delivery record, renders,
// sends, and persists the outcome. The returned error only reports storage
// failures; a failed send is recorded on the rows, not returned.
func (d *Dispatcher) Attempt(ctx context.Context, n *notification.Notification) error {
	if n.Status != notification.StatusProcessing {
		return &notification.IllegalStateError{ID: n.ID, Op: "attempt", Status: n.Status}
	}

	log := d.logger.With(observ.Notification(n))

	del := notification.NewDelivery(n, d.now())
	if err := d.openDelivery(ctx, del, log); err != nil {
		// Without an attempt record the send must not happen. Put the claim
		// back as a failed attempt so it is not stuck in PROCESSING; this
		// attempt is the only one without a Delivery row.
		log.Error("attempt has no delivery record, giving up before send", zap.Error(err))
		cerr := &notification.ChannelDeliveryError{Channel: n.Channel, Reason: "could not record attempt", Err: err}
		return d.fail(ctx, n, nil, cerr, log)
	}

	msg, err := d.buildMessage(ctx, n)
	if err != nil {
		return d.fail(ctx, n, del, err, log)
	}

	started := time.Now()
	receipt, err := d.send(ctx, n, msg)
	took := time.Since(started)
	if err != nil {
		metrics.RecordAttempt(string(n.Channel), string(notification.StatusFailed), took)
		return d.fail(ctx, n, del, err, log)
	}
	metrics.RecordAttempt(string(n.Channel), string(notification.StatusSent), took)

	now := d.now()
	if err := notification.MarkSent(n, receipt.ProviderMessageID, now); err != nil {
		return err
	}
	if err := d.store.Save(ctx, n, notification.StatusProcessing); err != nil {
		if errors.Is(err, ErrConflict) {
			// Cancelled while the attempt was in flight. The attempt itself
			// still happened, so only its own record is finalized.
			log.Info("attempt finished after cancellation, outcome discarded")
			d.closeDelivery(ctx, del, n, now, log)
			return nil
		}
		return fmt.Errorf("save sent notification: %w", err)
	}
	d.closeDelivery(ctx, del, n, now, log)
	metrics.RecordTransition(string(n.Status))
	metrics.RecordNotificationLatency(string(n.Channel), now.Sub(n.CreatedAt))

	log.Info("notification sent", zap.String("provider_message_id", receipt.ProviderMessageID))
	d.publish(ctx, newEvent(EventSent, n, now))

	if s, ok := d.senders.Lookup(n.Channel); ok {
		if c, ok := sender.AsConfirmer(s); ok {
			d.confirmAsync(c, n, msg, receipt)
		}
	}
	return nil
}

// buildMessage renders the notification's content and stores the result on
// n so it is persisted with the outcome.
func (d *Dispatcher) buildMessage(ctx context.Context, n *notification.Notification) (*sender.Message, error) {
	var tpl *notification.Template
	if n.TemplateID != "" {
		t, err := d.templates.GetTemplate(ctx, n.TemplateID)
		if err != nil {
			return nil, &notification.ChannelDeliveryError{Channel: n.Channel, Reason: fmt.Sprintf("template %s unavailable", n.TemplateID), Err: err}
		}
		tpl = t
	}

	out, err := render.Resolve(tpl, n)
	if err != nil {
		return nil, &notification.ChannelDeliveryError{Channel: n.Channel, Reason: "render failed: " + err.Error(), Err: err}
	}
	n.RenderedSubject = out.Subject
	n.RenderedBody = out.Primary()

	return &sender.Message{
		NotificationID: n.ID,
		Attempt:        n.Attempt(),
		Channel:        n.Channel,
		RecipientID:    n.RecipientID,
		To:             n.RecipientAddress,
		Subject:        out.Subject,
		Body:           out.Body,
		HTMLBody:       out.HTMLBody,
		Priority:       n.Priority,
		CorrelationID:  n.CorrelationID,
		Email:          n.Email,
		Metadata:       n.Metadata,
	}, nil
}

// send makes the single sender call of this attempt under the per-attempt
// timeout. Panics and unclassified errors come back as ChannelDeliveryError.
func (d *Dispatcher) send(ctx context.Context, n *notification.Notification, msg *sender.Message) (receipt *sender.Receipt, err error) {
	s, ok := d.senders.Lookup(n.Channel)
	if !ok {
		return nil, &notification.ChannelDeliveryError{Channel: n.Channel, Reason: "no sender registered for channel"}
	}

	sendCtx, cancel := context.WithTimeout(ctx, d.cfg.SendTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			receipt = nil
			err = &notification.ChannelDeliveryError{Channel: n.Channel, Reason: "unexpected sender error", Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	receipt, err = s.Send(sendCtx, msg)
	switch {
	case err == nil && receipt == nil:
		receipt = &sender.Receipt{}
	case errors.Is(err, context.DeadlineExceeded) || (err != nil && sendCtx.Err() == context.DeadlineExceeded):
		err = &notification.ChannelDeliveryError{Channel: n.Channel, Reason: fmt.Sprintf("send timed out after %s", d.cfg.SendTimeout), Err: err}
	case err != nil:
		var cde *notification.ChannelDeliveryError
		if !errors.As(err, &cde) {
			reason := err.Error()
			if reason == "" {
				reason = "unexpected sender error"
			}
			err = &notification.ChannelDeliveryError{Channel: n.Channel, Reason: reason, Err: err}
		}
	}
	return receipt, err
}

// fail records a failed attempt. When retries remain the next attempt is
// scheduled after the backoff delay, pushed out of quiet hours.
// openDelivery inserts the attempt's Delivery row, retrying transient store
// errors with a doubling pause.
func (d *Dispatcher) openDelivery(ctx context.Context, del *notification.Delivery, log *zap.Logger) error {
	delay := d.cfg.RecordDelay
	var err error
	for try := 1; ; try++ {
		if err = d.store.SaveDelivery(ctx, del); err == nil {
			return nil
		}
		if try >= d.cfg.RecordTries {
			return err
		}
		log.Warn("failed to record attempt, retrying", zap.Int("try", try), zap.Error(err))
		select {
		case <-ctx.Done():
			return errors.Join(err, ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
}

func (d *Dispatcher) fail(ctx context.Context, n *notification.Notification, del *notification.Delivery, cause error, log *zap.Logger) error {
	reason := cause.Error()
	var cde *notification.ChannelDeliveryError
	if errors.As(cause, &cde) {
		reason = cde.Reason
	}

	now := d.now()
	if err := notification.MarkFailed(n, reason, now); err != nil {
		return err
	}
	if notification.CanRetry(n) {
		next := d.nextAllowed(ctx, n, now.Add(d.backoff(n.RetryCount)))
		n.NextAttemptAt = &next
	}

	if err := d.store.Save(ctx, n, notification.StatusProcessing); err != nil {
		if errors.Is(err, ErrConflict) {
			log.Info("attempt failed after cancellation, outcome discarded", zap.String("reason", reason))
			if del != nil {
				d.closeDelivery(ctx, del, n, now, log)
			}
			return nil
		}
		return fmt.Errorf("save failed notification: %w", err)
	}
	if del != nil {
		d.closeDelivery(ctx, del, n, now, log)
	}
	metrics.RecordTransition(string(n.Status))

	fields := []zap.Field{zap.String("reason", reason), zap.Int("retry_count", n.RetryCount), zap.Int("max_retries", n.MaxRetries)}
	if n.NextAttemptAt != nil {
		log.Warn("attempt failed, retry scheduled", append(fields, zap.Time("next_attempt_at", *n.NextAttemptAt))...)
	} else {
		log.Error("attempt failed, retries exhausted", fields...)
	}
	d.publish(ctx, newEvent(EventFailed, n, now))
	return nil
}

// closeDelivery finalizes del from the attempt outcome held in n.
func (d *Dispatcher) closeDelivery(ctx context.Context, del *notification.Delivery, n *notification.Notification, now time.Time, log *zap.Logger) {
	notification.FinishDelivery(del, n, now)
	if err := d.store.SaveDelivery(ctx, del); err != nil {
		log.Error("failed to finalize delivery record", zap.Error(err))
	}
}

// backoff returns the delay before the retry that follows a failure at
// retryCount.
func (d *Dispatcher) backoff(retryCount int) time.Duration {
	idx := retryCount
	if idx >= len(d.cfg.Backoff) {
		idx = len(d.cfg.Backoff) - 1
	}
	return d.cfg.Backoff[idx]
}

// confirmAsync asks a confirming sender whether a sent message arrived and,
// if so, marks the notification delivered. Failures leave it SENT.
func (d *Dispatcher) confirmAsync(c sender.Confirmer, n *notification.Notification, msg *sender.Message, receipt *sender.Receipt) {
	id := n.ID
	d.goBackground(func(bg context.Context) {
		ctx, cancel := context.WithTimeout(bg, d.cfg.ConfirmTimeout)
		defer cancel()

		ok, err := c.Confirm(ctx, msg, receipt)
		if err != nil || !ok {
			d.logger.Debug("delivery not confirmed",
				zap.String("notification_id", id.String()),
				zap.Bool("confirmed", ok),
				zap.Error(err),
			)
			return
		}
		if _, err := d.ConfirmDelivery(ctx, id); err != nil && !notification.IsIllegalState(err) {
			d.logger.Warn("failed to record delivery confirmation",
				zap.String("notification_id", id.String()),
				zap.Error(err),
			)
		}
	})
}
