// Package dispatch drives notifications through their lifecycle: admission,
// claimed attempts over a channel sender, retries, cancellation and
// delivery confirmation.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/observ"
	"github.com/lalithlochan/herald/internal/preference"
	"github.com/lalithlochan/herald/internal/render"
	"github.com/lalithlochan/herald/internal/sender"
)

// CategoryKey is the metadata key checked against the marketing and digest
// preference flags.
const CategoryKey = "category"

type Config struct {
	// SendTimeout bounds a single sender call. A timeout is a failed attempt.
	SendTimeout time.Duration
	// ConfirmTimeout bounds the follow-up confirmation of a sent attempt.
	ConfirmTimeout time.Duration
	// Backoff is the delay before retry i (0-based); the last entry repeats.
	Backoff []time.Duration
	// RecordTries bounds the inserts of an attempt's Delivery row before the
	// attempt is given up; RecordDelay is the pause after the first failure
	// and doubles each time.
	RecordTries int
	RecordDelay time.Duration
}

func DefaultConfig() Config {
	return Config{
		SendTimeout:    30 * time.Second,
		ConfirmTimeout: 10 * time.Second,
		Backoff:        []time.Duration{time.Minute, 5 * time.Minute, 15 * time.Minute},
		RecordTries:    3,
		RecordDelay:    100 * time.Millisecond,
	}
}

// SubmitResult is returned synchronously by Submit. Processing continues in
// the background.
type SubmitResult struct {
	ID        uuid.UUID           `json:"id"`
	Status    notification.Status `json:"status"`
	Duplicate bool                `json:"duplicate"`
	// DeferredUntil is set when quiet hours or a schedule hold the first
	// attempt back.
	DeferredUntil *time.Time `json:"deferred_until,omitempty"`
}

type Dispatcher struct {
	store     Store
	templates TemplateStore
	gate      *preference.Gate
	senders   *sender.Registry
	events    EventPublisher
	cache     IdempotencyCache
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time

	// background tracks confirmation and manual retry goroutines.
	background sync.WaitGroup
}

type Option func(*Dispatcher)

func WithEvents(p EventPublisher) Option { return func(d *Dispatcher) { d.events = p } }

func WithIdempotencyCache(c IdempotencyCache) Option { return func(d *Dispatcher) { d.cache = c } }

func WithClock(now func() time.Time) Option { return func(d *Dispatcher) { d.now = now } }

func New(store Store, templates TemplateStore, gate *preference.Gate, senders *sender.Registry, cfg Config, logger *zap.Logger, opts ...Option) *Dispatcher {
	def := DefaultConfig()
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = def.SendTimeout
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = def.ConfirmTimeout
	}
	if len(cfg.Backoff) == 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.RecordTries <= 0 {
		cfg.RecordTries = def.RecordTries
	}
	if cfg.RecordDelay <= 0 {
		cfg.RecordDelay = def.RecordDelay
	}
	d := &Dispatcher{
		store:     store,
		templates: templates,
		gate:      gate,
		senders:   senders,
		cfg:       cfg,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Submit validates req, applies the preference gate and persists a PENDING
// notification. A request whose external event id is already recorded
// returns the existing notification with Duplicate set.
func (d *Dispatcher) Submit(ctx context.Context, req *notification.Request) (*SubmitResult, error) {
	req.Normalize()
	if err := req.Validate(); err != nil {
		metrics.RecordSubmission(string(req.Channel), "invalid")
		return nil, err
	}
	if err := checkContent(req.Content); err != nil {
		metrics.RecordSubmission(string(req.Channel), "invalid")
		return nil, err
	}

	key := req.ExternalEventID
	reserved := false
	if d.cache != nil {
		id, err := d.cache.CheckOrReserve(ctx, key)
		switch {
		case err != nil:
			d.logger.Debug("idempotency cache unavailable, using store", zap.String("external_event_id", key), zap.Error(err))
		case id != nil:
			if existing, err := d.store.Get(ctx, *id); err == nil {
				return d.duplicate(existing), nil
			}
		default:
			reserved = true
		}
	}
	release := func() {
		if reserved {
			if err := d.cache.Release(ctx, key); err != nil {
				d.logger.Warn("failed to release idempotency key", zap.String("external_event_id", key), zap.Error(err))
			}
		}
	}

	if existing, found, err := d.store.FindByExternalEventID(ctx, key); err != nil {
		release()
		return nil, fmt.Errorf("lookup external event id: %w", err)
	} else if found {
		d.remember(ctx, key, existing.ID)
		return d.duplicate(existing), nil
	}

	if err := d.checkTemplate(ctx, req); err != nil {
		release()
		metrics.RecordSubmission(string(req.Channel), "invalid")
		return nil, err
	}

	now := d.now()
	res, err := d.gate.Evaluate(ctx, preference.Query{
		RecipientID: req.RecipientID,
		Channel:     req.Channel,
		Priority:    req.Priority,
		Category:    req.Metadata[CategoryKey],
	}, now)
	if err != nil {
		release()
		return nil, err
	}
	if res.Decision == preference.Deny {
		release()
		metrics.RecordSubmission(string(req.Channel), "denied")
		return nil, &notification.PreferenceDeniedError{RecipientID: req.RecipientID, Channel: req.Channel}
	}

	n := notification.New(req, now)
	if res.Decision == preference.Defer {
		deferUntil(n, res.Until)
	}
	// A future schedule may itself land inside quiet hours.
	if n.NextAttemptAt != nil {
		deferUntil(n, d.nextAllowed(ctx, n, *n.NextAttemptAt))
	}

	if err := d.store.Create(ctx, n); err != nil {
		release()
		if errors.Is(err, ErrDuplicate) {
			existing, found, ferr := d.store.FindByExternalEventID(ctx, key)
			if ferr == nil && found {
				return d.duplicate(existing), nil
			}
		}
		return nil, fmt.Errorf("create notification: %w", err)
	}
	d.remember(ctx, key, n.ID)

	outcome := "accepted"
	if n.NextAttemptAt != nil {
		outcome = "deferred"
	}
	metrics.RecordSubmission(string(n.Channel), outcome)
	d.logger.Info("notification accepted",
		observ.Notification(n),
		zap.String("priority", string(n.Priority)),
		zap.Timep("next_attempt_at", n.NextAttemptAt),
	)

	return &SubmitResult{ID: n.ID, Status: n.Status, DeferredUntil: n.NextAttemptAt}, nil
}

func deferUntil(n *notification.Notification, until time.Time) {
	if n.NextAttemptAt == nil || until.After(*n.NextAttemptAt) {
		u := until.UTC()
		n.NextAttemptAt = &u
	}
}

// nextAllowed shifts t out of the recipient's quiet hours. A preference
// lookup failure leaves t unchanged.
func (d *Dispatcher) nextAllowed(ctx context.Context, n *notification.Notification, t time.Time) time.Time {
	at, err := d.gate.NextAllowed(ctx, n.RecipientID, n.Priority, t)
	if err != nil {
		d.logger.Warn("quiet hours lookup failed",
			zap.String("notification_id", n.ID.String()),
			zap.Error(err),
		)
		return t
	}
	return at
}

func (d *Dispatcher) duplicate(n *notification.Notification) *SubmitResult {
	metrics.RecordIdempotencyHit()
	metrics.RecordSubmission(string(n.Channel), "duplicate")
	d.logger.Info("duplicate submission ignored",
		zap.String("notification_id", n.ID.String()),
		zap.String("external_event_id", n.ExternalEventID),
	)
	return &SubmitResult{ID: n.ID, Status: n.Status, Duplicate: true}
}

func (d *Dispatcher) remember(ctx context.Context, key string, id uuid.UUID) {
	if d.cache == nil {
		return
	}
	if err := d.cache.Complete(ctx, key, id); err != nil {
		d.logger.Warn("failed to cache idempotency result", zap.String("external_event_id", key), zap.Error(err))
	}
}

// checkContent rejects override content that could never render, so it is
// not retried until its attempts run out.
func checkContent(c *notification.Content) error {
	if c == nil {
		return nil
	}
	for _, part := range []struct{ name, src string }{
		{"subject", c.Subject},
		{"body", c.Body},
		{"html_body", c.HTMLBody},
	} {
		if err := render.Check(part.src); err != nil {
			return &notification.ValidationError{Field: "content", Reason: part.name + ": " + err.Error()}
		}
	}
	return nil
}

func (d *Dispatcher) checkTemplate(ctx context.Context, req *notification.Request) error {
	if req.TemplateID == "" {
		return nil
	}
	tpl, err := d.templates.GetTemplate(ctx, req.TemplateID)
	if errors.Is(err, notification.ErrTemplateNotFound) {
		return &notification.ValidationError{Field: "template_id", Reason: fmt.Sprintf("template %q not found", req.TemplateID)}
	}
	if err != nil {
		return fmt.Errorf("load template: %w", err)
	}
	if !tpl.Active {
		return &notification.ValidationError{Field: "template_id", Reason: fmt.Sprintf("template %q is inactive", req.TemplateID)}
	}
	if tpl.Channel != "" && tpl.Channel != req.Channel {
		return &notification.ValidationError{Field: "template_id", Reason: fmt.Sprintf("template %q is for channel %s", req.TemplateID, tpl.Channel)}
	}
	return nil
}

// Cancel moves a notification to CANCELLED from any status but DELIVERED.
// An attempt already in flight may still finish; its outcome is discarded.
func (d *Dispatcher) Cancel(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	const maxTries = 5
	for i := 0; i < maxTries; i++ {
		n, err := d.store.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if n.Status == notification.StatusCancelled {
			return n, nil
		}
		prev := n.Status
		if err := notification.Cancel(n, d.now()); err != nil {
			return nil, err
		}
		err = d.store.Save(ctx, n, prev)
		if errors.Is(err, ErrConflict) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("save cancelled notification: %w", err)
		}
		metrics.RecordTransition(string(n.Status))
		d.logger.Info("notification cancelled",
			zap.String("notification_id", n.ID.String()),
			zap.String("from", string(prev)),
		)
		d.publish(ctx, newEvent(EventCancelled, n, n.UpdatedAt))
		return n, nil
	}
	return nil, fmt.Errorf("cancel %s: %w", id, ErrConflict)
}

// Retry starts a manual retry of a FAILED notification that still has
// retries left. The claim happens synchronously; the attempt runs in the
// background like any other.
func (d *Dispatcher) Retry(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	n, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !notification.CanRetry(n) {
		reason := ""
		if n.Status == notification.StatusFailed {
			reason = "retries exhausted"
		}
		return nil, &notification.IllegalStateError{ID: n.ID, Op: "retry", Status: n.Status, Reason: reason}
	}

	claimed, err := d.store.Claim(ctx, id, []notification.Status{notification.StatusFailed}, d.now())
	if errors.Is(err, ErrConflict) {
		return nil, &notification.IllegalStateError{ID: id, Op: "retry", Status: n.Status, Reason: "claimed concurrently"}
	}
	if err != nil {
		return nil, fmt.Errorf("claim for retry: %w", err)
	}
	metrics.RecordTransition(string(claimed.Status))

	snapshot := *claimed
	d.goBackground(func(bg context.Context) {
		if err := d.Attempt(bg, claimed); err != nil {
			d.logger.Error("manual retry attempt failed to persist",
				zap.String("notification_id", id.String()),
				zap.Error(err),
			)
		}
	})
	return &snapshot, nil
}

// ProcessOne claims a PENDING or retryable FAILED notification and runs one
// attempt. It returns ErrConflict when another worker holds the claim, and an
// IllegalStateError when the notification is deferred past now (scheduled,
// quiet hours or retry backoff); Retry is the way to skip a backoff.
func (d *Dispatcher) ProcessOne(ctx context.Context, id uuid.UUID) error {
	n, err := d.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if now := d.now(); n.NextAttemptAt != nil && n.NextAttemptAt.After(now) {
		return &notification.IllegalStateError{
			ID:     n.ID,
			Op:     "process",
			Status: n.Status,
			Reason: "not due until " + n.NextAttemptAt.UTC().Format(time.RFC3339),
		}
	}

	claimed, err := d.store.Claim(ctx, id, []notification.Status{notification.StatusPending, notification.StatusFailed}, d.now())
	if err != nil {
		return err
	}
	metrics.RecordTransition(string(claimed.Status))
	return d.Attempt(ctx, claimed)
}

// ConfirmDelivery moves a SENT notification to DELIVERED and finalizes the
// attempt that sent it.
func (d *Dispatcher) ConfirmDelivery(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	n, err := d.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	now := d.now()
	if err := notification.MarkDelivered(n, now); err != nil {
		return nil, err
	}
	if err := d.store.Save(ctx, n, notification.StatusSent); err != nil {
		if errors.Is(err, ErrConflict) {
			current, gerr := d.store.Get(ctx, id)
			if gerr == nil && current.Status == notification.StatusDelivered {
				return current, nil
			}
			status := notification.StatusSent
			if gerr == nil {
				status = current.Status
			}
			return nil, &notification.IllegalStateError{ID: id, Op: string(notification.EventDelivered), Status: status}
		}
		return nil, fmt.Errorf("save delivered notification: %w", err)
	}
	metrics.RecordTransition(string(n.Status))

	if err := d.finishLatestDelivery(ctx, n, now); err != nil {
		d.logger.Warn("failed to finalize delivery record",
			zap.String("notification_id", id.String()),
			zap.Error(err),
		)
	}
	d.logger.Info("notification delivered", observ.Notification(n))
	d.publish(ctx, newEvent(EventDelivered, n, now))
	return n, nil
}

func (d *Dispatcher) finishLatestDelivery(ctx context.Context, n *notification.Notification, now time.Time) error {
	deliveries, err := d.store.ListDeliveries(ctx, n.ID)
	if err != nil {
		return err
	}
	for i := len(deliveries) - 1; i >= 0; i-- {
		del := deliveries[i]
		if del.Attempt == n.Attempt() && del.Status == notification.DeliverySent {
			notification.FinishDelivery(del, n, now)
			return d.store.SaveDelivery(ctx, del)
		}
	}
	return nil
}

func (d *Dispatcher) Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error) {
	return d.store.Get(ctx, id)
}

func (d *Dispatcher) GetByExternalEventID(ctx context.Context, externalEventID string) (*notification.Notification, error) {
	n, found, err := d.store.FindByExternalEventID(ctx, externalEventID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, notification.ErrNotFound
	}
	return n, nil
}

func (d *Dispatcher) ListByRecipient(ctx context.Context, recipientID string, p Page) ([]*notification.Notification, error) {
	return d.store.ListByRecipient(ctx, recipientID, p)
}

func (d *Dispatcher) ListPending(ctx context.Context, limit int) ([]*notification.Notification, error) {
	return d.store.ListPending(ctx, limit)
}

func (d *Dispatcher) ListFailedRetryable(ctx context.Context, limit int) ([]*notification.Notification, error) {
	return d.store.ListFailedRetryable(ctx, limit)
}

// ListDeliveries returns the attempt history ordered by attempt number.
func (d *Dispatcher) ListDeliveries(ctx context.Context, id uuid.UUID) ([]*notification.Delivery, error) {
	if _, err := d.store.Get(ctx, id); err != nil {
		return nil, err
	}
	return d.store.ListDeliveries(ctx, id)
}

// Wait blocks until background confirmations and manual retries finish.
func (d *Dispatcher) Wait() {
	d.background.Wait()
}

func (d *Dispatcher) goBackground(fn func(ctx context.Context)) {
	d.background.Add(1)
	go func() {
		defer d.background.Done()
		fn(context.Background())
	}()
}

func (d *Dispatcher) publish(ctx context.Context, ev LifecycleEvent) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(ctx, ev); err != nil {
		d.logger.Warn("failed to publish lifecycle event",
			zap.String("type", string(ev.Type)),
			zap.String("notification_id", ev.NotificationID.String()),
			zap.Error(err),
		)
	}
}
