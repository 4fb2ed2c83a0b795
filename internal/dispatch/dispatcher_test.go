package dispatch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/memstore"
	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/preference"
	"github.com/lalithlochan/herald/internal/sender"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func (c *testClock) Advance(d time.Duration) { c.Set(c.Now().Add(d)) }

type sendFunc func(ctx context.Context, call int, m *sender.Message) (*sender.Receipt, error)

type scriptedSender struct {
	channel notification.Channel
	fn      sendFunc

	mu    sync.Mutex
	calls int
	msgs  []*sender.Message
}

func (s *scriptedSender) Channel() notification.Channel { return s.channel }

func (s *scriptedSender) Send(ctx context.Context, m *sender.Message) (*sender.Receipt, error) {
	s.mu.Lock()
	s.calls++
	call := s.calls
	s.msgs = append(s.msgs, m)
	s.mu.Unlock()
	if s.fn == nil {
		return &sender.Receipt{ProviderMessageID: "provider-" + m.NotificationID.String()}, nil
	}
	return s.fn(ctx, call, m)
}

func (s *scriptedSender) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func alwaysFail(reason string) sendFunc {
	return func(context.Context, int, *sender.Message) (*sender.Receipt, error) {
		return nil, errors.New(reason)
	}
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []dispatch.LifecycleEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev dispatch.LifecycleEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

func (p *recordingPublisher) Types() []dispatch.EventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []dispatch.EventType
	for _, ev := range p.events {
		out = append(out, ev.Type)
	}
	return out
}

type harness struct {
	d      *dispatch.Dispatcher
	store  *memstore.Store
	clock  *testClock
	events *recordingPublisher
}

// noon UTC on a weekday, outside the default quiet window.
var noon = time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC)

func newHarness(t *testing.T, cfg dispatch.Config, senders ...sender.Sender) *harness {
	t.Helper()
	store := memstore.New()
	clock := &testClock{t: noon}
	logger := zap.NewNop()
	events := &recordingPublisher{}
	gate := preference.NewGate(store, logger).WithClock(clock.Now)
	d := dispatch.New(store, store, gate, sender.NewRegistry(logger, senders...), cfg, logger,
		dispatch.WithClock(clock.Now),
		dispatch.WithEvents(events),
	)
	t.Cleanup(d.Wait)
	return &harness{d: d, store: store, clock: clock, events: events}
}

func emailRequest(event string) *notification.Request {
	return &notification.Request{
		ExternalEventID:  event,
		Channel:          notification.ChannelEmail,
		RecipientID:      "user-1",
		RecipientAddress: "user@example.com",
		Recipient:        notification.Recipient{FirstName: "Ada", LastName: "Lovelace"},
		Content:          &notification.Content{Subject: "Hi {{first_name}}", Body: "Hello {{recipient_name}}"},
	}
}

func intPtr(v int) *int { return &v }

func TestSubmitAndProcess_Sent(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	res, err := h.d.Submit(ctx, emailRequest("evt-1"))
	require.NoError(t, err)
	assert.Equal(t, notification.StatusPending, res.Status)
	assert.False(t, res.Duplicate)
	assert.Nil(t, res.DeferredUntil)
	assert.Zero(t, email.Calls(), "submit must not send synchronously")

	require.NoError(t, h.d.ProcessOne(ctx, res.ID))

	n, err := h.d.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, "Hi Ada", n.RenderedSubject)
	assert.Equal(t, "Hello Ada Lovelace", n.RenderedBody)
	assert.NotNil(t, n.SentAt)
	assert.Equal(t, "provider-"+res.ID.String(), n.ProviderMessageID)

	deliveries, err := h.d.ListDeliveries(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 1)
	assert.Equal(t, notification.DeliverySent, deliveries[0].Status)
	assert.Equal(t, 1, deliveries[0].Attempt)
	assert.Equal(t, []dispatch.EventType{dispatch.EventSent}, h.events.Types())
}

func TestSubmit_DuplicateExternalEventID(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	first, err := h.d.Submit(ctx, emailRequest("evt-dup"))
	require.NoError(t, err)
	require.NoError(t, h.d.ProcessOne(ctx, first.ID))

	second, err := h.d.Submit(ctx, emailRequest("evt-dup"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, notification.StatusSent, second.Status)

	all, err := h.d.ListByRecipient(ctx, "user-1", dispatch.Page{})
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Equal(t, 1, email.Calls())
}

func TestSubmit_ConcurrentDuplicatesStoreOne(t *testing.T) {
	h := newHarness(t, dispatch.Config{}, &scriptedSender{channel: notification.ChannelEmail})
	ctx := context.Background()

	var wg sync.WaitGroup
	ids := make([]uuid.UUID, 16)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := h.d.Submit(ctx, emailRequest("evt-race"))
			if assert.NoError(t, err) {
				ids[i] = res.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	pendingList, err := h.d.ListPending(ctx, 100)
	require.NoError(t, err)
	assert.Len(t, pendingList, 1)
}

func TestSubmit_Validation(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	ctx := context.Background()

	tests := []struct {
		name   string
		mutate func(r *notification.Request)
	}{
		{"missing address", func(r *notification.Request) { r.RecipientAddress = "" }},
		{"max retries above limit", func(r *notification.Request) { r.MaxRetries = intPtr(11) }},
		{"negative max retries", func(r *notification.Request) { r.MaxRetries = intPtr(-1) }},
		{"unknown template", func(r *notification.Request) { r.Content = nil; r.TemplateID = "missing" }},
		{"unparseable body", func(r *notification.Request) { r.Content.Body = "Hello {{name" }},
		{"unparseable subject", func(r *notification.Request) { r.Content.Subject = "{{#open}}Hi" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := emailRequest("evt-" + tt.name)
			tt.mutate(req)
			_, err := h.d.Submit(ctx, req)
			assert.True(t, notification.IsValidation(err), "got %v", err)

			_, err = h.d.GetByExternalEventID(ctx, req.ExternalEventID)
			assert.ErrorIs(t, err, notification.ErrNotFound)
		})
	}
}

func TestSubmit_MalformedContentNeverAttempted(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	req := emailRequest("evt-bad-content")
	req.Content.HTMLBody = "<p>{{first_name</p>"
	_, err := h.d.Submit(ctx, req)

	var verr *notification.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "content", verr.Field)
	assert.Contains(t, verr.Reason, "html_body")

	pending, err := h.d.ListPending(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
	assert.Zero(t, email.Calls())
}

func TestSubmit_PastScheduleIsImmediate(t *testing.T) {
	h := newHarness(t, dispatch.Config{}, &scriptedSender{channel: notification.ChannelEmail})
	ctx := context.Background()

	req := emailRequest("evt-past")
	past := noon.Add(-time.Hour)
	req.ScheduledAt = &past
	res, err := h.d.Submit(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, res.DeferredUntil)

	future := emailRequest("evt-future")
	at := noon.Add(time.Hour)
	future.ScheduledAt = &at
	res, err = h.d.Submit(ctx, future)
	require.NoError(t, err)
	require.NotNil(t, res.DeferredUntil)
	assert.True(t, res.DeferredUntil.Equal(at))

	claimed, err := h.store.ClaimNext(ctx, dispatch.ClaimQuery{From: notification.StatusPending, Limit: 10, Now: noon})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, "evt-past", claimed[0].ExternalEventID)
}

func TestSubmit_DisabledChannelDenied(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	prefs, err := h.store.GetOrDefault(ctx, "user-1")
	require.NoError(t, err)
	prefs.EmailEnabled = false
	require.NoError(t, h.store.PutPreferences(ctx, prefs))

	_, err = h.d.Submit(ctx, emailRequest("evt-denied"))
	require.Error(t, err)
	assert.True(t, notification.IsPreferenceDenied(err))

	_, err = h.d.GetByExternalEventID(ctx, "evt-denied")
	assert.ErrorIs(t, err, notification.ErrNotFound, "denied request must never reach PENDING")
	assert.Zero(t, email.Calls())
}

func TestSubmit_MarketingCategoryRequiresOptIn(t *testing.T) {
	h := newHarness(t, dispatch.Config{}, &scriptedSender{channel: notification.ChannelEmail})
	req := emailRequest("evt-promo")
	req.Metadata = map[string]string{dispatch.CategoryKey: preference.CategoryMarketing}

	_, err := h.d.Submit(context.Background(), req)
	assert.True(t, notification.IsPreferenceDenied(err))
}

func TestSubmit_QuietHoursDeferUnlessUrgent(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	prefs, _ := h.store.GetOrDefault(ctx, "user-1")
	prefs.QuietHours = notification.QuietHours{
		Enabled: true,
		Start:   notification.ClockTime{Hour: 22},
		End:     notification.ClockTime{Hour: 8},
	}
	require.NoError(t, h.store.PutPreferences(ctx, prefs))

	elevenPM := time.Date(2024, 5, 14, 23, 0, 0, 0, time.UTC)
	h.clock.Set(elevenPM)

	normal, err := h.d.Submit(ctx, emailRequest("evt-normal"))
	require.NoError(t, err)
	assert.Equal(t, notification.StatusPending, normal.Status)
	require.NotNil(t, normal.DeferredUntil)
	assert.Equal(t, time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC), *normal.DeferredUntil)

	urgentReq := emailRequest("evt-urgent")
	urgentReq.Priority = notification.PriorityUrgent
	urgent, err := h.d.Submit(ctx, urgentReq)
	require.NoError(t, err)
	assert.Nil(t, urgent.DeferredUntil)

	claimed, err := h.store.ClaimNext(ctx, dispatch.ClaimQuery{From: notification.StatusPending, Limit: 10, Now: elevenPM})
	require.NoError(t, err)
	require.Len(t, claimed, 1, "only the urgent notification is due")
	assert.Equal(t, urgent.ID, claimed[0].ID)
	require.NoError(t, h.d.Attempt(ctx, claimed[0]))

	n, _ := h.d.Get(ctx, normal.ID)
	assert.Equal(t, notification.StatusPending, n.Status)
	assert.Equal(t, 1, email.Calls())

	h.clock.Set(time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC))
	claimed, err = h.store.ClaimNext(ctx, dispatch.ClaimQuery{From: notification.StatusPending, Limit: 10, Now: h.clock.Now()})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, normal.ID, claimed[0].ID)
}

func TestRetries_BoundedByMaxRetries(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail, fn: alwaysFail("mailbox unavailable")}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	req := emailRequest("evt-retry")
	req.MaxRetries = intPtr(2)
	res, err := h.d.Submit(ctx, req)
	require.NoError(t, err)

	require.NoError(t, h.d.ProcessOne(ctx, res.ID))
	for i := 0; i < 5; i++ {
		n, err := h.d.Get(ctx, res.ID)
		require.NoError(t, err)
		assert.LessOrEqual(t, n.RetryCount, n.MaxRetries)
		if !notification.CanRetry(n) {
			break
		}
		require.NotNil(t, n.NextAttemptAt)
		h.clock.Set(*n.NextAttemptAt)

		claimed, err := h.store.ClaimNext(ctx, dispatch.ClaimQuery{From: notification.StatusFailed, Limit: 1, Now: h.clock.Now()})
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		require.NoError(t, h.d.Attempt(ctx, claimed[0]))
	}

	n, err := h.d.Get(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, 2, n.RetryCount)
	assert.Nil(t, n.NextAttemptAt)
	require.NotNil(t, n.FailureReason)
	assert.Equal(t, "mailbox unavailable", *n.FailureReason)
	assert.Equal(t, 3, email.Calls())

	deliveries, err := h.d.ListDeliveries(ctx, res.ID)
	require.NoError(t, err)
	require.Len(t, deliveries, 3)
	for i, del := range deliveries {
		assert.Equal(t, i+1, del.Attempt)
		assert.Equal(t, notification.DeliveryFailed, del.Status)
		require.NotNil(t, del.FailureReason)
		assert.NotEmpty(t, *del.FailureReason)
	}

	assert.ErrorIs(t, h.d.ProcessOne(ctx, res.ID), dispatch.ErrConflict)
	_, err = h.d.Retry(ctx, res.ID)
	assert.True(t, notification.IsIllegalState(err))

	retryable, err := h.d.ListFailedRetryable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}

func TestProcessOne_WaitsForDeferral(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail, fn: func(_ context.Context, call int, _ *sender.Message) (*sender.Receipt, error) {
		if call == 1 {
			return nil, errors.New("smtp 451")
		}
		return &sender.Receipt{ProviderMessageID: "ok"}, nil
	}}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	prefs, _ := h.store.GetOrDefault(ctx, "user-1")
	prefs.QuietHours = notification.QuietHours{
		Enabled: true,
		Start:   notification.ClockTime{Hour: 22},
		End:     notification.ClockTime{Hour: 8},
	}
	require.NoError(t, h.store.PutPreferences(ctx, prefs))

	h.clock.Set(time.Date(2024, 5, 14, 23, 0, 0, 0, time.UTC))
	quiet, err := h.d.Submit(ctx, emailRequest("evt-quiet"))
	require.NoError(t, err)
	require.NotNil(t, quiet.DeferredUntil)

	err = h.d.ProcessOne(ctx, quiet.ID)
	require.Error(t, err)
	assert.True(t, notification.IsIllegalState(err), "deferred notification is not due yet")
	n, _ := h.d.Get(ctx, quiet.ID)
	assert.Equal(t, notification.StatusPending, n.Status)
	assert.Zero(t, email.Calls())

	h.clock.Set(*quiet.DeferredUntil)
	require.NoError(t, h.d.ProcessOne(ctx, quiet.ID))
	n, _ = h.d.Get(ctx, quiet.ID)
	assert.Equal(t, notification.StatusFailed, n.Status)
	require.NotNil(t, n.NextAttemptAt)

	// Backoff applies to ProcessOne the same way.
	assert.True(t, notification.IsIllegalState(h.d.ProcessOne(ctx, quiet.ID)))
	assert.Equal(t, 1, email.Calls())

	h.clock.Set(*n.NextAttemptAt)
	require.NoError(t, h.d.ProcessOne(ctx, quiet.ID))
	n, _ = h.d.Get(ctx, quiet.ID)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, 2, email.Calls())
}

func TestFailure_BackoffSkipsQuietHours(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail, fn: alwaysFail("smtp 421")}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	prefs, _ := h.store.GetOrDefault(ctx, "user-1")
	prefs.QuietHours.Enabled = true
	require.NoError(t, h.store.PutPreferences(ctx, prefs))

	h.clock.Set(time.Date(2024, 5, 14, 21, 59, 30, 0, time.UTC))
	res, err := h.d.Submit(ctx, emailRequest("evt-late"))
	require.NoError(t, err)
	require.NoError(t, h.d.ProcessOne(ctx, res.ID))

	n, _ := h.d.Get(ctx, res.ID)
	require.NotNil(t, n.NextAttemptAt)
	assert.Equal(t, time.Date(2024, 5, 15, 8, 0, 0, 0, time.UTC), *n.NextAttemptAt)
}

func TestManualRetry(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail, fn: func(_ context.Context, call int, m *sender.Message) (*sender.Receipt, error) {
		if call == 1 {
			return nil, errors.New("temporary failure")
		}
		return &sender.Receipt{ProviderMessageID: "second"}, nil
	}}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	res, err := h.d.Submit(ctx, emailRequest("evt-manual"))
	require.NoError(t, err)

	_, err = h.d.Retry(ctx, res.ID)
	assert.True(t, notification.IsIllegalState(err), "retry of a PENDING notification is illegal")

	require.NoError(t, h.d.ProcessOne(ctx, res.ID))

	claimed, err := h.d.Retry(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusProcessing, claimed.Status)
	assert.Equal(t, 1, claimed.RetryCount)

	h.d.Wait()
	n, _ := h.d.Get(ctx, res.ID)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, "second", n.ProviderMessageID)
}

func TestCancel(t *testing.T) {
	h := newHarness(t, dispatch.Config{}, &scriptedSender{channel: notification.ChannelEmail})
	ctx := context.Background()

	res, err := h.d.Submit(ctx, emailRequest("evt-cancel"))
	require.NoError(t, err)

	n, err := h.d.Cancel(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusCancelled, n.Status)

	again, err := h.d.Cancel(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusCancelled, again.Status)

	assert.ErrorIs(t, h.d.ProcessOne(ctx, res.ID), dispatch.ErrConflict)

	_, err = h.d.Cancel(ctx, uuid.New())
	assert.ErrorIs(t, err, notification.ErrNotFound)
	assert.Equal(t, []dispatch.EventType{dispatch.EventCancelled}, h.events.Types())
}

func TestDelivered_IsTerminal(t *testing.T) {
	h := newHarness(t, dispatch.Config{}, &scriptedSender{channel: notification.ChannelEmail})
	ctx := context.Background()

	res, err := h.d.Submit(ctx, emailRequest("evt-delivered"))
	require.NoError(t, err)
	require.NoError(t, h.d.ProcessOne(ctx, res.ID))

	n, err := h.d.ConfirmDelivery(ctx, res.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusDelivered, n.Status)
	assert.NotNil(t, n.DeliveredAt)

	_, err = h.d.Cancel(ctx, res.ID)
	assert.True(t, notification.IsIllegalState(err))
	_, err = h.d.ConfirmDelivery(ctx, res.ID)
	assert.True(t, notification.IsIllegalState(err))
	_, err = h.d.Retry(ctx, res.ID)
	assert.True(t, notification.IsIllegalState(err))

	stored, _ := h.d.Get(ctx, res.ID)
	assert.Equal(t, notification.StatusDelivered, stored.Status)

	deliveries, _ := h.d.ListDeliveries(ctx, res.ID)
	require.Len(t, deliveries, 1)
	assert.Equal(t, notification.DeliveryDelivered, deliveries[0].Status)
}

func TestCancel_DuringInFlightAttempt(t *testing.T) {
	for _, fail := range []bool{false, true} {
		name := "send succeeds"
		if fail {
			name = "send fails"
		}
		t.Run(name, func(t *testing.T) {
			entered := make(chan struct{})
			release := make(chan struct{})
			email := &scriptedSender{channel: notification.ChannelEmail, fn: func(context.Context, int, *sender.Message) (*sender.Receipt, error) {
				close(entered)
				<-release
				if fail {
					return nil, errors.New("provider down")
				}
				return &sender.Receipt{ProviderMessageID: "late"}, nil
			}}
			h := newHarness(t, dispatch.Config{}, email)
			ctx := context.Background()

			res, err := h.d.Submit(ctx, emailRequest("evt-inflight"))
			require.NoError(t, err)

			done := make(chan error, 1)
			go func() { done <- h.d.ProcessOne(ctx, res.ID) }()
			<-entered

			cancelled, err := h.d.Cancel(ctx, res.ID)
			require.NoError(t, err)
			assert.Equal(t, notification.StatusCancelled, cancelled.Status)

			close(release)
			require.NoError(t, <-done)

			n, _ := h.d.Get(ctx, res.ID)
			assert.Equal(t, notification.StatusCancelled, n.Status)
			assert.Nil(t, n.NextAttemptAt)

			deliveries, _ := h.d.ListDeliveries(ctx, res.ID)
			require.Len(t, deliveries, 1)
			if fail {
				assert.Equal(t, notification.DeliveryFailed, deliveries[0].Status)
			} else {
				assert.Equal(t, notification.DeliverySent, deliveries[0].Status)
			}

			retryable, _ := h.d.ListFailedRetryable(ctx, 10)
			assert.Empty(t, retryable)
		})
	}
}

func TestAttempt_PanicBecomesFailure(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail, fn: func(context.Context, int, *sender.Message) (*sender.Receipt, error) {
		panic("nil map write")
	}}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	res, err := h.d.Submit(ctx, emailRequest("evt-panic"))
	require.NoError(t, err)
	require.NoError(t, h.d.ProcessOne(ctx, res.ID))

	n, _ := h.d.Get(ctx, res.ID)
	assert.Equal(t, notification.StatusFailed, n.Status)
	require.NotNil(t, n.FailureReason)
	assert.Equal(t, "unexpected sender error", *n.FailureReason)
}

func TestAttempt_TimeoutBecomesFailure(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail, fn: func(ctx context.Context, _ int, _ *sender.Message) (*sender.Receipt, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	h := newHarness(t, dispatch.Config{SendTimeout: 20 * time.Millisecond}, email)
	ctx := context.Background()

	res, err := h.d.Submit(ctx, emailRequest("evt-timeout"))
	require.NoError(t, err)
	require.NoError(t, h.d.ProcessOne(ctx, res.ID))

	n, _ := h.d.Get(ctx, res.ID)
	assert.Equal(t, notification.StatusFailed, n.Status)
	require.NotNil(t, n.FailureReason)
	assert.Contains(t, *n.FailureReason, "timed out")
	assert.True(t, notification.CanRetry(n))
}

func TestAttempt_NoSenderRegistered(t *testing.T) {
	h := newHarness(t, dispatch.Config{})
	ctx := context.Background()

	res, err := h.d.Submit(ctx, emailRequest("evt-nosender"))
	require.NoError(t, err)
	require.NoError(t, h.d.ProcessOne(ctx, res.ID))

	n, _ := h.d.Get(ctx, res.ID)
	assert.Equal(t, notification.StatusFailed, n.Status)
	assert.Equal(t, "no sender registered for channel", *n.FailureReason)
}

// flakyDeliveries fails the first failures SaveDelivery calls.
type flakyDeliveries struct {
	*memstore.Store
	mu       sync.Mutex
	failures int
}

func (f *flakyDeliveries) SaveDelivery(ctx context.Context, d *notification.Delivery) error {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Store.SaveDelivery(ctx, d)
}

func TestAttempt_RetriesDeliveryRecord(t *testing.T) {
	tests := []struct {
		name       string
		failures   int
		wantStatus notification.Status
		wantRows   int
		wantSends  int
	}{
		{"recovers within tries", 2, notification.StatusSent, 1, 1},
		{"gives up before sending", 3, notification.StatusFailed, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := &flakyDeliveries{Store: memstore.New()}
			email := &scriptedSender{channel: notification.ChannelEmail}
			logger := zap.NewNop()
			clock := &testClock{t: noon}
			d := dispatch.New(store, store, preference.NewGate(store, logger).WithClock(clock.Now),
				sender.NewRegistry(logger, email),
				dispatch.Config{RecordTries: 3, RecordDelay: time.Millisecond}, logger,
				dispatch.WithClock(clock.Now),
			)
			t.Cleanup(d.Wait)
			ctx := context.Background()

			res, err := d.Submit(ctx, emailRequest("evt-record-"+tt.name))
			require.NoError(t, err)
			store.mu.Lock()
			store.failures = tt.failures
			store.mu.Unlock()
			require.NoError(t, d.ProcessOne(ctx, res.ID))

			n, err := d.Get(ctx, res.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantStatus, n.Status)
			assert.Equal(t, tt.wantSends, email.Calls())

			rows, err := d.ListDeliveries(ctx, res.ID)
			require.NoError(t, err)
			assert.Len(t, rows, tt.wantRows)
			if tt.wantStatus == notification.StatusFailed {
				assert.True(t, notification.CanRetry(n), "a lost attempt record should stay retryable")
				require.NotNil(t, n.FailureReason)
				assert.Equal(t, "could not record attempt", *n.FailureReason)
			}
		})
	}
}

func TestAttempt_MissingVariablesRenderEmpty(t *testing.T) {
	email := &scriptedSender{channel: notification.ChannelEmail}
	h := newHarness(t, dispatch.Config{}, email)
	ctx := context.Background()

	_, err := h.store.PutTemplate(ctx, &notification.Template{ID: "greeting", Subject: "Greetings", Body: "Hello {{name}}", Active: true})
	require.NoError(t, err)

	req := emailRequest("evt-render")
	req.Content = nil
	req.TemplateID = "greeting"
	res, err := h.d.Submit(ctx, req)
	require.NoError(t, err)
	require.NoError(t, h.d.ProcessOne(ctx, res.ID))

	n, _ := h.d.Get(ctx, res.ID)
	assert.Equal(t, notification.StatusSent, n.Status)
	assert.Equal(t, "Hello ", n.RenderedBody)
	assert.Equal(t, "Hello ", email.msgs[0].Body)
}

func TestConfirmingSender_MarksDelivered(t *testing.T) {
	inbox := memstore.NewInbox(10)
	h := newHarness(t, dispatch.Config{}, sender.NewInAppSender(inbox, zap.NewNop()))
	ctx := context.Background()

	res, err := h.d.Submit(ctx, &notification.Request{
		ExternalEventID: "evt-inapp",
		Channel:         notification.ChannelInApp,
		RecipientID:     "user-1",
		Content:         &notification.Content{Body: "You have a new follower"},
	})
	require.NoError(t, err)
	require.NoError(t, h.d.ProcessOne(ctx, res.ID))
	h.d.Wait()

	n, _ := h.d.Get(ctx, res.ID)
	assert.Equal(t, notification.StatusDelivered, n.Status)

	deliveries, _ := h.d.ListDeliveries(ctx, res.ID)
	require.Len(t, deliveries, 1)
	assert.Equal(t, notification.DeliveryDelivered, deliveries[0].Status)
	assert.Equal(t, []dispatch.EventType{dispatch.EventSent, dispatch.EventDelivered}, h.events.Types())
}
