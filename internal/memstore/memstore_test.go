package memstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/sender"
)

var t0 = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func pending(event string, p notification.Priority, created time.Time) *notification.Notification {
	return &notification.Notification{
		ID:              uuid.New(),
		ExternalEventID: event,
		Channel:         notification.ChannelEmail,
		RecipientID:     "user-1",
		Priority:        p,
		Status:          notification.StatusPending,
		MaxRetries:      2,
		CreatedAt:       created,
		UpdatedAt:       created,
	}
}

func TestCreate_RejectsDuplicateEvent(t *testing.T) {
	s := New()
	ctx := context.Background()
	require.NoError(t, s.Create(ctx, pending("evt-1", notification.PriorityNormal, t0)))
	assert.ErrorIs(t, s.Create(ctx, pending("evt-1", notification.PriorityNormal, t0)), dispatch.ErrDuplicate)

	found, ok, err := s.FindByExternalEventID(ctx, "evt-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "evt-1", found.ExternalEventID)
}

func TestClaim_ExactlyOneWinner(t *testing.T) {
	s := New()
	ctx := context.Background()
	n := pending("evt-race", notification.PriorityNormal, t0)
	require.NoError(t, s.Create(ctx, n))

	const workers = 32
	var wins atomic.Int32
	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			if _, err := s.Claim(ctx, n.ID, []notification.Status{notification.StatusPending, notification.StatusFailed}, t0); err == nil {
				wins.Add(1)
			} else {
				assert.ErrorIs(t, err, dispatch.ErrConflict)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	got, err := s.Get(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, notification.StatusProcessing, got.Status)
}

func TestClaimNext_ConcurrentPassesNeverShareRows(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 50; i++ {
		require.NoError(t, s.Create(ctx, pending(uuid.NewString(), notification.PriorityNormal, t0)))
	}

	var mu sync.Mutex
	seen := map[uuid.UUID]int{}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimNext(ctx, dispatch.ClaimQuery{From: notification.StatusPending, Limit: 10, Now: t0})
			assert.NoError(t, err)
			mu.Lock()
			for _, n := range claimed {
				seen[n.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Len(t, seen, 50)
	for id, count := range seen {
		assert.Equal(t, 1, count, "notification %s claimed more than once", id)
	}
}

func TestClaimNext_PriorityAndDueness(t *testing.T) {
	s := New()
	ctx := context.Background()
	low := pending("low", notification.PriorityLow, t0)
	urgent := pending("urgent", notification.PriorityUrgent, t0.Add(time.Second))
	later := pending("later", notification.PriorityUrgent, t0)
	future := t0.Add(time.Hour)
	later.NextAttemptAt = &future
	for _, n := range []*notification.Notification{low, urgent, later} {
		require.NoError(t, s.Create(ctx, n))
	}

	claimed, err := s.ClaimNext(ctx, dispatch.ClaimQuery{From: notification.StatusPending, Limit: 10, Now: t0.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "urgent", claimed[0].ExternalEventID)
	assert.Equal(t, "low", claimed[1].ExternalEventID)
}

func TestClaimNext_FailedIncrementsRetryCount(t *testing.T) {
	s := New()
	ctx := context.Background()
	n := pending("evt-f", notification.PriorityNormal, t0)
	n.Status = notification.StatusFailed
	n.RetryCount = 1
	exhausted := pending("evt-x", notification.PriorityNormal, t0)
	exhausted.Status = notification.StatusFailed
	exhausted.RetryCount = 2
	require.NoError(t, s.Create(ctx, n))
	require.NoError(t, s.Create(ctx, exhausted))

	claimed, err := s.ClaimNext(ctx, dispatch.ClaimQuery{From: notification.StatusFailed, Limit: 5, Now: t0})
	require.NoError(t, err)
	require.Len(t, claimed, 1)
	assert.Equal(t, n.ID, claimed[0].ID)
	assert.Equal(t, 2, claimed[0].RetryCount)

	retryable, err := s.ListFailedRetryable(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, retryable)
}

func TestSave_CompareAndSet(t *testing.T) {
	s := New()
	ctx := context.Background()
	n := pending("evt-cas", notification.PriorityNormal, t0)
	require.NoError(t, s.Create(ctx, n))

	n.Status = notification.StatusCancelled
	require.NoError(t, s.Save(ctx, n, notification.StatusPending))

	n.Status = notification.StatusSent
	assert.ErrorIs(t, s.Save(ctx, n, notification.StatusProcessing), dispatch.ErrConflict)

	got, _ := s.Get(ctx, n.ID)
	assert.Equal(t, notification.StatusCancelled, got.Status)
}

func TestListByRecipient_Paginates(t *testing.T) {
	s := New()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, s.Create(ctx, pending(uuid.NewString(), notification.PriorityNormal, t0.Add(time.Duration(i)*time.Minute))))
	}

	page, err := s.ListByRecipient(ctx, "user-1", dispatch.Page{Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 2)
	assert.True(t, page[0].CreatedAt.After(page[1].CreatedAt))
	assert.Equal(t, t0.Add(3*time.Minute), page[0].CreatedAt)

	empty, err := s.ListByRecipient(ctx, "user-1", dispatch.Page{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestDeliveries_UpsertAndOrder(t *testing.T) {
	s := New()
	ctx := context.Background()
	id := uuid.New()
	second := &notification.Delivery{ID: uuid.New(), NotificationID: id, Attempt: 2, Status: notification.DeliveryProcessing}
	first := &notification.Delivery{ID: uuid.New(), NotificationID: id, Attempt: 1, Status: notification.DeliveryFailed}
	require.NoError(t, s.SaveDelivery(ctx, second))
	require.NoError(t, s.SaveDelivery(ctx, first))

	second.Status = notification.DeliverySent
	require.NoError(t, s.SaveDelivery(ctx, second))

	list, err := s.ListDeliveries(ctx, id)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, 1, list[0].Attempt)
	assert.Equal(t, notification.DeliverySent, list[1].Status)
}

func TestPreferencesAndTemplates(t *testing.T) {
	s := New()
	ctx := context.Background()

	p, err := s.GetOrDefault(ctx, "user-9")
	require.NoError(t, err)
	assert.True(t, p.EmailEnabled)
	assert.False(t, p.SMSEnabled)

	p.SMSEnabled = true
	require.NoError(t, s.PutPreferences(ctx, p))
	again, _ := s.GetOrDefault(ctx, "user-9")
	assert.True(t, again.SMSEnabled)

	_, err = s.GetTemplate(ctx, "welcome")
	assert.ErrorIs(t, err, notification.ErrTemplateNotFound)

	v1, err := s.PutTemplate(ctx, &notification.Template{ID: "welcome", Body: "Hi {{first_name}}", Active: true})
	require.NoError(t, err)
	v2, err := s.PutTemplate(ctx, &notification.Template{ID: "welcome", Body: "Hello {{first_name}}", Active: true})
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	assert.Equal(t, 2, v2.Version)
}

func TestInbox_KeepsNewest(t *testing.T) {
	b := NewInbox(2)
	ctx := context.Background()
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Store(ctx, &sender.Message{NotificationID: uuid.New(), RecipientID: "user-1"})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	ok, _ := b.Contains(ctx, "user-1", ids[0])
	assert.False(t, ok, "oldest message should be trimmed")
	ok, _ = b.Contains(ctx, "user-1", ids[2])
	assert.True(t, ok)

	list, _ := b.List(ctx, "user-1", 0)
	require.Len(t, list, 2)
	assert.Equal(t, ids[2], list[0].NotificationID.String())
}
