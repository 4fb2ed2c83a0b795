package notification

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPending(maxRetries int) *Notification {
	return &Notification{
		Channel:    ChannelEmail,
		Status:     StatusPending,
		Priority:   PriorityNormal,
		MaxRetries: maxRetries,
	}
}

func TestNext(t *testing.T) {
	tests := []struct {
		from    Status
		ev      Event
		want    Status
		illegal bool
	}{
		{StatusPending, EventClaim, StatusProcessing, false},
		{StatusFailed, EventClaim, StatusProcessing, false},
		{StatusSent, EventClaim, StatusSent, true},
		{StatusProcessing, EventSent, StatusSent, false},
		{StatusPending, EventSent, StatusPending, true},
		{StatusSent, EventDelivered, StatusDelivered, false},
		{StatusProcessing, EventDelivered, StatusProcessing, true},
		{StatusProcessing, EventFailed, StatusFailed, false},
		{StatusSent, EventFailed, StatusSent, true},
		{StatusPending, EventCancel, StatusCancelled, false},
		{StatusProcessing, EventCancel, StatusCancelled, false},
		{StatusFailed, EventCancel, StatusCancelled, false},
		{StatusSent, EventCancel, StatusCancelled, false},
		{StatusDelivered, EventCancel, StatusDelivered, true},
		{StatusDelivered, EventClaim, StatusDelivered, true},
		{StatusCancelled, EventClaim, StatusCancelled, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"/"+string(tt.ev), func(t *testing.T) {
			got, err := Next(tt.from, tt.ev)
			assert.Equal(t, tt.want, got)
			if tt.illegal {
				assert.True(t, IsIllegalState(err))
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDeliveredIsTerminal(t *testing.T) {
	for _, ev := range []Event{EventClaim, EventSent, EventDelivered, EventFailed, EventCancel} {
		_, err := Next(StatusDelivered, ev)
		assert.Error(t, err, "event %s must not leave DELIVERED", ev)
	}
}

func TestClaimFromFailedIncrementsRetryCount(t *testing.T) {
	now := time.Now()
	n := newPending(2)

	require.NoError(t, Claim(n, now))
	assert.Equal(t, 0, n.RetryCount)
	require.NoError(t, MarkFailed(n, "smtp down", now))

	require.NoError(t, Claim(n, now))
	assert.Equal(t, 1, n.RetryCount)
	require.NoError(t, MarkFailed(n, "smtp down", now))

	require.NoError(t, Claim(n, now))
	assert.Equal(t, 2, n.RetryCount)
	require.NoError(t, MarkFailed(n, "smtp down", now))

	err := Claim(n, now)
	require.Error(t, err)
	assert.True(t, IsIllegalState(err))
	assert.Equal(t, StatusFailed, n.Status)
	assert.Equal(t, 2, n.RetryCount)
	assert.False(t, CanRetry(n))
}

func TestMarkFailedNeverStoresEmptyReason(t *testing.T) {
	n := newPending(3)
	now := time.Now()
	require.NoError(t, Claim(n, now))
	require.NoError(t, MarkFailed(n, "", now))
	require.NotNil(t, n.FailureReason)
	assert.NotEmpty(t, *n.FailureReason)
	assert.Equal(t, now, *n.FailedAt)
}

func TestMarkSentThenDelivered(t *testing.T) {
	n := newPending(3)
	now := time.Now()
	require.NoError(t, Claim(n, now))
	require.NoError(t, MarkSent(n, "msg-1", now))
	assert.Equal(t, "msg-1", n.ProviderMessageID)
	require.NoError(t, MarkDelivered(n, now.Add(time.Second)))
	assert.Equal(t, StatusDelivered, n.Status)
	require.NotNil(t, n.DeliveredAt)

	err := Cancel(n, now)
	assert.True(t, IsIllegalState(err))
	assert.Equal(t, StatusDelivered, n.Status)
}

func TestCancelIsIdempotent(t *testing.T) {
	n := newPending(3)
	require.NoError(t, Cancel(n, time.Now()))
	require.NoError(t, Cancel(n, time.Now()))
	assert.Equal(t, StatusCancelled, n.Status)
}

func TestFinishDelivery(t *testing.T) {
	now := time.Now()
	n := newPending(1)
	require.NoError(t, Claim(n, now))
	d := NewDelivery(n, now)
	assert.Equal(t, 1, d.Attempt)
	assert.Equal(t, DeliveryProcessing, d.Status)

	require.NoError(t, MarkFailed(n, "timeout", now))
	FinishDelivery(d, n, now)
	assert.Equal(t, DeliveryFailed, d.Status)
	require.NotNil(t, d.FailureReason)
	assert.Equal(t, "timeout", *d.FailureReason)
}
