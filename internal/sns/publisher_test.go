package sns

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/notification"
)

type fakeSNS struct {
	published []*sns.PublishInput
	batches   []*sns.PublishBatchInput
	err       error
	failed    int
}

func (f *fakeSNS) Publish(_ context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.published = append(f.published, in)
	return &sns.PublishOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSNS) PublishBatch(_ context.Context, in *sns.PublishBatchInput, _ ...func(*sns.Options)) (*sns.PublishBatchOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.batches = append(f.batches, in)
	out := &sns.PublishBatchOutput{}
	for i := 0; i < f.failed; i++ {
		out.Failed = append(out.Failed, types.BatchResultErrorEntry{Id: aws.String("0")})
	}
	return out, nil
}

func sampleEvent(t dispatch.EventType) dispatch.LifecycleEvent {
	return dispatch.LifecycleEvent{
		Type:            t,
		NotificationID:  uuid.New(),
		ExternalEventID: "evt-1",
		Channel:         notification.ChannelEmail,
		RecipientID:     "user-1",
		Status:          notification.StatusFailed,
		Attempt:         2,
		Retryable:       true,
		FailureReason:   "smtp timeout",
		OccurredAt:      time.Date(2024, 5, 14, 12, 0, 0, 0, time.UTC),
	}
}

func TestPublish(t *testing.T) {
	client := &fakeSNS{}
	p := NewPublisherWithClient(client, "arn:aws:sns:us-east-1:123:herald-events", zap.NewNop())

	ev := sampleEvent(dispatch.EventFailed)
	if err := p.Publish(context.Background(), ev); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(client.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(client.published))
	}
	in := client.published[0]
	if aws.ToString(in.TopicArn) != "arn:aws:sns:us-east-1:123:herald-events" {
		t.Errorf("unexpected topic %s", aws.ToString(in.TopicArn))
	}
	if got := aws.ToString(in.MessageAttributes["event_type"].StringValue); got != "notification.failed" {
		t.Errorf("expected event_type attribute, got %q", got)
	}
	if got := aws.ToString(in.MessageAttributes["channel"].StringValue); got != "EMAIL" {
		t.Errorf("expected channel attribute, got %q", got)
	}

	var decoded dispatch.LifecycleEvent
	if err := json.Unmarshal([]byte(aws.ToString(in.Message)), &decoded); err != nil {
		t.Fatalf("message is not JSON: %v", err)
	}
	if decoded.NotificationID != ev.NotificationID || decoded.FailureReason != "smtp timeout" || !decoded.Retryable {
		t.Errorf("payload mismatch: %+v", decoded)
	}
}

func TestPublish_Error(t *testing.T) {
	p := NewPublisherWithClient(&fakeSNS{err: errors.New("throttled")}, "arn", zap.NewNop())
	if err := p.Publish(context.Background(), sampleEvent(dispatch.EventSent)); err == nil {
		t.Fatal("expected error")
	}
}

func TestPublishBatch(t *testing.T) {
	tests := []struct {
		name    string
		events  int
		failed  int
		wantErr bool
	}{
		{"empty", 0, 0, false},
		{"full batch", 10, 0, false},
		{"too many", 11, 0, true},
		{"partial failure", 3, 1, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &fakeSNS{failed: tt.failed}
			p := NewPublisherWithClient(client, "arn", zap.NewNop())

			events := make([]dispatch.LifecycleEvent, tt.events)
			for i := range events {
				events[i] = sampleEvent(dispatch.EventSent)
			}

			err := p.PublishBatch(context.Background(), events)
			if (err != nil) != tt.wantErr {
				t.Fatalf("wantErr=%v, got %v", tt.wantErr, err)
			}
			if tt.events > 0 && tt.events <= 10 && len(client.batches[0].PublishBatchRequestEntries) != tt.events {
				t.Errorf("expected %d entries", tt.events)
			}
		})
	}
}
