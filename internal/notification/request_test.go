package notification

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validRequest() *Request {
	return &Request{
		ExternalEventID:  "evt-1",
		Channel:          ChannelEmail,
		RecipientID:      "user-1",
		RecipientAddress: "user@example.com",
		TemplateID:       "welcome",
	}
}

func intPtr(i int) *int { return &i }

func TestRequestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(r *Request)
		field  string
	}{
		{"valid", func(r *Request) {}, ""},
		{"missing event id", func(r *Request) { r.ExternalEventID = "" }, "external_event_id"},
		{"bad channel", func(r *Request) { r.Channel = "FAX" }, "channel"},
		{"missing recipient", func(r *Request) { r.RecipientID = "" }, "recipient_id"},
		{"missing address", func(r *Request) { r.RecipientAddress = "" }, "recipient_address"},
		{"bad email", func(r *Request) { r.RecipientAddress = "not-an-email" }, "recipient_address"},
		{"bad phone", func(r *Request) { r.Channel = ChannelSMS; r.RecipientAddress = "12ab" }, "recipient_address"},
		{"no template or content", func(r *Request) { r.TemplateID = "" }, "template_id"},
		{"content only", func(r *Request) { r.TemplateID = ""; r.Content = &Content{Body: "hi"} }, ""},
		{"max retries too high", func(r *Request) { r.MaxRetries = intPtr(11) }, "max_retries"},
		{"max retries negative", func(r *Request) { r.MaxRetries = intPtr(-1) }, "max_retries"},
		{"max retries zero", func(r *Request) { r.MaxRetries = intPtr(0) }, ""},
		{"email options on sms", func(r *Request) {
			r.Channel = ChannelSMS
			r.RecipientAddress = "+14155550100"
			r.Email = &EmailOptions{}
		}, "email"},
		{"too many attachments", func(r *Request) {
			r.Email = &EmailOptions{Attachments: make([]Attachment, 6)}
		}, "email.attachments"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validRequest()
			tt.mutate(r)
			r.Normalize()
			err := r.Validate()
			if tt.field == "" {
				assert.NoError(t, err)
				return
			}
			var ve *ValidationError
			require.ErrorAs(t, err, &ve)
			assert.Equal(t, tt.field, ve.Field)
		})
	}
}

func TestNormalizeDefaults(t *testing.T) {
	r := &Request{ExternalEventID: " e ", Channel: "in-app", RecipientID: "u1"}
	r.Normalize()
	assert.Equal(t, "e", r.ExternalEventID)
	assert.Equal(t, ChannelInApp, r.Channel)
	assert.Equal(t, PriorityNormal, r.Priority)
	assert.Equal(t, "u1", r.RecipientAddress)
	require.NotNil(t, r.MaxRetries)
	assert.Equal(t, DefaultMaxRetries, *r.MaxRetries)
}

func TestNewSchedulesOnlyFutureTimes(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	past := now.Add(-time.Hour)
	r := validRequest()
	r.ScheduledAt = &past
	r.Normalize()
	n := New(r, now)
	assert.Nil(t, n.ScheduledAt)
	assert.Nil(t, n.NextAttemptAt)
	assert.Equal(t, StatusPending, n.Status)

	future := now.Add(time.Hour)
	r.ScheduledAt = &future
	n = New(r, now)
	require.NotNil(t, n.NextAttemptAt)
	assert.True(t, n.NextAttemptAt.Equal(future))
}

func TestNewCopiesVariables(t *testing.T) {
	r := validRequest()
	r.TemplateVariables = Values{"name": String("Ada")}
	r.Normalize()
	n := New(r, time.Now())

	r.TemplateVariables["name"] = String("Bob")
	got, _ := n.Variables.Request["name"].AsString()
	assert.Equal(t, "Ada", got)
}

func TestValueJSON(t *testing.T) {
	var vs Values
	require.NoError(t, json.Unmarshal([]byte(`{"n":3,"s":"x","b":true,"m":{"k":[1,"a"]},"z":null}`), &vs))

	n, ok := vs["n"].AsNumber()
	assert.True(t, ok)
	assert.Equal(t, 3.0, n)
	assert.Equal(t, "3", vs["n"].String())
	assert.Equal(t, KindMap, vs["m"].Kind())
	assert.Equal(t, KindList, vs["m"].Map()["k"].Kind())
	assert.True(t, vs["z"].IsNull())
	assert.Equal(t, "true", vs["b"].String())

	out, err := json.Marshal(vs["m"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"k":[1,"a"]}`, string(out))
}

func TestFromAnyRejectsUnsupported(t *testing.T) {
	_, err := FromAny(struct{}{})
	assert.Error(t, err)
}

func TestPreferencesDefaults(t *testing.T) {
	p := DefaultPreferences("u1")
	assert.True(t, p.ChannelEnabled(ChannelEmail))
	assert.True(t, p.ChannelEnabled(ChannelPush))
	assert.True(t, p.ChannelEnabled(ChannelInApp))
	assert.False(t, p.ChannelEnabled(ChannelSMS))
	assert.False(t, p.QuietHours.Enabled)
	assert.Equal(t, "22:00", p.QuietHours.Start.String())
	assert.Equal(t, "08:00", p.QuietHours.End.String())
	assert.Equal(t, time.UTC, p.Location())
}
