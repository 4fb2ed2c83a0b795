// Package ingest turns inbound notification events into dispatcher
// requests. The HTTP events endpoint, the SQS consumer and the Kafka
// consumer all share it.
package ingest

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/notification"
)

// ID accepts a JSON string or number. Upstream producers send numeric user
// ids.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

// Event is the inbound event format published by upstream services.
type Event struct {
	EventID       string     `json:"eventId"`
	EventType     string     `json:"eventType"`
	SourceService string     `json:"sourceService,omitempty"`
	CorrelationID string     `json:"correlationId,omitempty"`
	Timestamp     *time.Time `json:"timestamp,omitempty"`

	TemplateID  string     `json:"templateId,omitempty"`
	Channels    []string   `json:"channels"`
	Priority    string     `json:"priority,omitempty"`
	ScheduledAt *time.Time `json:"scheduledAt,omitempty"`
	MaxRetries  *int       `json:"maxRetries,omitempty"`

	RecipientID          ID     `json:"recipientId"`
	RecipientEmail       string `json:"recipientEmail,omitempty"`
	RecipientPhone       string `json:"recipientPhone,omitempty"`
	RecipientDeviceToken string `json:"recipientDeviceToken,omitempty"`
	RecipientUsername    string `json:"recipientUsername,omitempty"`
	RecipientFirstName   string `json:"recipientFirstName,omitempty"`
	RecipientLastName    string `json:"recipientLastName,omitempty"`

	EventData         notification.Values `json:"eventData,omitempty"`
	TemplateVariables notification.Values `json:"templateVariables,omitempty"`
	CustomSubject     string              `json:"customSubject,omitempty"`
	CustomContent     string              `json:"customContent,omitempty"`

	EmailSenderName    string `json:"emailSenderName,omitempty"`
	EmailSenderAddress string `json:"emailSenderAddress,omitempty"`
	EmailReplyTo       string `json:"emailReplyTo,omitempty"`
	// EmailTemplateType is HTML (default) or TEXT and decides where
	// CustomContent goes for the email channel.
	EmailTemplateType string            `json:"emailTemplateType,omitempty"`
	EmailAttachments  map[string]string `json:"emailAttachments,omitempty"`
	EmailHeaders      map[string]string `json:"emailHeaders,omitempty"`

	Metadata   map[string]any `json:"metadata,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	CampaignID string         `json:"campaignId,omitempty"`
}

// Decode parses one event.
func Decode(body []byte) (*Event, error) {
	var ev Event
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, &notification.ValidationError{Reason: fmt.Sprintf("malformed event: %v", err)}
	}
	return &ev, nil
}

// Validate checks the event envelope. Per-channel checks happen when each
// request is submitted.
func (ev *Event) Validate() error {
	if strings.TrimSpace(ev.EventID) == "" {
		return &notification.ValidationError{Field: "eventId", Reason: "is required"}
	}
	if strings.TrimSpace(ev.EventType) == "" {
		return &notification.ValidationError{Field: "eventType", Reason: "is required"}
	}
	if ev.RecipientID == "" {
		return &notification.ValidationError{Field: "recipientId", Reason: "is required"}
	}
	if len(ev.Channels) == 0 {
		return &notification.ValidationError{Field: "channels", Reason: "at least one channel is required"}
	}
	for _, c := range ev.Channels {
		if _, ok := notification.ParseChannel(c); !ok {
			return &notification.ValidationError{Field: "channels", Reason: fmt.Sprintf("unknown channel %q", c)}
		}
	}
	return nil
}

// ExternalEventID derives the per-channel idempotency key. A single-channel
// event keeps its own id so that resubmitting it through the notifications
// API is recognised as the same event.
func (ev *Event) ExternalEventID(c notification.Channel) string {
	if len(ev.channels()) == 1 {
		return ev.EventID
	}
	return ev.EventID + ":" + string(c)
}

// channels returns the distinct parsed channels in input order.
func (ev *Event) channels() []notification.Channel {
	seen := make(map[notification.Channel]bool, len(ev.Channels))
	var out []notification.Channel
	for _, raw := range ev.Channels {
		c, ok := notification.ParseChannel(raw)
		if !ok || seen[c] {
			continue
		}
		seen[c] = true
		out = append(out, c)
	}
	return out
}

func (ev *Event) address(c notification.Channel) string {
	switch c {
	case notification.ChannelEmail:
		return ev.RecipientEmail
	case notification.ChannelSMS:
		return ev.RecipientPhone
	case notification.ChannelPush:
		return ev.RecipientDeviceToken
	default:
		return string(ev.RecipientID)
	}
}

// Requests fans the event out into one request per channel.
func (ev *Event) Requests() ([]*notification.Request, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}

	channels := ev.channels()
	var email *notification.EmailOptions
	if slices.Contains(channels, notification.ChannelEmail) {
		opts, err := ev.emailOptions()
		if err != nil {
			return nil, err
		}
		email = opts
	}

	meta := ev.metadata()
	reqs := make([]*notification.Request, 0, len(channels))
	for _, c := range channels {
		req := &notification.Request{
			ExternalEventID:  ev.ExternalEventID(c),
			CorrelationID:    ev.CorrelationID,
			Channel:          c,
			RecipientID:      string(ev.RecipientID),
			RecipientAddress: ev.address(c),
			Recipient: notification.Recipient{
				FirstName: ev.RecipientFirstName,
				LastName:  ev.RecipientLastName,
				Username:  ev.RecipientUsername,
			},
			TemplateID:        ev.TemplateID,
			Content:           ev.content(c),
			EventData:         ev.EventData.Clone(),
			TemplateVariables: ev.TemplateVariables.Clone(),
			Priority:          notification.Priority(strings.ToUpper(ev.Priority)),
			ScheduledAt:       ev.ScheduledAt,
			MaxRetries:        ev.MaxRetries,
			Metadata:          copyMap(meta),
		}
		if c == notification.ChannelEmail {
			req.Email = email
		}
		reqs = append(reqs, req)
	}
	return reqs, nil
}

func (ev *Event) content(c notification.Channel) *notification.Content {
	if ev.CustomSubject == "" && ev.CustomContent == "" {
		return nil
	}
	content := &notification.Content{Subject: ev.CustomSubject}
	if c == notification.ChannelEmail && !strings.EqualFold(ev.EmailTemplateType, "TEXT") {
		content.HTMLBody = ev.CustomContent
	} else {
		content.Body = ev.CustomContent
	}
	return content
}

func (ev *Event) emailOptions() (*notification.EmailOptions, error) {
	opts := &notification.EmailOptions{
		FromName:    ev.EmailSenderName,
		FromAddress: ev.EmailSenderAddress,
		ReplyTo:     ev.EmailReplyTo,
		Headers:     copyMap(ev.EmailHeaders),
	}

	names := make([]string, 0, len(ev.EmailAttachments))
	for name := range ev.EmailAttachments {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		data, err := base64.StdEncoding.DecodeString(ev.EmailAttachments[name])
		if err != nil {
			return nil, &notification.ValidationError{Field: "emailAttachments", Reason: fmt.Sprintf("%s is not valid base64", name)}
		}
		opts.Attachments = append(opts.Attachments, notification.Attachment{
			Filename:    name,
			ContentType: mime.TypeByExtension(filepath.Ext(name)),
			Data:        data,
		})
	}

	if opts.FromName == "" && opts.FromAddress == "" && opts.ReplyTo == "" &&
		len(opts.Headers) == 0 && len(opts.Attachments) == 0 {
		return nil, nil
	}
	return opts, nil
}

// metadata flattens the event's metadata to strings and records where the
// event came from.
func (ev *Event) metadata() map[string]string {
	meta := make(map[string]string, len(ev.Metadata)+4)
	for k, v := range ev.Metadata {
		switch t := v.(type) {
		case string:
			meta[k] = t
		case nil:
		default:
			b, err := json.Marshal(t)
			if err == nil {
				meta[k] = string(b)
			}
		}
	}
	set := func(k, v string) {
		if v != "" {
			meta[k] = v
		}
	}
	set("event_type", ev.EventType)
	set("source_service", ev.SourceService)
	set("campaign_id", ev.CampaignID)
	set("tags", strings.Join(ev.Tags, ","))
	if c, ok := meta[dispatch.CategoryKey]; ok {
		meta[dispatch.CategoryKey] = strings.ToLower(c)
	}
	return meta
}

func copyMap(m map[string]string) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
