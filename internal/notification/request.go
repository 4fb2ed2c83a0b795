package notification

import (
	"net/mail"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Request is the ingestion contract handed to the dispatcher by every front
// (HTTP, SQS, Kafka).
type Request struct {
	ExternalEventID   string            `json:"external_event_id"`
	CorrelationID     string            `json:"correlation_id,omitempty"`
	Channel           Channel           `json:"channel"`
	RecipientID       string            `json:"recipient_id"`
	RecipientAddress  string            `json:"recipient_address"`
	Recipient         Recipient         `json:"recipient"`
	TemplateID        string            `json:"template_id,omitempty"`
	Content           *Content          `json:"content,omitempty"`
	EventData         Values            `json:"event_data,omitempty"`
	TemplateVariables Values            `json:"template_variables,omitempty"`
	Priority          Priority          `json:"priority,omitempty"`
	ScheduledAt       *time.Time        `json:"scheduled_at,omitempty"`
	MaxRetries        *int              `json:"max_retries,omitempty"`
	Email             *EmailOptions     `json:"email,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

var phonePattern = regexp.MustCompile(`^\+?[1-9][0-9]{7,14}$`)

// Normalize fills defaults in place.
func (r *Request) Normalize() {
	r.ExternalEventID = strings.TrimSpace(r.ExternalEventID)
	r.RecipientID = strings.TrimSpace(r.RecipientID)
	r.RecipientAddress = strings.TrimSpace(r.RecipientAddress)
	if c, ok := ParseChannel(string(r.Channel)); ok {
		r.Channel = c
	}
	if r.Priority == "" {
		r.Priority = PriorityNormal
	}
	r.Priority = Priority(strings.ToUpper(string(r.Priority)))
	if r.MaxRetries == nil {
		n := DefaultMaxRetries
		r.MaxRetries = &n
	}
	if r.Channel == ChannelInApp && r.RecipientAddress == "" {
		r.RecipientAddress = r.RecipientID
	}
}

// Validate checks the request shape. It does not consult preferences or the
// template store.
func (r *Request) Validate() error {
	if r.ExternalEventID == "" {
		return invalid("external_event_id", "is required")
	}
	if !r.Channel.Valid() {
		return invalid("channel", "must be one of EMAIL, SMS, PUSH, IN_APP")
	}
	if r.RecipientID == "" {
		return invalid("recipient_id", "is required")
	}
	if r.RecipientAddress == "" {
		return invalid("recipient_address", "is required for channel %s", r.Channel)
	}
	switch r.Channel {
	case ChannelEmail:
		if _, err := mail.ParseAddress(r.RecipientAddress); err != nil {
			return invalid("recipient_address", "not a valid email address")
		}
	case ChannelSMS:
		if !phonePattern.MatchString(r.RecipientAddress) {
			return invalid("recipient_address", "not a valid phone number")
		}
	}
	if r.TemplateID == "" && (r.Content == nil || (r.Content.Body == "" && r.Content.HTMLBody == "")) {
		return invalid("template_id", "template_id or content body is required")
	}
	if !r.Priority.Valid() {
		return invalid("priority", "must be one of LOW, NORMAL, HIGH, URGENT")
	}
	if r.MaxRetries != nil && (*r.MaxRetries < 0 || *r.MaxRetries > MaxRetriesLimit) {
		return invalid("max_retries", "must be between 0 and %d", MaxRetriesLimit)
	}
	if r.Email != nil {
		if r.Channel != ChannelEmail {
			return invalid("email", "email options are only valid for channel EMAIL")
		}
		if err := r.Email.validate(); err != nil {
			return err
		}
	}
	return nil
}

func (o *EmailOptions) validate() error {
	if len(o.Attachments) > MaxAttachments {
		return invalid("email.attachments", "at most %d attachments allowed", MaxAttachments)
	}
	total := 0
	for _, a := range o.Attachments {
		if a.Filename == "" {
			return invalid("email.attachments", "filename is required")
		}
		total += len(a.Data)
	}
	if total > MaxAttachmentBytes {
		return invalid("email.attachments", "total size exceeds %d bytes", MaxAttachmentBytes)
	}
	if o.ReplyTo != "" {
		if _, err := mail.ParseAddress(o.ReplyTo); err != nil {
			return invalid("email.reply_to", "not a valid email address")
		}
	}
	return nil
}

// New builds a PENDING notification from a normalized, validated request.
// A scheduledAt in the past is cleared so the notification is immediate.
func New(r *Request, now time.Time) *Notification {
	n := &Notification{
		ID:               uuid.New(),
		ExternalEventID:  r.ExternalEventID,
		CorrelationID:    r.CorrelationID,
		Channel:          r.Channel,
		RecipientID:      r.RecipientID,
		RecipientAddress: r.RecipientAddress,
		Recipient:        r.Recipient,
		TemplateID:       r.TemplateID,
		Content:          r.Content,
		Variables: Variables{
			Event:   r.EventData.Clone(),
			Request: r.TemplateVariables.Clone(),
		},
		Email:      r.Email,
		Metadata:   r.Metadata,
		Priority:   r.Priority,
		Status:     StatusPending,
		MaxRetries: DefaultMaxRetries,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if r.MaxRetries != nil {
		n.MaxRetries = *r.MaxRetries
	}
	if r.ScheduledAt != nil && r.ScheduledAt.After(now) {
		at := r.ScheduledAt.UTC()
		n.ScheduledAt = &at
		n.NextAttemptAt = &at
	}
	return n
}
