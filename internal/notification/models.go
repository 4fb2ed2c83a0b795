// Package notification holds the notification domain model, its lifecycle
// state machine and the error taxonomy shared by every layer.
package notification

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Channel is the transport family a notification is delivered over.
type Channel string

const (
	ChannelEmail Channel = "EMAIL"
	ChannelSMS   Channel = "SMS"
	ChannelPush  Channel = "PUSH"
	ChannelInApp Channel = "IN_APP"
)

// Channels lists every supported channel.
var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp}

// ParseChannel accepts the canonical names plus lower-case and dashed forms
// ("in-app", "in_app").
func ParseChannel(s string) (Channel, bool) {
	c := Channel(strings.ReplaceAll(strings.ToUpper(strings.TrimSpace(s)), "-", "_"))
	return c, c.Valid()
}

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp:
		return true
	}
	return false
}

func (c Channel) String() string { return string(c) }

// Priority of a notification. Lower Rank is scheduled first.
type Priority string

const (
	PriorityLow    Priority = "LOW"
	PriorityNormal Priority = "NORMAL"
	PriorityHigh   Priority = "HIGH"
	PriorityUrgent Priority = "URGENT"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityNormal, PriorityHigh, PriorityUrgent:
		return true
	}
	return false
}

// Rank orders priorities for scheduling: URGENT=0 ... LOW=3.
func (p Priority) Rank() int {
	switch p {
	case PriorityUrgent:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	default:
		return 3
	}
}

// Status is the lifecycle state of a notification.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusDelivered  Status = "DELIVERED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSent, StatusDelivered, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transition can leave s. FAILED is
// terminal only once retries are exhausted, so it is not listed here.
func (s Status) Terminal() bool {
	return s == StatusDelivered || s == StatusCancelled
}

const (
	DefaultMaxRetries = 3
	MaxRetriesLimit   = 10
)

// Notification is one request to notify one recipient over one channel.
type Notification struct {
	ID               uuid.UUID `json:"id"`
	ExternalEventID  string    `json:"external_event_id"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	Channel          Channel   `json:"channel"`
	RecipientID      string    `json:"recipient_id"`
	RecipientAddress string    `json:"recipient_address"`
	Recipient        Recipient `json:"recipient"`
	TemplateID       string    `json:"template_id,omitempty"`
	Content          *Content  `json:"content,omitempty"`
	Variables        Variables `json:"variables"`

	Email    *EmailOptions     `json:"email,omitempty"`
	Metadata map[string]string `json:"metadata,omitempty"`

	RenderedSubject string   `json:"rendered_subject,omitempty"`
	RenderedBody    string   `json:"rendered_body,omitempty"`
	Priority        Priority `json:"priority"`
	Status          Status   `json:"status"`

	ScheduledAt   *time.Time `json:"scheduled_at,omitempty"`
	NextAttemptAt *time.Time `json:"next_attempt_at,omitempty"`
	RetryCount    int        `json:"retry_count"`
	MaxRetries    int        `json:"max_retries"`

	ProviderMessageID string  `json:"provider_message_id,omitempty"`
	FailureReason     *string `json:"failure_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	SentAt      *time.Time `json:"sent_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// Attempt is the 1-based number of the attempt currently or last in flight.
func (n *Notification) Attempt() int { return n.RetryCount + 1 }

// Recipient carries the profile fields used for computed template variables.
type Recipient struct {
	FirstName string `json:"first_name,omitempty"`
	LastName  string `json:"last_name,omitempty"`
	Username  string `json:"username,omitempty"`
}

// FullName joins first and last name, falling back to the username.
func (r Recipient) FullName() string {
	name := strings.TrimSpace(strings.TrimSpace(r.FirstName) + " " + strings.TrimSpace(r.LastName))
	if name == "" {
		return r.Username
	}
	return name
}

// Content is literal subject/body text that replaces the stored template.
type Content struct {
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body,omitempty"`
	HTMLBody string `json:"html_body,omitempty"`
}

// Variables are the two caller-supplied variable sources persisted with a
// notification. Computed defaults are derived from Recipient at render time.
type Variables struct {
	Event   Values `json:"event,omitempty"`
	Request Values `json:"request,omitempty"`
}

// EmailOptions are email-only extras.
type EmailOptions struct {
	FromName    string            `json:"from_name,omitempty"`
	FromAddress string            `json:"from_address,omitempty"`
	ReplyTo     string            `json:"reply_to,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments,omitempty"`
}

// Attachment content is base64 encoded on the wire.
type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type,omitempty"`
	Data        []byte `json:"data"`
}

const (
	MaxAttachments     = 5
	MaxAttachmentBytes = 10 << 20
)

// DeliveryStatus mirrors the subset of Status a single attempt can hold.
type DeliveryStatus string

const (
	DeliveryProcessing DeliveryStatus = "PROCESSING"
	DeliverySent       DeliveryStatus = "SENT"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryFailed     DeliveryStatus = "FAILED"
)

// Delivery is one attempt to deliver a notification.
type Delivery struct {
	ID                uuid.UUID      `json:"id"`
	NotificationID    uuid.UUID      `json:"notification_id"`
	Attempt           int            `json:"attempt"`
	Channel           Channel        `json:"channel"`
	Status            DeliveryStatus `json:"status"`
	ProviderMessageID string         `json:"provider_message_id,omitempty"`
	FailureReason     *string        `json:"failure_reason,omitempty"`
	StartedAt         time.Time      `json:"started_at"`
	SentAt            *time.Time     `json:"sent_at,omitempty"`
	DeliveredAt       *time.Time     `json:"delivered_at,omitempty"`
	FailedAt          *time.Time     `json:"failed_at,omitempty"`
}

// NewDelivery opens the attempt record for a freshly claimed notification.
func NewDelivery(n *Notification, now time.Time) *Delivery {
	return &Delivery{
		ID:             uuid.New(),
		NotificationID: n.ID,
		Attempt:        n.Attempt(),
		Channel:        n.Channel,
		Status:         DeliveryProcessing,
		StartedAt:      now,
	}
}

// Template is a stored, versioned message template.
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Channel   Channel   `json:"channel,omitempty"`
	Subject   string    `json:"subject,omitempty"`
	Body      string    `json:"body"`
	HTMLBody  string    `json:"html_body,omitempty"`
	Active    bool      `json:"active"`
	Version   int       `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
