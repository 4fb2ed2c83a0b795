package notification

import (
	"encoding/json"
	"fmt"
	"time"
)

// ClockTime is a wall-clock time of day with minute precision.
type ClockTime struct {
	Hour   int
	Minute int
}

// ParseClock parses "HH:MM".
func ParseClock(s string) (ClockTime, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid clock time %q: want HH:MM", s)
	}
	return ClockTime{Hour: t.Hour(), Minute: t.Minute()}, nil
}

// Minutes since midnight.
func (c ClockTime) Minutes() int { return c.Hour*60 + c.Minute }

func (c ClockTime) String() string { return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute) }

func (c ClockTime) MarshalJSON() ([]byte, error) { return json.Marshal(c.String()) }

func (c *ClockTime) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseClock(s)
	if err != nil {
		return err
	}
	*c = parsed
	return nil
}

// QuietHours is a daily window in the recipient's timezone. Start > End means
// the window spans midnight.
type QuietHours struct {
	Enabled bool      `json:"enabled"`
	Start   ClockTime `json:"start"`
	End     ClockTime `json:"end"`
}

// Preferences are one recipient's delivery settings.
type Preferences struct {
	RecipientID      string     `json:"recipient_id"`
	EmailEnabled     bool       `json:"email_enabled"`
	SMSEnabled       bool       `json:"sms_enabled"`
	PushEnabled      bool       `json:"push_enabled"`
	InAppEnabled     bool       `json:"in_app_enabled"`
	MarketingEnabled bool       `json:"marketing_enabled"`
	DigestEnabled    bool       `json:"digest_enabled"`
	QuietHours       QuietHours `json:"quiet_hours"`
	Timezone         string     `json:"timezone"`
	Language         string     `json:"language"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// DefaultPreferences are applied to recipients with no stored record.
func DefaultPreferences(recipientID string) *Preferences {
	return &Preferences{
		RecipientID:   recipientID,
		EmailEnabled:  true,
		PushEnabled:   true,
		InAppEnabled:  true,
		DigestEnabled: true,
		QuietHours: QuietHours{
			Start: ClockTime{Hour: 22},
			End:   ClockTime{Hour: 8},
		},
		Timezone: "UTC",
		Language: "en",
	}
}

func (p *Preferences) ChannelEnabled(ch Channel) bool {
	switch ch {
	case ChannelEmail:
		return p.EmailEnabled
	case ChannelSMS:
		return p.SMSEnabled
	case ChannelPush:
		return p.PushEnabled
	case ChannelInApp:
		return p.InAppEnabled
	}
	return false
}

func (p *Preferences) SetChannel(ch Channel, enabled bool) error {
	switch ch {
	case ChannelEmail:
		p.EmailEnabled = enabled
	case ChannelSMS:
		p.SMSEnabled = enabled
	case ChannelPush:
		p.PushEnabled = enabled
	case ChannelInApp:
		p.InAppEnabled = enabled
	default:
		return invalid("channel", "unknown channel %q", ch)
	}
	return nil
}

// Location resolves Timezone, falling back to UTC for unknown zones.
func (p *Preferences) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Validate checks values a caller may set through the preferences API.
func (p *Preferences) Validate() error {
	if p.RecipientID == "" {
		return invalid("recipient_id", "is required")
	}
	if p.Timezone != "" {
		if _, err := time.LoadLocation(p.Timezone); err != nil {
			return invalid("timezone", "unknown timezone %q", p.Timezone)
		}
	}
	if p.QuietHours.Enabled && p.QuietHours.Start == p.QuietHours.End {
		return invalid("quiet_hours", "start and end must differ")
	}
	return nil
}
