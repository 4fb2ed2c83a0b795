package notification

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned by stores and the dispatcher for unknown ids.
var ErrNotFound = errors.New("notification not found")

// ErrTemplateNotFound is returned by template stores for unknown ids.
var ErrTemplateNotFound = errors.New("template not found")

// ValidationError rejects a malformed or incomplete request before anything
// is persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "invalid request: " + e.Reason
	}
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IllegalStateError rejects an operation that the current status does not
// permit. The notification is left unchanged.
type IllegalStateError struct {
	ID     uuid.UUID
	Op     string
	Status Status
	Reason string
}

func (e *IllegalStateError) Error() string {
	msg := fmt.Sprintf("cannot %s notification in status %s", e.Op, e.Status)
	if e.ID != uuid.Nil {
		msg = fmt.Sprintf("cannot %s notification %s in status %s", e.Op, e.ID, e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// ChannelDeliveryError is a failed delivery attempt. It is recorded on the
// notification and its delivery row, never returned to the submitter.
type ChannelDeliveryError struct {
	Channel Channel
	Reason  string
	Err     error
}

func (e *ChannelDeliveryError) Error() string {
	return fmt.Sprintf("%s delivery failed: %s", e.Channel, e.Reason)
}

func (e *ChannelDeliveryError) Unwrap() error { return e.Err }

// PreferenceDeniedError means the recipient disabled the channel. It is
// terminal and never retried.
type PreferenceDeniedError struct {
	RecipientID string
	Channel     Channel
}

func (e *PreferenceDeniedError) Error() string {
	return fmt.Sprintf("channel %s disabled for recipient %s", e.Channel, e.RecipientID)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}

func IsIllegalState(err error) bool {
	var target *IllegalStateError
	return errors.As(err, &target)
}

func IsPreferenceDenied(err error) bool {
	var target *PreferenceDeniedError
	return errors.As(err, &target)
}
