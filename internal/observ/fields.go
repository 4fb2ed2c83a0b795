package observ

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/lalithlochan/herald/internal/notification"
)

// Notification adds the fields every attempt log line carries, flattened
// into the parent entry.
func Notification(n *notification.Notification) zap.Field {
	return zap.Inline(notificationFields{n})
}

type notificationFields struct{ n *notification.Notification }

func (f notificationFields) MarshalLogObject(enc zapcore.ObjectEncoder) error {
	enc.AddString("notification_id", f.n.ID.String())
	enc.AddString("channel", string(f.n.Channel))
	enc.AddString("status", string(f.n.Status))
	enc.AddInt("attempt", f.n.Attempt())
	if f.n.ExternalEventID != "" {
		enc.AddString("external_event_id", f.n.ExternalEventID)
	}
	return nil
}

// Address logs a destination with most of it masked: the local part of an
// email keeps its first character, anything else keeps its last four.
func Address(key, addr string) zap.Field {
	return zap.String(key, MaskAddress(addr))
}

func MaskAddress(addr string) string {
	if addr == "" {
		return ""
	}
	if at := strings.LastIndexByte(addr, '@'); at > 0 {
		return addr[:1] + strings.Repeat("*", at-1) + addr[at:]
	}
	if len(addr) <= 4 {
		return strings.Repeat("*", len(addr))
	}
	return strings.Repeat("*", len(addr)-4) + addr[len(addr)-4:]
}
