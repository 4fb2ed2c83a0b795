package preference

import (
	"time"

	"github.com/lalithlochan/herald/internal/notification"
)

// InQuietHours reports whether t falls inside [start,end) in loc. A window
// with start > end wraps past midnight.
func InQuietHours(q notification.QuietHours, loc *time.Location, t time.Time) bool {
	if !q.Enabled {
		return false
	}
	local := t.In(loc)
	m := local.Hour()*60 + local.Minute()
	start, end := q.Start.Minutes(), q.End.Minutes()
	switch {
	case start == end:
		return false
	case start < end:
		return m >= start && m < end
	default:
		return m >= start || m < end
	}
}

// QuietHoursEnd returns the end of the window containing t. Only meaningful
// when InQuietHours is true.
func QuietHoursEnd(q notification.QuietHours, loc *time.Location, t time.Time) time.Time {
	local := t.In(loc)
	end := time.Date(local.Year(), local.Month(), local.Day(), q.End.Hour, q.End.Minute, 0, 0, loc)
	if !end.After(local) {
		end = end.AddDate(0, 0, 1)
	}
	return end.UTC()
}

// NextAllowed is t itself unless t falls in quiet hours and p is not URGENT.
func NextAllowed(prefs *notification.Preferences, p notification.Priority, t time.Time) time.Time {
	if p == notification.PriorityUrgent {
		return t
	}
	loc := prefs.Location()
	if !InQuietHours(prefs.QuietHours, loc, t) {
		return t
	}
	return QuietHoursEnd(prefs.QuietHours, loc, t)
}
