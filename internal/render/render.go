// Package render turns stored templates and notification variables into the
// subject and body handed to a channel sender.
//
// Missing variables render as "" because mustache.AllowMissingVariables
// defaults to true. The package never changes that global.
package render

import (
	"fmt"
	"strconv"

	"github.com/cbroglie/mustache"

	"github.com/lalithlochan/herald/internal/notification"
)

// Render substitutes {{name}} placeholders (dotted paths reach into nested
// maps). Values are inserted verbatim.
func Render(tpl string, vars notification.Values) (string, error) {
	return render(tpl, vars, true)
}

// RenderHTML is Render with HTML escaping of substituted values.
func RenderHTML(tpl string, vars notification.Values) (string, error) {
	return render(tpl, vars, false)
}

// Check parses tpl without rendering it.
func Check(tpl string) error {
	if tpl == "" {
		return nil
	}
	if _, err := mustache.ParseStringRaw(tpl, true); err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	return nil
}

func render(tpl string, vars notification.Values, raw bool) (string, error) {
	if tpl == "" {
		return "", nil
	}
	t, err := mustache.ParseStringRaw(tpl, raw)
	if err != nil {
		return "", fmt.Errorf("parse template: %w", err)
	}
	out, err := t.Render(templateContext(vars))
	if err != nil {
		return "", fmt.Errorf("render template: %w", err)
	}
	return out, nil
}

// number prints the way it was written (1234567, not 1.234567e+06) while
// keeping zero falsy in {{#section}} tags.
type number float64

func (n number) String() string { return strconv.FormatFloat(float64(n), 'f', -1, 64) }

func templateContext(vs notification.Values) map[string]any {
	out := make(map[string]any, len(vs))
	for k, v := range vs {
		out[k] = templateValue(v)
	}
	return out
}

func templateValue(v notification.Value) any {
	switch v.Kind() {
	case notification.KindNumber:
		f, _ := v.AsNumber()
		return number(f)
	case notification.KindMap:
		return templateContext(v.Map())
	case notification.KindList:
		items := v.List()
		out := make([]any, len(items))
		for i, item := range items {
			out[i] = templateValue(item)
		}
		return out
	default:
		return v.Interface()
	}
}

// Computed returns the defaults derived from the notification itself. They
// have the lowest precedence.
func Computed(n *notification.Notification) notification.Values {
	vs := notification.Values{
		"recipient_id":   notification.String(n.RecipientID),
		"recipient_name": notification.String(n.Recipient.FullName()),
		"channel":        notification.String(string(n.Channel)),
	}
	if n.Recipient.FirstName != "" {
		vs["first_name"] = notification.String(n.Recipient.FirstName)
	}
	if n.Recipient.LastName != "" {
		vs["last_name"] = notification.String(n.Recipient.LastName)
	}
	if n.Recipient.Username != "" {
		vs["username"] = notification.String(n.Recipient.Username)
	}
	if n.CorrelationID != "" {
		vs["correlation_id"] = notification.String(n.CorrelationID)
	}
	return vs
}

// Merge layers variable sets; later sets win on key collision. Inputs are
// not modified.
func Merge(layers ...notification.Values) notification.Values {
	size := 0
	for _, l := range layers {
		size += len(l)
	}
	out := make(notification.Values, size)
	for _, l := range layers {
		for k, v := range l.Clone() {
			out[k] = v
		}
	}
	return out
}

// Variables merges computed defaults, event data and request variables in
// ascending precedence.
func Variables(n *notification.Notification) notification.Values {
	return Merge(Computed(n), n.Variables.Event, n.Variables.Request)
}
