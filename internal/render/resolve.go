package render

import (
	"fmt"

	"github.com/lalithlochan/herald/internal/notification"
)

// Rendered is the final content of one attempt.
type Rendered struct {
	Subject  string
	Body     string
	HTMLBody string
}

// Primary is the body persisted on the notification: HTML for email when
// present, plain text otherwise.
func (r Rendered) Primary() string {
	if r.HTMLBody != "" {
		return r.HTMLBody
	}
	return r.Body
}

// Resolve picks the template strings for n and renders them. Per-request
// content overrides replace the matching template field. tpl may be nil when
// the request carried literal content only.
func Resolve(tpl *notification.Template, n *notification.Notification) (Rendered, error) {
	var subject, body, html string
	if tpl != nil {
		subject, body, html = tpl.Subject, tpl.Body, tpl.HTMLBody
	}
	if c := n.Content; c != nil {
		if c.Subject != "" {
			subject = c.Subject
		}
		if c.Body != "" {
			body = c.Body
		}
		if c.HTMLBody != "" {
			html = c.HTMLBody
		}
	}
	if n.Channel != notification.ChannelEmail {
		if body == "" {
			body = html
		}
		html = ""
	}
	if body == "" && html == "" {
		return Rendered{}, fmt.Errorf("no content for channel %s", n.Channel)
	}

	vars := Variables(n)
	var out Rendered
	var err error
	if out.Subject, err = Render(subject, vars); err != nil {
		return Rendered{}, fmt.Errorf("subject: %w", err)
	}
	if out.Body, err = Render(body, vars); err != nil {
		return Rendered{}, fmt.Errorf("body: %w", err)
	}
	if out.HTMLBody, err = RenderHTML(html, vars); err != nil {
		return Rendered{}, fmt.Errorf("html body: %w", err)
	}
	return out, nil
}
