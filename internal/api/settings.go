package api

import (
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/render"
)

// GetPreferences handles GET /v1/users/{id}/preferences. Unknown recipients
// get the default record.
func (h *Handler) GetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := h.preferences.GetOrDefault(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to load preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// PutPreferences handles PUT /v1/users/{id}/preferences. The body replaces
// the stored record.
func (h *Handler) PutPreferences(w http.ResponseWriter, r *http.Request) {
	var p notification.Preferences
	if !h.decode(w, r, &p) {
		return
	}
	p.RecipientID = chi.URLParam(r, "id")
	if err := p.Validate(); err != nil {
		h.writeServiceError(w, r, err, "Failed to update preferences")
		return
	}

	if err := h.preferences.PutPreferences(r.Context(), &p); err != nil {
		h.writeServiceError(w, r, err, "Failed to update preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, &p)
}

// SetChannel handles POST /v1/users/{id}/channels/{channel}/{action} where
// action is enable or disable.
func (h *Handler) SetChannel(w http.ResponseWriter, r *http.Request) {
	ch, ok := notification.ParseChannel(chi.URLParam(r, "channel"))
	if !ok {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid channel", "channel must be one of EMAIL, SMS, PUSH, IN_APP")
		return
	}

	var enabled bool
	switch strings.ToLower(chi.URLParam(r, "action")) {
	case "enable":
		enabled = true
	case "disable":
		enabled = false
	default:
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid action", "action must be enable or disable")
		return
	}

	p, err := h.preferences.GetOrDefault(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to load preferences")
		return
	}
	if err := p.SetChannel(ch, enabled); err != nil {
		h.writeServiceError(w, r, err, "Failed to update preferences")
		return
	}
	if err := h.preferences.PutPreferences(r.Context(), p); err != nil {
		h.writeServiceError(w, r, err, "Failed to update preferences")
		return
	}
	h.writeJSON(w, http.StatusOK, p)
}

// GetTemplate handles GET /v1/templates/{id}
func (h *Handler) GetTemplate(w http.ResponseWriter, r *http.Request) {
	t, err := h.templates.GetTemplate(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to load template")
		return
	}
	h.writeJSON(w, http.StatusOK, t)
}

// PutTemplate handles PUT /v1/templates/{id}. Every write bumps the version.
func (h *Handler) PutTemplate(w http.ResponseWriter, r *http.Request) {
	var t notification.Template
	if !h.decode(w, r, &t) {
		return
	}
	t.ID = chi.URLParam(r, "id")

	if strings.TrimSpace(t.Body) == "" {
		h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request", "invalid body: is required")
		return
	}
	if t.Channel != "" {
		ch, ok := notification.ParseChannel(string(t.Channel))
		if !ok {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request", "invalid channel: unknown channel "+string(t.Channel))
			return
		}
		t.Channel = ch
	}
	for field, src := range map[string]string{"subject": t.Subject, "body": t.Body, "html_body": t.HTMLBody} {
		if err := render.Check(src); err != nil {
			h.writeError(w, http.StatusBadRequest, "validation_error", "Invalid request", "invalid "+field+": "+err.Error())
			return
		}
	}

	saved, err := h.templates.PutTemplate(r.Context(), &t)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to save template")
		return
	}
	h.writeJSON(w, http.StatusOK, saved)
}

// InboxMessage is one stored in-app message.
type InboxMessage struct {
	ID       string                `json:"id"`
	Subject  string                `json:"subject,omitempty"`
	Body     string                `json:"body"`
	Priority notification.Priority `json:"priority,omitempty"`
	Metadata map[string]string     `json:"metadata,omitempty"`
}

// ListInbox handles GET /v1/users/{id}/inbox, newest first.
func (h *Handler) ListInbox(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	msgs, err := h.inbox.List(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to list inbox")
		return
	}

	out := make([]InboxMessage, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, InboxMessage{
			ID:       m.NotificationID.String(),
			Subject:  m.Subject,
			Body:     m.Body,
			Priority: m.Priority,
			Metadata: m.Metadata,
		})
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}
