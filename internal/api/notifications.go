package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/notification"
)

// BatchRequest is the body of POST /v1/notifications/batch.
type BatchRequest struct {
	Notifications []*notification.Request `json:"notifications"`
}

// BatchItem is the outcome of one request in a batch. Exactly one of the
// result fields or Error is set.
type BatchItem struct {
	Index           int                 `json:"index"`
	ExternalEventID string              `json:"external_event_id,omitempty"`
	ID              *uuid.UUID          `json:"id,omitempty"`
	Status          notification.Status `json:"status,omitempty"`
	Duplicate       bool                `json:"duplicate,omitempty"`
	Error           *ErrorResponse      `json:"error,omitempty"`
}

type BatchResponse struct {
	Accepted int         `json:"accepted"`
	Rejected int         `json:"rejected"`
	Results  []BatchItem `json:"results"`
}

// CreateNotification handles POST /v1/notifications
// A replayed external_event_id returns the original notification with 200.
func (h *Handler) CreateNotification(w http.ResponseWriter, r *http.Request) {
	var req notification.Request
	if !h.decode(w, r, &req) {
		return
	}

	res, err := h.dispatcher.Submit(r.Context(), &req)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to create notification")
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	h.writeJSON(w, status, res)
}

// CreateBatch handles POST /v1/notifications/batch. Every item is submitted
// independently; one rejection does not affect the others.
func (h *Handler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	var req BatchRequest
	if !h.decode(w, r, &req) {
		return
	}
	if len(req.Notifications) == 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Empty batch", "notifications must not be empty")
		return
	}
	if len(req.Notifications) > maxBatchSize {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Batch too large", "a batch holds at most 100 notifications")
		return
	}

	resp := BatchResponse{Results: make([]BatchItem, 0, len(req.Notifications))}
	for i, item := range req.Notifications {
		out := BatchItem{Index: i}
		if item == nil {
			out.Error = &ErrorResponse{Type: "validation_error", Title: "Invalid request", Status: http.StatusBadRequest, Detail: "null entry"}
			resp.Rejected++
			resp.Results = append(resp.Results, out)
			continue
		}
		out.ExternalEventID = item.ExternalEventID

		res, err := h.dispatcher.Submit(r.Context(), item)
		if err != nil {
			out.Error = h.itemError(item, err)
			resp.Rejected++
		} else {
			out.ID = &res.ID
			out.Status = res.Status
			out.Duplicate = res.Duplicate
			resp.Accepted++
		}
		resp.Results = append(resp.Results, out)
	}

	h.writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) itemError(req *notification.Request, err error) *ErrorResponse {
	p, ok := problemFor(err)
	if !ok {
		h.logger.Error("batch item failed",
			zap.String("external_event_id", req.ExternalEventID),
			zap.Error(err),
		)
		p = ErrorResponse{Type: "internal_error", Title: "Failed to create notification", Status: http.StatusInternalServerError}
	}
	return &p
}

// GetNotification handles GET /v1/notifications/{id}
func (h *Handler) GetNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}

	n, err := h.dispatcher.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to get notification")
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// GetByEvent handles GET /v1/notifications/by-event/{eventId}
func (h *Handler) GetByEvent(w http.ResponseWriter, r *http.Request) {
	n, err := h.dispatcher.GetByExternalEventID(r.Context(), chi.URLParam(r, "eventId"))
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to get notification")
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}

// ListNotifications handles GET /v1/notifications?recipient_id=&limit=&offset=
func (h *Handler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	recipientID := r.URL.Query().Get("recipient_id")
	if recipientID == "" {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Missing recipient_id", "recipient_id query parameter is required")
		return
	}
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	offset, ok := h.queryInt(w, r, "offset", 0)
	if !ok {
		return
	}

	list, err := h.dispatcher.ListByRecipient(r.Context(), recipientID, dispatch.Page{Limit: limit, Offset: offset})
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to list notifications")
		return
	}
	h.writeList(w, list, limit, offset)
}

// ListPending handles GET /v1/notifications/pending
func (h *Handler) ListPending(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	list, err := h.dispatcher.ListPending(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to list pending notifications")
		return
	}
	h.writeList(w, list, limit, 0)
}

// ListFailed handles GET /v1/notifications/failed. Only notifications with
// retries left are listed.
func (h *Handler) ListFailed(w http.ResponseWriter, r *http.Request) {
	limit, ok := h.limit(w, r)
	if !ok {
		return
	}
	list, err := h.dispatcher.ListFailedRetryable(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to list failed notifications")
		return
	}
	h.writeList(w, list, limit, 0)
}

func (h *Handler) writeList(w http.ResponseWriter, list []*notification.Notification, limit, offset int) {
	if list == nil {
		list = []*notification.Notification{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"notifications": list,
		"limit":         limit,
		"offset":        offset,
		"count":         len(list),
	})
}

// ListDeliveries handles GET /v1/notifications/{id}/deliveries
func (h *Handler) ListDeliveries(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	list, err := h.dispatcher.ListDeliveries(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to list deliveries")
		return
	}
	if list == nil {
		list = []*notification.Delivery{}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"deliveries": list})
}

// CancelNotification handles POST /v1/notifications/{id}/cancel
func (h *Handler) CancelNotification(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Failed to cancel notification", h.dispatcher.Cancel)
}

// RetryNotification handles POST /v1/notifications/{id}/retry. The response
// shows the claimed notification; the attempt itself runs in the background.
func (h *Handler) RetryNotification(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	n, err := h.dispatcher.Retry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to retry notification")
		return
	}
	h.writeJSON(w, http.StatusAccepted, n)
}

// ConfirmDelivery handles POST /v1/notifications/{id}/delivered, the
// provider callback for channels without synchronous confirmation.
func (h *Handler) ConfirmDelivery(w http.ResponseWriter, r *http.Request) {
	h.transition(w, r, "Failed to confirm delivery", h.dispatcher.ConfirmDelivery)
}

func (h *Handler) transition(w http.ResponseWriter, r *http.Request, title string, op func(ctx context.Context, id uuid.UUID) (*notification.Notification, error)) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	n, err := op(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, r, err, title)
		return
	}
	h.writeJSON(w, http.StatusOK, n)
}
