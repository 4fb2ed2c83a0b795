package api

import (
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/ingest"
)

const maxEventBytes = 1 << 20

// EventAccepted is returned by POST /v1/events.
type EventAccepted struct {
	EventID   string          `json:"event_id"`
	MessageID string          `json:"message_id,omitempty"`
	Results   []ingest.Result `json:"results,omitempty"`
}

// CreateEvent handles POST /v1/events. With a queue configured the event is
// enqueued and the SQS consumer submits it; otherwise it is ingested inline.
// Either way the response is 202.
func (h *Handler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxEventBytes))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Unreadable body", err.Error())
		return
	}
	ev, err := ingest.Decode(body)
	if err != nil {
		h.writeServiceError(w, r, err, "Failed to accept event")
		return
	}
	if err := ev.Validate(); err != nil {
		h.writeServiceError(w, r, err, "Failed to accept event")
		return
	}

	ctx := r.Context()
	switch {
	case h.queue != nil:
		msgID, err := h.queue.Enqueue(ctx, ev)
		if err != nil {
			h.logger.Error("failed to enqueue event",
				zap.String("event_id", ev.EventID),
				zap.Error(err),
			)
			h.writeError(w, http.StatusServiceUnavailable, "enqueue_error", "Failed to enqueue event", "")
			return
		}
		h.writeJSON(w, http.StatusAccepted, EventAccepted{EventID: ev.EventID, MessageID: msgID})

	case h.ingester != nil:
		results, err := h.ingester.HandleEvent(ctx, "http", ev)
		if err != nil {
			h.writeServiceError(w, r, err, "Failed to ingest event")
			return
		}
		h.writeJSON(w, http.StatusAccepted, EventAccepted{EventID: ev.EventID, Results: results})

	default:
		h.writeError(w, http.StatusServiceUnavailable, "ingest_unavailable", "Event ingestion not configured", "")
	}
}
