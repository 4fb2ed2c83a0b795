package ingest

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/metrics"
	"github.com/lalithlochan/herald/internal/notification"
)

// Submitter accepts one notification request.
type Submitter interface {
	Submit(ctx context.Context, req *notification.Request) (*dispatch.SubmitResult, error)
}

// Result is the outcome for one channel of an event.
type Result struct {
	Channel   notification.Channel `json:"channel"`
	ID        uuid.UUID            `json:"id"`
	Status    notification.Status  `json:"status,omitempty"`
	Duplicate bool                 `json:"duplicate,omitempty"`
	Error     string               `json:"error,omitempty"`
}

// Handler submits every channel of an inbound event.
type Handler struct {
	submitter Submitter
	logger    *zap.Logger
}

func NewHandler(s Submitter, logger *zap.Logger) *Handler {
	return &Handler{submitter: s, logger: logger}
}

// Handle decodes body and submits one request per channel. Rejections that
// a redelivery cannot fix, such as malformed events, validation failures
// and disabled channels, are logged and reported in the results. The
// returned error is non-nil only when at least one channel failed for a
// reason worth retrying; resubmitting is safe because channels already
// accepted come back as duplicates.
func (h *Handler) Handle(ctx context.Context, source string, body []byte) ([]Result, error) {
	ev, err := Decode(body)
	if err != nil {
		metrics.RecordIngest(source, "malformed")
		h.logger.Warn("dropping malformed event", zap.String("source", source), zap.Error(err))
		return nil, nil
	}
	return h.HandleEvent(ctx, source, ev)
}

// HandleEvent is Handle for an already decoded event.
func (h *Handler) HandleEvent(ctx context.Context, source string, ev *Event) ([]Result, error) {
	reqs, err := ev.Requests()
	if err != nil {
		metrics.RecordIngest(source, "invalid")
		h.logger.Warn("dropping invalid event",
			zap.String("source", source),
			zap.String("event_id", ev.EventID),
			zap.Error(err),
		)
		return []Result{{Error: err.Error()}}, nil
	}

	results := make([]Result, 0, len(reqs))
	var transient []error
	for _, req := range reqs {
		res, err := h.submitter.Submit(ctx, req)
		if err != nil {
			results = append(results, Result{Channel: req.Channel, Error: err.Error()})
			if Permanent(err) {
				metrics.RecordIngest(source, "rejected")
				h.logger.Info("event channel rejected",
					zap.String("source", source),
					zap.String("external_event_id", req.ExternalEventID),
					zap.String("channel", string(req.Channel)),
					zap.Error(err),
				)
				continue
			}
			metrics.RecordIngest(source, "error")
			transient = append(transient, fmt.Errorf("%s: %w", req.Channel, err))
			continue
		}

		outcome := "accepted"
		if res.Duplicate {
			outcome = "duplicate"
		}
		metrics.RecordIngest(source, outcome)
		results = append(results, Result{Channel: req.Channel, ID: res.ID, Status: res.Status, Duplicate: res.Duplicate})
	}

	if len(transient) > 0 {
		return results, fmt.Errorf("event %s: %w", ev.EventID, errors.Join(transient...))
	}
	return results, nil
}

// Permanent reports whether a submission error will recur on redelivery.
func Permanent(err error) bool {
	return notification.IsValidation(err) || notification.IsPreferenceDenied(err)
}
