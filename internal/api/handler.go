package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/circuitbreaker"
	"github.com/lalithlochan/herald/internal/dispatch"
	"github.com/lalithlochan/herald/internal/ingest"
	"github.com/lalithlochan/herald/internal/notification"
	"github.com/lalithlochan/herald/internal/sender"
)

// Dispatcher is the notification lifecycle as seen by the API.
type Dispatcher interface {
	Submit(ctx context.Context, req *notification.Request) (*dispatch.SubmitResult, error)
	Cancel(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	Retry(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	ConfirmDelivery(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	Get(ctx context.Context, id uuid.UUID) (*notification.Notification, error)
	GetByExternalEventID(ctx context.Context, externalEventID string) (*notification.Notification, error)
	ListByRecipient(ctx context.Context, recipientID string, p dispatch.Page) ([]*notification.Notification, error)
	ListPending(ctx context.Context, limit int) ([]*notification.Notification, error)
	ListFailedRetryable(ctx context.Context, limit int) ([]*notification.Notification, error)
	ListDeliveries(ctx context.Context, id uuid.UUID) ([]*notification.Delivery, error)
}

type PreferenceStore interface {
	GetOrDefault(ctx context.Context, recipientID string) (*notification.Preferences, error)
	PutPreferences(ctx context.Context, p *notification.Preferences) error
}

type TemplateStore interface {
	GetTemplate(ctx context.Context, id string) (*notification.Template, error)
	PutTemplate(ctx context.Context, t *notification.Template) (*notification.Template, error)
}

// EventQueue accepts inbound events for asynchronous ingestion.
type EventQueue interface {
	Enqueue(ctx context.Context, ev *ingest.Event) (string, error)
}

// EventIngester submits an inbound event synchronously.
type EventIngester interface {
	HandleEvent(ctx context.Context, source string, ev *ingest.Event) ([]ingest.Result, error)
}

// InboxReader lists stored in-app messages.
type InboxReader interface {
	List(ctx context.Context, recipientID string, limit int) ([]*sender.Message, error)
}

// ErrorResponse represents an error in problem+json format
type ErrorResponse struct {
	Type   string `json:"type"`
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail,omitempty"`
}

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxBatchSize     = 100
	healthTimeout    = 2 * time.Second
)

// Handler holds dependencies for API handlers
type Handler struct {
	logger      *zap.Logger
	dispatcher  Dispatcher
	preferences PreferenceStore
	templates   TemplateStore
	queue       EventQueue    // nil if SQS not configured
	ingester    EventIngester // used for /v1/events when queue is nil
	inbox       InboxReader   // nil hides the inbox route
	checks      map[string]func(context.Context) error
	breakers    func() []circuitbreaker.Snapshot
}

type Option func(*Handler)

// WithEventQueue makes POST /v1/events enqueue instead of ingesting inline.
func WithEventQueue(q EventQueue) Option { return func(h *Handler) { h.queue = q } }

func WithIngester(i EventIngester) Option { return func(h *Handler) { h.ingester = i } }

func WithInbox(i InboxReader) Option { return func(h *Handler) { h.inbox = i } }

// WithHealthCheck adds a dependency probe to GET /health.
func WithHealthCheck(name string, check func(context.Context) error) Option {
	return func(h *Handler) {
		if h.checks == nil {
			h.checks = make(map[string]func(context.Context) error)
		}
		h.checks[name] = check
	}
}

// WithBreakers reports per-channel circuit breaker state on GET /health.
func WithBreakers(snapshots func() []circuitbreaker.Snapshot) Option {
	return func(h *Handler) { h.breakers = snapshots }
}

func NewHandler(logger *zap.Logger, d Dispatcher, prefs PreferenceStore, templates TemplateStore, opts ...Option) *Handler {
	h := &Handler{
		logger:      logger,
		dispatcher:  d,
		preferences: prefs,
		templates:   templates,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", zap.Error(err))
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, errType, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)

	json.NewEncoder(w).Encode(ErrorResponse{
		Type:   errType,
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

// problemFor maps dispatcher and store errors onto problem+json. ok is
// false for errors the client cannot act on.
func problemFor(err error) (p ErrorResponse, ok bool) {
	var (
		validation *notification.ValidationError
		denied     *notification.PreferenceDeniedError
		illegal    *notification.IllegalStateError
	)
	switch {
	case errors.As(err, &validation):
		return ErrorResponse{"validation_error", "Invalid request", http.StatusBadRequest, validation.Error()}, true
	case errors.As(err, &denied):
		return ErrorResponse{"preference_denied", "Channel disabled by recipient", http.StatusUnprocessableEntity, denied.Error()}, true
	case errors.As(err, &illegal):
		return ErrorResponse{"illegal_state", "Operation not allowed in current status", http.StatusConflict, illegal.Error()}, true
	case errors.Is(err, notification.ErrNotFound):
		return ErrorResponse{"not_found", "Notification not found", http.StatusNotFound, ""}, true
	case errors.Is(err, notification.ErrTemplateNotFound):
		return ErrorResponse{"not_found", "Template not found", http.StatusNotFound, ""}, true
	case errors.Is(err, dispatch.ErrConflict):
		return ErrorResponse{"conflict", "Notification changed concurrently", http.StatusConflict, "retry the request"}, true
	}
	return ErrorResponse{}, false
}

// writeServiceError writes the problem for err. title names the failed
// operation and is used for 5xx responses.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, title string) {
	p, ok := problemFor(err)
	if !ok {
		h.logger.Error(title,
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		p = ErrorResponse{Type: "internal_error", Title: title, Status: http.StatusInternalServerError}
	}
	h.writeError(w, p.Status, p.Type, p.Title, p.Detail)
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Malformed JSON body", err.Error())
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid notification ID", "ID must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// queryInt reads a non-negative integer query parameter, returning def when
// it is absent.
func (h *Handler) queryInt(w http.ResponseWriter, r *http.Request, name string, def int) (int, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		h.writeError(w, http.StatusBadRequest, "invalid_request", "Invalid "+name, name+" must be a non-negative integer")
		return 0, false
	}
	return v, true
}

func (h *Handler) limit(w http.ResponseWriter, r *http.Request) (int, bool) {
	limit, ok := h.queryInt(w, r, "limit", defaultListLimit)
	if !ok {
		return 0, false
	}
	if limit == 0 {
		limit = defaultListLimit
	}
	return min(limit, maxListLimit), true
}

// HealthReport is the body of GET /health once any probe or breaker is
// registered.
type HealthReport struct {
	Status   string                    `json:"status"`
	Checks   map[string]string         `json:"checks,omitempty"`
	Breakers []circuitbreaker.Snapshot `json:"breakers,omitempty"`
}

// Health handles GET /health. A failing dependency probe turns the response
// into a 503. An open breaker only marks the report degraded, since the
// other channels keep delivering.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if len(h.checks) == 0 && h.breakers == nil {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	status := http.StatusOK
	report := HealthReport{Status: "ok"}
	if len(h.checks) > 0 {
		report.Checks = make(map[string]string, len(h.checks))
	}
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("dependency", name), zap.Error(err))
			report.Checks[name] = err.Error()
			report.Status = "unavailable"
			status = http.StatusServiceUnavailable
			continue
		}
		report.Checks[name] = "ok"
	}

	if h.breakers != nil {
		report.Breakers = h.breakers()
		for _, b := range report.Breakers {
			if b.State != circuitbreaker.StateClosed && status == http.StatusOK {
				report.Status = "degraded"
			}
		}
	}
	h.writeJSON(w, status, report)
}
