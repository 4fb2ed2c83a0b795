package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lalithlochan/herald/internal/metrics"
)

// NewRouter mounts the v1 API, /health and /metrics.
func NewRouter(h *Handler, logger *zap.Logger) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	r.Use(metrics.Middleware)
	r.Use(RequestLogger(logger))

	r.Route("/v1", func(r chi.Router) {
		r.Route("/notifications", func(r chi.Router) {
			r.Post("/", h.CreateNotification)
			r.Post("/batch", h.CreateBatch)
			r.Get("/", h.ListNotifications)
			r.Get("/pending", h.ListPending)
			r.Get("/failed", h.ListFailed)
			r.Get("/by-event/{eventId}", h.GetByEvent)

			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.GetNotification)
				r.Get("/deliveries", h.ListDeliveries)
				r.Post("/cancel", h.CancelNotification)
				r.Post("/retry", h.RetryNotification)
				r.Post("/delivered", h.ConfirmDelivery)
			})
		})

		r.Post("/events", h.CreateEvent)

		r.Route("/users/{id}", func(r chi.Router) {
			r.Get("/preferences", h.GetPreferences)
			r.Put("/preferences", h.PutPreferences)
			r.Post("/channels/{channel}/{action}", h.SetChannel)
			if h.inbox != nil {
				r.Get("/inbox", h.ListInbox)
			}
		})

		r.Get("/templates/{id}", h.GetTemplate)
		r.Put("/templates/{id}", h.PutTemplate)
	})

	r.Get("/health", h.Health)
	r.Handle("/metrics", metrics.Handler())

	return r
}
