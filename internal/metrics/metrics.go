package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_http_requests_total",
			Help: "Total HTTP requests by method, route and status",
		},
		[]string{"method", "route", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "route"},
	)

	submissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_submissions_total",
			Help: "Submissions by channel and outcome (accepted, deferred, duplicate, denied, invalid)",
		},
		[]string{"channel", "outcome"},
	)

	attempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_delivery_attempts_total",
			Help: "Delivery attempts by channel and result",
		},
		[]string{"channel", "status"},
	)

	sendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_send_duration_seconds",
			Help:    "Time spent inside channel senders",
			Buckets: []float64{.01, .05, .1, .25, .5, 1, 2, 5, 10, 30},
		},
		[]string{"channel"},
	)

	endToEnd = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "herald_notification_latency_seconds",
			Help:    "Time from creation to acceptance by the channel",
			Buckets: []float64{.1, .5, 1, 5, 30, 60, 300, 900, 3600},
		},
		[]string{"channel"},
	)

	transitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_status_transitions_total",
			Help: "Persisted lifecycle transitions by target status",
		},
		[]string{"status"},
	)

	idempotencyHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "herald_idempotency_hits_total",
			Help: "Duplicate submissions answered with the existing notification",
		},
	)

	workersBusy = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_workers_busy",
			Help: "Attempts currently in flight per worker pass",
		},
		[]string{"pass"},
	)

	claimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_claimed_total",
			Help: "Notifications claimed by the worker per pass",
		},
		[]string{"pass"},
	)

	ingestMessages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "herald_ingest_messages_total",
			Help: "Inbound event messages by source and result",
		},
		[]string{"source", "result"},
	)

	breakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "herald_circuit_breaker_state",
			Help: "Circuit breaker state per channel (0 closed, 1 open, 2 half-open)",
		},
		[]string{"breaker"},
	)
)

func Handler() http.Handler {
	return promhttp.Handler()
}

func RecordRequest(method, route string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// RecordSubmission counts one Submit call by its outcome.
func RecordSubmission(channel, outcome string) {
	submissions.WithLabelValues(channel, outcome).Inc()
}

// RecordAttempt counts a finished attempt and how long the sender took.
func RecordAttempt(channel, status string, took time.Duration) {
	attempts.WithLabelValues(channel, status).Inc()
	sendLatency.WithLabelValues(channel).Observe(took.Seconds())
}

func RecordNotificationLatency(channel string, latency time.Duration) {
	endToEnd.WithLabelValues(channel).Observe(latency.Seconds())
}

func RecordTransition(status string) {
	transitions.WithLabelValues(status).Inc()
}

func RecordIdempotencyHit() {
	idempotencyHits.Inc()
}

func AddWorkersBusy(pass string, delta int) {
	workersBusy.WithLabelValues(pass).Add(float64(delta))
}

func RecordClaimed(pass string, n int) {
	claimed.WithLabelValues(pass).Add(float64(n))
}

func RecordIngest(source, result string) {
	ingestMessages.WithLabelValues(source, result).Inc()
}

// SetBreakerState matches circuitbreaker.Config.OnStateChange when the
// state is passed as an int.
func SetBreakerState(name string, state int) {
	breakerState.WithLabelValues(name).Set(float64(state))
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware records request metrics labelled by the chi route pattern so
// ids in the path do not blow up label cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		route := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			route = rc.RoutePattern()
		}
		RecordRequest(r.Method, route, wrapped.status, time.Since(start))
	})
}
