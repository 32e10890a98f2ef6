package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_http_requests_total",
			Help: "Total HTTP requests by method, path, and status",
		},
		[]string{"method", "path", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_http_request_duration_seconds",
			Help:    "HTTP request latency distribution",
			Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"method", "path"},
	)

	messagesEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_enqueued_total",
			Help: "Total messages enqueued by channel and priority",
		},
		[]string{"channel", "priority"},
	)

	messagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_messages_processed_total",
			Help: "Total messages leaving the queue by outcome",
		},
		[]string{"channel", "outcome"},
	)

	messageRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_message_retries_total",
			Help: "Send attempts rescheduled after a transient failure",
		},
		[]string{"channel"},
	)

	webhookEvents = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_webhook_events_total",
			Help: "Provider webhook events applied by channel and type",
		},
		[]string{"channel", "type"},
	)

	deliveryLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "courier_delivery_latency_seconds",
			Help:    "Time from provider accept to delivery confirmation",
			Buckets: []float64{.5, 1, 2, 5, 10, 30, 60, 300, 900},
		},
		[]string{"channel"},
	)

	queueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "courier_queue_depth",
			Help: "Current delivery queue entries by state",
		},
		[]string{"state"},
	)

	campaignsDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_campaigns_dispatched_total",
			Help: "Campaign executions by final status",
		},
		[]string{"status"},
	)

	rateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "courier_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiter",
		},
		[]string{"client"},
	)

	dbConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "courier_db_connections_active",
			Help: "Active database connections",
		},
	)
)

// Handler returns the Prometheus metrics HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// RecordRequest records HTTP request metrics
func RecordRequest(method, path string, status int, duration time.Duration) {
	httpRequestsTotal.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordEnqueued records a message entering the delivery queue
func RecordEnqueued(channel, priority string) {
	messagesEnqueued.WithLabelValues(channel, priority).Inc()
}

// RecordProcessed records a message leaving the queue
func RecordProcessed(channel, outcome string) {
	messagesProcessed.WithLabelValues(channel, outcome).Inc()
}

// RecordRetry records a rescheduled send attempt
func RecordRetry(channel string) {
	messageRetries.WithLabelValues(channel).Inc()
}

// RecordWebhookEvent records an applied provider status event
func RecordWebhookEvent(channel, eventType string) {
	webhookEvents.WithLabelValues(channel, eventType).Inc()
}

// ObserveDeliveryLatency records accept-to-delivered time
func ObserveDeliveryLatency(channel string, latency time.Duration) {
	deliveryLatency.WithLabelValues(channel).Observe(latency.Seconds())
}

// SetQueueDepth sets the queue gauge for one entry state
func SetQueueDepth(state string, count int) {
	queueDepth.WithLabelValues(state).Set(float64(count))
}

// RecordCampaignDispatched records a finished campaign execution
func RecordCampaignDispatched(status string) {
	campaignsDispatched.WithLabelValues(status).Inc()
}

// RecordRateLimitRejection records a rate limit rejection
func RecordRateLimitRejection(client string) {
	rateLimitRejections.WithLabelValues(client).Inc()
}

// SetDBConnections sets active database connection count
func SetDBConnections(count int) {
	dbConnectionsActive.Set(float64(count))
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

// Middleware returns HTTP middleware that records request metrics
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		RecordRequest(r.Method, r.URL.Path, wrapped.status, time.Since(start))
	})
}
