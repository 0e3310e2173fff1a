package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Message metrics
	messagesReceived = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_messages_received_total",
		Help: "Total number of messages received",
	}, []string{"kind"})

	messagesProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_messages_processed_total",
		Help: "Total number of messages processed",
	}, []string{"status"})

	// Command metrics
	commandsExecuted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_commands_executed_total",
		Help: "Total number of commands executed",
	}, []string{"command"})

	// AI metrics
	aiRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telegram_bot_ai_request_duration_seconds",
		Help:    "Duration of streaming AI requests, from request to final frame",
		Buckets: []float64{0.5, 1, 2.5, 5, 10, 20, 40, 80, 160},
	}, []string{"model", "status"})

	aiRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_ai_requests_total",
		Help: "Total number of AI requests",
	}, []string{"model", "status"})

	malformedFrames = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_ai_malformed_frames_total",
		Help: "Total number of stream frames skipped because they did not decode",
	})

	// Display update metrics
	displayUpdateFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_display_update_failures_total",
		Help: "Total number of failed message edits by delivery policy",
	}, []string{"policy"})

	// Rate limit metrics
	rateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_rate_limit_exceeded_total",
		Help: "Total number of rate limit exceeded events",
	}, []string{"window"})

	// Dispatcher metrics
	fetchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_fetch_errors_total",
		Help: "Total number of failed getUpdates calls",
	})

	workerPanics = promauto.NewCounter(prometheus.CounterOpts{
		Name: "telegram_bot_worker_panics_total",
		Help: "Total number of panics recovered at the per-event boundary",
	})

	queueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_bot_worker_queue_depth",
		Help: "Number of events waiting for a free worker",
	})

	// Storage metrics
	storageOperations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "telegram_bot_storage_operations_total",
		Help: "Total number of storage operations",
	}, []string{"operation", "status"})

	storageOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "telegram_bot_storage_operation_duration_seconds",
		Help:    "Duration of storage operations",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	// Active users gauge
	activeUsers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "telegram_bot_active_users",
		Help: "Number of users with conversation state",
	})
)

// Metrics provides methods to record metrics. A nil *Metrics records nothing.
type Metrics struct{}

// NewMetrics creates a new metrics instance
func NewMetrics() *Metrics {
	return &Metrics{}
}

// RecordMessageReceived records a received message
func (m *Metrics) RecordMessageReceived(kind string) {
	if m == nil {
		return
	}
	messagesReceived.WithLabelValues(kind).Inc()
}

// RecordMessageProcessed records a processed message
func (m *Metrics) RecordMessageProcessed(status string) {
	if m == nil {
		return
	}
	messagesProcessed.WithLabelValues(status).Inc()
}

// RecordCommandExecuted records an executed command
func (m *Metrics) RecordCommandExecuted(command string) {
	if m == nil {
		return
	}
	commandsExecuted.WithLabelValues(command).Inc()
}

// RecordAIRequest records an AI request
func (m *Metrics) RecordAIRequest(model, status string, duration time.Duration) {
	if m == nil {
		return
	}
	aiRequestDuration.WithLabelValues(model, status).Observe(duration.Seconds())
	aiRequestsTotal.WithLabelValues(model, status).Inc()
}

// RecordMalformedFrame records a skipped stream frame
func (m *Metrics) RecordMalformedFrame() {
	if m == nil {
		return
	}
	malformedFrames.Inc()
}

// RecordDisplayUpdateFailure records a failed message edit
func (m *Metrics) RecordDisplayUpdateFailure(policy string) {
	if m == nil {
		return
	}
	displayUpdateFailures.WithLabelValues(policy).Inc()
}

// RecordRateLimitExceeded records a rate limit exceeded event
func (m *Metrics) RecordRateLimitExceeded(window string) {
	if m == nil {
		return
	}
	rateLimitExceeded.WithLabelValues(window).Inc()
}

// RecordFetchError records a failed poll
func (m *Metrics) RecordFetchError() {
	if m == nil {
		return
	}
	fetchErrors.Inc()
}

// RecordWorkerPanic records a recovered panic
func (m *Metrics) RecordWorkerPanic() {
	if m == nil {
		return
	}
	workerPanics.Inc()
}

// SetQueueDepth sets the number of queued events
func (m *Metrics) SetQueueDepth(depth int) {
	if m == nil {
		return
	}
	queueDepth.Set(float64(depth))
}

// RecordStorageOperation records a storage operation
func (m *Metrics) RecordStorageOperation(operation, status string, duration time.Duration) {
	if m == nil {
		return
	}
	storageOperations.WithLabelValues(operation, status).Inc()
	storageOperationDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

// SetActiveUsers sets the number of active users
func (m *Metrics) SetActiveUsers(count float64) {
	if m == nil {
		return
	}
	activeUsers.Set(count)
}

// NewMetricsRouter serves the Prometheus handler at path and a health check
func NewMetricsRouter(path string) *mux.Router {
	router := mux.NewRouter()
	router.Handle(path, promhttp.Handler()).Methods(http.MethodGet)

	// Health check endpoint
	router.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	}).Methods(http.MethodGet)

	return router
}

// StartMetricsServer runs the metrics HTTP server until ctx is cancelled
func StartMetricsServer(ctx context.Context, port int, path string) error {
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      NewMetricsRouter(path),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
