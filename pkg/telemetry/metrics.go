package telemetry

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for change sets, stack events and
// backend calls. A nil *Metrics or one built from a disabled config is a
// valid no-op collector.
type Metrics struct {
	config MetricsConfig

	changeSetsCreated *prometheus.CounterVec
	commitsCompleted  *prometheus.CounterVec
	commitDuration    *prometheus.HistogramVec
	pollTicks         *prometheus.CounterVec
	stackEvents       *prometheus.CounterVec

	unitsCommitted *prometheus.CounterVec

	backendCalls    *prometheus.CounterVec
	backendDuration *prometheus.HistogramVec
	backendErrors   *prometheus.CounterVec

	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		return &Metrics{config: cfg}, nil
	}

	namespace := cfg.Namespace
	buckets := cfg.DefaultHistogramBuckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	registry := prometheus.NewRegistry()

	m := &Metrics{
		config:   cfg,
		registry: registry,

		changeSetsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "change_sets_created_total",
				Help:      "Total number of change sets submitted",
			},
			[]string{"type"},
		),
		commitsCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commits_completed_total",
				Help:      "Total number of commits by outcome",
			},
			[]string{"type", "outcome"},
		),
		commitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "commit_duration_seconds",
				Help:      "Wall time of commits in seconds",
				Buckets:   buckets,
			},
			[]string{"type", "outcome"},
		),
		pollTicks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "poll_ticks_total",
				Help:      "Total number of backend polls by phase",
			},
			[]string{"phase"},
		),
		stackEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stack_events_total",
				Help:      "Total number of stack events processed",
			},
			[]string{"resource_type", "status"},
		),
		unitsCommitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "units_committed_total",
				Help:      "Total number of staged unit commits by kind and result",
			},
			[]string{"kind", "result"},
		),
		backendCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_calls_total",
				Help:      "Total number of backend API calls",
			},
			[]string{"service", "operation"},
		),
		backendDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "backend_call_duration_seconds",
				Help:      "Duration of backend API calls in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"service", "operation"},
		),
		backendErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "backend_errors_total",
				Help:      "Total number of failed backend API calls",
			},
			[]string{"service", "operation"},
		),
		errorsByClass: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_class_total",
				Help:      "Total number of errors by error class",
			},
			[]string{"class"},
		),
		errorsByCode: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "errors_by_code_total",
				Help:      "Total number of errors by error code",
			},
			[]string{"code"},
		),
	}

	registry.MustRegister(
		m.changeSetsCreated,
		m.commitsCompleted,
		m.commitDuration,
		m.pollTicks,
		m.stackEvents,
		m.unitsCommitted,
		m.backendCalls,
		m.backendDuration,
		m.backendErrors,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

func (m *Metrics) enabled() bool {
	return m != nil && m.registry != nil
}

// RecordChangeSet counts a submitted change set.
func (m *Metrics) RecordChangeSet(changeSetType string) {
	if !m.enabled() {
		return
	}
	m.changeSetsCreated.WithLabelValues(changeSetType).Inc()
}

// RecordCommit records the outcome and duration of a commit or teardown.
func (m *Metrics) RecordCommit(changeSetType, outcome string, duration time.Duration) {
	if !m.enabled() {
		return
	}
	m.commitsCompleted.WithLabelValues(changeSetType, outcome).Inc()
	m.commitDuration.WithLabelValues(changeSetType, outcome).Observe(duration.Seconds())
}

// RecordPollTick counts one backend poll of the plan, apply or teardown phase.
func (m *Metrics) RecordPollTick(phase string) {
	if !m.enabled() {
		return
	}
	m.pollTicks.WithLabelValues(phase).Inc()
}

// RecordStackEvent counts a processed stack event.
func (m *Metrics) RecordStackEvent(resourceType, status string) {
	if !m.enabled() {
		return
	}
	m.stackEvents.WithLabelValues(resourceType, status).Inc()
}

// RecordUnit counts a staged unit commit. Result is committed, skipped or failed.
func (m *Metrics) RecordUnit(kind, result string) {
	if !m.enabled() {
		return
	}
	m.unitsCommitted.WithLabelValues(kind, result).Inc()
}

// RecordBackendCall records a backend API call with its duration.
func (m *Metrics) RecordBackendCall(service, operation string, duration time.Duration, err error) {
	if !m.enabled() {
		return
	}
	m.backendCalls.WithLabelValues(service, operation).Inc()
	m.backendDuration.WithLabelValues(service, operation).Observe(duration.Seconds())
	if err != nil {
		m.backendErrors.WithLabelValues(service, operation).Inc()
	}
}

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if !m.enabled() {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Timer provides a convenient way to time operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the elapsed time since the timer was created.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if !m.enabled() {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// StartMetricsServer serves the metrics endpoint in the background. It
// returns nil when metrics are disabled; the caller shuts the server down.
func (m *Metrics) StartMetricsServer(logger *Logger) *http.Server {
	if !m.enabled() {
		return nil
	}

	path := m.config.Path
	if path == "" {
		path = "/metrics"
	}
	mux := http.NewServeMux()
	mux.Handle(path, m.Handler())

	server := &http.Server{
		Addr:              m.config.ListenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server stopped")
		}
	}()

	return server
}
