package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics for the order broker.
type Metrics struct {
	config MetricsConfig

	// Order metrics
	ordersAdmitted  *prometheus.CounterVec
	ordersRejected  *prometheus.CounterVec
	ordersCompleted *prometheus.CounterVec
	orderDuration   *prometheus.HistogramVec

	// Callback metrics
	callbacks *prometheus.CounterVec

	// Saga metrics
	sagaSteps       *prometheus.CounterVec
	sagaFailedTasks prometheus.Gauge

	// Long poll metrics
	longPollWaits    *prometheus.CounterVec
	longPollDuration *prometheus.HistogramVec

	// Deployer metrics
	deployerSubmitDuration *prometheus.HistogramVec

	// Error metrics
	errorsByClass *prometheus.CounterVec
	errorsByCode  *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewMetrics creates a new metrics collector with the given configuration.
func NewMetrics(cfg MetricsConfig) (*Metrics, error) {
	if !cfg.Enabled {
		// Return a no-op metrics instance
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

		ordersAdmitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_admitted_total",
				Help:      "Total number of orders admitted",
			},
			[]string{"task_type"},
		),
		ordersRejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_rejected_total",
				Help:      "Total number of orders rejected before admission",
			},
			[]string{"task_type", "code"},
		),
		ordersCompleted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "orders_completed_total",
				Help:      "Total number of orders that reached a terminal status",
			},
			[]string{"task_type", "status"},
		),
		orderDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "order_duration_seconds",
				Help:      "Time from order admission to its terminal status",
				Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
			},
			[]string{"task_type"},
		),

		callbacks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "callbacks_total",
				Help:      "Total number of deployer results received",
			},
			[]string{"outcome"},
		),

		sagaSteps: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "saga_steps_total",
				Help:      "Total number of saga step outcomes",
			},
			[]string{"kind", "step", "outcome"},
		),
		sagaFailedTasks: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "saga_failed_tasks",
				Help:      "Current number of sagas awaiting an operator decision",
			},
		),

		longPollWaits: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "longpoll_waits_total",
				Help:      "Total number of long poll waits by result",
			},
			[]string{"kind", "outcome"},
		),
		longPollDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "longpoll_wait_seconds",
				Help:      "Duration of long poll waits in seconds",
				Buckets:   buckets,
			},
			[]string{"kind"},
		),

		deployerSubmitDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "deployer_submit_duration_seconds",
				Help:      "Duration of deployer plugin submissions in seconds",
				Buckets:   buckets,
			},
			[]string{"csp"},
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
		m.ordersAdmitted,
		m.ordersRejected,
		m.ordersCompleted,
		m.orderDuration,
		m.callbacks,
		m.sagaSteps,
		m.sagaFailedTasks,
		m.longPollWaits,
		m.longPollDuration,
		m.deployerSubmitDuration,
		m.errorsByClass,
		m.errorsByCode,
	)

	return m, nil
}

// Order Metrics

// RecordOrderAdmitted increments the counter for admitted orders.
func (m *Metrics) RecordOrderAdmitted(taskType string) {
	if m == nil || m.ordersAdmitted == nil {
		return
	}
	m.ordersAdmitted.WithLabelValues(taskType).Inc()
}

// RecordOrderRejected records a pre-admission rejection.
func (m *Metrics) RecordOrderRejected(taskType, code string) {
	if m == nil || m.ordersRejected == nil {
		return
	}
	m.ordersRejected.WithLabelValues(taskType, code).Inc()
}

// RecordOrderCompleted records an order reaching a terminal status.
func (m *Metrics) RecordOrderCompleted(taskType, status string, duration time.Duration) {
	if m == nil || m.ordersCompleted == nil {
		return
	}
	m.ordersCompleted.WithLabelValues(taskType, status).Inc()
	if duration > 0 {
		m.orderDuration.WithLabelValues(taskType).Observe(duration.Seconds())
	}
}

// Callback Metrics

// RecordCallback records a received result by outcome (applied, noop, not_found, invalid).
func (m *Metrics) RecordCallback(outcome string) {
	if m == nil || m.callbacks == nil {
		return
	}
	m.callbacks.WithLabelValues(outcome).Inc()
}

// Saga Metrics

// RecordSagaStep records the outcome of one saga step attempt.
func (m *Metrics) RecordSagaStep(kind, step, outcome string) {
	if m == nil || m.sagaSteps == nil {
		return
	}
	m.sagaSteps.WithLabelValues(kind, step, outcome).Inc()
}

// SetSagaFailedTasks sets the number of sagas awaiting a decision.
func (m *Metrics) SetSagaFailedTasks(count float64) {
	if m == nil || m.sagaFailedTasks == nil {
		return
	}
	m.sagaFailedTasks.Set(count)
}

// Long Poll Metrics

// RecordLongPoll records a finished long poll wait.
func (m *Metrics) RecordLongPoll(kind, outcome string, duration time.Duration) {
	if m == nil || m.longPollWaits == nil {
		return
	}
	m.longPollWaits.WithLabelValues(kind, outcome).Inc()
	m.longPollDuration.WithLabelValues(kind).Observe(duration.Seconds())
}

// Deployer Metrics

// RecordDeployerSubmit records the duration of a plugin submission.
func (m *Metrics) RecordDeployerSubmit(csp string, duration time.Duration) {
	if m == nil || m.deployerSubmitDuration == nil {
		return
	}
	m.deployerSubmitDuration.WithLabelValues(csp).Observe(duration.Seconds())
}

// Error Metrics

// RecordError records an error by class and optionally by code.
func (m *Metrics) RecordError(errorClass, errorCode string) {
	if m == nil || m.errorsByClass == nil {
		return
	}
	m.errorsByClass.WithLabelValues(errorClass).Inc()
	if errorCode != "" && m.errorsByCode != nil {
		m.errorsByCode.WithLabelValues(errorCode).Inc()
	}
}

// Registry returns the private registry, nil when metrics are disabled.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
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

// ObserveDuration is a helper to time an operation and record it.
func (t *Timer) ObserveDuration(observer prometheus.Observer) {
	observer.Observe(t.Duration().Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.registry == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}
