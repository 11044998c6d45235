package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing, so components can be built without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	// Resilience metrics
	BreakerState       *prometheus.GaugeVec
	BreakerTransitions *prometheus.CounterVec
	BreakerRejections  *prometheus.CounterVec
	DegradationLevel   prometheus.Gauge
	Timeouts           *prometheus.CounterVec
	OperationDuration  *prometheus.HistogramVec
	Retries            *prometheus.CounterVec
	Alerts             *prometheus.CounterVec

	// Event metrics
	EventsPublished *prometheus.CounterVec
	HandlerFailures *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec

	// Memory metrics
	ActiveTokens   prometheus.Gauge
	TokenUsage     prometheus.Gauge
	BudgetLevel    prometheus.Gauge
	Evictions      *prometheus.CounterVec
	Summarizations prometheus.Counter
	Checkpoints    prometheus.Counter
	Handoffs       prometheus.Counter

	// Ops server metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
	HTTPPanics   prometheus.Counter
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "agentctx",
		Enabled:   true,
	}
}

// NewMetrics creates all metrics on a private registry. It returns nil when
// metrics are disabled.
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return nil
	}

	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.Subsystem, Name: name, Help: help,
		}, labels)
	}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace, Subsystem: config.Subsystem, Name: name, Help: help,
		})
	}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace, Subsystem: config.Subsystem, Name: name, Help: help,
		})
	}

	m := &Metrics{
		registry: prometheus.NewRegistry(),

		BreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"breaker"},
		),
		BreakerTransitions: counterVec("circuit_breaker_transitions_total", "Circuit breaker state transitions", "breaker", "from", "to"),
		BreakerRejections:  counterVec("circuit_breaker_rejections_total", "Calls rejected by an open circuit breaker", "breaker"),
		DegradationLevel:   gauge("degradation_level", "Current degradation level (0..4)"),
		Timeouts:           counterVec("timeouts_total", "Operations that exceeded their tier deadline", "level"),
		OperationDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "operation_duration_seconds",
				Help:      "Duration of tiered operations",
				Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
			},
			[]string{"level", "outcome"},
		),
		Retries: counterVec("retries_total", "Retried backend operations", "operation"),
		Alerts:  counterVec("alerts_total", "Alerts raised", "severity", "outcome"),

		EventsPublished: counterVec("events_published_total", "Events published", "topic"),
		HandlerFailures: counterVec("handler_failures_total", "Event handler failures", "topic", "reason"),
		HandlerDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "handler_duration_seconds",
				Help:      "Event handler duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"topic"},
		),

		ActiveTokens:   gauge("memory_active_tokens", "Tokens held by active memory entries"),
		TokenUsage:     gauge("token_budget_usage_ratio", "Active tokens over available budget"),
		BudgetLevel:    gauge("token_budget_level", "Budget level (0=ok, 1=caution, 2=warning, 3=critical, 4=overflow)"),
		Evictions:      counterVec("memory_evictions_total", "Memory entries removed", "reason"),
		Summarizations: counter("memory_summarizations_total", "Summarization passes"),
		Checkpoints:    counter("session_checkpoints_total", "Session checkpoints created"),
		Handoffs:       counter("session_handoffs_total", "Handoff packages prepared"),

		HTTPRequests: counterVec("http_requests_total", "Ops server requests", "method", "path", "status"),
		HTTPDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "Ops server request duration",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPPanics: counter("http_panics_total", "Ops server handler panics recovered"),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.BreakerState,
		m.BreakerTransitions,
		m.BreakerRejections,
		m.DegradationLevel,
		m.Timeouts,
		m.OperationDuration,
		m.Retries,
		m.Alerts,
		m.EventsPublished,
		m.HandlerFailures,
		m.HandlerDuration,
		m.ActiveTokens,
		m.TokenUsage,
		m.BudgetLevel,
		m.Evictions,
		m.Summarizations,
		m.Checkpoints,
		m.Handoffs,
		m.HTTPRequests,
		m.HTTPDuration,
		m.HTTPPanics,
	)

	return m
}

// Registry exposes the private registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// RecordBreakerTransition records a state change and the new state gauge
func (m *Metrics) RecordBreakerTransition(breaker, from, to string, stateValue float64) {
	if m == nil {
		return
	}
	m.BreakerTransitions.WithLabelValues(breaker, from, to).Inc()
	m.BreakerState.WithLabelValues(breaker).Set(stateValue)
}

// RecordBreakerRejection records a call refused by an open breaker
func (m *Metrics) RecordBreakerRejection(breaker string) {
	if m == nil {
		return
	}
	m.BreakerRejections.WithLabelValues(breaker).Inc()
}

// SetDegradationLevel records the active degradation level
func (m *Metrics) SetDegradationLevel(level int) {
	if m == nil {
		return
	}
	m.DegradationLevel.Set(float64(level))
}

// RecordOperation records a tiered operation outcome
func (m *Metrics) RecordOperation(level, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	if outcome == "timeout" {
		m.Timeouts.WithLabelValues(level).Inc()
	}
	m.OperationDuration.WithLabelValues(level, outcome).Observe(duration.Seconds())
}

// RecordRetry records a retried operation
func (m *Metrics) RecordRetry(operation string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(operation).Inc()
}

// RecordAlert records an alert and whether it was delivered or dropped
func (m *Metrics) RecordAlert(severity, outcome string) {
	if m == nil {
		return
	}
	m.Alerts.WithLabelValues(severity, outcome).Inc()
}

// RecordPublish records an event publish
func (m *Metrics) RecordPublish(topic string) {
	if m == nil {
		return
	}
	m.EventsPublished.WithLabelValues(topic).Inc()
}

// RecordHandler records one handler invocation
func (m *Metrics) RecordHandler(topic string, duration time.Duration, failureReason string) {
	if m == nil {
		return
	}
	m.HandlerDuration.WithLabelValues(topic).Observe(duration.Seconds())
	if failureReason != "" {
		m.HandlerFailures.WithLabelValues(topic, failureReason).Inc()
	}
}

// UpdateBudget records token accounting
func (m *Metrics) UpdateBudget(activeTokens int, usage float64, level int) {
	if m == nil {
		return
	}
	m.ActiveTokens.Set(float64(activeTokens))
	m.TokenUsage.Set(usage)
	m.BudgetLevel.Set(float64(level))
}

// RecordEviction records removed memory entries
func (m *Metrics) RecordEviction(reason string, count int) {
	if m == nil || count == 0 {
		return
	}
	m.Evictions.WithLabelValues(reason).Add(float64(count))
}

// RecordSummarization records a summarization pass
func (m *Metrics) RecordSummarization() {
	if m == nil {
		return
	}
	m.Summarizations.Inc()
}

// RecordCheckpoint records a created checkpoint
func (m *Metrics) RecordCheckpoint() {
	if m == nil {
		return
	}
	m.Checkpoints.Inc()
}

// RecordHandoff records a prepared handoff package
func (m *Metrics) RecordHandoff() {
	if m == nil {
		return
	}
	m.Handoffs.Inc()
}

// RecordHTTPRequest records one ops server request. path is the route
// template so unknown URLs do not create new series.
func (m *Metrics) RecordHTTPRequest(method, path string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordHTTPPanic records a recovered handler panic
func (m *Metrics) RecordHTTPPanic() {
	if m == nil {
		return
	}
	m.HTTPPanics.Inc()
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}
