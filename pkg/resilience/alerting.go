package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
)

// AlertSeverity represents the severity level of an alert
type AlertSeverity int

const (
	// SeverityInfo - informational alerts
	SeverityInfo AlertSeverity = iota
	// SeverityWarning - warning alerts that need attention
	SeverityWarning
	// SeverityError - error alerts that need immediate attention
	SeverityError
	// SeverityCritical - critical alerts that need urgent attention
	SeverityCritical
)

func (s AlertSeverity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityError:
		return "ERROR"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Alert represents an alert that needs to be sent
type Alert struct {
	ID          string                 `json:"id"`
	Severity    AlertSeverity          `json:"severity"`
	Title       string                 `json:"title"`
	Description string                 `json:"description"`
	Source      string                 `json:"source"`
	Timestamp   time.Time              `json:"timestamp"`
	Tags        map[string]string      `json:"tags"`
	Metadata    map[string]interface{} `json:"metadata"`
}

// AlertHandler defines the interface for handling alerts
type AlertHandler interface {
	HandleAlert(ctx context.Context, alert Alert) error
	Name() string
}

// AlertManagerConfig holds configuration for the alert manager
type AlertManagerConfig struct {
	// RatePerSource is the sustained number of alerts per second allowed
	// from one source
	RatePerSource rate.Limit
	// Burst is the number of alerts a source may send at once
	Burst int

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultAlertManagerConfig allows a burst of 10 and then one alert every
// six seconds per source.
func DefaultAlertManagerConfig() AlertManagerConfig {
	return AlertManagerConfig{
		RatePerSource: rate.Every(6 * time.Second),
		Burst:         10,
	}
}

// ErrAlertRateLimited is returned when a source exceeds its alert budget
var ErrAlertRateLimited = stderrors.New("alert rate limit exceeded")

// AlertManager routes alerts to handlers with per-source rate limiting.
// A failing handler never prevents delivery to the others.
type AlertManager struct {
	config AlertManagerConfig

	mutex    sync.RWMutex
	handlers []AlertHandler
	limiters map[string]*rate.Limiter

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewAlertManager creates a new alert manager
func NewAlertManager(config AlertManagerConfig) *AlertManager {
	defaults := DefaultAlertManagerConfig()
	if config.RatePerSource <= 0 {
		config.RatePerSource = defaults.RatePerSource
	}
	if config.Burst <= 0 {
		config.Burst = defaults.Burst
	}

	return &AlertManager{
		config:   config,
		limiters: make(map[string]*rate.Limiter),
		logger:   logging.OrNop(config.Logger).Named("alerting"),
		metrics:  config.Metrics,
	}
}

// AddHandler adds an alert handler
func (am *AlertManager) AddHandler(handler AlertHandler) {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	am.handlers = append(am.handlers, handler)
	am.logger.Info("Alert handler added", "handler", handler.Name())
}

// SendAlert sends an alert to all registered handlers
func (am *AlertManager) SendAlert(ctx context.Context, alert Alert) error {
	if !am.limiter(alert.Source).Allow() {
		am.metrics.RecordAlert(alert.Severity.String(), "rate_limited")
		am.logger.Warn("Alert rate limit exceeded",
			"source", alert.Source,
			"title", alert.Title,
		)
		return fmt.Errorf("%w for source: %s", ErrAlertRateLimited, alert.Source)
	}

	if alert.Timestamp.IsZero() {
		alert.Timestamp = time.Now()
	}
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}

	am.mutex.RLock()
	handlers := make([]AlertHandler, len(am.handlers))
	copy(handlers, am.handlers)
	am.mutex.RUnlock()

	var lastErr error
	successCount := 0

	for _, handler := range handlers {
		if err := handler.HandleAlert(ctx, alert); err != nil {
			am.logger.Error("Alert handler failed",
				"handler", handler.Name(),
				"alert_id", alert.ID,
				"error", err,
			)
			lastErr = err
		} else {
			successCount++
		}
	}

	if successCount == 0 && lastErr != nil {
		am.metrics.RecordAlert(alert.Severity.String(), "failed")
		return fmt.Errorf("all alert handlers failed: %w", lastErr)
	}

	am.metrics.RecordAlert(alert.Severity.String(), "delivered")
	return nil
}

func (am *AlertManager) limiter(source string) *rate.Limiter {
	am.mutex.Lock()
	defer am.mutex.Unlock()

	l, ok := am.limiters[source]
	if !ok {
		l = rate.NewLimiter(am.config.RatePerSource, am.config.Burst)
		am.limiters[source] = l
	}
	return l
}

// LoggingAlertHandler logs alerts to the application logger
type LoggingAlertHandler struct {
	logger *logging.Logger
}

// NewLoggingAlertHandler creates a new logging alert handler
func NewLoggingAlertHandler(logger *logging.Logger) *LoggingAlertHandler {
	return &LoggingAlertHandler{
		logger: logging.OrNop(logger).Named("alerts"),
	}
}

// HandleAlert handles an alert by logging it
func (h *LoggingAlertHandler) HandleAlert(ctx context.Context, alert Alert) error {
	fields := []interface{}{
		"alert_id", alert.ID,
		"severity", alert.Severity.String(),
		"source", alert.Source,
		"description", alert.Description,
	}

	for key, value := range alert.Tags {
		fields = append(fields, fmt.Sprintf("tag_%s", key), value)
	}
	for key, value := range alert.Metadata {
		fields = append(fields, fmt.Sprintf("meta_%s", key), value)
	}

	switch alert.Severity {
	case SeverityInfo:
		h.logger.Info("ALERT: "+alert.Title, fields...)
	case SeverityWarning:
		h.logger.Warn("ALERT: "+alert.Title, fields...)
	case SeverityError:
		h.logger.Error("ALERT: "+alert.Title, fields...)
	case SeverityCritical:
		h.logger.Error("CRITICAL ALERT: "+alert.Title, fields...)
	}

	return nil
}

// Name returns the name of the handler
func (h *LoggingAlertHandler) Name() string {
	return "logging"
}

// DegradationSeverity maps a degradation level to an alert severity
func DegradationSeverity(level DegradationLevel) AlertSeverity {
	switch level {
	case LevelNormal:
		return SeverityInfo
	case LevelPartial:
		return SeverityWarning
	case LevelSevere:
		return SeverityError
	default:
		return SeverityCritical
	}
}

// BreakerSeverity maps a breaker's new state to an alert severity
func BreakerSeverity(to CircuitState) AlertSeverity {
	switch to {
	case StateOpen:
		return SeverityError
	case StateHalfOpen:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}
