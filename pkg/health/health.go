package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/resilience"
)

// Status represents the health status of a component
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusUnhealthy Status = "unhealthy"
	StatusDegraded  Status = "degraded"
	StatusUnknown   Status = "unknown"
)

// Check represents a health check
type Check struct {
	Name      string            `json:"name"`
	Status    Status            `json:"status"`
	Message   string            `json:"message,omitempty"`
	Error     string            `json:"error,omitempty"`
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// HealthResponse represents the overall health response
type HealthResponse struct {
	Status    Status            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Duration  time.Duration     `json:"duration"`
	Checks    map[string]*Check `json:"checks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Checker interface for health checks
type Checker interface {
	Check(ctx context.Context) *Check
}

// Service provides health checking functionality
type Service struct {
	checkers map[string]Checker
	timeout  time.Duration
	logger   *logging.Logger
	metadata map[string]string
	mutex    sync.RWMutex
}

// Config holds health check configuration
type Config struct {
	// Timeout bounds each individual check
	Timeout  time.Duration     `json:"timeout"`
	Metadata map[string]string `json:"metadata"`
}

// DefaultConfig returns default health check configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:  5 * time.Second,
		Metadata: make(map[string]string),
	}
}

// NewService creates a new health check service
func NewService(logger *logging.Logger, config *Config) *Service {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}

	return &Service{
		checkers: make(map[string]Checker),
		timeout:  config.Timeout,
		logger:   logging.OrNop(logger).Named("health"),
		metadata: config.Metadata,
	}
}

// RegisterChecker registers a health checker
func (s *Service) RegisterChecker(name string, checker Checker) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.checkers[name] = checker
}

// UnregisterChecker unregisters a health checker
func (s *Service) UnregisterChecker(name string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	delete(s.checkers, name)
}

// CheckHealth runs every checker concurrently. Any unhealthy check makes
// the whole response unhealthy; otherwise any degraded check degrades it.
func (s *Service) CheckHealth(ctx context.Context) *HealthResponse {
	start := time.Now()

	s.mutex.RLock()
	checkers := make(map[string]Checker, len(s.checkers))
	for name, checker := range s.checkers {
		checkers[name] = checker
	}
	s.mutex.RUnlock()

	checks := make(map[string]*Check, len(checkers))
	overallStatus := StatusHealthy

	var wg sync.WaitGroup
	var mutex sync.Mutex

	for name, checker := range checkers {
		wg.Add(1)
		go func(name string, checker Checker) {
			defer wg.Done()

			cctx, cancel := context.WithTimeout(ctx, s.timeout)
			defer cancel()
			check := checker.Check(cctx)
			if check == nil {
				check = &Check{Name: name, Status: StatusUnknown, Timestamp: time.Now()}
			}

			mutex.Lock()
			checks[name] = check
			switch check.Status {
			case StatusUnhealthy:
				overallStatus = StatusUnhealthy
			case StatusDegraded, StatusUnknown:
				if overallStatus == StatusHealthy {
					overallStatus = StatusDegraded
				}
			}
			mutex.Unlock()
		}(name, checker)
	}

	wg.Wait()

	if overallStatus != StatusHealthy {
		s.logger.Debug("Health check not healthy", "status", string(overallStatus), "checks", len(checks))
	}

	return &HealthResponse{
		Status:    overallStatus,
		Timestamp: time.Now(),
		Duration:  time.Since(start),
		Checks:    checks,
		Metadata:  s.metadata,
	}
}

// Probe reports whether every check is fully healthy. It is the recovery
// probe of the degradation controller.
func (s *Service) Probe(ctx context.Context) bool {
	return s.CheckHealth(ctx).Status == StatusHealthy
}

// Handler returns a Gin handler for health checks
func (s *Service) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 10*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		switch health.Status {
		case StatusUnhealthy:
			statusCode = http.StatusServiceUnavailable
		case StatusDegraded:
			statusCode = http.StatusPartialContent
		}

		c.JSON(statusCode, health)
	}
}

// LivenessHandler returns a simple liveness check handler
func (s *Service) LivenessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "alive",
			"timestamp": time.Now(),
		})
	}
}

// ReadinessHandler returns a readiness check handler
func (s *Service) ReadinessHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
		defer cancel()

		health := s.CheckHealth(ctx)

		statusCode := http.StatusOK
		if health.Status == StatusUnhealthy {
			statusCode = http.StatusServiceUnavailable
		}

		c.JSON(statusCode, gin.H{
			"status":    health.Status,
			"timestamp": health.Timestamp,
			"ready":     health.Status != StatusUnhealthy,
		})
	}
}

// BreakerSource lists breaker stats
type BreakerSource interface {
	Snapshot() []resilience.Stats
}

// BreakerChecker reports unhealthy while any breaker is open and degraded
// while any is half-open
type BreakerChecker struct {
	breakers BreakerSource
	name     string
}

// NewBreakerChecker creates a breaker health checker
func NewBreakerChecker(breakers BreakerSource, name string) *BreakerChecker {
	return &BreakerChecker{breakers: breakers, name: name}
}

// Check inspects every breaker
func (bc *BreakerChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      bc.name,
		Status:    StatusHealthy,
		Timestamp: start,
		Metadata:  make(map[string]string),
	}

	var open, halfOpen []string
	for _, stats := range bc.breakers.Snapshot() {
		check.Metadata[stats.Name] = stats.StateName
		switch stats.State {
		case resilience.StateOpen:
			open = append(open, stats.Name)
		case resilience.StateHalfOpen:
			halfOpen = append(halfOpen, stats.Name)
		}
	}
	sort.Strings(open)
	sort.Strings(halfOpen)

	switch {
	case len(open) > 0:
		check.Status = StatusUnhealthy
		check.Message = "open breakers: " + strings.Join(open, ", ")
	case len(halfOpen) > 0:
		check.Status = StatusDegraded
		check.Message = "half-open breakers: " + strings.Join(halfOpen, ", ")
	default:
		check.Message = fmt.Sprintf("%d breakers closed", len(check.Metadata))
	}
	check.Duration = time.Since(start)
	return check
}

// Pinger is anything with a connectivity check, such as the memory store
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

// PingChecker reports unhealthy when Ping fails
type PingChecker struct {
	target Pinger
	name   string
}

// NewPingChecker creates a ping health checker
func NewPingChecker(target Pinger, name string) *PingChecker {
	return &PingChecker{target: target, name: name}
}

// Check pings the target
func (pc *PingChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      pc.name,
		Timestamp: start,
	}

	if pc.target == nil {
		check.Status = StatusUnhealthy
		check.Error = "no target configured"
		check.Duration = time.Since(start)
		return check
	}

	if err := pc.target.Ping(ctx); err != nil {
		check.Status = StatusUnhealthy
		check.Error = err.Error()
		check.Duration = time.Since(start)
		return check
	}

	check.Status = StatusHealthy
	check.Message = "reachable"
	check.Duration = time.Since(start)
	check.Metadata = map[string]string{"response_time": check.Duration.String()}
	return check
}

// CustomChecker allows for custom health checks
type CustomChecker struct {
	name     string
	checkFn  func(ctx context.Context) (Status, string, error)
	metadata map[string]string
}

// NewCustomChecker creates a new custom health checker
func NewCustomChecker(name string, checkFn func(ctx context.Context) (Status, string, error)) *CustomChecker {
	return &CustomChecker{
		name:     name,
		checkFn:  checkFn,
		metadata: make(map[string]string),
	}
}

// WithMetadata adds metadata to the custom checker
func (cc *CustomChecker) WithMetadata(metadata map[string]string) *CustomChecker {
	cc.metadata = metadata
	return cc
}

// Check performs custom health check
func (cc *CustomChecker) Check(ctx context.Context) *Check {
	start := time.Now()
	check := &Check{
		Name:      cc.name,
		Timestamp: start,
		Metadata:  cc.metadata,
	}

	status, message, err := cc.checkFn(ctx)
	check.Status = status
	check.Message = message
	check.Duration = time.Since(start)

	if err != nil {
		check.Error = err.Error()
		if check.Status == StatusHealthy {
			check.Status = StatusUnhealthy
		}
	}

	return check
}
