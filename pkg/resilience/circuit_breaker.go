package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateHalfOpen - circuit is half-open, limited trial requests are allowed
	StateHalfOpen
	// StateOpen - circuit is open, requests are rejected
	StateOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that opens a
	// closed breaker
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes that
	// closes the breaker again
	SuccessThreshold int
	// ResetTimeout is how long the breaker stays open after the last failure
	// before admitting trial calls
	ResetTimeout time.Duration
	// HalfOpenMaxCalls bounds the trial calls in flight while half-open
	HalfOpenMaxCalls int
	// OnStateChange is called outside the lock, one transition at a time in
	// the order the transitions happened
	OnStateChange func(StateChange)

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	// Now overrides the clock, for tests
	Now func() time.Time
}

// DefaultCircuitBreakerConfig returns the default breaker tuning
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		ResetTimeout:     30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// StateChange describes one breaker transition
type StateChange struct {
	Name         string
	From         CircuitState
	To           CircuitState
	FailureCount int
	At           time.Time
}

// Stats is a point-in-time copy of breaker counters
type Stats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"-"`
	StateName       string       `json:"state"`
	FailureCount    int          `json:"failure_count"`
	SuccessCount    int          `json:"success_count"`
	HalfOpenCalls   int          `json:"half_open_calls"`
	LastFailureTime time.Time    `json:"last_failure_time,omitempty"`
}

// CircuitBreaker is a consecutive-count state machine guarding one dependency.
// It never performs I/O itself: callers ask CanExecute and report outcomes.
type CircuitBreaker struct {
	name             string
	failureThreshold int
	successThreshold int
	resetTimeout     time.Duration
	halfOpenMaxCalls int
	onStateChange    func(StateChange)
	now              func() time.Time

	mutex           sync.Mutex
	state           CircuitState
	failureCount    int
	successCount    int
	halfOpenCalls   int
	lastFailureTime time.Time

	changes notifier[StateChange]

	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.ResetTimeout <= 0 {
		config.ResetTimeout = defaults.ResetTimeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	if config.Now == nil {
		config.Now = time.Now
	}

	return &CircuitBreaker{
		name:             config.Name,
		failureThreshold: config.FailureThreshold,
		successThreshold: config.SuccessThreshold,
		resetTimeout:     config.ResetTimeout,
		halfOpenMaxCalls: config.HalfOpenMaxCalls,
		onStateChange:    config.OnStateChange,
		now:              config.Now,
		state:            StateClosed,
		logger:           logging.OrNop(config.Logger).Named("circuit_breaker"),
		metrics:          config.Metrics,
	}
}

// CanExecute reports whether a call may proceed. An open breaker whose reset
// timeout has elapsed moves to half-open here and admits up to
// HalfOpenMaxCalls trial calls.
func (cb *CircuitBreaker) CanExecute() bool {
	cb.mutex.Lock()
	var changes []StateChange
	allowed := false

	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		now := cb.now()
		if now.Sub(cb.lastFailureTime) >= cb.resetTimeout {
			changes = append(changes, cb.setState(StateHalfOpen, now))
			allowed = cb.admitTrial()
		}
	case StateHalfOpen:
		allowed = cb.admitTrial()
	}
	cb.changes.push(changes...)
	cb.mutex.Unlock()

	cb.changes.drain(cb.notify)
	if !allowed {
		cb.metrics.RecordBreakerRejection(cb.name)
	}
	return allowed
}

// RecordSuccess reports a successful call
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mutex.Lock()
	var changes []StateChange

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		cb.releaseTrial()
		cb.successCount++
		if cb.successCount >= cb.successThreshold {
			changes = append(changes, cb.setState(StateClosed, cb.now()))
		}
	case StateOpen:
		// late result from a call admitted before the breaker tripped
	}
	cb.changes.push(changes...)
	cb.mutex.Unlock()

	cb.changes.drain(cb.notify)
}

// RecordFailure reports a failed call
func (cb *CircuitBreaker) RecordFailure() {
	cb.mutex.Lock()
	var changes []StateChange
	now := cb.now()
	cb.lastFailureTime = now
	cb.failureCount++

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= cb.failureThreshold {
			changes = append(changes, cb.setState(StateOpen, now))
		}
	case StateHalfOpen:
		changes = append(changes, cb.setState(StateOpen, now))
	}
	cb.changes.push(changes...)
	cb.mutex.Unlock()

	cb.changes.drain(cb.notify)
}

// Execute runs fn if the breaker admits it and records the outcome.
// A rejected call returns a CircuitOpen error without invoking fn. Not-found
// and validation errors are passed through but count as successes.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	_, err := Call(ctx, cb, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Call is the generic form of Execute.
func Call[T any](ctx context.Context, cb *CircuitBreaker, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	if !cb.CanExecute() {
		return zero, errors.NewCircuitOpenError(cb.name)
	}

	defer func() {
		if r := recover(); r != nil {
			cb.RecordFailure()
			panic(r)
		}
	}()

	result, err := fn(ctx)
	if isDependencyFailure(err) {
		cb.RecordFailure()
		return result, err
	}
	cb.RecordSuccess()
	return result, err
}

// isDependencyFailure reports whether err says something about the health of
// the guarded dependency. A missing record or a rejected argument means the
// dependency answered.
func isDependencyFailure(err error) bool {
	if err == nil {
		return false
	}
	switch errors.GetType(err) {
	case errors.ErrorTypeNotFound, errors.ErrorTypeValidation:
		return false
	}
	return true
}

// State returns the current state of the circuit breaker. It does not
// advance an expired open breaker; only CanExecute does that.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.state
}

// Stats returns a copy of the current counters
func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()

	return Stats{
		Name:            cb.name,
		State:           cb.state,
		StateName:       cb.state.String(),
		FailureCount:    cb.failureCount,
		SuccessCount:    cb.successCount,
		HalfOpenCalls:   cb.halfOpenCalls,
		LastFailureTime: cb.lastFailureTime,
	}
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) admitTrial() bool {
	if cb.halfOpenCalls < cb.halfOpenMaxCalls {
		cb.halfOpenCalls++
		return true
	}
	return false
}

func (cb *CircuitBreaker) releaseTrial() {
	if cb.halfOpenCalls > 0 {
		cb.halfOpenCalls--
	}
}

// setState must be called with the mutex held.
func (cb *CircuitBreaker) setState(state CircuitState, now time.Time) StateChange {
	change := StateChange{
		Name:         cb.name,
		From:         cb.state,
		To:           state,
		FailureCount: cb.failureCount,
		At:           now,
	}
	cb.state = state

	switch state {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.halfOpenCalls = 0
	case StateOpen:
		cb.successCount = 0
		cb.halfOpenCalls = 0
	case StateHalfOpen:
		cb.successCount = 0
		cb.halfOpenCalls = 0
	}

	return change
}

// notify runs outside the state mutex, one change at a time in transition
// order.
func (cb *CircuitBreaker) notify(change StateChange) {
	cb.logger.Info("Circuit breaker state changed",
		"name", change.Name,
		"from", change.From.String(),
		"to", change.To.String(),
		"failure_count", change.FailureCount,
	)
	cb.metrics.RecordBreakerTransition(change.Name, change.From.String(), change.To.String(), float64(change.To))

	if cb.onStateChange != nil {
		cb.onStateChange(change)
	}
}

// IsCircuitOpen checks if an error is a circuit breaker rejection
func IsCircuitOpen(err error) bool {
	return errors.IsType(err, errors.ErrorTypeCircuitOpen)
}

func (s Stats) String() string {
	return fmt.Sprintf("%s[%s failures=%d successes=%d]", s.Name, s.StateName, s.FailureCount, s.SuccessCount)
}
