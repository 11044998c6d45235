package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// Name labels log lines and metrics
	Name string
	// MaxAttempts is the maximum number of attempts, including the first
	MaxAttempts int
	// InitialDelay is the initial delay before the first retry
	InitialDelay time.Duration
	// MaxDelay is the maximum delay between retries
	MaxDelay time.Duration
	// BackoffMultiplier is the multiplier for exponential backoff
	BackoffMultiplier float64
	// Jitter adds up to 10% randomness to each delay
	Jitter bool
	// RetryableErrors is a function that determines if an error is retryable
	RetryableErrors func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:       3,
		InitialDelay:      50 * time.Millisecond,
		MaxDelay:          2 * time.Second,
		BackoffMultiplier: 2.0,
		Jitter:            true,
		RetryableErrors:   DefaultRetryableErrors,
	}
}

// DefaultRetryableErrors retries storage and timeout failures. Rejections by
// the breaker, the degradation controller or validation are final.
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}

	if stderrors.Is(err, context.Canceled) {
		return false
	}

	switch errors.GetType(err) {
	case errors.ErrorTypeCircuitOpen,
		errors.ErrorTypeDegraded,
		errors.ErrorTypeValidation,
		errors.ErrorTypeNotFound,
		errors.ErrorTypeBudgetOverflow:
		return false
	}

	return true
}

// Retrier handles retry logic with exponential backoff
type Retrier struct {
	config  RetryConfig
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig) *Retrier {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 50 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 2 * time.Second
	}
	if config.BackoffMultiplier <= 0 {
		config.BackoffMultiplier = 2.0
	}
	if config.RetryableErrors == nil {
		config.RetryableErrors = DefaultRetryableErrors
	}

	return &Retrier{
		config:  config,
		logger:  logging.OrNop(config.Logger).Named("retry"),
		metrics: config.Metrics,
	}
}

// Execute executes the given function with retry logic
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) error) error {
	var lastErr error

	for attempt := 1; attempt <= r.config.MaxAttempts; attempt++ {
		if ctx.Err() != nil {
			return ctx.Err()
		}

		err := operation(ctx)
		if err == nil {
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"operation", r.config.Name,
					"attempt", attempt,
				)
			}
			return nil
		}

		lastErr = err

		if !r.config.RetryableErrors(err) {
			r.logger.Debug("Error is not retryable, stopping",
				"operation", r.config.Name,
				"error", err,
				"attempt", attempt,
			)
			return err
		}

		if attempt == r.config.MaxAttempts {
			break
		}

		delay := r.calculateDelay(attempt)

		r.logger.Debug("Operation failed, retrying",
			"operation", r.config.Name,
			"error", err,
			"attempt", attempt,
			"max_attempts", r.config.MaxAttempts,
			"delay", delay,
		)
		r.metrics.RecordRetry(r.config.Name)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	if r.config.MaxAttempts == 1 {
		return lastErr
	}

	r.logger.Warn("Operation failed after all retry attempts",
		"operation", r.config.Name,
		"error", lastErr,
		"attempts", r.config.MaxAttempts,
	)

	return fmt.Errorf("operation failed after %d attempts: %w", r.config.MaxAttempts, lastErr)
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	delay := float64(r.config.InitialDelay) * math.Pow(r.config.BackoffMultiplier, float64(attempt-1))

	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	if r.config.Jitter {
		delay += rand.Float64() * 0.1 * delay
	}

	return time.Duration(delay)
}

// Guard runs backend calls through a breaker, a timeout tier and a retrier,
// in that order from the inside out: every attempt is bounded by the tier and
// its outcome feeds the breaker.
type Guard struct {
	breaker *CircuitBreaker
	policy  *TimeoutPolicy
	retrier *Retrier
	level   TimeoutLevel
}

// NewGuard combines the three mechanisms for one dependency
func NewGuard(breaker *CircuitBreaker, policy *TimeoutPolicy, retrier *Retrier, level TimeoutLevel) *Guard {
	return &Guard{
		breaker: breaker,
		policy:  policy,
		retrier: retrier,
		level:   level,
	}
}

// Breaker returns the guarded breaker
func (g *Guard) Breaker() *CircuitBreaker {
	return g.breaker
}

// Do runs op under g. A timed out attempt counts as a breaker failure.
func Do[T any](ctx context.Context, g *Guard, op func(context.Context) (T, error)) (T, error) {
	var result T
	err := g.retrier.Execute(ctx, func(ctx context.Context) error {
		var zero T
		value, err := Call(ctx, g.breaker, func(ctx context.Context) (T, error) {
			return Execute(ctx, g.policy, g.level, op, zero)
		})
		if err != nil {
			return err
		}
		result = value
		return nil
	})
	return result, err
}
