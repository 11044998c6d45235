package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/NikhilSetiya/agentctx/pkg/errors"
)

func fastRetryConfig(attempts int) RetryConfig {
	config := DefaultRetryConfig()
	config.MaxAttempts = attempts
	config.InitialDelay = 5 * time.Millisecond
	config.Jitter = false
	return config
}

func TestRetrier_SuccessOnFirstAttempt(t *testing.T) {
	retrier := NewRetrier(DefaultRetryConfig())

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_SuccessAfterRetries(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return appErrors.NewStorageError("put", errors.New("locked"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, attempts)
}

func TestRetrier_FailureAfterMaxAttempts(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewTimeoutExceeded("file_read", "T2", "use_fallback")
	})

	require.Error(t, err)
	assert.Equal(t, 3, attempts)
	assert.Contains(t, err.Error(), "operation failed after 3 attempts")
	assert.True(t, IsTimeoutExceeded(err))
}

func TestRetrier_NonRetryableError(t *testing.T) {
	retrier := NewRetrier(fastRetryConfig(3))

	attempts := 0
	err := retrier.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return appErrors.NewCircuitOpenError("memory_backend")
	})

	require.Error(t, err)
	assert.Equal(t, 1, attempts)
	assert.True(t, IsCircuitOpen(err))
}

func TestRetrier_ContextCancellation(t *testing.T) {
	config := fastRetryConfig(5)
	config.InitialDelay = 100 * time.Millisecond
	retrier := NewRetrier(config)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	attempts := 0
	err := retrier.Execute(ctx, func(ctx context.Context) error {
		attempts++
		return appErrors.NewStorageError("get", errors.New("io"))
	})

	require.Error(t, err)
	assert.Equal(t, context.DeadlineExceeded, err)
	assert.Equal(t, 1, attempts)
}

func TestRetrier_ExponentialBackoff(t *testing.T) {
	config := fastRetryConfig(4)
	config.InitialDelay = 10 * time.Millisecond
	config.MaxDelay = time.Second

	var delays []time.Duration
	config.OnRetry = func(attempt int, err error, delay time.Duration) {
		delays = append(delays, delay)
	}

	retrier := NewRetrier(config)
	_ = retrier.Execute(context.Background(), func(ctx context.Context) error {
		return errors.New("transient")
	})

	require.Len(t, delays, 3)
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 40 * time.Millisecond}, delays)
}

func TestRetrier_MaxDelayLimit(t *testing.T) {
	retrier := NewRetrier(RetryConfig{
		MaxAttempts:       5,
		InitialDelay:      100 * time.Millisecond,
		MaxDelay:          150 * time.Millisecond,
		BackoffMultiplier: 2.0,
	})

	for attempt := 1; attempt <= 5; attempt++ {
		assert.LessOrEqual(t, retrier.calculateDelay(attempt), 150*time.Millisecond)
	}
}

func TestDefaultRetryableErrors(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil error", nil, false},
		{"timeout", appErrors.NewTimeoutExceeded("op", "T1", "skip"), true},
		{"storage", appErrors.NewStorageError("put", errors.New("io")), true},
		{"internal", appErrors.NewInternalError("internal"), true},
		{"plain error", errors.New("x"), true},
		{"circuit open", appErrors.NewCircuitOpenError("x"), false},
		{"degraded", appErrors.NewFeatureUnavailableError("analysis", "L1"), false},
		{"validation", appErrors.NewValidationError("validation"), false},
		{"not found", appErrors.NewNotFoundError("resource"), false},
		{"budget overflow", appErrors.NewBudgetOverflowError(0.99), false},
		{"cancelled", context.Canceled, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, DefaultRetryableErrors(tt.err))
		})
	}
}

func TestGuard_TimeoutsFeedBreaker(t *testing.T) {
	policy, err := NewTimeoutPolicy(TimeoutPolicyConfig{Durations: testDurations, Grace: 5 * time.Millisecond})
	require.NoError(t, err)

	breaker := NewCircuitBreaker(CircuitBreakerConfig{
		Name:             "slow",
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
	})
	guard := NewGuard(breaker, policy, NewRetrier(fastRetryConfig(3)), LevelCacheLookup)

	calls := 0
	_, err = Do(context.Background(), guard, func(ctx context.Context) (string, error) {
		calls++
		<-ctx.Done()
		return "", ctx.Err()
	})

	require.Error(t, err)
	// two timeouts open the breaker; the third attempt is rejected
	assert.Equal(t, 2, calls)
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, StateOpen, guard.Breaker().State())
}

func TestGuard_Success(t *testing.T) {
	policy, err := NewTimeoutPolicy(TimeoutPolicyConfig{})
	require.NoError(t, err)
	guard := NewGuard(NewCircuitBreaker(DefaultCircuitBreakerConfig("ok")), policy, NewRetrier(fastRetryConfig(2)), LevelFileRead)

	value, err := Do(context.Background(), guard, func(ctx context.Context) (int, error) {
		return 7, nil
	})
	require.NoError(t, err)
	assert.Equal(t, 7, value)
}
