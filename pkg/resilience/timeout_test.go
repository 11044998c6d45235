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

var testDurations = []time.Duration{
	20 * time.Millisecond,
	40 * time.Millisecond,
	80 * time.Millisecond,
	160 * time.Millisecond,
	320 * time.Millisecond,
}

func newTestPolicy(t *testing.T, strategy FallbackStrategy) *TimeoutPolicy {
	t.Helper()
	p, err := NewTimeoutPolicy(TimeoutPolicyConfig{
		Durations: testDurations,
		Grace:     10 * time.Millisecond,
		Strategy:  strategy,
	})
	require.NoError(t, err)
	return p
}

func sleepOrCancel(d time.Duration, value string) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		select {
		case <-time.After(d):
			return value, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func TestNewTimeoutPolicy_Validation(t *testing.T) {
	_, err := NewTimeoutPolicy(TimeoutPolicyConfig{Durations: []time.Duration{time.Second}})
	assert.Error(t, err)

	_, err = NewTimeoutPolicy(TimeoutPolicyConfig{Durations: []time.Duration{
		10 * time.Millisecond, 5 * time.Millisecond, time.Second, 2 * time.Second, 3 * time.Second,
	}})
	assert.Error(t, err)

	_, err = NewTimeoutPolicy(TimeoutPolicyConfig{Strategy: "lenient"})
	assert.Error(t, err)

	p, err := NewTimeoutPolicy(TimeoutPolicyConfig{})
	require.NoError(t, err)
	assert.Equal(t, StrategyGraceful, p.Strategy())
	assert.Equal(t, FallbackSkip, p.Tier(LevelCacheLookup).Fallback)
	assert.Equal(t, FallbackAbortSummary, p.Tier(LevelAnalysis).Fallback)
	assert.Equal(t, 2*time.Second, p.Tier(LevelLayerLoad).Duration)
}

func TestTimeoutLevel_Names(t *testing.T) {
	assert.Equal(t, "T1", LevelCacheLookup.String())
	assert.Equal(t, "cache_lookup", LevelCacheLookup.Operation())
	assert.Equal(t, "T5", LevelAnalysis.String())
	assert.Equal(t, "analysis", LevelAnalysis.Operation())
	assert.Equal(t, "UNKNOWN", TimeoutLevel(9).String())
}

func TestExecute_CompletesWithinDeadline(t *testing.T) {
	p := newTestPolicy(t, StrategyGraceful)

	value, err := Execute(context.Background(), p, LevelFileRead, sleepOrCancel(time.Millisecond, "content"), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "content", value)
}

func TestExecute_PropagatesOperationError(t *testing.T) {
	p := newTestPolicy(t, StrategyGraceful)
	boom := errors.New("boom")

	_, err := Execute(context.Background(), p, LevelFileRead, func(ctx context.Context) (string, error) {
		return "", boom
	}, "fallback")
	assert.ErrorIs(t, err, boom)
	assert.False(t, IsTimeoutExceeded(err))
}

func TestExecute_ReturnsFallbackOnTimeout(t *testing.T) {
	durations := []time.Duration{
		50 * time.Millisecond,
		100 * time.Millisecond,
		150 * time.Millisecond,
		200 * time.Millisecond,
		250 * time.Millisecond,
	}
	p, err := NewTimeoutPolicy(TimeoutPolicyConfig{
		Durations: durations,
		Grace:     10 * time.Millisecond,
		Strategy:  StrategyGraceful,
	})
	require.NoError(t, err)

	tests := []struct {
		level    TimeoutLevel
		fallback FallbackKind
		value    string
	}{
		{LevelCacheLookup, FallbackSkip, "cache miss"},
		{LevelFileRead, FallbackUseFallback, "cached file"},
		{LevelLayerLoad, FallbackReturnPartial, "partial layers"},
		{LevelFullLoad, FallbackCoreOnly, "core context"},
		{LevelAnalysis, FallbackAbortSummary, "analysis summary"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.level.String(), func(t *testing.T) {
			t.Parallel()
			duration := p.Tier(tt.level).Duration

			start := time.Now()
			value, err := Execute(context.Background(), p, tt.level, sleepOrCancel(10*time.Second, "late"), tt.value)
			elapsed := time.Since(start)

			require.Error(t, err)
			assert.True(t, IsTimeoutExceeded(err))
			assert.ErrorIs(t, err, context.DeadlineExceeded)
			assert.Equal(t, tt.value, value)
			assert.GreaterOrEqual(t, elapsed, duration)
			assert.Less(t, elapsed, 2*duration)

			appErr, ok := appErrors.As(err)
			require.True(t, ok)
			assert.Equal(t, tt.level.String(), appErr.Details["level"])
			assert.Equal(t, string(tt.fallback), appErr.Details["fallback"])
		})
	}
}

func TestExecute_BoundedWhenOperationIgnoresCancellation(t *testing.T) {
	p := newTestPolicy(t, StrategyGraceful)

	start := time.Now()
	value, err := Execute(context.Background(), p, LevelLayerLoad, func(ctx context.Context) (string, error) {
		time.Sleep(500 * time.Millisecond)
		return "late", nil
	}, "partial")
	elapsed := time.Since(start)

	assert.True(t, IsTimeoutExceeded(err))
	assert.Equal(t, "partial", value)
	// duration (80ms) plus grace (10ms), well under twice the duration plus slack
	assert.Less(t, elapsed, 250*time.Millisecond)
}

func TestExecute_InheritsTighterParentDeadline(t *testing.T) {
	p := newTestPolicy(t, StrategyGraceful)
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Millisecond)
	defer cancel()

	deadline := p.Deadline(ctx, LevelAnalysis)
	parent, _ := ctx.Deadline()
	assert.Equal(t, parent, deadline)

	start := time.Now()
	value, err := Execute(ctx, p, LevelAnalysis, sleepOrCancel(time.Second, "late"), "summary")
	assert.True(t, IsTimeoutExceeded(err))
	assert.Equal(t, "summary", value)
	assert.Less(t, time.Since(start), 200*time.Millisecond)
}

func TestExecute_StrictReturnsZeroValue(t *testing.T) {
	p := newTestPolicy(t, StrategyStrict)

	value, err := Execute(context.Background(), p, LevelCacheLookup, sleepOrCancel(time.Second, "late"), "fallback")
	assert.True(t, IsTimeoutExceeded(err))
	assert.Empty(t, value)
}

func TestExecute_NoneDisablesTierDeadline(t *testing.T) {
	p := newTestPolicy(t, StrategyNone)

	value, err := Execute(context.Background(), p, LevelCacheLookup, sleepOrCancel(60*time.Millisecond, "done"), "fallback")
	require.NoError(t, err)
	assert.Equal(t, "done", value)
}

func TestExecute_CallerCancellationIsNotATimeout(t *testing.T) {
	p := newTestPolicy(t, StrategyGraceful)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	_, err := Execute(ctx, p, LevelAnalysis, sleepOrCancel(time.Second, "late"), "fallback")
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, IsTimeoutExceeded(err))
}

func TestExecute_RecoversPanics(t *testing.T) {
	p := newTestPolicy(t, StrategyGraceful)

	_, err := Execute(context.Background(), p, LevelFileRead, func(ctx context.Context) (int, error) {
		panic("kaboom")
	}, 0)
	require.Error(t, err)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeInternal))
	assert.Contains(t, err.Error(), "kaboom")
}
