package core

import (
	"context"
	stderrors "errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentctx/internal/eventbus"
	"github.com/NikhilSetiya/agentctx/internal/memory"
	"github.com/NikhilSetiya/agentctx/pkg/config"
	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/health"
	"github.com/NikhilSetiya/agentctx/pkg/resilience"
)

var errBackendDown = stderrors.New("backend down")

// switchableBackend fails every Put while down is set
type switchableBackend struct {
	*memory.InMemoryBackend
	down atomic.Bool
}

func (b *switchableBackend) Put(ctx context.Context, entry *memory.Entry) error {
	if b.down.Load() {
		return errBackendDown
	}
	return b.InMemoryBackend.Put(ctx, entry)
}

type topicRecorder struct {
	mu     sync.Mutex
	topics []string
	events []*eventbus.Event
}

func (r *topicRecorder) handle(ctx context.Context, e *eventbus.Event) (interface{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.topics = append(r.topics, e.Topic)
	r.events = append(r.events, e)
	return nil, nil
}

func (r *topicRecorder) find(topic string) []*eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*eventbus.Event
	for _, e := range r.events {
		if e.Topic == topic {
			out = append(out, e)
		}
	}
	return out
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Memory.Store.Backend = memory.BackendMemory
	cfg.Memory.Store.Retries = 0
	cfg.Timeout.CircuitBreaker.FailureThreshold = 2
	cfg.TokenBudget.MaxTokens = 1000
	cfg.TokenBudget.ReservedTokens = 0
	cfg.TokenBudget.HandoffMaxTokens = 500
	cfg.Metrics.Namespace = "test"
	return cfg
}

func newTestCore(t *testing.T, cfg *config.Config, opts ...Option) *Core {
	t.Helper()
	c, err := New(context.Background(), cfg, nil, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close(context.Background()) })
	return c
}

func TestNew_Defaults(t *testing.T) {
	c := newTestCore(t, testConfig())
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.Memory)
	assert.NotNil(t, c.Budget)
	assert.NotNil(t, c.Sessions)
	assert.Equal(t, 1000, c.Budget.AvailableTokens())
	assert.Equal(t, resilience.LevelNormal, c.Degradation.Level())

	status, err := c.Status(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "L0", status.DegradationLevel)
	assert.Equal(t, "none", status.Budget.Level)
	assert.Equal(t, health.StatusHealthy, status.Health.Status)
	assert.Nil(t, status.Session)
}

func TestNew_RejectsUnknownBackend(t *testing.T) {
	cfg := testConfig()
	cfg.Memory.Store.Backend = "tape"
	_, err := New(context.Background(), cfg, nil)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))
}

func TestCore_BudgetDrivesCheckpointAndHandoff(t *testing.T) {
	c := newTestCore(t, testConfig())
	ctx := context.Background()

	state, err := c.Sessions.StartSession(ctx, "ship search", []string{"design", "build"}, "")
	require.NoError(t, err)

	_, err = c.Memory.Save(ctx, &memory.Entry{
		Content:    "architecture notes",
		Priority:   memory.PriorityHigh,
		TokenCount: 920,
		SessionID:  state.SessionID,
	})
	require.NoError(t, err)

	checkpoints, err := c.Sessions.ListCheckpoints(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 1, "critical usage checkpoints the session")
	_, ok := c.LastHandoff()
	assert.False(t, ok)

	_, err = c.Memory.Save(ctx, &memory.Entry{
		Content:    "more notes",
		Priority:   memory.PriorityHigh,
		TokenCount: 40,
		SessionID:  state.SessionID,
	})
	require.NoError(t, err)

	pkg, ok := c.LastHandoff()
	require.True(t, ok, "overflow prepares a handoff")
	assert.LessOrEqual(t, pkg.TokenCount(), 500)
	assert.Equal(t, "ship search", pkg.State().Objective)

	checkpoints, err = c.Sessions.ListCheckpoints(ctx, state.SessionID)
	require.NoError(t, err)
	assert.Len(t, checkpoints, 2)

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "overflow", status.Budget.Level)
	require.NotNil(t, status.Session)
	assert.Equal(t, state.SessionID, status.Session.SessionID)
}

func TestCore_BudgetWithoutSession(t *testing.T) {
	c := newTestCore(t, testConfig())
	ctx := context.Background()

	_, err := c.Memory.Save(ctx, &memory.Entry{Content: "x", Priority: memory.PriorityHigh, TokenCount: 990})
	require.NoError(t, err)

	checkpoints, err := c.Sessions.ListCheckpoints(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, checkpoints)
	assert.Equal(t, "overflow", c.Budget.Level().String())
}

func TestCore_BackendFailureDegradesToReadOnly(t *testing.T) {
	backend := &switchableBackend{InMemoryBackend: memory.NewInMemoryBackend()}
	cfg := testConfig()
	cfg.Timeout.CircuitBreaker.ResetTimeoutMS = 50
	c := newTestCore(t, cfg, WithBackend(backend))
	ctx := context.Background()

	events := &topicRecorder{}
	_, err := c.Bus.SubscribeFunc("*", events.handle)
	require.NoError(t, err)

	backend.down.Store(true)
	for i := 0; i < 2; i++ {
		_, err := c.Memory.Save(ctx, &memory.Entry{Content: "note"})
		require.Error(t, err)
		assert.True(t, errors.IsType(err, errors.ErrorTypeStorage))
	}

	assert.Equal(t, resilience.StateOpen, c.Breakers.Get(MemoryDependency).State())
	assert.Equal(t, resilience.LevelEmergency, c.Degradation.Level())

	changed := events.find(eventbus.TopicCircuitStateChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, MemoryDependency, changed[0].String("name"))
	assert.Equal(t, "OPEN", changed[0].String("new_state"))

	degraded := events.find(eventbus.TopicSystemDegraded)
	require.Len(t, degraded, 1)
	assert.Equal(t, "L4", degraded[0].String("level"))

	_, err = c.Memory.Save(ctx, &memory.Entry{Content: "note"})
	assert.True(t, errors.IsType(err, errors.ErrorTypeDegraded))

	status, err := c.Status(ctx)
	require.NoError(t, err)
	assert.Equal(t, "L4", status.DegradationLevel)
	assert.Contains(t, status.DisabledFeatures, memory.FeatureMemoryWrite)
	assert.Equal(t, health.StatusUnhealthy, status.Health.Status)

	// health cycles alone bring the breaker back and walk the level down
	backend.down.Store(false)
	time.Sleep(100 * time.Millisecond)
	previous := c.Degradation.Level()
	for i := 0; i < 10 && c.Degradation.Level() != resilience.LevelNormal; i++ {
		require.True(t, c.recoveryCheck.Probe(ctx))
		level, _ := c.Degradation.RecoverStep(ctx, true)
		assert.LessOrEqual(t, int(previous-level), 1, "recovery steps one level at a time")
		previous = level
	}
	assert.Equal(t, resilience.LevelNormal, c.Degradation.Level())
	assert.Equal(t, resilience.StateClosed, c.Breakers.Get(MemoryDependency).State())

	_, err = c.Memory.Save(ctx, &memory.Entry{Content: "note"})
	assert.NoError(t, err)
}

func TestCore_RecoveryCheckRespectsOpenBreaker(t *testing.T) {
	backend := &switchableBackend{InMemoryBackend: memory.NewInMemoryBackend()}
	c := newTestCore(t, testConfig(), WithBackend(backend))
	ctx := context.Background()

	backend.down.Store(true)
	for i := 0; i < 2; i++ {
		_, err := c.Memory.Save(ctx, &memory.Entry{Content: "note"})
		require.Error(t, err)
	}
	backend.down.Store(false)

	// the reset timeout has not elapsed, so the ping is rejected by the breaker
	assert.False(t, c.recoveryCheck.Probe(ctx))
	level, moved := c.Degradation.RecoverStep(ctx, c.recoveryCheck.Probe(ctx))
	assert.False(t, moved)
	assert.Equal(t, resilience.LevelEmergency, level)
}

func TestCore_StartAndClose(t *testing.T) {
	cfg := testConfig()
	cfg.Degradation.RecoveryIntervalMS = 10
	c, err := New(context.Background(), cfg, nil)
	require.NoError(t, err)

	c.Start(context.Background())
	c.Degradation.DegradeTo(context.Background(), resilience.LevelPartial, "test")

	assert.Eventually(t, func() bool {
		return c.Degradation.Level() == resilience.LevelNormal
	}, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, c.Close(context.Background()))
	require.NoError(t, c.Close(context.Background()))
}
