// Package core builds every component from configuration and wires them
// together. A Core is the context object passed to commands; nothing in the
// module keeps global state.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/NikhilSetiya/agentctx/internal/budget"
	"github.com/NikhilSetiya/agentctx/internal/cache"
	"github.com/NikhilSetiya/agentctx/internal/eventbus"
	"github.com/NikhilSetiya/agentctx/internal/memory"
	"github.com/NikhilSetiya/agentctx/internal/session"
	"github.com/NikhilSetiya/agentctx/internal/version"
	"github.com/NikhilSetiya/agentctx/pkg/config"
	"github.com/NikhilSetiya/agentctx/pkg/health"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
	"github.com/NikhilSetiya/agentctx/pkg/resilience"
	"github.com/NikhilSetiya/agentctx/pkg/tracing"
)

// MemoryDependency is the breaker guarding the memory backend. While it is
// open the system runs at LevelEmergency, which disables memory writes.
const MemoryDependency = "memory_backend"

const retentionInterval = time.Hour

// Option customizes New, mostly for tests
type Option func(*options)

type options struct {
	backend memory.Backend
	now     func() time.Time
}

// WithBackend uses backend instead of opening the configured one
func WithBackend(backend memory.Backend) Option {
	return func(o *options) { o.backend = backend }
}

// WithClock overrides the clock of the memory store and session manager
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// Core owns every component of a running process
type Core struct {
	Config      *config.Config
	Logger      *logging.Logger
	Metrics     *metrics.Metrics
	Tracer      *tracing.TracingService
	Bus         *eventbus.Bus
	Policy      *resilience.TimeoutPolicy
	Breakers    *resilience.BreakerRegistry
	Degradation *resilience.DegradationController
	Alerts      *resilience.AlertManager
	Memory      *memory.Store
	Budget      *budget.Budget
	Sessions    *session.Manager
	Health      *health.Service

	// recovery health check; pings run through the dependency breakers
	recoveryCheck *health.Service
	eventAlerts   *resilience.EventAlerts
	budgetSub     string

	mu          sync.Mutex
	lastHandoff *session.HandoffPackage
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New builds and wires the components described by cfg
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger, opts ...Option) (*Core, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	c := &Core{
		Config: cfg,
		Logger: logging.OrNop(logger),
	}
	c.Metrics = metrics.NewMetrics(&metrics.Config{
		Namespace: cfg.Metrics.Namespace,
		Enabled:   cfg.Metrics.Enabled,
	})

	if cfg.Tracing.Enabled {
		tracer, err := tracing.NewTracingService(&tracing.Config{
			ServiceName:    cfg.Tracing.ServiceName,
			ServiceVersion: version.Version,
			JaegerEndpoint: cfg.Tracing.JaegerEndpoint,
			SamplingRate:   cfg.Tracing.SamplingRate,
			Enabled:        true,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to initialize tracing: %w", err)
		}
		c.Tracer = tracer
	}

	c.Bus = eventbus.New(eventbus.Config{
		HandlerTimeout: time.Duration(cfg.Events.HandlerTimeoutMS) * time.Millisecond,
		Logger:         c.Logger,
		Metrics:        c.Metrics,
		Tracer:         c.Tracer,
	})

	policy, err := resilience.NewTimeoutPolicy(resilience.TimeoutPolicyConfig{
		Durations: cfg.Timeout.Operations.Durations(),
		Grace:     time.Duration(cfg.Timeout.GraceMS) * time.Millisecond,
		Strategy:  resilience.FallbackStrategy(cfg.Timeout.Fallback.Strategy),
		Logger:    c.Logger,
		Metrics:   c.Metrics,
		Tracer:    c.Tracer,
	})
	if err != nil {
		c.Bus.Close()
		return nil, err
	}
	c.Policy = policy

	c.Degradation = resilience.NewDegradationController(resilience.DegradationConfig{
		LevelFeatures: cfg.DegradationLevels(),
		OnLevelChange: c.publishLevelChange,
		Logger:        c.Logger,
		Metrics:       c.Metrics,
	})
	c.Degradation.RegisterDependency(MemoryDependency, resilience.LevelEmergency)

	cb := cfg.Timeout.CircuitBreaker
	c.Breakers = resilience.NewBreakerRegistry(resilience.CircuitBreakerConfig{
		FailureThreshold: cb.FailureThreshold,
		SuccessThreshold: cb.SuccessThreshold,
		ResetTimeout:     time.Duration(cb.ResetTimeoutMS) * time.Millisecond,
		HalfOpenMaxCalls: cb.HalfOpenMaxCalls,
		Logger:           c.Logger,
		Metrics:          c.Metrics,
	})
	c.Breakers.OnStateChange(c.onBreakerStateChange)

	c.Alerts = resilience.NewAlertManager(resilience.AlertManagerConfig{
		Logger:  c.Logger,
		Metrics: c.Metrics,
	})
	c.Alerts.AddHandler(resilience.NewLoggingAlertHandler(c.Logger))
	if c.eventAlerts, err = resilience.NewEventAlerts(c.Bus, c.Alerts); err != nil {
		c.Bus.Close()
		return nil, err
	}

	backend := o.backend
	if backend == nil {
		if backend, err = memory.OpenBackend(ctx, cfg.Memory.Store, c.Logger); err != nil {
			c.eventAlerts.Close()
			c.Bus.Close()
			return nil, err
		}
	}
	retention, err := memory.RetentionFromConfig(cfg.Memory.Retention)
	if err != nil {
		backend.Close()
		c.eventAlerts.Close()
		c.Bus.Close()
		return nil, err
	}

	retry := resilience.DefaultRetryConfig()
	retry.Name = MemoryDependency
	retry.MaxAttempts = cfg.Memory.Store.Retries + 1
	retry.Logger = c.Logger
	retry.Metrics = c.Metrics
	guard := resilience.NewGuard(c.Breakers.Get(MemoryDependency), c.Policy, resilience.NewRetrier(retry), resilience.LevelFileRead)

	checkpointCache := openCache(cfg.Memory)
	c.Memory, err = memory.NewStore(memory.Config{
		Backend:   backend,
		Guard:     guard,
		Retention: retention,
		Bus:       c.Bus,
		Features:  c.Degradation,
		Cache:     checkpointCache,
		CacheTTL:  time.Duration(cfg.Memory.Cache.TTLMS) * time.Millisecond,
		Policy:    c.Policy,
		Logger:    c.Logger,
		Metrics:   c.Metrics,
		Tracer:    c.Tracer,
		Now:       o.now,
	})
	if err != nil {
		if checkpointCache != nil {
			checkpointCache.Close()
		}
		backend.Close()
		c.eventAlerts.Close()
		c.Bus.Close()
		return nil, err
	}

	c.Sessions, err = session.NewManager(session.Config{
		Store:   c.Memory,
		Bus:     c.Bus,
		Logger:  c.Logger,
		Metrics: c.Metrics,
		Tracer:  c.Tracer,
		Now:     o.now,
	})
	if err != nil {
		c.closeComponents(ctx)
		return nil, err
	}

	budgetConfig := budget.SettingsFromConfig(cfg.TokenBudget, cfg.Memory.Retention.MinPriority)
	budgetConfig.Store = c.Memory
	budgetConfig.Bus = c.Bus
	budgetConfig.Features = c.Degradation
	budgetConfig.OnCheckpoint = c.checkpointHook
	budgetConfig.OnHandoff = c.handoffHook
	budgetConfig.Logger = c.Logger
	budgetConfig.Metrics = c.Metrics
	budgetConfig.Tracer = c.Tracer
	if c.Budget, err = budget.New(budgetConfig); err != nil {
		c.closeComponents(ctx)
		return nil, err
	}
	if c.budgetSub, err = c.Bus.Subscribe(eventbus.TopicMemorySaved, c.Budget); err != nil {
		c.closeComponents(ctx)
		return nil, err
	}

	c.Health = health.NewService(c.Logger, nil)
	c.Health.RegisterChecker("breakers", health.NewBreakerChecker(c.Breakers, "breakers"))
	c.Health.RegisterChecker("memory", health.NewPingChecker(c.Memory, "memory"))
	// the recovery check pings through the breaker, so healthy cycles also
	// carry it from open through half-open back to closed
	c.recoveryCheck = health.NewService(c.Logger, nil)
	c.recoveryCheck.RegisterChecker("memory", health.NewPingChecker(health.PingFunc(func(ctx context.Context) error {
		return c.Breakers.Get(MemoryDependency).Execute(ctx, c.Memory.Ping)
	}), "memory"))

	c.Logger.Info("Core initialized",
		"memory_backend", cfg.Memory.Store.Backend,
		"max_tokens", cfg.TokenBudget.MaxTokens,
		"tracing", cfg.Tracing.Enabled,
	)
	return c, nil
}

// openCache builds the checkpoint cache. The redis client connects lazily;
// an unreachable cache only costs one cache_lookup deadline per read.
func openCache(cfg config.MemoryConfig) cache.Cache {
	ttl := time.Duration(cfg.Cache.TTLMS) * time.Millisecond
	switch cfg.Cache.Backend {
	case "memory":
		return cache.NewLocal(cfg.Cache.MaxEntries, ttl)
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:         cfg.Store.RedisAddr,
			DB:           cfg.Store.RedisDB,
			DialTimeout:  time.Second,
			ReadTimeout:  500 * time.Millisecond,
			WriteTimeout: 500 * time.Millisecond,
		})
		return cache.NewService(client, &cache.Config{DefaultTTL: ttl, Namespace: "agentctx:cache"})
	}
	return nil
}

// Start launches the degradation recovery loop and periodic retention. They
// stop when ctx is cancelled or Close is called.
func (c *Core) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	interval := time.Duration(c.Config.Degradation.RecoveryIntervalMS) * time.Millisecond
	c.wg.Add(2)
	go func() {
		defer c.wg.Done()
		c.Degradation.RunRecovery(ctx, interval, c.recoveryCheck.Probe)
	}()
	go func() {
		defer c.wg.Done()
		c.runRetention(ctx)
	}()
}

func (c *Core) runRetention(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		if _, err := c.Memory.ApplyRetention(ctx, time.Now()); err != nil && ctx.Err() == nil {
			c.Logger.Warn("Retention pass failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Close stops background loops and releases components in reverse order of
// construction. It is safe to call more than once.
func (c *Core) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		err = c.closeComponents(ctx)
		c.Logger.Info("Core closed")
	})
	return err
}

func (c *Core) closeComponents(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	if c.budgetSub != "" {
		c.Bus.Unsubscribe(c.budgetSub)
	}
	if c.eventAlerts != nil {
		c.eventAlerts.Close()
	}
	keep(c.Bus.Close())
	if c.Memory != nil {
		keep(c.Memory.Close())
	}
	keep(c.Tracer.Shutdown(ctx))
	return firstErr
}

// LastHandoff returns the package prepared by the most recent overflow
func (c *Core) LastHandoff() (*session.HandoffPackage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHandoff, c.lastHandoff != nil
}

func (c *Core) onBreakerStateChange(change resilience.StateChange) {
	ctx := context.Background()
	c.Bus.Publish(ctx, eventbus.NewEvent(eventbus.TopicCircuitStateChanged, "circuit_breaker", map[string]interface{}{
		"name":          change.Name,
		"old_state":     change.From.String(),
		"new_state":     change.To.String(),
		"failure_count": change.FailureCount,
	}))
	c.Degradation.OnBreakerStateChange(ctx, change)
}

func (c *Core) publishLevelChange(ctx context.Context, change resilience.LevelChange) {
	c.Bus.Publish(ctx, eventbus.NewEvent(eventbus.TopicSystemDegraded, "degradation", map[string]interface{}{
		"level":             change.To.Code(),
		"previous_level":    change.From.Code(),
		"disabled_features": change.DisabledFeatures,
		"reason":            change.Reason,
	}))
}

func (c *Core) checkpointHook(ctx context.Context, eval budget.Evaluation) error {
	if _, ok := c.Sessions.Current(); !ok {
		c.Logger.Debug("No active session to checkpoint", "level", eval.Level.String())
		return nil
	}
	_, err := c.Sessions.CreateCheckpoint(ctx)
	return err
}

// handoffHook checkpoints the session and prepares the package a fresh
// session continues from
func (c *Core) handoffHook(ctx context.Context, eval budget.Evaluation) error {
	if _, ok := c.Sessions.Current(); !ok {
		c.Logger.Debug("No active session to hand off", "level", eval.Level.String())
		return nil
	}
	if _, err := c.Sessions.CreateCheckpoint(ctx); err != nil {
		return err
	}
	pkg, err := c.Sessions.PrepareHandoff(ctx, c.Config.TokenBudget.HandoffMaxTokens)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.lastHandoff = pkg
	c.mu.Unlock()
	return nil
}
