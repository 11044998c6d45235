package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
	"github.com/NikhilSetiya/agentctx/pkg/tracing"
)

// TimeoutLevel identifies one of the five operation tiers
type TimeoutLevel int

const (
	LevelCacheLookup TimeoutLevel = iota + 1
	LevelFileRead
	LevelLayerLoad
	LevelFullLoad
	LevelAnalysis
)

var levelOperations = map[TimeoutLevel]string{
	LevelCacheLookup: "cache_lookup",
	LevelFileRead:    "file_read",
	LevelLayerLoad:   "layer_load",
	LevelFullLoad:    "full_load",
	LevelAnalysis:    "analysis",
}

func (l TimeoutLevel) String() string {
	if l < LevelCacheLookup || l > LevelAnalysis {
		return "UNKNOWN"
	}
	return fmt.Sprintf("T%d", int(l))
}

// Operation returns the configuration name of the tier
func (l TimeoutLevel) Operation() string {
	if op, ok := levelOperations[l]; ok {
		return op
	}
	return "unknown"
}

// FallbackKind is what a tier hands back when it runs out of time
type FallbackKind string

const (
	FallbackSkip          FallbackKind = "skip"
	FallbackUseFallback   FallbackKind = "use_fallback"
	FallbackReturnPartial FallbackKind = "return_partial"
	FallbackCoreOnly      FallbackKind = "core_only"
	FallbackAbortSummary  FallbackKind = "abort_summary"
)

// FallbackStrategy controls how expired calls are surfaced
type FallbackStrategy string

const (
	// StrategyGraceful returns the caller's fallback value
	StrategyGraceful FallbackStrategy = "graceful"
	// StrategyStrict returns the zero value; the caller must branch on the error
	StrategyStrict FallbackStrategy = "strict"
	// StrategyNone disables tier deadlines entirely
	StrategyNone FallbackStrategy = "none"
)

// Tier is one row of the timeout hierarchy
type Tier struct {
	Level    TimeoutLevel
	Duration time.Duration
	Fallback FallbackKind
}

// DefaultTiers returns the built-in hierarchy
func DefaultTiers() []Tier {
	return []Tier{
		{LevelCacheLookup, 100 * time.Millisecond, FallbackSkip},
		{LevelFileRead, 500 * time.Millisecond, FallbackUseFallback},
		{LevelLayerLoad, 2 * time.Second, FallbackReturnPartial},
		{LevelFullLoad, 5 * time.Second, FallbackCoreOnly},
		{LevelAnalysis, 30 * time.Second, FallbackAbortSummary},
	}
}

// TimeoutPolicyConfig holds configuration for the timeout policy
type TimeoutPolicyConfig struct {
	// Durations overrides the T1..T5 durations; must hold exactly five
	// strictly increasing values when set
	Durations []time.Duration
	// Grace bounds how long an expired call waits for the operation to
	// observe cancellation. It is capped at the tier duration.
	Grace    time.Duration
	Strategy FallbackStrategy

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService
}

// TimeoutPolicy enforces tier deadlines on operations
type TimeoutPolicy struct {
	tiers    map[TimeoutLevel]Tier
	grace    time.Duration
	strategy FallbackStrategy

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
}

// NewTimeoutPolicy validates the tier ordering and builds a policy
func NewTimeoutPolicy(config TimeoutPolicyConfig) (*TimeoutPolicy, error) {
	tiers := DefaultTiers()
	if config.Durations != nil {
		if len(config.Durations) != len(tiers) {
			return nil, errors.NewValidationError(fmt.Sprintf("expected %d tier durations, got %d", len(tiers), len(config.Durations)))
		}
		for i := range tiers {
			tiers[i].Duration = config.Durations[i]
		}
	}

	for i, tier := range tiers {
		if tier.Duration <= 0 {
			return nil, errors.NewValidationError(fmt.Sprintf("tier %s must have a positive duration", tier.Level))
		}
		if i > 0 && tier.Duration <= tiers[i-1].Duration {
			return nil, errors.NewValidationError(fmt.Sprintf("tier %s must be longer than %s", tier.Level, tiers[i-1].Level))
		}
	}

	switch config.Strategy {
	case "":
		config.Strategy = StrategyGraceful
	case StrategyGraceful, StrategyStrict, StrategyNone:
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unsupported fallback strategy %q", config.Strategy))
	}

	if config.Grace <= 0 {
		config.Grace = 50 * time.Millisecond
	}

	p := &TimeoutPolicy{
		tiers:    make(map[TimeoutLevel]Tier, len(tiers)),
		grace:    config.Grace,
		strategy: config.Strategy,
		logger:   logging.OrNop(config.Logger).Named("timeout"),
		metrics:  config.Metrics,
		tracer:   config.Tracer,
	}
	for _, tier := range tiers {
		p.tiers[tier.Level] = tier
	}
	return p, nil
}

// Tier returns the configuration of level. Unknown levels resolve to T5.
func (p *TimeoutPolicy) Tier(level TimeoutLevel) Tier {
	if tier, ok := p.tiers[level]; ok {
		return tier
	}
	return p.tiers[LevelAnalysis]
}

// Strategy returns the configured fallback strategy
func (p *TimeoutPolicy) Strategy() FallbackStrategy {
	return p.strategy
}

// Deadline returns the effective deadline for level under ctx: the tier
// duration from now, or the parent's deadline when that is sooner.
func (p *TimeoutPolicy) Deadline(ctx context.Context, level TimeoutLevel) time.Time {
	deadline := time.Now().Add(p.Tier(level).Duration)
	if parent, ok := ctx.Deadline(); ok && parent.Before(deadline) {
		return parent
	}
	return deadline
}

// WithDeadline derives a context bounded by the tier. Nested calls inherit
// whichever deadline is tighter.
func (p *TimeoutPolicy) WithDeadline(ctx context.Context, level TimeoutLevel) (context.Context, context.CancelFunc) {
	if p.strategy == StrategyNone {
		return context.WithCancel(ctx)
	}
	return context.WithDeadline(ctx, p.Deadline(ctx, level))
}

type outcome[T any] struct {
	value T
	err   error
}

// Execute runs op under the tier deadline for level.
//
// If op finishes in time its result and error are returned unchanged. If the
// deadline passes first, op's context is cancelled, Execute waits at most the
// grace period for op to return, and then hands back fallback (or the zero
// value under StrategyStrict) together with a TimeoutExceeded error. Panics in
// op are returned as internal errors.
func Execute[T any](ctx context.Context, p *TimeoutPolicy, level TimeoutLevel, op func(context.Context) (T, error), fallback T) (T, error) {
	tier := p.Tier(level)
	start := time.Now()

	ctx, span := p.tracer.StartComponentSpan(ctx, "timeout", tier.Level.Operation(),
		attribute.String("timeout.level", tier.Level.String()),
		attribute.Int64("timeout.duration_ms", tier.Duration.Milliseconds()),
	)
	defer span.End()

	opCtx, cancel := p.WithDeadline(ctx, level)
	defer cancel()

	done := make(chan outcome[T], 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- outcome[T]{err: errors.NewInternalError(fmt.Sprintf("%s panicked: %v", tier.Level.Operation(), r))}
			}
		}()
		value, err := op(opCtx)
		done <- outcome[T]{value: value, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil && stderrors.Is(opCtx.Err(), context.DeadlineExceeded) && stderrors.Is(res.err, context.DeadlineExceeded) {
			// op noticed the deadline itself
			return expired(p, span, tier, start, fallback)
		}
		outcomeLabel := "success"
		if res.err != nil {
			outcomeLabel = "error"
			tracing.RecordError(span, res.err)
		}
		p.metrics.RecordOperation(tier.Level.String(), outcomeLabel, time.Since(start))
		return res.value, res.err

	case <-opCtx.Done():
		cancel()
		grace := p.grace
		if grace > tier.Duration {
			grace = tier.Duration
		}
		select {
		case <-done:
		case <-time.After(grace):
			p.logger.Warn("Operation ignored cancellation",
				"level", tier.Level.String(),
				"operation", tier.Level.Operation(),
				"grace", grace,
			)
		}

		if !stderrors.Is(opCtx.Err(), context.DeadlineExceeded) {
			// the caller cancelled; that is not a timeout
			var zero T
			p.metrics.RecordOperation(tier.Level.String(), "cancelled", time.Since(start))
			return zero, ctx.Err()
		}
		return expired(p, span, tier, start, fallback)
	}
}

func expired[T any](p *TimeoutPolicy, span oteltrace.Span, tier Tier, start time.Time, fallback T) (T, error) {
	elapsed := time.Since(start)
	p.metrics.RecordOperation(tier.Level.String(), "timeout", elapsed)

	err := errors.NewTimeoutExceeded(tier.Level.Operation(), tier.Level.String(), string(tier.Fallback)).
		WithDetail("elapsed", elapsed.String()).
		WithCause(context.DeadlineExceeded)
	tracing.RecordError(span, err)

	p.logger.Warn("Operation exceeded tier deadline",
		"level", tier.Level.String(),
		"operation", tier.Level.Operation(),
		"fallback", string(tier.Fallback),
		"elapsed", elapsed,
	)

	if p.strategy == StrategyStrict {
		var zero T
		return zero, err
	}
	return fallback, err
}

// IsTimeoutExceeded reports whether err came from an expired tier
func IsTimeoutExceeded(err error) bool {
	return errors.IsType(err, errors.ErrorTypeTimeout)
}
