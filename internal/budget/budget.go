package budget

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.opentelemetry.io/otel/attribute"

	"github.com/NikhilSetiya/agentctx/internal/eventbus"
	"github.com/NikhilSetiya/agentctx/internal/memory"
	"github.com/NikhilSetiya/agentctx/pkg/config"
	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
	"github.com/NikhilSetiya/agentctx/pkg/tracing"
)

// FeatureAutoSummarize gates the summarization pass at CRITICAL
const FeatureAutoSummarize = "auto_summarize"

// Level is the budget pressure band derived from the usage fraction
type Level int

const (
	LevelNone Level = iota
	LevelCaution
	LevelWarning
	LevelCritical
	LevelOverflow
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelCaution:
		return "caution"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelOverflow:
		return "overflow"
	default:
		return "unknown"
	}
}

// Action is something an evaluation did or recommends
type Action string

const (
	ActionAdvise             Action = "advise"
	ActionRecommendSummarize Action = "recommend_summarize"
	ActionSummarize          Action = "summarize"
	ActionCheckpoint         Action = "checkpoint"
	ActionPrune              Action = "prune"
	ActionHandoff            Action = "handoff"
)

// Thresholds are ascending usage fractions
type Thresholds struct {
	Caution  float64
	Warning  float64
	Critical float64
	Overflow float64
}

// DefaultThresholds returns 70/80/90/95 percent
func DefaultThresholds() Thresholds {
	return Thresholds{Caution: 0.70, Warning: 0.80, Critical: 0.90, Overflow: 0.95}
}

// Validate requires 0 < caution < warning < critical < overflow <= 1
func (t Thresholds) Validate() error {
	if !(0 < t.Caution && t.Caution < t.Warning && t.Warning < t.Critical && t.Critical < t.Overflow && t.Overflow <= 1) {
		return errors.NewValidationError("budget thresholds must be ascending within (0, 1]")
	}
	return nil
}

// Classify maps a usage fraction to its level
func (t Thresholds) Classify(usage float64) Level {
	switch {
	case usage >= t.Overflow:
		return LevelOverflow
	case usage >= t.Critical:
		return LevelCritical
	case usage >= t.Warning:
		return LevelWarning
	case usage >= t.Caution:
		return LevelCaution
	default:
		return LevelNone
	}
}

// Store is the part of the memory store the budget acts on
type Store interface {
	ActiveTokens(ctx context.Context) (int, error)
	Query(ctx context.Context, q memory.Query) ([]*memory.Entry, error)
	Summarize(ctx context.Context, ids []string, summarizer memory.Summarizer) (*memory.Entry, error)
	Prune(ctx context.Context, belowPriority, targetTokens int) (int, error)
}

// Publisher is the part of the event bus the budget needs
type Publisher interface {
	Publish(ctx context.Context, event *eventbus.Event, opts ...eventbus.PublishOption) *eventbus.Event
}

// FeatureGate reports whether a feature is currently allowed
type FeatureGate interface {
	RequireFeature(feature string) error
}

// Hook is called after a threshold action. Errors are logged.
type Hook func(ctx context.Context, eval Evaluation) error

// Evaluation is the outcome of one budget check
type Evaluation struct {
	ActiveTokens    int
	AvailableTokens int
	Usage           float64
	Level           Level
	Actions         []Action
	// Summarized and Pruned count entries affected by this evaluation
	Summarized int
	Pruned     int
	// TokensAfter is the active token count once actions completed
	TokensAfter int
}

func (e Evaluation) clone() Evaluation {
	e.Actions = append([]Action(nil), e.Actions...)
	return e
}

// Has reports whether action was taken or recommended
func (e Evaluation) Has(action Action) bool {
	for _, a := range e.Actions {
		if a == action {
			return true
		}
	}
	return false
}

// Config contains the budget settings and collaborators. Store is required.
type Config struct {
	MaxTokens      int
	ReservedTokens int
	Thresholds     Thresholds
	AutoSummarize  bool
	// AutoPrune lets CRITICAL prune after summarizing; OVERFLOW always prunes
	AutoPrune bool
	// MinPriority bounds pruning: only entries below it may be removed
	MinPriority int
	// SummaryMaxTokens caps each generated summary
	SummaryMaxTokens int
	Summarizer       memory.Summarizer

	Store        Store
	Bus          Publisher
	Features     FeatureGate
	OnCheckpoint Hook
	OnHandoff    Hook

	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService
}

// SettingsFromConfig copies token_budget settings into a Config. minPriority
// comes from memory.retention.
func SettingsFromConfig(cfg config.TokenBudgetConfig, minPriority int) Config {
	return Config{
		MaxTokens:      cfg.MaxTokens,
		ReservedTokens: cfg.ReservedTokens,
		Thresholds: Thresholds{
			Caution:  cfg.Thresholds.Caution,
			Warning:  cfg.Thresholds.Warning,
			Critical: cfg.Thresholds.Critical,
			Overflow: cfg.Thresholds.Overflow,
		},
		AutoSummarize:    cfg.AutoActions.AutoSummarize,
		AutoPrune:        cfg.AutoActions.AutoPrune,
		MinPriority:      minPriority,
		SummaryMaxTokens: cfg.SummaryMaxTokens,
	}
}

// Budget tracks usage against the context window and applies the threshold
// actions.
type Budget struct {
	config    Config
	available int

	// evaluating guards against re-entrant evaluation triggered by the
	// events of our own actions
	evaluating sync.Mutex

	mu    sync.RWMutex
	last  *Evaluation
	level Level

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
}

// New validates config and creates a budget
func New(config Config) (*Budget, error) {
	if config.Store == nil {
		return nil, errors.NewValidationError("budget requires a memory store")
	}
	if config.MaxTokens <= 0 || config.ReservedTokens < 0 || config.ReservedTokens >= config.MaxTokens {
		return nil, errors.NewValidationError("budget requires 0 <= reserved_tokens < max_tokens")
	}
	if config.Thresholds == (Thresholds{}) {
		config.Thresholds = DefaultThresholds()
	}
	if err := config.Thresholds.Validate(); err != nil {
		return nil, err
	}
	if config.MinPriority == 0 {
		config.MinPriority = memory.PriorityHigh
	}
	if config.SummaryMaxTokens <= 0 {
		config.SummaryMaxTokens = 512
	}
	if config.Summarizer == nil {
		config.Summarizer = memory.ExtractiveSummarizer{MaxTokens: config.SummaryMaxTokens}
	}

	return &Budget{
		config:    config,
		available: config.MaxTokens - config.ReservedTokens,
		logger:    logging.OrNop(config.Logger).Named("budget"),
		metrics:   config.Metrics,
		tracer:    config.Tracer,
	}, nil
}

// AvailableTokens is max_tokens minus reserved_tokens
func (b *Budget) AvailableTokens() int {
	return b.available
}

// Level returns the last announced level
func (b *Budget) Level() Level {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.level
}

// Last returns the most recent evaluation
func (b *Budget) Last() (Evaluation, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.last == nil {
		return Evaluation{}, false
	}
	return b.last.clone(), true
}

func (b *Budget) usage(tokens int) float64 {
	return float64(tokens) / float64(b.available)
}

// tokensBelow is the largest token count whose usage is under fraction
func (b *Budget) tokensBelow(fraction float64) int {
	n := int(fraction * float64(b.available))
	for n > 0 && b.usage(n) >= fraction {
		n--
	}
	return n
}

// Measure classifies the current usage without acting on it or announcing
// the level
func (b *Budget) Measure(ctx context.Context) (Evaluation, error) {
	active, err := b.config.Store.ActiveTokens(ctx)
	if err != nil {
		return Evaluation{}, err
	}
	usage := b.usage(active)
	return Evaluation{
		ActiveTokens:    active,
		AvailableTokens: b.available,
		Usage:           usage,
		Level:           b.config.Thresholds.Classify(usage),
		TokensAfter:     active,
	}, nil
}

// Admit reports whether adding tokens would push usage to OVERFLOW. The
// returned BudgetOverflow error is advisory; the write may still proceed.
func (b *Budget) Admit(ctx context.Context, tokens int) error {
	active, err := b.config.Store.ActiveTokens(ctx)
	if err != nil {
		return err
	}
	projected := b.usage(active + tokens)
	if projected >= b.config.Thresholds.Overflow {
		return errors.NewBudgetOverflowError(projected)
	}
	return nil
}

// Evaluate measures usage and applies the actions of its level. An unchanged
// usage fraction returns the previous evaluation with no side effects, and an
// evaluation that starts while another one is running returns the previous
// evaluation as well.
func (b *Budget) Evaluate(ctx context.Context) (Evaluation, error) {
	if !b.evaluating.TryLock() {
		last, _ := b.Last()
		return last, nil
	}
	defer b.evaluating.Unlock()

	active, err := b.config.Store.ActiveTokens(ctx)
	if err != nil {
		return Evaluation{}, err
	}
	usage := b.usage(active)

	b.mu.RLock()
	last := b.last
	b.mu.RUnlock()
	if last != nil && last.Usage == usage {
		return last.clone(), nil
	}

	level := b.config.Thresholds.Classify(usage)
	ctx, span := b.tracer.StartComponentSpan(ctx, "budget", "evaluate",
		attribute.Int("budget.active_tokens", active),
		attribute.String("budget.level", level.String()),
	)
	defer span.End()

	eval := Evaluation{
		ActiveTokens:    active,
		AvailableTokens: b.available,
		Usage:           usage,
		Level:           level,
		TokensAfter:     active,
	}
	b.announce(ctx, eval)

	switch level {
	case LevelCaution:
		eval.Actions = append(eval.Actions, ActionAdvise)
	case LevelWarning:
		eval.Actions = append(eval.Actions, ActionRecommendSummarize)
	case LevelCritical:
		b.relieve(ctx, &eval)
		eval.Actions = append(eval.Actions, ActionCheckpoint)
		b.runHook(ctx, "checkpoint", b.config.OnCheckpoint, eval)
	case LevelOverflow:
		b.prune(ctx, &eval)
		eval.Actions = append(eval.Actions, ActionHandoff)
		b.runHook(ctx, "handoff", b.config.OnHandoff, eval)
	}

	final := eval
	if eval.TokensAfter != active {
		// actions moved usage; what is now cached is the post-action state so
		// re-evaluating it is a no-op
		final = Evaluation{
			ActiveTokens:    eval.TokensAfter,
			AvailableTokens: b.available,
			Usage:           b.usage(eval.TokensAfter),
			TokensAfter:     eval.TokensAfter,
		}
		final.Level = b.config.Thresholds.Classify(final.Usage)
		b.announce(ctx, final)
	}

	b.mu.Lock()
	stored := final.clone()
	b.last = &stored
	b.mu.Unlock()

	b.metrics.UpdateBudget(final.ActiveTokens, final.Usage, int(final.Level))
	return eval, nil
}

// announce publishes memory.warning when the level differs from the last
// announced one
func (b *Budget) announce(ctx context.Context, eval Evaluation) {
	b.mu.Lock()
	previous := b.level
	b.level = eval.Level
	b.mu.Unlock()
	if previous == eval.Level {
		return
	}

	log := b.logger.Info
	if eval.Level >= LevelWarning {
		log = b.logger.Warn
	}
	log("Token budget level changed",
		"from", previous.String(),
		"to", eval.Level.String(),
		"active_tokens", eval.ActiveTokens,
		"usage", fmt.Sprintf("%.4f", eval.Usage),
	)

	if b.config.Bus == nil {
		return
	}
	b.config.Bus.Publish(ctx, eventbus.NewEvent(eventbus.TopicMemoryWarning, "budget", map[string]interface{}{
		"level":          eval.Level.String(),
		"previous_level": previous.String(),
		"usage":          eval.Usage,
		"active_tokens":  eval.ActiveTokens,
	}))
}

// relieve runs one summarization pass sized to bring usage under WARNING,
// then prunes when auto_prune is on and usage is still too high.
func (b *Budget) relieve(ctx context.Context, eval *Evaluation) {
	if !b.config.AutoSummarize {
		eval.Actions = append(eval.Actions, ActionRecommendSummarize)
		return
	}
	if b.config.Features != nil {
		if err := b.config.Features.RequireFeature(FeatureAutoSummarize); err != nil {
			b.logger.Warn("Auto-summarization unavailable", "error", err)
			eval.Actions = append(eval.Actions, ActionRecommendSummarize)
			return
		}
	}

	target := b.tokensBelow(b.config.Thresholds.Warning)
	ids, err := b.selectForSummary(ctx, eval.ActiveTokens, target)
	if err != nil {
		b.logger.Error("Failed to select entries for summarization", "error", err)
		return
	}
	if len(ids) > 0 {
		if _, err := b.config.Store.Summarize(ctx, ids, b.config.Summarizer); err != nil {
			b.logger.Error("Auto-summarization failed", "entries", len(ids), "error", err)
		} else {
			eval.Actions = append(eval.Actions, ActionSummarize)
			eval.Summarized = len(ids)
		}
	}
	b.remeasure(ctx, eval)

	if b.config.AutoPrune && eval.TokensAfter > target {
		b.prune(ctx, eval)
	}
}

// selectForSummary picks NORMAL-or-below entries, lowest priority and oldest
// first, until summarizing them would leave active tokens at or under target.
func (b *Budget) selectForSummary(ctx context.Context, active, target int) ([]string, error) {
	entries, err := b.config.Store.Query(ctx, memory.Query{})
	if err != nil {
		return nil, err
	}

	candidates := make([]*memory.Entry, 0, len(entries))
	for _, e := range entries {
		if e.Priority <= memory.PriorityNormal && e.Type != memory.TypeSummary {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	var ids []string
	remaining := active + b.config.SummaryMaxTokens
	for _, e := range candidates {
		if remaining <= target {
			break
		}
		ids = append(ids, e.ID)
		remaining -= e.TokenCount
	}
	return ids, nil
}

// prune force-removes entries below MinPriority until usage is under WARNING
func (b *Budget) prune(ctx context.Context, eval *Evaluation) {
	removed, err := b.config.Store.Prune(ctx, b.config.MinPriority, b.tokensBelow(b.config.Thresholds.Warning))
	if err != nil {
		b.logger.Error("Budget pruning failed", "error", err)
	}
	if removed > 0 {
		eval.Actions = append(eval.Actions, ActionPrune)
		eval.Pruned += removed
	}
	b.remeasure(ctx, eval)
}

func (b *Budget) remeasure(ctx context.Context, eval *Evaluation) {
	active, err := b.config.Store.ActiveTokens(ctx)
	if err != nil {
		b.logger.Warn("Failed to re-measure active tokens", "error", err)
		return
	}
	eval.TokensAfter = active
}

func (b *Budget) runHook(ctx context.Context, name string, hook Hook, eval Evaluation) {
	if hook == nil {
		return
	}
	if err := hook(ctx, eval.clone()); err != nil {
		b.logger.Error("Budget hook failed", "hook", name, "level", eval.Level.String(), "error", err)
	}
}

// Handle lets the budget subscribe to memory.saved directly
func (b *Budget) Handle(ctx context.Context, event *eventbus.Event) (interface{}, error) {
	eval, err := b.Evaluate(ctx)
	if err != nil {
		return nil, err
	}
	return eval, nil
}
