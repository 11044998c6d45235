package resilience

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
)

// DegradationLevel represents the level of service degradation
type DegradationLevel int

const (
	// LevelNormal - every feature is available
	LevelNormal DegradationLevel = iota
	// LevelPartial - expensive analysis is switched off
	LevelPartial
	// LevelSevere - only layered loading remains
	LevelSevere
	// LevelCritical - core context only
	LevelCritical
	// LevelEmergency - read-only, no memory writes
	LevelEmergency
)

// MaxDegradationLevel is the most degraded level
const MaxDegradationLevel = LevelEmergency

func (l DegradationLevel) String() string {
	switch l {
	case LevelNormal:
		return "NORMAL"
	case LevelPartial:
		return "PARTIAL"
	case LevelSevere:
		return "SEVERE"
	case LevelCritical:
		return "CRITICAL"
	case LevelEmergency:
		return "EMERGENCY"
	default:
		return "UNKNOWN"
	}
}

// Code returns the short form L0..L4
func (l DegradationLevel) Code() string {
	return fmt.Sprintf("L%d", int(l))
}

// DefaultLevelFeatures returns the features each level adds to the disabled set
func DefaultLevelFeatures() map[int][]string {
	return map[int][]string{
		1: {"analysis", "doc_generation"},
		2: {"full_load", "plugin_discovery"},
		3: {"layer_load", "semantic_search"},
		4: {"memory_write", "auto_summarize"},
	}
}

// LevelChange describes a degradation transition
type LevelChange struct {
	From             DegradationLevel
	To               DegradationLevel
	DisabledFeatures []string
	Reason           string
	At               time.Time
}

// DegradationConfig holds configuration for the controller
type DegradationConfig struct {
	// LevelFeatures maps level 1..4 to the features it adds. Nil uses
	// DefaultLevelFeatures.
	LevelFeatures map[int][]string
	// OnLevelChange is called outside the lock, one transition at a time in
	// the order the transitions happened
	OnLevelChange func(context.Context, LevelChange)

	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// DegradationController tracks the active degradation level. Each level's
// disabled set contains every feature of the levels below it.
type DegradationController struct {
	effective     [MaxDegradationLevel + 1]map[string]struct{}
	onLevelChange func(context.Context, LevelChange)

	mutex        sync.RWMutex
	level        DegradationLevel
	dependencies map[string]DegradationLevel
	open         map[string]struct{}

	changes notifier[levelNotice]

	logger  *logging.Logger
	metrics *metrics.Metrics
}

type levelNotice struct {
	ctx    context.Context
	change LevelChange
}

// NewDegradationController creates a controller at LevelNormal
func NewDegradationController(config DegradationConfig) *DegradationController {
	declared := config.LevelFeatures
	if declared == nil {
		declared = DefaultLevelFeatures()
	}

	dc := &DegradationController{
		onLevelChange: config.OnLevelChange,
		dependencies:  make(map[string]DegradationLevel),
		open:          make(map[string]struct{}),
		logger:        logging.OrNop(config.Logger).Named("degradation"),
		metrics:       config.Metrics,
	}

	dc.effective[LevelNormal] = map[string]struct{}{}
	for level := LevelPartial; level <= MaxDegradationLevel; level++ {
		set := make(map[string]struct{}, len(dc.effective[level-1])+len(declared[int(level)]))
		for feature := range dc.effective[level-1] {
			set[feature] = struct{}{}
		}
		for _, feature := range declared[int(level)] {
			set[feature] = struct{}{}
		}
		dc.effective[level] = set
	}

	dc.metrics.SetDegradationLevel(int(LevelNormal))
	return dc
}

// SetOnLevelChange replaces the transition callback. It is meant for wiring
// during construction of the composition root.
func (dc *DegradationController) SetOnLevelChange(fn func(context.Context, LevelChange)) {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()
	dc.onLevelChange = fn
}

// Level returns the current degradation level
func (dc *DegradationController) Level() DegradationLevel {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()
	return dc.level
}

// IsFeatureAvailable reports whether feature is enabled at the current level.
// It has no side effects.
func (dc *DegradationController) IsFeatureAvailable(feature string) bool {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()
	_, disabled := dc.effective[dc.level][feature]
	return !disabled
}

// RequireFeature returns a DegradedFeatureUnavailable error when feature is off
func (dc *DegradationController) RequireFeature(feature string) error {
	if dc.IsFeatureAvailable(feature) {
		return nil
	}
	return errors.NewFeatureUnavailableError(feature, dc.Level().Code())
}

// DisabledFeatures returns the sorted disabled set of the current level
func (dc *DegradationController) DisabledFeatures() []string {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()
	return sortedFeatures(dc.effective[dc.level])
}

// DegradeTo moves to level and reports whether the level changed. The
// disabled set is swapped atomically; a change is announced via
// OnLevelChange.
func (dc *DegradationController) DegradeTo(ctx context.Context, level DegradationLevel, reason string) bool {
	if level < LevelNormal {
		level = LevelNormal
	}
	if level > MaxDegradationLevel {
		level = MaxDegradationLevel
	}
	_, changed := dc.move(ctx, reason, func(current, _ DegradationLevel) (DegradationLevel, bool) {
		return level, level != current
	})
	return changed
}

// move decides and applies a transition under one lock acquisition so
// concurrent escalation and recovery cannot interleave.
func (dc *DegradationController) move(ctx context.Context, reason string, decide func(current, required DegradationLevel) (DegradationLevel, bool)) (DegradationLevel, bool) {
	dc.mutex.Lock()
	target, ok := decide(dc.level, dc.requiredLevelLocked())
	if !ok || target == dc.level {
		current := dc.level
		dc.mutex.Unlock()
		return current, false
	}
	change := LevelChange{
		From:             dc.level,
		To:               target,
		DisabledFeatures: sortedFeatures(dc.effective[target]),
		Reason:           reason,
		At:               time.Now(),
	}
	dc.level = target
	dc.changes.push(levelNotice{ctx: ctx, change: change})
	dc.mutex.Unlock()

	dc.changes.drain(dc.notify)
	return target, true
}

// notify runs outside the lock. The gauge and the callback see changes in
// transition order, so the last delivery carries the current level.
func (dc *DegradationController) notify(n levelNotice) {
	change := n.change
	dc.metrics.SetDegradationLevel(int(change.To))
	dc.logger.Warn("Degradation level changed",
		"from", change.From.Code(),
		"to", change.To.Code(),
		"reason", change.Reason,
		"disabled_features", change.DisabledFeatures,
	)

	if dc.onLevelChange != nil {
		dc.onLevelChange(n.ctx, change)
	}
}

// RegisterDependency declares the level forced while name's breaker is open
func (dc *DegradationController) RegisterDependency(name string, level DegradationLevel) {
	dc.mutex.Lock()
	defer dc.mutex.Unlock()
	dc.dependencies[name] = level
}

// OnBreakerStateChange escalates immediately when a registered dependency's
// breaker opens. A closing breaker only lifts the floor; the level itself
// comes down through RecoverStep.
func (dc *DegradationController) OnBreakerStateChange(ctx context.Context, change StateChange) {
	dc.mutex.Lock()
	rule, registered := dc.dependencies[change.Name]
	switch change.To {
	case StateOpen:
		dc.open[change.Name] = struct{}{}
	case StateClosed:
		delete(dc.open, change.Name)
	}
	dc.mutex.Unlock()

	if !registered {
		dc.logger.Debug("Breaker transition for unregistered dependency", "breaker", change.Name)
		return
	}

	if change.To == StateOpen {
		dc.move(ctx, fmt.Sprintf("circuit %s open", change.Name), func(current, _ DegradationLevel) (DegradationLevel, bool) {
			return rule, rule > current
		})
	}
}

// RequiredLevel is the minimum level demanded by currently open dependencies
func (dc *DegradationController) RequiredLevel() DegradationLevel {
	dc.mutex.RLock()
	defer dc.mutex.RUnlock()
	return dc.requiredLevelLocked()
}

func (dc *DegradationController) requiredLevelLocked() DegradationLevel {
	required := LevelNormal
	for name := range dc.open {
		if rule, ok := dc.dependencies[name]; ok && rule > required {
			required = rule
		}
	}
	return required
}

// RecoverStep runs one health-check cycle. A healthy cycle lowers the level
// by exactly one step, never below RequiredLevel. It returns the level after
// the cycle and whether it changed.
func (dc *DegradationController) RecoverStep(ctx context.Context, healthy bool) (DegradationLevel, bool) {
	if !healthy {
		return dc.Level(), false
	}
	return dc.move(ctx, "health check recovered", func(current, required DegradationLevel) (DegradationLevel, bool) {
		if current == LevelNormal || current-1 < required {
			return current, false
		}
		return current - 1, true
	})
}

// RunRecovery calls probe every interval and feeds the result to RecoverStep
// until ctx is cancelled. A non-positive interval is rejected up front.
func (dc *DegradationController) RunRecovery(ctx context.Context, interval time.Duration, probe func(context.Context) bool) {
	if interval <= 0 {
		dc.logger.Error("Degradation recovery loop not started", "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	dc.logger.Info("Degradation recovery loop started", "interval", interval)

	for {
		select {
		case <-ctx.Done():
			dc.logger.Info("Degradation recovery loop stopped")
			return
		case <-ticker.C:
			if dc.Level() == LevelNormal {
				continue
			}
			healthy := probe(ctx)
			if level, changed := dc.RecoverStep(ctx, healthy); changed {
				dc.logger.Info("Recovered one degradation level", "level", level.Code())
			}
		}
	}
}

func sortedFeatures(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for feature := range set {
		out = append(out, feature)
	}
	sort.Strings(out)
	return out
}
