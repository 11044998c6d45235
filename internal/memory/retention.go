package memory

import (
	"fmt"
	"sort"
	"time"

	"github.com/NikhilSetiya/agentctx/pkg/config"
	"github.com/NikhilSetiya/agentctx/pkg/errors"
)

// EvictionStrategy orders eviction candidates; Less(a, b) means a goes first
type EvictionStrategy interface {
	Name() string
	Less(a, b *Entry) bool
}

type lruStrategy struct{}

func (lruStrategy) Name() string { return "lru" }

func (lruStrategy) Less(a, b *Entry) bool {
	if !a.AccessedAt.Equal(b.AccessedAt) {
		return a.AccessedAt.Before(b.AccessedAt)
	}
	return a.CreatedAt.Before(b.CreatedAt)
}

type lfuStrategy struct{}

func (lfuStrategy) Name() string { return "lfu" }

func (lfuStrategy) Less(a, b *Entry) bool {
	if a.AccessCount != b.AccessCount {
		return a.AccessCount < b.AccessCount
	}
	return a.AccessedAt.Before(b.AccessedAt)
}

type fifoStrategy struct{}

func (fifoStrategy) Name() string { return "fifo" }

func (fifoStrategy) Less(a, b *Entry) bool {
	return a.CreatedAt.Before(b.CreatedAt)
}

// Built-in strategies
var (
	LRU  EvictionStrategy = lruStrategy{}
	LFU  EvictionStrategy = lfuStrategy{}
	FIFO EvictionStrategy = fifoStrategy{}
)

// StrategyByName resolves lru, lfu or fifo
func StrategyByName(name string) (EvictionStrategy, error) {
	switch name {
	case "lru", "":
		return LRU, nil
	case "lfu":
		return LFU, nil
	case "fifo":
		return FIFO, nil
	default:
		return nil, errors.NewValidationError(fmt.Sprintf("unknown eviction strategy %q", name))
	}
}

// RetentionPolicy bounds what ApplyRetention keeps. Entries at or above
// MinPriority are never evicted.
type RetentionPolicy struct {
	MaxAge      time.Duration
	MaxEntries  int
	MinPriority int
	Strategy    EvictionStrategy
}

// DefaultRetentionPolicy keeps 30 days and 10000 entries with LRU
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{
		MaxAge:      30 * 24 * time.Hour,
		MaxEntries:  10000,
		MinPriority: PriorityHigh,
		Strategy:    LRU,
	}
}

// RetentionFromConfig converts memory.retention settings
func RetentionFromConfig(cfg config.RetentionConfig) (RetentionPolicy, error) {
	strategy, err := StrategyByName(cfg.Strategy)
	if err != nil {
		return RetentionPolicy{}, err
	}
	return RetentionPolicy{
		MaxAge:      time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		MaxEntries:  cfg.MaxEntries,
		MinPriority: cfg.MinPriority,
		Strategy:    strategy,
	}, nil
}

// evictable reports whether retention may remove e
func (p RetentionPolicy) evictable(e *Entry) bool {
	return e.Priority < p.MinPriority
}

// orderForEviction sorts candidates: already summarized entries go first,
// then the configured strategy decides.
func (p RetentionPolicy) orderForEviction(candidates []*Entry) {
	strategy := p.Strategy
	if strategy == nil {
		strategy = LRU
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].IsSummarized != candidates[j].IsSummarized {
			return candidates[i].IsSummarized
		}
		return strategy.Less(candidates[i], candidates[j])
	})
}
