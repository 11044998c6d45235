package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NikhilSetiya/agentctx/internal/cache"
	"github.com/NikhilSetiya/agentctx/internal/eventbus"
	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
	"github.com/NikhilSetiya/agentctx/pkg/resilience"
	"github.com/NikhilSetiya/agentctx/pkg/tracing"
)

// FeatureMemoryWrite gates every entry write
const FeatureMemoryWrite = "memory_write"

// Publisher is the part of the event bus the store needs
type Publisher interface {
	Publish(ctx context.Context, event *eventbus.Event, opts ...eventbus.PublishOption) *eventbus.Event
}

// FeatureGate reports whether a feature is currently allowed
type FeatureGate interface {
	RequireFeature(feature string) error
}

// Config contains store dependencies. Only Backend is required.
type Config struct {
	Backend   Backend
	Guard     *resilience.Guard
	Retention RetentionPolicy
	Bus       Publisher
	Features  FeatureGate
	// Cache holds checkpoints, which never change once written. Lookups
	// run under the cache_lookup tier of Policy when one is set.
	Cache    cache.Cache
	CacheTTL time.Duration
	Policy   *resilience.TimeoutPolicy
	Logger   *logging.Logger
	Metrics  *metrics.Metrics
	Tracer   *tracing.TracingService
	Now      func() time.Time
}

// Store is the memory service. Backend calls run through the guard, and
// failures other than not_found and validation surface as storage errors.
type Store struct {
	backend   Backend
	guard     *resilience.Guard
	retention RetentionPolicy
	bus       Publisher
	features  FeatureGate
	cache     cache.Cache
	cacheTTL  time.Duration
	policy    *resilience.TimeoutPolicy
	now       func() time.Time

	// mu serializes read-modify-write sequences
	mu sync.Mutex

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
}

// NewStore creates a store
func NewStore(config Config) (*Store, error) {
	if config.Backend == nil {
		return nil, errors.NewValidationError("memory backend is required")
	}
	if config.Retention.Strategy == nil {
		config.Retention.Strategy = LRU
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Store{
		backend:   config.Backend,
		guard:     config.Guard,
		retention: config.Retention,
		bus:       config.Bus,
		features:  config.Features,
		cache:     config.Cache,
		cacheTTL:  config.CacheTTL,
		policy:    config.Policy,
		now:       config.Now,
		logger:    logging.OrNop(config.Logger).Named("memory"),
		metrics:   config.Metrics,
		tracer:    config.Tracer,
	}, nil
}

func guarded[T any](ctx context.Context, s *Store, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := s.tracer.StartComponentSpan(ctx, "memory", op)
	defer span.End()

	var (
		result T
		err    error
	)
	if s.guard != nil {
		result, err = resilience.Do(ctx, s.guard, fn)
	} else {
		result, err = fn(ctx)
	}
	if err == nil {
		return result, nil
	}

	tracing.RecordError(span, err)
	switch errors.GetType(err) {
	case errors.ErrorTypeNotFound, errors.ErrorTypeValidation, errors.ErrorTypeStorage:
		return result, err
	}
	return result, errors.NewStorageError(op, err).WithDetail("cause_type", string(errors.GetType(err)))
}

func (s *Store) exec(ctx context.Context, op string, fn func(context.Context) error) error {
	_, err := guarded(ctx, s, op, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

func (s *Store) requireWrite() error {
	if s.features == nil {
		return nil
	}
	return s.features.RequireFeature(FeatureMemoryWrite)
}

// Save writes entry, filling id, timestamps, default priority and token
// count, and publishes memory.saved. The stored copy is returned.
func (s *Store) Save(ctx context.Context, entry *Entry) (*Entry, error) {
	if entry == nil {
		return nil, errors.NewValidationError("memory entry is required")
	}
	if err := s.requireWrite(); err != nil {
		return nil, err
	}

	e := entry.Clone()
	now := s.now()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Type == "" {
		e.Type = TypeContext
	}
	if e.Priority == 0 {
		e.Priority = PriorityNormal
	}
	if e.TokenCount <= 0 {
		e.TokenCount = EstimateTokens(e.Content)
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	if e.AccessedAt.IsZero() {
		e.AccessedAt = now
	}
	e.UpdatedAt = now
	if err := e.Validate(); err != nil {
		return nil, err
	}

	if err := s.exec(ctx, "put", func(ctx context.Context) error {
		return s.backend.Put(ctx, e)
	}); err != nil {
		s.logger.Error("Failed to save memory entry", "entry_id", e.ID, "error", err)
		return nil, err
	}

	s.logger.Debug("Memory entry saved", "entry_id", e.ID, "type", string(e.Type), "tokens", e.TokenCount)
	s.publishSaved(ctx, e)
	return e.Clone(), nil
}

func (s *Store) publishSaved(ctx context.Context, e *Entry) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(ctx, eventbus.NewEvent(eventbus.TopicMemorySaved, "memory", map[string]interface{}{
		"entry_id":    e.ID,
		"session_id":  e.SessionID,
		"type":        string(e.Type),
		"token_count": e.TokenCount,
	}))
}

// Get returns an entry and records the access. A failed access update is
// logged and does not fail the read.
func (s *Store) Get(ctx context.Context, id string) (*Entry, error) {
	e, err := guarded(ctx, s, "get", func(ctx context.Context) (*Entry, error) {
		return s.backend.Get(ctx, id)
	})
	if err != nil {
		return nil, err
	}

	if s.requireWrite() != nil {
		return e, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	e.AccessedAt = s.now()
	e.AccessCount++
	if err := s.exec(ctx, "touch", func(ctx context.Context) error {
		return s.backend.Put(ctx, e)
	}); err != nil {
		s.logger.Warn("Failed to record memory access", "entry_id", id, "error", err)
	}
	return e.Clone(), nil
}

// Delete removes an entry
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.exec(ctx, "delete", func(ctx context.Context) error {
		return s.backend.Delete(ctx, id)
	})
}

// Query lists entries matching q in creation order
func (s *Store) Query(ctx context.Context, q Query) ([]*Entry, error) {
	return guarded(ctx, s, "list", func(ctx context.Context) ([]*Entry, error) {
		return s.backend.List(ctx, q)
	})
}

// ActiveTokens sums the token counts of entries that are not summarized
func (s *Store) ActiveTokens(ctx context.Context) (int, error) {
	entries, err := s.Query(ctx, Query{})
	if err != nil {
		return 0, err
	}
	total := 0
	for _, e := range entries {
		total += e.TokenCount
	}
	return total, nil
}

// Summarize replaces ids with one summary entry. The originals are kept but
// marked summarized; entries that were already summarized are skipped.
func (s *Store) Summarize(ctx context.Context, ids []string, summarizer Summarizer) (*Entry, error) {
	if len(ids) == 0 {
		return nil, errors.NewValidationError("no entries to summarize")
	}
	if err := s.requireWrite(); err != nil {
		return nil, err
	}
	if summarizer == nil {
		summarizer = ExtractiveSummarizer{MaxTokens: 512}
	}

	ctx, span := s.tracer.StartComponentSpan(ctx, "memory", "summarize", attribute.Int("memory.entries", len(ids)))
	defer span.End()

	s.mu.Lock()
	defer s.mu.Unlock()

	originals := make([]*Entry, 0, len(ids))
	for _, id := range ids {
		e, err := guarded(ctx, s, "get", func(ctx context.Context) (*Entry, error) {
			return s.backend.Get(ctx, id)
		})
		if err != nil {
			return nil, err
		}
		if e.IsSummarized {
			continue
		}
		originals = append(originals, e)
	}
	if len(originals) == 0 {
		return nil, errors.NewValidationError("all entries are already summarized")
	}

	content, err := summarizer.Summarize(ctx, originals)
	if err != nil {
		return nil, errors.NewInternalError("summarizer failed").WithCause(err)
	}
	if content == "" {
		return nil, errors.NewInternalError("summarizer returned empty content")
	}

	now := s.now()
	summary := buildSummary(originals, content, now)
	if err := s.exec(ctx, "put", func(ctx context.Context) error {
		return s.backend.Put(ctx, summary)
	}); err != nil {
		return nil, err
	}

	for _, e := range originals {
		e.IsSummarized = true
		e.UpdatedAt = now
		if err := s.exec(ctx, "put", func(ctx context.Context) error {
			return s.backend.Put(ctx, e)
		}); err != nil {
			return nil, err
		}
	}

	s.metrics.RecordSummarization()
	s.logger.Info("Entries summarized",
		"summary_id", summary.ID,
		"entries", len(originals),
		"tokens", summary.TokenCount,
	)
	s.publishSaved(ctx, summary)
	return summary.Clone(), nil
}

func buildSummary(originals []*Entry, content string, now time.Time) *Entry {
	summary := &Entry{
		ID:         uuid.NewString(),
		Type:       TypeSummary,
		Content:    content,
		TokenCount: EstimateTokens(content),
		CreatedAt:  now,
		UpdatedAt:  now,
		AccessedAt: now,
		SessionID:  originals[0].SessionID,
		TaskID:     originals[0].TaskID,
	}

	tags := make(map[string]struct{})
	for _, e := range originals {
		summary.SummaryOf = append(summary.SummaryOf, e.ID)
		if e.Priority > summary.Priority {
			summary.Priority = e.Priority
		}
		if e.SessionID != summary.SessionID {
			summary.SessionID = ""
		}
		if e.TaskID != summary.TaskID {
			summary.TaskID = ""
		}
		for _, t := range e.Tags {
			tags[t] = struct{}{}
		}
	}
	for t := range tags {
		summary.Tags = append(summary.Tags, t)
	}
	sort.Strings(summary.Tags)
	return summary
}

// ApplyRetention evicts entries older than MaxAge, then trims the store to
// MaxEntries using the eviction strategy. Entries at or above MinPriority are
// never removed. It returns the number of entries removed.
func (s *Store) ApplyRetention(ctx context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := guarded(ctx, s, "list", func(ctx context.Context) ([]*Entry, error) {
		return s.backend.List(ctx, Query{IncludeSummarized: true})
	})
	if err != nil {
		return 0, err
	}

	policy := s.retention
	remaining := len(entries)
	var candidates []*Entry
	aged := 0

	for _, e := range entries {
		if !policy.evictable(e) {
			continue
		}
		if policy.MaxAge > 0 && now.Sub(e.CreatedAt) > policy.MaxAge {
			if err := s.evict(ctx, e.ID); err != nil {
				return aged, err
			}
			aged++
			remaining--
			continue
		}
		candidates = append(candidates, e)
	}
	s.metrics.RecordEviction("age", aged)

	trimmed := 0
	if policy.MaxEntries > 0 && remaining > policy.MaxEntries {
		policy.orderForEviction(candidates)
		for _, e := range candidates {
			if remaining <= policy.MaxEntries {
				break
			}
			if err := s.evict(ctx, e.ID); err != nil {
				return aged + trimmed, err
			}
			trimmed++
			remaining--
		}
		s.metrics.RecordEviction("count", trimmed)
	}

	if aged+trimmed > 0 {
		s.logger.Info("Retention applied", "aged_out", aged, "trimmed", trimmed, "remaining", remaining)
	}
	return aged + trimmed, nil
}

func (s *Store) evict(ctx context.Context, id string) error {
	err := s.exec(ctx, "delete", func(ctx context.Context) error {
		return s.backend.Delete(ctx, id)
	})
	if errors.IsType(err, errors.ErrorTypeNotFound) {
		return nil
	}
	return err
}

// Prune hard-deletes active entries below belowPriority, lowest priority and
// oldest first, until active tokens are at or under targetTokens. It returns
// the number of entries removed.
func (s *Store) Prune(ctx context.Context, belowPriority, targetTokens int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := guarded(ctx, s, "list", func(ctx context.Context) ([]*Entry, error) {
		return s.backend.List(ctx, Query{})
	})
	if err != nil {
		return 0, err
	}

	total := 0
	var candidates []*Entry
	for _, e := range entries {
		total += e.TokenCount
		if e.Priority < belowPriority {
			candidates = append(candidates, e)
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority < candidates[j].Priority
		}
		return candidates[i].CreatedAt.Before(candidates[j].CreatedAt)
	})

	removed := 0
	for _, e := range candidates {
		if total <= targetTokens {
			break
		}
		if err := s.evict(ctx, e.ID); err != nil {
			return removed, err
		}
		total -= e.TokenCount
		removed++
	}

	s.metrics.RecordEviction("prune", removed)
	if removed > 0 {
		s.logger.Warn("Memory pruned", "removed", removed, "below_priority", belowPriority, "active_tokens", total)
	}
	return removed, nil
}

// SaveCheckpoint persists a checkpoint. Checkpoints are written even when
// memory writes are degraded so a handoff remains possible.
func (s *Store) SaveCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	if checkpoint == nil || checkpoint.ID == "" {
		return errors.NewValidationError("checkpoint id is required")
	}
	if err := s.exec(ctx, "put_checkpoint", func(ctx context.Context) error {
		return s.backend.PutCheckpoint(ctx, checkpoint)
	}); err != nil {
		return err
	}
	s.cacheCheckpoint(ctx, checkpoint)
	return nil
}

// GetCheckpoint loads a checkpoint, from the cache when possible
func (s *Store) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	if cp, ok := s.cachedCheckpoint(ctx, id); ok {
		return cp, nil
	}
	cp, err := guarded(ctx, s, "get_checkpoint", func(ctx context.Context) (*Checkpoint, error) {
		return s.backend.GetCheckpoint(ctx, id)
	})
	if err != nil {
		return nil, err
	}
	s.cacheCheckpoint(ctx, cp)
	return cp, nil
}

// cachedCheckpoint never fails: a miss, a cache error or an expired
// cache_lookup tier all fall through to the backend
func (s *Store) cachedCheckpoint(ctx context.Context, id string) (*Checkpoint, bool) {
	if s.cache == nil {
		return nil, false
	}
	lookup := func(ctx context.Context) (*Checkpoint, error) {
		var cp Checkpoint
		if err := s.cache.Get(ctx, cache.CheckpointKey(id), &cp); err != nil {
			return nil, err
		}
		return &cp, nil
	}

	var (
		cp  *Checkpoint
		err error
	)
	if s.policy != nil {
		cp, err = resilience.Execute(ctx, s.policy, resilience.LevelCacheLookup, lookup, nil)
	} else {
		cp, err = lookup(ctx)
	}
	if err != nil || cp == nil {
		if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
			s.logger.Debug("Checkpoint cache lookup skipped", "checkpoint_id", id, "error", err)
		}
		return nil, false
	}
	return cp, true
}

func (s *Store) cacheCheckpoint(ctx context.Context, cp *Checkpoint) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Set(ctx, cache.CheckpointKey(cp.ID), cp, s.cacheTTL); err != nil {
		s.logger.Warn("Failed to cache checkpoint", "checkpoint_id", cp.ID, "error", err)
	}
}

// ListCheckpoints lists checkpoints oldest first; "" lists every session
func (s *Store) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	return guarded(ctx, s, "list_checkpoints", func(ctx context.Context) ([]*Checkpoint, error) {
		return s.backend.ListCheckpoints(ctx, sessionID)
	})
}

// Ping checks the backend directly. It does not go through the breaker;
// callers that want breaker accounting wrap it in the breaker themselves.
func (s *Store) Ping(ctx context.Context) error {
	return s.backend.Ping(ctx)
}

// Close closes the backend and the cache
func (s *Store) Close() error {
	err := s.backend.Close()
	if s.cache != nil {
		if cerr := s.cache.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
