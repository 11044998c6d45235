package memory

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/NikhilSetiya/agentctx/internal/cache"
	"github.com/NikhilSetiya/agentctx/internal/eventbus"
	"github.com/NikhilSetiya/agentctx/pkg/config"
	appErrors "github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
	"github.com/NikhilSetiya/agentctx/pkg/resilience"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type savedEvents struct {
	mu     sync.Mutex
	events []*eventbus.Event
}

func (s *savedEvents) handle(ctx context.Context, e *eventbus.Event) (interface{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil, nil
}

func (s *savedEvents) all() []*eventbus.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*eventbus.Event(nil), s.events...)
}

type storeFixture struct {
	store   *Store
	backend *InMemoryBackend
	clock   *testClock
	saved   *savedEvents
	metrics *metrics.Metrics
}

func newStoreFixture(t *testing.T, retention RetentionPolicy) *storeFixture {
	t.Helper()
	bus := eventbus.New(eventbus.DefaultConfig())
	t.Cleanup(func() { bus.Close() })

	saved := &savedEvents{}
	_, err := bus.SubscribeFunc(eventbus.TopicMemorySaved, saved.handle)
	require.NoError(t, err)

	f := &storeFixture{
		backend: NewInMemoryBackend(),
		clock:   &testClock{now: baseTime},
		saved:   saved,
		metrics: metrics.NewMetrics(&metrics.Config{Enabled: true, Namespace: "test"}),
	}
	f.store, err = NewStore(Config{
		Backend:   f.backend,
		Retention: retention,
		Bus:       bus,
		Metrics:   f.metrics,
		Now:       f.clock.Now,
	})
	require.NoError(t, err)
	return f
}

// put writes straight to the backend so tests control every field
func (f *storeFixture) put(t *testing.T, e *Entry) {
	t.Helper()
	require.NoError(t, f.backend.Put(context.Background(), e))
}

func (f *storeFixture) remaining(t *testing.T) []string {
	t.Helper()
	all, err := f.backend.List(context.Background(), Query{IncludeSummarized: true})
	require.NoError(t, err)
	return ids(all)
}

func TestNewStore_RequiresBackend(t *testing.T) {
	_, err := NewStore(Config{})
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))
}

func TestStore_SaveFillsDefaults(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	saved, err := f.store.Save(ctx, &Entry{Content: "the build uses go 1.23", SessionID: "s1"})
	require.NoError(t, err)

	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, TypeContext, saved.Type)
	assert.Equal(t, PriorityNormal, saved.Priority)
	assert.Equal(t, EstimateTokens("the build uses go 1.23"), saved.TokenCount)
	assert.Equal(t, baseTime, saved.CreatedAt)
	assert.Equal(t, baseTime, saved.AccessedAt)
	assert.Equal(t, baseTime, saved.UpdatedAt)

	events := f.saved.all()
	require.Len(t, events, 1)
	assert.Equal(t, saved.ID, events[0].String("entry_id"))
	assert.Equal(t, "s1", events[0].String("session_id"))
	assert.Equal(t, "context", events[0].String("type"))
	assert.Equal(t, saved.TokenCount, events[0].Int("token_count"))
}

func TestStore_SaveKeepsCallerValues(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())

	created := baseTime.Add(-time.Hour)
	saved, err := f.store.Save(context.Background(), &Entry{
		ID:         "fixed",
		Type:       TypeDecision,
		Content:    "use sqlite",
		Priority:   PriorityCritical,
		TokenCount: 42,
		CreatedAt:  created,
	})
	require.NoError(t, err)
	assert.Equal(t, "fixed", saved.ID)
	assert.Equal(t, TypeDecision, saved.Type)
	assert.Equal(t, PriorityCritical, saved.Priority)
	assert.Equal(t, 42, saved.TokenCount)
	assert.Equal(t, created, saved.CreatedAt)
}

func TestStore_SaveValidation(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	cases := map[string]*Entry{
		"nil":           nil,
		"empty content": {Content: ""},
		"unknown type":  {Content: "x", Type: "note"},
		"low priority":  {Content: "x", Priority: 5},
		"high priority": {Content: "x", Priority: 101},
	}
	for name, entry := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.store.Save(ctx, entry)
			assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation), "got %v", err)
		})
	}
	assert.Empty(t, f.saved.all())
}

func TestStore_GetRecordsAccess(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	saved, err := f.store.Save(ctx, &Entry{Content: "x"})
	require.NoError(t, err)

	f.clock.Advance(time.Minute)
	got, err := f.store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.AccessCount)
	assert.Equal(t, baseTime.Add(time.Minute), got.AccessedAt)

	stored, err := f.backend.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.AccessCount)

	_, err = f.store.Get(ctx, "missing")
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeNotFound))
}

func TestStore_QueryAndActiveTokens(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	a := testEntry("a", "s1", 0)
	a.TokenCount = 100
	b := testEntry("b", "s2", time.Second)
	b.TokenCount = 250
	c := testEntry("c", "s1", 2*time.Second)
	c.TokenCount = 1000
	c.IsSummarized = true
	for _, e := range []*Entry{a, b, c} {
		f.put(t, e)
	}

	tokens, err := f.store.ActiveTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, 350, tokens)

	got, err := f.store.Query(ctx, Query{SessionID: "s1", IncludeSummarized: true})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c"}, ids(got))

	require.NoError(t, f.store.Delete(ctx, "a"))
	err = f.store.Delete(ctx, "a")
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeNotFound))
}

func TestStore_Summarize(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	a := testEntry("a", "s1", 0)
	a.Content = "first line\nsecond line"
	a.Tags = []string{"db"}
	a.TokenCount = 400
	b := testEntry("b", "s1", time.Second)
	b.Priority = PriorityHigh
	b.Tags = []string{"api", "db"}
	b.TokenCount = 600
	for _, e := range []*Entry{a, b} {
		f.put(t, e)
	}

	f.clock.Advance(time.Hour)
	summary, err := f.store.Summarize(ctx, []string{"a", "b"}, nil)
	require.NoError(t, err)

	assert.Equal(t, TypeSummary, summary.Type)
	assert.Equal(t, []string{"a", "b"}, summary.SummaryOf)
	assert.Equal(t, PriorityHigh, summary.Priority)
	assert.Equal(t, "s1", summary.SessionID)
	assert.Equal(t, "task-1", summary.TaskID)
	assert.Equal(t, []string{"api", "db"}, summary.Tags)
	assert.Equal(t, baseTime.Add(time.Hour), summary.CreatedAt)
	assert.Contains(t, summary.Content, "Summary of 2 entries:")
	assert.Contains(t, summary.Content, "- [context] first line")
	assert.NotContains(t, summary.Content, "second line")

	for _, id := range []string{"a", "b"} {
		e, err := f.backend.Get(ctx, id)
		require.NoError(t, err)
		assert.True(t, e.IsSummarized, id)
	}

	tokens, err := f.store.ActiveTokens(ctx)
	require.NoError(t, err)
	assert.Equal(t, summary.TokenCount, tokens)
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Summarizations))

	events := f.saved.all()
	require.Len(t, events, 1)
	assert.Equal(t, summary.ID, events[0].String("entry_id"))
	assert.Equal(t, "summary", events[0].String("type"))

	_, err = f.store.Summarize(ctx, []string{"a", "b"}, nil)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))
}

func TestStore_SummarizeMixedSessions(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())
	f.put(t, testEntry("a", "s1", 0))
	f.put(t, testEntry("b", "s2", time.Second))

	summary, err := f.store.Summarize(context.Background(), []string{"a", "b"}, SummarizerFunc(func(ctx context.Context, entries []*Entry) (string, error) {
		return "two entries", nil
	}))
	require.NoError(t, err)
	assert.Empty(t, summary.SessionID)
	assert.Equal(t, "task-1", summary.TaskID)
	assert.Equal(t, "two entries", summary.Content)
}

func TestStore_SummarizeFailures(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()
	f.put(t, testEntry("a", "s1", 0))

	_, err := f.store.Summarize(ctx, nil, nil)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))

	_, err = f.store.Summarize(ctx, []string{"missing"}, nil)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeNotFound))

	failing := SummarizerFunc(func(ctx context.Context, entries []*Entry) (string, error) {
		return "", stderrors.New("model unavailable")
	})
	_, err = f.store.Summarize(ctx, []string{"a"}, failing)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeInternal))

	e, err := f.backend.Get(ctx, "a")
	require.NoError(t, err)
	assert.False(t, e.IsSummarized)
}

func TestStore_ApplyRetentionByAge(t *testing.T) {
	f := newStoreFixture(t, RetentionPolicy{MaxAge: 30 * 24 * time.Hour, MinPriority: PriorityHigh})

	old := testEntry("old", "s1", 0)
	oldPinned := testEntry("old-pinned", "s1", 0)
	oldPinned.Priority = PriorityHigh
	recent := testEntry("recent", "s1", 35*24*time.Hour)
	for _, e := range []*Entry{old, oldPinned, recent} {
		f.put(t, e)
	}

	removed, err := f.store.ApplyRetention(context.Background(), baseTime.Add(40*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"old-pinned", "recent"}, f.remaining(t))
	assert.Equal(t, float64(1), testutil.ToFloat64(f.metrics.Evictions.WithLabelValues("age")))
}

func TestStore_ApplyRetentionByCount(t *testing.T) {
	build := func() []*Entry {
		a := testEntry("a", "s1", 0)
		a.AccessedAt = baseTime.Add(5 * time.Second)
		a.AccessCount = 1
		b := testEntry("b", "s1", time.Second)
		b.AccessedAt = baseTime.Add(3 * time.Second)
		b.AccessCount = 5
		c := testEntry("c", "s1", 2*time.Second)
		c.AccessedAt = baseTime.Add(4 * time.Second)
		c.AccessCount = 3
		pinned := testEntry("pinned", "s1", -time.Second)
		pinned.Priority = PriorityCritical
		return []*Entry{a, b, c, pinned}
	}

	cases := []struct {
		strategy EvictionStrategy
		kept     []string
	}{
		{LRU, []string{"pinned", "a"}},
		{LFU, []string{"pinned", "b"}},
		{FIFO, []string{"pinned", "c"}},
	}
	for _, tc := range cases {
		t.Run(tc.strategy.Name(), func(t *testing.T) {
			f := newStoreFixture(t, RetentionPolicy{MaxEntries: 2, MinPriority: PriorityHigh, Strategy: tc.strategy})
			for _, e := range build() {
				f.put(t, e)
			}

			removed, err := f.store.ApplyRetention(context.Background(), baseTime)
			require.NoError(t, err)
			assert.Equal(t, 2, removed)
			assert.Equal(t, tc.kept, f.remaining(t))
			assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Evictions.WithLabelValues("count")))
		})
	}
}

func TestStore_ApplyRetentionPrefersSummarized(t *testing.T) {
	f := newStoreFixture(t, RetentionPolicy{MaxEntries: 2, MinPriority: PriorityHigh, Strategy: FIFO})

	a := testEntry("a", "s1", 0)
	b := testEntry("b", "s1", time.Second)
	c := testEntry("c", "s1", 2*time.Second)
	c.IsSummarized = true
	for _, e := range []*Entry{a, b, c} {
		f.put(t, e)
	}

	removed, err := f.store.ApplyRetention(context.Background(), baseTime)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"a", "b"}, f.remaining(t))
}

func TestStore_ApplyRetentionNeverDropsFloor(t *testing.T) {
	f := newStoreFixture(t, RetentionPolicy{MaxAge: time.Hour, MaxEntries: 1, MinPriority: PriorityNormal})
	for _, id := range []string{"a", "b", "c"} {
		f.put(t, testEntry(id, "s1", 0))
	}

	removed, err := f.store.ApplyRetention(context.Background(), baseTime.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)
	assert.Len(t, f.remaining(t), 3)
}

func TestStore_Prune(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())

	specs := []struct {
		id       string
		priority int
		tokens   int
		offset   time.Duration
	}{
		{"normal", PriorityNormal, 300, 0},
		{"low-new", PriorityLow, 200, 2 * time.Second},
		{"low-old", PriorityLow, 100, time.Second},
		{"minimal", PriorityMinimal, 100, 3 * time.Second},
		{"high", PriorityHigh, 300, 0},
	}
	for _, s := range specs {
		e := testEntry(s.id, "s1", s.offset)
		e.Priority = s.priority
		e.TokenCount = s.tokens
		f.put(t, e)
	}

	// 1000 active tokens; dropping minimal then low-old reaches 800
	removed, err := f.store.Prune(context.Background(), PriorityHigh, 800)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	assert.ElementsMatch(t, []string{"normal", "low-new", "high"}, f.remaining(t))
	assert.Equal(t, float64(2), testutil.ToFloat64(f.metrics.Evictions.WithLabelValues("prune")))

	// only entries below the priority bound are eligible
	removed, err = f.store.Prune(context.Background(), PriorityNormal, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	assert.ElementsMatch(t, []string{"normal", "high"}, f.remaining(t))
}

func TestStore_Checkpoints(t *testing.T) {
	f := newStoreFixture(t, DefaultRetentionPolicy())
	ctx := context.Background()

	err := f.store.SaveCheckpoint(ctx, &Checkpoint{})
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))

	require.NoError(t, f.store.SaveCheckpoint(ctx, &Checkpoint{ID: "cp1", SessionID: "s1", CreatedAt: baseTime}))
	require.NoError(t, f.store.SaveCheckpoint(ctx, &Checkpoint{ID: "cp2", SessionID: "s2", CreatedAt: baseTime}))

	cp, err := f.store.GetCheckpoint(ctx, "cp1")
	require.NoError(t, err)
	assert.Equal(t, "s1", cp.SessionID)

	list, err := f.store.ListCheckpoints(ctx, "s2")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "cp2", list[0].ID)
}

type countingBackend struct {
	*InMemoryBackend
	checkpointReads atomic.Int32
}

func (b *countingBackend) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	b.checkpointReads.Add(1)
	return b.InMemoryBackend.GetCheckpoint(ctx, id)
}

// stuckCache never answers before its context expires
type stuckCache struct {
	*cache.Local
}

func (c stuckCache) Get(ctx context.Context, key cache.CacheKey, dest interface{}) error {
	<-ctx.Done()
	return ctx.Err()
}

func TestStore_CheckpointCache(t *testing.T) {
	ctx := context.Background()
	backend := &countingBackend{InMemoryBackend: NewInMemoryBackend()}

	store, err := NewStore(Config{Backend: backend, Cache: cache.NewLocal(16, time.Minute)})
	require.NoError(t, err)
	require.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{ID: "cp1", SessionID: "s1", CreatedAt: baseTime, EntryIDs: []string{"e1"}}))

	cp, err := store.GetCheckpoint(ctx, "cp1")
	require.NoError(t, err)
	assert.Equal(t, []string{"e1"}, cp.EntryIDs)
	assert.Zero(t, backend.checkpointReads.Load(), "saved checkpoints are written through")

	// a fresh cache fills on the first read
	reopened, err := NewStore(Config{Backend: backend, Cache: cache.NewLocal(16, time.Minute)})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		cp, err = reopened.GetCheckpoint(ctx, "cp1")
		require.NoError(t, err)
		assert.Equal(t, "s1", cp.SessionID)
	}
	assert.Equal(t, int32(1), backend.checkpointReads.Load())

	_, err = reopened.GetCheckpoint(ctx, "missing")
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeNotFound))
}

func TestStore_CheckpointCacheLookupIsBounded(t *testing.T) {
	ctx := context.Background()
	policy, err := resilience.NewTimeoutPolicy(resilience.TimeoutPolicyConfig{
		Durations: []time.Duration{20 * time.Millisecond, 40 * time.Millisecond, 60 * time.Millisecond, 80 * time.Millisecond, 100 * time.Millisecond},
		Grace:     5 * time.Millisecond,
	})
	require.NoError(t, err)

	backend := NewInMemoryBackend()
	require.NoError(t, backend.PutCheckpoint(ctx, &Checkpoint{ID: "cp1", SessionID: "s1", CreatedAt: baseTime}))
	store, err := NewStore(Config{Backend: backend, Cache: stuckCache{cache.NewLocal(4, time.Minute)}, Policy: policy})
	require.NoError(t, err)

	start := time.Now()
	cp, err := store.GetCheckpoint(ctx, "cp1")
	require.NoError(t, err)
	assert.Equal(t, "s1", cp.SessionID)
	assert.Less(t, time.Since(start), time.Second)
}

func TestStore_DegradedWrites(t *testing.T) {
	ctx := context.Background()
	dc := resilience.NewDegradationController(resilience.DegradationConfig{})
	backend := NewInMemoryBackend()
	store, err := NewStore(Config{Backend: backend, Features: dc})
	require.NoError(t, err)

	saved, err := store.Save(ctx, &Entry{Content: "before"})
	require.NoError(t, err)

	dc.DegradeTo(ctx, resilience.LevelEmergency, "test")

	_, err = store.Save(ctx, &Entry{Content: "after"})
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeDegraded))
	_, err = store.Summarize(ctx, []string{saved.ID}, nil)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeDegraded))

	// reads still work but no longer write access stats
	got, err := store.Get(ctx, saved.ID)
	require.NoError(t, err)
	assert.Zero(t, got.AccessCount)

	// checkpoints stay writable so a handoff is still possible
	assert.NoError(t, store.SaveCheckpoint(ctx, &Checkpoint{ID: "cp1", SessionID: "s1", CreatedAt: baseTime}))
}

type flakyBackend struct {
	*InMemoryBackend
	down atomic.Bool
}

var errDiskUnavailable = stderrors.New("disk unavailable")

func (b *flakyBackend) Put(ctx context.Context, entry *Entry) error {
	if b.down.Load() {
		return errDiskUnavailable
	}
	return b.InMemoryBackend.Put(ctx, entry)
}

func (b *flakyBackend) Ping(ctx context.Context) error {
	if b.down.Load() {
		return errDiskUnavailable
	}
	return nil
}

func TestStore_GuardedBackendFailures(t *testing.T) {
	ctx := context.Background()
	backend := &flakyBackend{InMemoryBackend: NewInMemoryBackend()}

	breaker := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{
		Name:             "memory_backend",
		FailureThreshold: 1,
		SuccessThreshold: 1,
		ResetTimeout:     time.Hour,
		HalfOpenMaxCalls: 1,
	})
	policy, err := resilience.NewTimeoutPolicy(resilience.TimeoutPolicyConfig{})
	require.NoError(t, err)
	guard := resilience.NewGuard(breaker, policy, resilience.NewRetrier(resilience.RetryConfig{MaxAttempts: 1}), resilience.LevelFileRead)

	store, err := NewStore(Config{Backend: backend, Guard: guard})
	require.NoError(t, err)

	_, err = store.Save(ctx, &Entry{ID: "ok", Content: "fine"})
	require.NoError(t, err)

	backend.down.Store(true)
	_, err = store.Save(ctx, &Entry{Content: "lost"})
	require.True(t, appErrors.IsType(err, appErrors.ErrorTypeStorage), "got %v", err)
	assert.ErrorIs(t, err, errDiskUnavailable)
	assert.Equal(t, resilience.StateOpen, breaker.State())

	_, err = store.Save(ctx, &Entry{Content: "rejected"})
	require.True(t, appErrors.IsType(err, appErrors.ErrorTypeStorage), "got %v", err)
	appErr, ok := appErrors.As(err)
	require.True(t, ok)
	assert.Equal(t, "circuit_open", appErr.Details["cause_type"])

	// not found is not a dependency failure and is passed through untouched
	breaker2 := resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{Name: "reads", FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Hour, HalfOpenMaxCalls: 1})
	reads, err := NewStore(Config{Backend: NewInMemoryBackend(), Guard: resilience.NewGuard(breaker2, policy, resilience.NewRetrier(resilience.RetryConfig{MaxAttempts: 1}), resilience.LevelCacheLookup)})
	require.NoError(t, err)
	_, err = reads.Get(ctx, "missing")
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeNotFound))
	assert.Equal(t, resilience.StateClosed, breaker2.State())

	// Ping bypasses the open breaker
	assert.Error(t, store.Ping(ctx))
	backend.down.Store(false)
	assert.NoError(t, store.Ping(ctx))
}

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcdefghi"))
	assert.Equal(t, 250, EstimateTokens(strings.Repeat("x", 1000)))
}

func TestExtractiveSummarizer_Truncates(t *testing.T) {
	entries := []*Entry{
		{Type: TypeCode, Content: strings.Repeat("é", 300)},
		{Type: TypeDecision, Content: "  keep sqlite\nbecause reasons"},
	}

	out, err := ExtractiveSummarizer{}.Summarize(context.Background(), entries)
	require.NoError(t, err)
	lines := strings.Split(out, "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, "Summary of 2 entries:", lines[0])
	assert.LessOrEqual(t, len(lines[1]), len("- [code] ")+summaryLineLimit)
	assert.Equal(t, "- [decision] keep sqlite", lines[2])

	short, err := ExtractiveSummarizer{MaxTokens: 5}.Summarize(context.Background(), entries)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(short), 20)
	assert.True(t, strings.HasPrefix(out, short))
}

func TestStrategyByName(t *testing.T) {
	for name, want := range map[string]EvictionStrategy{"": LRU, "lru": LRU, "lfu": LFU, "fifo": FIFO} {
		got, err := StrategyByName(name)
		require.NoError(t, err)
		assert.Equal(t, want.Name(), got.Name())
	}
	_, err := StrategyByName("random")
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))
}

func TestRetentionFromConfig(t *testing.T) {
	policy, err := RetentionFromConfig(config.RetentionConfig{MaxAgeDays: 7, MaxEntries: 50, MinPriority: 60, Strategy: "lfu"})
	require.NoError(t, err)
	assert.Equal(t, 7*24*time.Hour, policy.MaxAge)
	assert.Equal(t, 50, policy.MaxEntries)
	assert.Equal(t, 60, policy.MinPriority)
	assert.Equal(t, "lfu", policy.Strategy.Name())
}

func TestOpenBackend(t *testing.T) {
	ctx := context.Background()

	b, err := OpenBackend(ctx, config.StoreConfig{Backend: BackendMemory}, nil)
	require.NoError(t, err)
	assert.IsType(t, &InMemoryBackend{}, b)

	b, err = OpenBackend(ctx, config.StoreConfig{Path: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FileBackend{}, b)

	b, err = OpenBackend(ctx, config.StoreConfig{Backend: BackendSQLite, Path: t.TempDir()}, nil)
	require.NoError(t, err)
	assert.IsType(t, &SQLBackend{}, b)
	require.NoError(t, b.Close())

	_, err = OpenBackend(ctx, config.StoreConfig{Backend: "mongo"}, nil)
	assert.True(t, appErrors.IsType(err, appErrors.ErrorTypeValidation))
}
