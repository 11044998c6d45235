package session

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NikhilSetiya/agentctx/internal/eventbus"
	"github.com/NikhilSetiya/agentctx/internal/memory"
	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
	"github.com/NikhilSetiya/agentctx/pkg/tracing"
)

// Store is the part of the memory store sessions use
type Store interface {
	Save(ctx context.Context, entry *memory.Entry) (*memory.Entry, error)
	Get(ctx context.Context, id string) (*memory.Entry, error)
	Query(ctx context.Context, q memory.Query) ([]*memory.Entry, error)
	SaveCheckpoint(ctx context.Context, checkpoint *memory.Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*memory.Checkpoint, error)
	ListCheckpoints(ctx context.Context, sessionID string) ([]*memory.Checkpoint, error)
}

// Publisher is the part of the event bus sessions need
type Publisher interface {
	Publish(ctx context.Context, event *eventbus.Event, opts ...eventbus.PublishOption) *eventbus.Event
}

// Config contains manager dependencies. Store is required.
type Config struct {
	Store   Store
	Bus     Publisher
	Logger  *logging.Logger
	Metrics *metrics.Metrics
	Tracer  *tracing.TracingService
	Now     func() time.Time
}

// Manager owns the current session and its checkpoints and handoffs
type Manager struct {
	store Store
	bus   Publisher
	now   func() time.Time

	mu       sync.RWMutex
	current  *State
	sessions map[string]*State

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
}

// NewManager creates a manager with no active session
func NewManager(config Config) (*Manager, error) {
	if config.Store == nil {
		return nil, errors.NewValidationError("session manager requires a memory store")
	}
	if config.Now == nil {
		config.Now = time.Now
	}
	return &Manager{
		store:    config.Store,
		bus:      config.Bus,
		now:      config.Now,
		sessions: make(map[string]*State),
		logger:   logging.OrNop(config.Logger).Named("session"),
		metrics:  config.Metrics,
		tracer:   config.Tracer,
	}, nil
}

var errNoSession = errors.NewValidationError("no active session")

// StartSession begins a new session, or resumes from a checkpoint when
// resumeFrom is set
func (m *Manager) StartSession(ctx context.Context, objective string, steps []string, resumeFrom string) (*State, error) {
	if resumeFrom != "" {
		return m.Resume(ctx, resumeFrom)
	}
	if strings.TrimSpace(objective) == "" {
		return nil, errors.NewValidationError("session objective is required")
	}

	now := m.now()
	state := &State{
		SessionID:      uuid.NewString(),
		Status:         StatusActive,
		Objective:      objective,
		CompletedSteps: []string{},
		PendingSteps:   append([]string{}, steps...),
		KeyDecisions:   []string{},
		StartedAt:      now,
		UpdatedAt:      now,
	}
	state.recomputeProgress()

	m.mu.Lock()
	m.current = state
	m.sessions[state.SessionID] = state
	m.mu.Unlock()

	m.logger.Info("Session started", "session_id", state.SessionID, "steps", len(steps))
	return state.Clone(), nil
}

// Current returns a copy of the active session
func (m *Manager) Current() (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.current == nil {
		return nil, false
	}
	return m.current.Clone(), true
}

// Session returns a copy of any session this manager has seen
func (m *Manager) Session(id string) (*State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, false
	}
	return s.Clone(), true
}

// UpdateProgress applies update to the active session. Completed steps and
// decisions are also written to memory; the state is updated even when that
// write fails, and the write error is returned.
func (m *Manager) UpdateProgress(ctx context.Context, update ProgressUpdate) (*State, error) {
	m.mu.Lock()
	if m.current == nil {
		m.mu.Unlock()
		return nil, errNoSession
	}
	s := m.current

	var completed []string
	for _, step := range update.CompletedSteps {
		if containsString(s.CompletedSteps, step) {
			continue
		}
		s.PendingSteps = removeString(s.PendingSteps, step)
		s.CompletedSteps = append(s.CompletedSteps, step)
		completed = append(completed, step)
	}
	for _, step := range update.AddedSteps {
		if !containsString(s.PendingSteps, step) && !containsString(s.CompletedSteps, step) {
			s.PendingSteps = append(s.PendingSteps, step)
		}
	}
	s.KeyDecisions = append(s.KeyDecisions, update.Decisions...)
	if update.LastAction != "" {
		s.LastAction = update.LastAction
	}
	if update.LastResult != "" {
		s.LastResult = update.LastResult
	}
	s.TotalTokensUsed += update.TokensUsed
	s.UpdatedAt = m.now()
	s.recomputeProgress()
	snapshot := s.Clone()
	m.mu.Unlock()

	var writes []*memory.Entry
	for _, step := range completed {
		writes = append(writes, &memory.Entry{
			Type:     memory.TypeProgress,
			Content:  "Completed: " + step,
			Priority: memory.PriorityNormal,
		})
	}
	for _, decision := range update.Decisions {
		writes = append(writes, &memory.Entry{
			Type:     memory.TypeDecision,
			Content:  decision,
			Priority: memory.PriorityHigh,
			Tags:     []string{"decision"},
		})
	}
	for _, e := range writes {
		e.SessionID = snapshot.SessionID
		e.TaskID = snapshot.TaskID
		if _, err := m.store.Save(ctx, e); err != nil {
			m.logger.Warn("Failed to record session progress", "session_id", snapshot.SessionID, "error", err)
			return snapshot, err
		}
	}
	return snapshot, nil
}

// CreateCheckpoint persists the active session state and the ids of its
// active memory entries, including those carried over from earlier sessions,
// and publishes session.checkpoint
func (m *Manager) CreateCheckpoint(ctx context.Context) (string, error) {
	state, ok := m.Current()
	if !ok {
		return "", errNoSession
	}

	ctx, span := m.tracer.StartComponentSpan(ctx, "session", "checkpoint", attribute.String("session.id", state.SessionID))
	defer span.End()

	entries, err := m.store.Query(ctx, memory.Query{SessionID: state.SessionID})
	if err != nil {
		tracing.RecordError(span, err)
		return "", err
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return "", errors.NewInternalError("failed to encode session state").WithCause(err)
	}

	checkpoint := &memory.Checkpoint{
		ID:        uuid.NewString(),
		SessionID: state.SessionID,
		CreatedAt: m.now(),
		State:     raw,
		EntryIDs:  make([]string, 0, len(entries)),
	}
	for _, e := range entries {
		checkpoint.EntryIDs = append(checkpoint.EntryIDs, e.ID)
	}
	for _, id := range state.CarriedEntryIDs {
		if !containsString(checkpoint.EntryIDs, id) {
			checkpoint.EntryIDs = append(checkpoint.EntryIDs, id)
		}
	}
	if err := m.store.SaveCheckpoint(ctx, checkpoint); err != nil {
		tracing.RecordError(span, err)
		m.logger.Error("Failed to save checkpoint", "session_id", state.SessionID, "error", err)
		return "", err
	}

	m.metrics.RecordCheckpoint()
	m.logger.Info("Checkpoint created",
		"session_id", state.SessionID,
		"checkpoint_id", checkpoint.ID,
		"entries", len(checkpoint.EntryIDs),
		"progress", state.ProgressPercentage,
	)
	m.publish(ctx, eventbus.TopicSessionCheckpoint, map[string]interface{}{
		"checkpoint_id": checkpoint.ID,
		"session_id":    state.SessionID,
	})
	return checkpoint.ID, nil
}

// PrepareHandoff builds a handoff package for the active session. Candidates
// are the session's own entries plus those carried from the checkpoint it was
// resumed from. Entries are taken by priority, newest first, while the package
// stays within maxTokens; the continuation prompt is always included.
func (m *Manager) PrepareHandoff(ctx context.Context, maxTokens int) (*HandoffPackage, error) {
	if maxTokens <= 0 {
		return nil, errors.NewValidationError("handoff token limit must be positive")
	}
	state, ok := m.Current()
	if !ok {
		return nil, errNoSession
	}

	ctx, span := m.tracer.StartComponentSpan(ctx, "session", "handoff", attribute.Int("handoff.max_tokens", maxTokens))
	defer span.End()

	entries, err := m.handoffCandidates(ctx, state)
	if err != nil {
		tracing.RecordError(span, err)
		return nil, err
	}
	sort.SliceStable(entries, func(i, j int) bool {
		if entries[i].Priority != entries[j].Priority {
			return entries[i].Priority > entries[j].Priority
		}
		return entries[i].CreatedAt.After(entries[j].CreatedAt)
	})

	prompt := ContinuationPrompt(state)
	pkg := &HandoffPackage{
		state:              *state,
		decisions:          append([]string{}, state.KeyDecisions...),
		continuationPrompt: prompt,
		tokenCount:         memory.EstimateTokens(prompt),
		createdAt:          m.now(),
		keyContext:         []ContextItem{},
	}

	var latestSummary *memory.Entry
	for _, e := range entries {
		if e.Type == memory.TypeSummary && (latestSummary == nil || e.CreatedAt.After(latestSummary.CreatedAt)) {
			latestSummary = e
		}
	}
	if latestSummary != nil && pkg.tokenCount+latestSummary.TokenCount <= maxTokens {
		pkg.summary = latestSummary.Content
		pkg.tokenCount += latestSummary.TokenCount
	}

	for _, e := range entries {
		if latestSummary != nil && e.ID == latestSummary.ID {
			continue
		}
		if pkg.tokenCount+e.TokenCount > maxTokens {
			continue
		}
		pkg.keyContext = append(pkg.keyContext, ContextItem{
			EntryID:  e.ID,
			Type:     string(e.Type),
			Priority: e.Priority,
			Content:  e.Content,
			Tokens:   e.TokenCount,
		})
		pkg.tokenCount += e.TokenCount
	}

	m.metrics.RecordHandoff()
	m.logger.Info("Handoff prepared",
		"session_id", state.SessionID,
		"context_entries", len(pkg.keyContext),
		"tokens", pkg.tokenCount,
	)
	m.publish(ctx, eventbus.TopicSessionHandoff, map[string]interface{}{
		"session_id":  state.SessionID,
		"token_count": pkg.tokenCount,
	})
	return pkg, nil
}

func (m *Manager) handoffCandidates(ctx context.Context, state *State) ([]*memory.Entry, error) {
	entries, err := m.store.Query(ctx, memory.Query{SessionID: state.SessionID})
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(entries))
	for _, e := range entries {
		seen[e.ID] = true
	}
	for _, id := range state.CarriedEntryIDs {
		if seen[id] {
			continue
		}
		seen[id] = true
		e, err := m.store.Get(ctx, id)
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if e.Active() {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

const (
	handoffTag          = "handoff"
	checkpointTagPrefix = "checkpoint:"
	successorTagPrefix  = "successor:"
)

// Resume restores the state saved in checkpointID under a new session id and
// marks the checkpointed session handed off. The handoff is recorded in the
// memory store, so a checkpoint can be resumed only once across processes.
func (m *Manager) Resume(ctx context.Context, checkpointID string) (*State, error) {
	checkpoint, err := m.store.GetCheckpoint(ctx, checkpointID)
	if err != nil {
		return nil, err
	}
	var restored State
	if err := json.Unmarshal(checkpoint.State, &restored); err != nil {
		return nil, errors.NewStorageError("decode checkpoint", err).WithDetail("checkpoint_id", checkpointID)
	}
	previousID := restored.SessionID

	records, err := m.store.Query(ctx, memory.Query{
		Type:              memory.TypeHandoff,
		Tag:               checkpointTagPrefix + checkpointID,
		IncludeSummarized: true,
		Limit:             1,
	})
	if err != nil {
		return nil, err
	}
	if len(records) > 0 {
		return nil, errors.NewAlreadyResumedError(checkpointID, successorOf(records[0]))
	}

	now := m.now()
	state := restored.Clone()
	state.SessionID = uuid.NewString()
	state.Status = StatusActive
	state.ResumedFrom = checkpointID
	state.CarriedEntryIDs = append([]string{}, checkpoint.EntryIDs...)
	state.UpdatedAt = now

	if _, err := m.store.Save(ctx, &memory.Entry{
		Type:      memory.TypeHandoff,
		Content:   fmt.Sprintf("Session %s handed off to %s from checkpoint %s", previousID, state.SessionID, checkpointID),
		Priority:  memory.PriorityHigh,
		SessionID: previousID,
		TaskID:    state.TaskID,
		Tags: []string{
			handoffTag,
			checkpointTagPrefix + checkpointID,
			successorTagPrefix + state.SessionID,
		},
	}); err != nil {
		m.logger.Error("Failed to record handoff", "session_id", previousID, "checkpoint_id", checkpointID, "error", err)
		return nil, err
	}

	m.mu.Lock()
	prior, ok := m.sessions[previousID]
	if !ok {
		prior = restored.Clone()
		m.sessions[previousID] = prior
	}
	prior.Status = StatusHandedOff
	prior.UpdatedAt = now
	m.sessions[state.SessionID] = state
	m.current = state
	m.mu.Unlock()

	m.logger.Info("Session resumed",
		"session_id", state.SessionID,
		"previous_session_id", previousID,
		"checkpoint_id", checkpointID,
	)
	m.publish(ctx, eventbus.TopicSessionResumed, map[string]interface{}{
		"session_id":          state.SessionID,
		"resumed_from":        checkpointID,
		"previous_session_id": previousID,
	})
	return state.Clone(), nil
}

// Complete marks the active session completed
func (m *Manager) Complete(ctx context.Context) (*State, error) {
	return m.setStatus(StatusCompleted)
}

// Pause marks the active session paused
func (m *Manager) Pause(ctx context.Context) (*State, error) {
	return m.setStatus(StatusPaused)
}

func (m *Manager) setStatus(status Status) (*State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, errNoSession
	}
	m.current.Status = status
	m.current.UpdatedAt = m.now()
	m.logger.Info("Session status changed", "session_id", m.current.SessionID, "status", string(status))
	return m.current.Clone(), nil
}

// ListCheckpoints lists checkpoints oldest first; "" lists every session
func (m *Manager) ListCheckpoints(ctx context.Context, sessionID string) ([]*memory.Checkpoint, error) {
	return m.store.ListCheckpoints(ctx, sessionID)
}

func (m *Manager) publish(ctx context.Context, topic string, metadata map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.Publish(ctx, eventbus.NewEvent(topic, "session", metadata))
}

func successorOf(record *memory.Entry) string {
	for _, tag := range record.Tags {
		if strings.HasPrefix(tag, successorTagPrefix) {
			return strings.TrimPrefix(tag, successorTagPrefix)
		}
	}
	return ""
}

func removeString(list []string, value string) []string {
	for i, v := range list {
		if v == value {
			return append(list[:i:i], list[i+1:]...)
		}
	}
	return list
}

func containsString(list []string, value string) bool {
	for _, v := range list {
		if v == value {
			return true
		}
	}
	return false
}
