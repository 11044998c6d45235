package memory

import (
	"context"
	"sync"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
)

// InMemoryBackend keeps everything in process. It is used for tests and
// ephemeral runs.
type InMemoryBackend struct {
	mu          sync.RWMutex
	entries     map[string]*Entry
	checkpoints map[string]*Checkpoint
}

// NewInMemoryBackend creates an empty backend
func NewInMemoryBackend() *InMemoryBackend {
	return &InMemoryBackend{
		entries:     make(map[string]*Entry),
		checkpoints: make(map[string]*Checkpoint),
	}
}

func (b *InMemoryBackend) Put(ctx context.Context, entry *Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries[entry.ID] = entry.Clone()
	return nil
}

func (b *InMemoryBackend) Get(ctx context.Context, id string) (*Entry, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	entry, ok := b.entries[id]
	if !ok {
		return nil, errors.NewNotFoundError("memory entry")
	}
	return entry.Clone(), nil
}

func (b *InMemoryBackend) Delete(ctx context.Context, id string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.entries[id]; !ok {
		return errors.NewNotFoundError("memory entry")
	}
	delete(b.entries, id)
	return nil
}

func (b *InMemoryBackend) List(ctx context.Context, query Query) ([]*Entry, error) {
	b.mu.RLock()
	all := make([]*Entry, 0, len(b.entries))
	for _, e := range b.entries {
		all = append(all, e.Clone())
	}
	b.mu.RUnlock()

	sortEntries(all)
	return filterEntries(all, query), nil
}

func (b *InMemoryBackend) PutCheckpoint(ctx context.Context, checkpoint *Checkpoint) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.checkpoints[checkpoint.ID] = checkpoint.Clone()
	return nil
}

func (b *InMemoryBackend) GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	cp, ok := b.checkpoints[id]
	if !ok {
		return nil, errors.NewNotFoundError("checkpoint")
	}
	return cp.Clone(), nil
}

func (b *InMemoryBackend) ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error) {
	b.mu.RLock()
	out := make([]*Checkpoint, 0, len(b.checkpoints))
	for _, cp := range b.checkpoints {
		if sessionID == "" || cp.SessionID == sessionID {
			out = append(out, cp.Clone())
		}
	}
	b.mu.RUnlock()

	sortCheckpoints(out)
	return out, nil
}

func (b *InMemoryBackend) Ping(ctx context.Context) error { return nil }

func (b *InMemoryBackend) Close() error { return nil }
