package memory

import (
	"context"
	"sort"
)

// Backend persists entries and checkpoints. Get, Delete and GetCheckpoint
// return a not_found AppError for unknown ids.
type Backend interface {
	Put(ctx context.Context, entry *Entry) error
	Get(ctx context.Context, id string) (*Entry, error)
	Delete(ctx context.Context, id string) error
	// List returns matching entries ordered by creation time, then id
	List(ctx context.Context, query Query) ([]*Entry, error)

	PutCheckpoint(ctx context.Context, checkpoint *Checkpoint) error
	GetCheckpoint(ctx context.Context, id string) (*Checkpoint, error)
	// ListCheckpoints returns checkpoints oldest first; an empty sessionID
	// lists all sessions.
	ListCheckpoints(ctx context.Context, sessionID string) ([]*Checkpoint, error)

	Ping(ctx context.Context) error
	Close() error
}

func sortEntries(entries []*Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func sortCheckpoints(checkpoints []*Checkpoint) {
	sort.SliceStable(checkpoints, func(i, j int) bool {
		if !checkpoints[i].CreatedAt.Equal(checkpoints[j].CreatedAt) {
			return checkpoints[i].CreatedAt.Before(checkpoints[j].CreatedAt)
		}
		return checkpoints[i].ID < checkpoints[j].ID
	})
}

// filterEntries applies query to entries that are already sorted
func filterEntries(entries []*Entry, query Query) []*Entry {
	out := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if !query.Matches(e) {
			continue
		}
		out = append(out, e)
		if query.Limit > 0 && len(out) == query.Limit {
			break
		}
	}
	return out
}
