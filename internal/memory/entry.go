package memory

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
)

// EntryType classifies a memory entry
type EntryType string

const (
	TypeContext      EntryType = "context"
	TypeDecision     EntryType = "decision"
	TypeProgress     EntryType = "progress"
	TypeConversation EntryType = "conversation"
	TypeCode         EntryType = "code"
	TypeError        EntryType = "error"
	TypeSummary      EntryType = "summary"
	TypeHandoff      EntryType = "handoff"
)

// Valid reports whether t is a known entry type
func (t EntryType) Valid() bool {
	switch t {
	case TypeContext, TypeDecision, TypeProgress, TypeConversation,
		TypeCode, TypeError, TypeSummary, TypeHandoff:
		return true
	}
	return false
}

// Priority ranks entries for retention and handoff selection
const (
	PriorityMinimal  = 10
	PriorityLow      = 25
	PriorityNormal   = 50
	PriorityHigh     = 75
	PriorityCritical = 100
)

// Entry is one persisted memory record
type Entry struct {
	ID           string    `json:"id"`
	Type         EntryType `json:"type"`
	Content      string    `json:"content"`
	Priority     int       `json:"priority"`
	TokenCount   int       `json:"token_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	AccessedAt   time.Time `json:"accessed_at"`
	AccessCount  int       `json:"access_count"`
	SessionID    string    `json:"session_id,omitempty"`
	TaskID       string    `json:"task_id,omitempty"`
	Tags         []string  `json:"tags,omitempty"`
	IsSummarized bool      `json:"is_summarized"`
	SummaryOf    []string  `json:"summary_of,omitempty"`
}

// Clone returns a deep copy
func (e *Entry) Clone() *Entry {
	if e == nil {
		return nil
	}
	c := *e
	if e.Tags != nil {
		c.Tags = append([]string(nil), e.Tags...)
	}
	if e.SummaryOf != nil {
		c.SummaryOf = append([]string(nil), e.SummaryOf...)
	}
	return &c
}

// HasTag reports whether the entry carries tag
func (e *Entry) HasTag(tag string) bool {
	for _, t := range e.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Active reports whether the entry counts against the token budget
func (e *Entry) Active() bool {
	return !e.IsSummarized
}

// Validate checks the fields a caller must supply
func (e *Entry) Validate() error {
	if e.Content == "" {
		return errors.NewValidationError("memory entry content cannot be empty")
	}
	if !e.Type.Valid() {
		return errors.NewValidationError(fmt.Sprintf("unknown memory entry type %q", e.Type))
	}
	if e.Priority < PriorityMinimal || e.Priority > PriorityCritical {
		return errors.NewValidationError(fmt.Sprintf("priority must be between %d and %d, got %d", PriorityMinimal, PriorityCritical, e.Priority))
	}
	return nil
}

// EstimateTokens approximates the token count of text as one token per four
// bytes, with a minimum of one for non-empty text.
func EstimateTokens(text string) int {
	n := len(text)
	if n == 0 {
		return 0
	}
	tokens := n / 4
	if tokens == 0 {
		return 1
	}
	return tokens
}

// Query filters entries. Zero-valued fields do not filter.
type Query struct {
	SessionID         string
	TaskID            string
	Type              EntryType
	Tag               string
	IncludeSummarized bool
	// Limit keeps the first Limit matches in creation order
	Limit int
}

// Matches reports whether e satisfies every filter in q
func (q Query) Matches(e *Entry) bool {
	if !q.IncludeSummarized && e.IsSummarized {
		return false
	}
	if q.SessionID != "" && e.SessionID != q.SessionID {
		return false
	}
	if q.TaskID != "" && e.TaskID != q.TaskID {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if q.Tag != "" && !e.HasTag(q.Tag) {
		return false
	}
	return true
}

// Checkpoint is a persisted snapshot of session state plus the entries that
// belonged to it. State is opaque to the store.
type Checkpoint struct {
	ID        string          `json:"checkpoint_id"`
	SessionID string          `json:"session_id"`
	CreatedAt time.Time       `json:"created_at"`
	State     json.RawMessage `json:"state"`
	EntryIDs  []string        `json:"entry_ids"`
}

// Clone returns a deep copy
func (c *Checkpoint) Clone() *Checkpoint {
	if c == nil {
		return nil
	}
	out := *c
	out.State = append(json.RawMessage(nil), c.State...)
	out.EntryIDs = append([]string(nil), c.EntryIDs...)
	return &out
}
