package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Status is the lifecycle state of a session
type Status string

const (
	StatusActive    Status = "active"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusHandedOff Status = "handed_off"
)

// State is the progress record of one working session
type State struct {
	SessionID          string    `json:"session_id"`
	TaskID             string    `json:"task_id,omitempty"`
	Status             Status    `json:"status"`
	Objective          string    `json:"objective"`
	CompletedSteps     []string  `json:"completed_steps"`
	PendingSteps       []string  `json:"pending_steps"`
	ProgressPercentage float64   `json:"progress_percentage"`
	LastAction         string    `json:"last_action,omitempty"`
	LastResult         string    `json:"last_result,omitempty"`
	KeyDecisions       []string  `json:"key_decisions"`
	TotalTokensUsed    int       `json:"total_tokens_used"`
	StartedAt          time.Time `json:"started_at"`
	UpdatedAt          time.Time `json:"updated_at"`
	// ResumedFrom is the checkpoint this session was restored from
	ResumedFrom string `json:"resumed_from,omitempty"`
	// CarriedEntryIDs are memory entries inherited from earlier sessions in
	// the resume chain
	CarriedEntryIDs []string `json:"carried_entry_ids,omitempty"`
}

// Clone returns a deep copy
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	c.CompletedSteps = append([]string{}, s.CompletedSteps...)
	c.PendingSteps = append([]string{}, s.PendingSteps...)
	c.KeyDecisions = append([]string{}, s.KeyDecisions...)
	if s.CarriedEntryIDs != nil {
		c.CarriedEntryIDs = append([]string{}, s.CarriedEntryIDs...)
	}
	return &c
}

func (s *State) recomputeProgress() {
	total := len(s.CompletedSteps) + len(s.PendingSteps)
	if total == 0 {
		s.ProgressPercentage = 0
		return
	}
	s.ProgressPercentage = float64(len(s.CompletedSteps)) / float64(total) * 100
}

// ProgressUpdate is applied by UpdateProgress. Completed steps are removed
// from the pending list when present.
type ProgressUpdate struct {
	CompletedSteps []string
	AddedSteps     []string
	Decisions      []string
	LastAction     string
	LastResult     string
	TokensUsed     int
}

// ContextItem is one memory entry carried in a handoff package
type ContextItem struct {
	EntryID  string `json:"entry_id"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
	Content  string `json:"content"`
	Tokens   int    `json:"tokens"`
}

// HandoffPackage lets a new session continue without the full history. It is
// immutable; accessors return copies.
type HandoffPackage struct {
	state              State
	summary            string
	keyContext         []ContextItem
	decisions          []string
	continuationPrompt string
	tokenCount         int
	createdAt          time.Time
}

func (p *HandoffPackage) State() State               { return *p.state.Clone() }
func (p *HandoffPackage) Summary() string            { return p.summary }
func (p *HandoffPackage) Decisions() []string        { return append([]string{}, p.decisions...) }
func (p *HandoffPackage) ContinuationPrompt() string { return p.continuationPrompt }
func (p *HandoffPackage) TokenCount() int            { return p.tokenCount }
func (p *HandoffPackage) CreatedAt() time.Time       { return p.createdAt }
func (p *HandoffPackage) KeyContext() []ContextItem  { return append([]ContextItem{}, p.keyContext...) }

type handoffJSON struct {
	SessionState       State         `json:"session_state"`
	Summary            string        `json:"summary"`
	KeyContext         []ContextItem `json:"key_context"`
	Decisions          []string      `json:"decisions"`
	ContinuationPrompt string        `json:"continuation_prompt"`
	TokenCount         int           `json:"token_count"`
	CreatedAt          time.Time     `json:"created_at"`
}

func (p *HandoffPackage) MarshalJSON() ([]byte, error) {
	return json.Marshal(handoffJSON{
		SessionState:       p.State(),
		Summary:            p.summary,
		KeyContext:         p.KeyContext(),
		Decisions:          p.Decisions(),
		ContinuationPrompt: p.continuationPrompt,
		TokenCount:         p.tokenCount,
		CreatedAt:          p.createdAt,
	})
}

// ContinuationPrompt renders the instructions a new session starts from. The
// output depends only on s.
func ContinuationPrompt(s *State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Continue session %s.\n", s.SessionID)
	fmt.Fprintf(&b, "Objective: %s\n", s.Objective)
	fmt.Fprintf(&b, "Progress: %.1f%% (%d of %d steps)\n",
		s.ProgressPercentage, len(s.CompletedSteps), len(s.CompletedSteps)+len(s.PendingSteps))
	writeList(&b, "Completed steps", s.CompletedSteps)
	writeList(&b, "Pending steps", s.PendingSteps)
	writeList(&b, "Key decisions", s.KeyDecisions)
	if s.LastAction != "" {
		fmt.Fprintf(&b, "Last action: %s\n", s.LastAction)
	}
	if s.LastResult != "" {
		fmt.Fprintf(&b, "Last result: %s\n", s.LastResult)
	}
	if len(s.PendingSteps) > 0 {
		fmt.Fprintf(&b, "Next: %s", s.PendingSteps[0])
	} else {
		b.WriteString("Next: verify the objective is met")
	}
	return b.String()
}

func writeList(b *strings.Builder, title string, items []string) {
	if len(items) == 0 {
		fmt.Fprintf(b, "%s: none\n", title)
		return
	}
	fmt.Fprintf(b, "%s:\n", title)
	for _, item := range items {
		fmt.Fprintf(b, "- %s\n", item)
	}
}
