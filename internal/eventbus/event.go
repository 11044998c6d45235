package eventbus

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Topics published by the core
const (
	TopicCircuitStateChanged = "circuit.state_changed"
	TopicSystemDegraded      = "system.degraded"
	TopicMemorySaved         = "memory.saved"
	TopicMemoryWarning       = "memory.warning"
	TopicSessionCheckpoint   = "session.checkpoint"
	TopicSessionHandoff      = "session.handoff"
	TopicSessionResumed      = "session.resumed"
)

// Event is a single published message. Handlers may cancel it or attach
// results while it is being dispatched.
type Event struct {
	Topic     string                 `json:"topic"`
	ID        string                 `json:"id"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`

	mu        sync.Mutex
	cancelled bool
	results   []interface{}
}

// NewEvent creates an event with a fresh id and timestamp
func NewEvent(topic, source string, metadata map[string]interface{}) *Event {
	if metadata == nil {
		metadata = make(map[string]interface{})
	}
	return &Event{
		Topic:     topic,
		ID:        uuid.NewString(),
		Timestamp: time.Now(),
		Source:    source,
		Metadata:  metadata,
	}
}

// Cancel stops dispatch to every handler ordered after the current one
func (e *Event) Cancel() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.cancelled = true
}

// Cancelled reports whether a handler cancelled the event
func (e *Event) Cancelled() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled
}

// AddResult appends a handler result
func (e *Event) AddResult(result interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.results = append(e.results, result)
}

// Results returns a copy of the accumulated handler results in dispatch order
func (e *Event) Results() []interface{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]interface{}, len(e.results))
	copy(out, e.results)
	return out
}

// String returns a metadata value formatted as a string, or "" when absent
func (e *Event) String(key string) string {
	v, ok := e.Metadata[key]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Int returns an integer metadata value, or 0 when absent or not numeric
func (e *Event) Int(key string) int {
	switch v := e.Metadata[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
