package resilience

import (
	"sort"
	"sync"
)

// BreakerRegistry hands out one CircuitBreaker per dependency key. Breakers
// share the template configuration and report transitions to every listener
// registered on the registry, including listeners added after creation.
type BreakerRegistry struct {
	template CircuitBreakerConfig

	mu        sync.RWMutex
	breakers  map[string]*CircuitBreaker
	listeners []func(StateChange)
}

// NewBreakerRegistry creates a registry. The template's Name and
// OnStateChange are ignored.
func NewBreakerRegistry(template CircuitBreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		template: template,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// OnStateChange subscribes fn to transitions of every breaker.
func (r *BreakerRegistry) OnStateChange(fn func(StateChange)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}

	config := r.template
	config.Name = name
	config.OnStateChange = r.dispatch
	cb = NewCircuitBreaker(config)
	r.breakers[name] = cb
	return cb
}

// Snapshot returns stats for every breaker, sorted by name.
func (r *BreakerRegistry) Snapshot() []Stats {
	r.mu.RLock()
	breakers := make([]*CircuitBreaker, 0, len(r.breakers))
	for _, cb := range r.breakers {
		breakers = append(breakers, cb)
	}
	r.mu.RUnlock()

	stats := make([]Stats, 0, len(breakers))
	for _, cb := range breakers {
		stats = append(stats, cb.Stats())
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Name < stats[j].Name })
	return stats
}

func (r *BreakerRegistry) dispatch(change StateChange) {
	r.mu.RLock()
	listeners := make([]func(StateChange), len(r.listeners))
	copy(listeners, r.listeners)
	r.mu.RUnlock()

	for _, fn := range listeners {
		fn(change)
	}
}
