package resilience

import "sync"

// notifier delivers state-change notifications one at a time in the order
// they were queued. Owners queue while still holding their state lock and
// drain after releasing it. Whoever holds the delivery lock drains for
// everybody, so a listener that causes another transition on the same owner
// has it delivered after it returns instead of deadlocking.
type notifier[T any] struct {
	mu       sync.Mutex
	pending  []T
	delivery sync.Mutex
}

func (n *notifier[T]) push(items ...T) {
	if len(items) == 0 {
		return
	}
	n.mu.Lock()
	n.pending = append(n.pending, items...)
	n.mu.Unlock()
}

func (n *notifier[T]) pop() (T, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	var zero T
	if len(n.pending) == 0 {
		return zero, false
	}
	item := n.pending[0]
	n.pending[0] = zero
	n.pending = n.pending[1:]
	return item, true
}

func (n *notifier[T]) empty() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.pending) == 0
}

func (n *notifier[T]) drain(deliver func(T)) {
	for {
		if !n.delivery.TryLock() {
			return
		}
		n.deliverAll(deliver)
		// an item queued between the last pop and the unlock would otherwise
		// wait for the next transition
		if n.empty() {
			return
		}
	}
}

func (n *notifier[T]) deliverAll(deliver func(T)) {
	defer n.delivery.Unlock()
	for {
		item, ok := n.pop()
		if !ok {
			return
		}
		deliver(item)
	}
}
