package eventbus

import (
	"context"
	stderrors "errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"github.com/NikhilSetiya/agentctx/pkg/errors"
	"github.com/NikhilSetiya/agentctx/pkg/logging"
	"github.com/NikhilSetiya/agentctx/pkg/metrics"
	"github.com/NikhilSetiya/agentctx/pkg/tracing"
)

// DefaultPriority is used when a subscription does not set one
const DefaultPriority = 50

// Handler processes a dispatched event. A non-nil result is appended to the
// event's results.
type Handler interface {
	Handle(ctx context.Context, event *Event) (interface{}, error)
}

// HandlerFunc adapts a function to Handler
type HandlerFunc func(ctx context.Context, event *Event) (interface{}, error)

// Handle calls f
func (f HandlerFunc) Handle(ctx context.Context, event *Event) (interface{}, error) {
	return f(ctx, event)
}

// Config contains bus configuration
type Config struct {
	HandlerTimeout time.Duration
	Logger         *logging.Logger
	Metrics        *metrics.Metrics
	Tracer         *tracing.TracingService
}

// DefaultConfig returns default bus configuration
func DefaultConfig() Config {
	return Config{HandlerTimeout: 5 * time.Second}
}

// Stats contains bus counters
type Stats struct {
	Subscriptions int    `json:"subscriptions"`
	Published     uint64 `json:"published"`
	Delivered     uint64 `json:"delivered"`
	Failed        uint64 `json:"failed"`
	TimedOut      uint64 `json:"timed_out"`
	Cancelled     uint64 `json:"cancelled"`
}

type subscription struct {
	id       string
	pattern  string
	kind     patternKind
	key      string
	handler  Handler
	priority int
	filter   func(*Event) bool
	once     bool
	seq      uint64

	fired   atomic.Bool
	removed atomic.Bool
}

// SubscribeOption configures a subscription
type SubscribeOption func(*subscription)

// WithPriority sets the dispatch priority. Lower values fire first.
func WithPriority(priority int) SubscribeOption {
	return func(s *subscription) {
		s.priority = priority
	}
}

// WithFilter skips events for which filter returns false
func WithFilter(filter func(*Event) bool) SubscribeOption {
	return func(s *subscription) {
		s.filter = filter
	}
}

// Once removes the subscription after its first delivery
func Once() SubscribeOption {
	return func(s *subscription) {
		s.once = true
	}
}

type publishOptions struct {
	handlerTimeout time.Duration
}

// PublishOption configures a single publish
type PublishOption func(*publishOptions)

// WithHandlerTimeout overrides the per-handler bound for one publish
func WithHandlerTimeout(timeout time.Duration) PublishOption {
	return func(o *publishOptions) {
		o.handlerTimeout = timeout
	}
}

// Bus dispatches events to subscribers in ascending priority order. Handlers
// for one event run sequentially; independent publishes may run concurrently.
type Bus struct {
	config Config

	mu     sync.RWMutex
	exact  map[string][]*subscription
	prefix []*subscription
	global []*subscription
	byID   map[string]*subscription
	seq    uint64
	closed bool

	async sync.WaitGroup

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
	timedOut  atomic.Uint64
	cancelled atomic.Uint64

	logger  *logging.Logger
	metrics *metrics.Metrics
	tracer  *tracing.TracingService
}

// New creates a bus
func New(config Config) *Bus {
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = DefaultConfig().HandlerTimeout
	}
	return &Bus{
		config:  config,
		exact:   make(map[string][]*subscription),
		byID:    make(map[string]*subscription),
		logger:  logging.OrNop(config.Logger).Named("eventbus"),
		metrics: config.Metrics,
		tracer:  config.Tracer,
	}
}

// Subscribe registers handler for pattern and returns the subscription id
func (b *Bus) Subscribe(pattern string, handler Handler, opts ...SubscribeOption) (string, error) {
	if handler == nil {
		return "", errors.NewValidationError("handler is required")
	}
	kind, key, err := parsePattern(pattern)
	if err != nil {
		return "", err
	}

	sub := &subscription{
		id:       uuid.NewString(),
		pattern:  pattern,
		kind:     kind,
		key:      key,
		handler:  handler,
		priority: DefaultPriority,
	}
	for _, opt := range opts {
		opt(sub)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	b.seq++
	sub.seq = b.seq
	switch kind {
	case patternGlobal:
		b.global = append(b.global, sub)
	case patternPrefix:
		b.prefix = append(b.prefix, sub)
	default:
		b.exact[key] = append(b.exact[key], sub)
	}
	b.byID[sub.id] = sub

	b.logger.Debug("Subscribed", "subscription_id", sub.id, "pattern", pattern, "priority", sub.priority)
	return sub.id, nil
}

// SubscribeFunc is Subscribe for a plain function
func (b *Bus) SubscribeFunc(pattern string, fn func(ctx context.Context, event *Event) (interface{}, error), opts ...SubscribeOption) (string, error) {
	return b.Subscribe(pattern, HandlerFunc(fn), opts...)
}

// Unsubscribe removes a subscription. It reports whether id was registered.
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	sub.removed.Store(true)
	delete(b.byID, id)

	switch sub.kind {
	case patternGlobal:
		b.global = without(b.global, sub)
	case patternPrefix:
		b.prefix = without(b.prefix, sub)
	default:
		remaining := without(b.exact[sub.key], sub)
		if len(remaining) == 0 {
			delete(b.exact, sub.key)
		} else {
			b.exact[sub.key] = remaining
		}
	}
	return true
}

func without(subs []*subscription, target *subscription) []*subscription {
	out := make([]*subscription, 0, len(subs))
	for _, s := range subs {
		if s != target {
			out = append(out, s)
		}
	}
	return out
}

// resolve snapshots the subscriptions for topic in dispatch order
func (b *Bus) resolve(topic string) []*subscription {
	b.mu.RLock()
	matched := make([]*subscription, 0, len(b.exact[topic])+len(b.global))
	matched = append(matched, b.exact[topic]...)
	for _, sub := range b.prefix {
		if strings.HasPrefix(topic, sub.key) {
			matched = append(matched, sub)
		}
	}
	matched = append(matched, b.global...)
	b.mu.RUnlock()

	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority < matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

// Publish dispatches event and returns it. Handler failures are logged and
// counted but never returned. Publishing a cancelled event, or publishing on a
// closed bus, is a no-op.
func (b *Bus) Publish(ctx context.Context, event *Event, opts ...PublishOption) *Event {
	if event == nil {
		return nil
	}

	b.mu.RLock()
	closed := b.closed
	b.mu.RUnlock()
	if closed {
		b.logger.Warn("Publish on closed bus dropped", "topic", event.Topic, "event_id", event.ID)
		return event
	}

	return b.dispatch(ctx, event, opts...)
}

// PublishAsync dispatches event on its own goroutine. The returned channel
// yields the event once dispatch finishes.
func (b *Bus) PublishAsync(ctx context.Context, event *Event, opts ...PublishOption) <-chan *Event {
	done := make(chan *Event, 1)

	b.mu.RLock()
	if b.closed || event == nil {
		b.mu.RUnlock()
		done <- event
		close(done)
		return done
	}
	b.async.Add(1)
	b.mu.RUnlock()

	go func() {
		defer b.async.Done()
		defer close(done)
		done <- b.dispatch(ctx, event, opts...)
	}()
	return done
}

func (b *Bus) dispatch(ctx context.Context, event *Event, opts ...PublishOption) *Event {
	if event.Cancelled() {
		return event
	}

	options := publishOptions{handlerTimeout: b.config.HandlerTimeout}
	for _, opt := range opts {
		opt(&options)
	}
	if options.handlerTimeout <= 0 {
		options.handlerTimeout = b.config.HandlerTimeout
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	ctx, span := b.tracer.StartComponentSpan(ctx, "eventbus", "publish",
		attribute.String("event.topic", event.Topic),
		attribute.String("event.id", event.ID),
	)
	defer span.End()
	ctx = logging.WithEventID(ctx, event.ID)

	b.published.Add(1)
	b.metrics.RecordPublish(event.Topic)

	subs := b.resolve(event.Topic)
	delivered := 0
	for _, sub := range subs {
		if event.Cancelled() {
			b.cancelled.Add(1)
			b.logger.Debug("Event cancelled, stopping dispatch", "topic", event.Topic, "event_id", event.ID, "delivered", delivered)
			break
		}
		if ctx.Err() != nil {
			b.logger.Warn("Publish context done, stopping dispatch", "topic", event.Topic, "event_id", event.ID, "error", ctx.Err())
			break
		}
		if sub.removed.Load() {
			continue
		}
		if sub.filter != nil && !b.accepts(sub, event) {
			continue
		}
		if sub.once {
			if !sub.fired.CompareAndSwap(false, true) {
				continue
			}
			b.Unsubscribe(sub.id)
		}

		b.deliver(ctx, sub, event, options.handlerTimeout)
		delivered++
	}

	span.SetAttributes(attribute.Int("eventbus.delivered", delivered))
	return event
}

// accepts runs a subscription filter; a panicking filter rejects the event
func (b *Bus) accepts(sub *subscription, event *Event) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Subscription filter panicked", "subscription_id", sub.id, "topic", event.Topic, "panic", r)
			ok = false
		}
	}()
	return sub.filter(event)
}

var errHandlerPanic = stderrors.New("handler panicked")

type handlerOutcome struct {
	result interface{}
	err    error
	panic  bool
}

func (b *Bus) deliver(ctx context.Context, sub *subscription, event *Event, timeout time.Duration) {
	start := time.Now()
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan handlerOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- handlerOutcome{err: fmt.Errorf("%w: %v", errHandlerPanic, r), panic: true}
			}
		}()
		result, err := sub.handler.Handle(hctx, event)
		done <- handlerOutcome{result: result, err: err}
	}()

	var outcome handlerOutcome
	reason := ""
	select {
	case outcome = <-done:
		switch {
		case outcome.panic:
			reason = "panic"
		case outcome.err != nil:
			reason = "error"
		}
	case <-hctx.Done():
		outcome.err = hctx.Err()
		reason = "timeout"
		if ctx.Err() != nil {
			reason = "cancelled"
		}
	}

	duration := time.Since(start)
	b.metrics.RecordHandler(event.Topic, duration, reason)

	if reason == "" {
		b.delivered.Add(1)
		if outcome.result != nil {
			event.AddResult(outcome.result)
		}
		return
	}

	b.failed.Add(1)
	if reason == "timeout" {
		b.timedOut.Add(1)
	}
	failure := errors.NewHandlerFailure(event.Topic, sub.id, outcome.err).
		WithDetail("reason", reason).
		WithDetail("pattern", sub.pattern)
	b.logger.Error("Event handler failed",
		"topic", event.Topic,
		"event_id", event.ID,
		"subscription_id", sub.id,
		"reason", reason,
		"duration", duration,
		"error", failure,
	)
}

// Close stops accepting publishes and waits for in-flight async publishes.
// Handlers are bounded by their timeouts so the wait is bounded too.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	b.async.Wait()
	b.logger.Info("Event bus closed", "published", b.published.Load())
	return nil
}

// Stats returns a snapshot of bus counters
func (b *Bus) Stats() Stats {
	b.mu.RLock()
	subscriptions := len(b.byID)
	b.mu.RUnlock()

	return Stats{
		Subscriptions: subscriptions,
		Published:     b.published.Load(),
		Delivered:     b.delivered.Load(),
		Failed:        b.failed.Load(),
		TimedOut:      b.timedOut.Load(),
		Cancelled:     b.cancelled.Load(),
	}
}
