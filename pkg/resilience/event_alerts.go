package resilience

import (
	"context"
	stderrors "errors"
	"fmt"
	"strings"

	"github.com/NikhilSetiya/agentctx/internal/eventbus"
)

// EventSubscriber is the part of the event bus EventAlerts attaches to
type EventSubscriber interface {
	SubscribeFunc(pattern string, fn func(ctx context.Context, event *eventbus.Event) (interface{}, error), opts ...eventbus.SubscribeOption) (string, error)
	Unsubscribe(id string) bool
}

// alertPatterns are the topics turned into alerts
var alertPatterns = []string{"circuit.*", "system.*", eventbus.TopicMemoryWarning}

const alertPriority = 1000

// EventAlerts turns breaker, degradation and token budget events into alerts
type EventAlerts struct {
	manager *AlertManager
	bus     EventSubscriber
	ids     []string
}

// NewEventAlerts subscribes manager to the alerting topics on bus. Alert
// handlers run after every other subscriber of the same event.
func NewEventAlerts(bus EventSubscriber, manager *AlertManager) (*EventAlerts, error) {
	ea := &EventAlerts{manager: manager, bus: bus}
	for _, pattern := range alertPatterns {
		id, err := bus.SubscribeFunc(pattern, ea.handle, eventbus.WithPriority(alertPriority))
		if err != nil {
			ea.Close()
			return nil, err
		}
		ea.ids = append(ea.ids, id)
	}
	return ea, nil
}

// Close removes the subscriptions
func (ea *EventAlerts) Close() {
	for _, id := range ea.ids {
		ea.bus.Unsubscribe(id)
	}
	ea.ids = nil
}

func (ea *EventAlerts) handle(ctx context.Context, event *eventbus.Event) (interface{}, error) {
	alert := AlertFromEvent(event)
	err := ea.manager.SendAlert(ctx, alert)
	if stderrors.Is(err, ErrAlertRateLimited) {
		return nil, nil
	}
	return nil, err
}

// AlertFromEvent maps a published event to the alert it raises
func AlertFromEvent(event *eventbus.Event) Alert {
	alert := Alert{
		Severity: SeverityInfo,
		Title:    event.Topic,
		Source:   event.Topic,
		Tags:     map[string]string{"topic": event.Topic, "event_id": event.ID},
		Metadata: event.Metadata,
	}

	switch event.Topic {
	case eventbus.TopicCircuitStateChanged:
		name := event.String("name")
		to := event.String("new_state")
		alert.Severity = BreakerSeverity(parseCircuitState(to))
		alert.Title = fmt.Sprintf("Circuit breaker %s is %s", name, to)
		alert.Description = fmt.Sprintf("%s moved from %s to %s", name, event.String("old_state"), to)
		alert.Source = "circuit:" + name
		alert.Tags["breaker"] = name

	case eventbus.TopicSystemDegraded:
		level := parseDegradationLevel(event.String("level"))
		alert.Severity = DegradationSeverity(level)
		alert.Title = fmt.Sprintf("Degradation level %s (%s)", level.Code(), level.String())
		alert.Description = event.String("reason")
		alert.Source = "degradation"

	case eventbus.TopicMemoryWarning:
		level := event.String("level")
		alert.Severity = budgetSeverity(level)
		alert.Title = "Token budget " + level
		alert.Description = fmt.Sprintf("usage %v of available tokens", event.Metadata["usage"])
		alert.Source = "token_budget"
	}
	return alert
}

func budgetSeverity(level string) AlertSeverity {
	switch level {
	case "warning":
		return SeverityWarning
	case "critical":
		return SeverityError
	case "overflow":
		return SeverityCritical
	default:
		return SeverityInfo
	}
}

func parseCircuitState(s string) CircuitState {
	for _, state := range []CircuitState{StateClosed, StateHalfOpen, StateOpen} {
		if strings.EqualFold(state.String(), s) {
			return state
		}
	}
	return StateClosed
}

// parseDegradationLevel accepts the L0..L4 code or the level name
func parseDegradationLevel(s string) DegradationLevel {
	for level := LevelNormal; level <= MaxDegradationLevel; level++ {
		if strings.EqualFold(level.Code(), s) || strings.EqualFold(level.String(), s) {
			return level
		}
	}
	return LevelNormal
}
