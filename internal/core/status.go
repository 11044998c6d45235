package core

import (
	"context"

	"github.com/NikhilSetiya/agentctx/internal/budget"
	"github.com/NikhilSetiya/agentctx/internal/eventbus"
	"github.com/NikhilSetiya/agentctx/internal/session"
	"github.com/NikhilSetiya/agentctx/pkg/health"
	"github.com/NikhilSetiya/agentctx/pkg/resilience"
)

// Status is a read-only snapshot of the running system
type Status struct {
	DegradationLevel string                 `json:"degradation_level"`
	DegradationName  string                 `json:"degradation_name"`
	DisabledFeatures []string               `json:"disabled_features"`
	Breakers         []resilience.Stats     `json:"breakers"`
	Budget           BudgetStatus           `json:"budget"`
	Events           eventbus.Stats         `json:"events"`
	Health           *health.HealthResponse `json:"health"`
	Session          *session.State         `json:"session,omitempty"`
}

// BudgetStatus is the measured token usage
type BudgetStatus struct {
	ActiveTokens    int     `json:"active_tokens"`
	AvailableTokens int     `json:"available_tokens"`
	Usage           float64 `json:"usage"`
	Level           string  `json:"level"`
}

// Status collects the snapshot. Measuring the budget never triggers its
// actions.
func (c *Core) Status(ctx context.Context) (*Status, error) {
	eval, err := c.Budget.Measure(ctx)
	if err != nil {
		return nil, err
	}
	level := c.Degradation.Level()
	status := &Status{
		DegradationLevel: level.Code(),
		DegradationName:  level.String(),
		DisabledFeatures: c.Degradation.DisabledFeatures(),
		Breakers:         c.Breakers.Snapshot(),
		Budget:           budgetStatus(eval),
		Events:           c.Bus.Stats(),
		Health:           c.Health.CheckHealth(ctx),
	}
	if current, ok := c.Sessions.Current(); ok {
		status.Session = current
	}
	return status, nil
}

func budgetStatus(eval budget.Evaluation) BudgetStatus {
	return BudgetStatus{
		ActiveTokens:    eval.ActiveTokens,
		AvailableTokens: eval.AvailableTokens,
		Usage:           eval.Usage,
		Level:           eval.Level.String(),
	}
}
