package analytics

import (
	"context"
	"fmt"
	"time"

	"actionline/internal/cost"
	"actionline/internal/domain"
)

// Catalog resolves action declarations; *registry.Registry satisfies it.
type Catalog interface {
	Action(actionID string) (domain.ActionDeclaration, error)
}

type SimulationStep struct {
	ActionID                string  `json:"action_id"`
	Cost                    float64 `json:"cost"`
	CumulativeCost          float64 `json:"cumulative_cost"`
	WouldExceedBudget       bool    `json:"would_exceed_budget"`
	WouldExceedActionBudget bool    `json:"would_exceed_action_budget"`
}

type Simulation struct {
	PlanID                   string           `json:"plan_id"`
	TotalCost                float64          `json:"total_cost"`
	Steps                    []SimulationStep `json:"steps"`
	WouldExceedProjectBudget bool             `json:"would_exceed_project_budget"`
}

// SimulatePlan prices a plan step by step against the remaining budgets.
// It never calls handlers and never writes.
func SimulatePlan(ctx context.Context, s Store, cat Catalog, projectID string, plan domain.Plan, now time.Time) (Simulation, error) {
	out := Simulation{PlanID: plan.PlanID}
	if err := plan.Validate(); err != nil {
		return out, err
	}
	limits, err := s.GetProjectLimits(ctx, projectID)
	if err != nil {
		return out, fmt.Errorf("load limits: %w", err)
	}
	exceeds := func(total float64) bool {
		return limits.DailyBudget != nil && limits.BudgetUsed+total > *limits.DailyBudget
	}
	perAction := map[string]float64{}
	for i, step := range plan.Steps {
		decl, err := cat.Action(step.ActionID)
		if err != nil {
			return out, fmt.Errorf("step %d: %w", i, err)
		}
		c := cost.Of(decl)
		out.TotalCost += c
		perAction[decl.ID] += c
		overAction, err := s.ActionBudgetExceeded(ctx, projectID, decl.ID, perAction[decl.ID], now)
		if err != nil {
			return out, fmt.Errorf("step %d: action budget: %w", i, err)
		}
		out.Steps = append(out.Steps, SimulationStep{
			ActionID:                decl.ID,
			Cost:                    c,
			CumulativeCost:          out.TotalCost,
			WouldExceedBudget:       exceeds(out.TotalCost),
			WouldExceedActionBudget: overAction,
		})
	}
	out.WouldExceedProjectBudget = exceeds(out.TotalCost)
	return out, nil
}
