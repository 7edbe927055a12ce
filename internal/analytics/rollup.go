package analytics

import (
	"context"
	"fmt"
	"time"

	"actionline/internal/config"
	"actionline/internal/domain"
)

type ProjectUsage struct {
	ProjectID       string   `json:"project_id"`
	BudgetUsed      float64  `json:"budget_used"`
	BudgetTotal     *float64 `json:"budget_total,omitempty"`
	ExecutionsToday int      `json:"executions_today"`
	CostToday       float64  `json:"cost_today"`
}

// Rollup summarizes today's usage for every project.
func Rollup(ctx context.Context, s Store, now time.Time) ([]ProjectUsage, error) {
	projects, err := s.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectUsage, 0, len(projects))
	for _, p := range projects {
		limits, err := s.GetProjectLimits(ctx, p.ID)
		if err != nil {
			return nil, fmt.Errorf("limits for %s: %w", p.ID, err)
		}
		usage, err := s.UsageSince(ctx, p.ID, startOfDay(now))
		if err != nil {
			return nil, fmt.Errorf("usage for %s: %w", p.ID, err)
		}
		out = append(out, ProjectUsage{
			ProjectID:       p.ID,
			BudgetUsed:      limits.BudgetUsed,
			BudgetTotal:     limits.DailyBudget,
			ExecutionsToday: usage.Executions,
			CostToday:       usage.Cost,
		})
	}
	return out, nil
}

type FiredAlert struct {
	Name        string  `json:"name"`
	ProjectID   string  `json:"project_id"`
	Percent     float64 `json:"percent"`
	BudgetUsed  float64 `json:"budget_used"`
	BudgetTotal float64 `json:"budget_total"`
	URL         string  `json:"-"`
}

// EvaluateAlerts returns the rules whose threshold the current usage has
// reached. Projects without a positive daily budget never alert.
func EvaluateAlerts(limits domain.ProjectLimits, rules []config.Alert) []FiredAlert {
	if limits.DailyBudget == nil || *limits.DailyBudget <= 0 {
		return nil
	}
	pct := limits.BudgetUsed / *limits.DailyBudget * 100
	var out []FiredAlert
	for _, r := range rules {
		if pct >= r.ThresholdPercent {
			out = append(out, FiredAlert{
				Name:        r.Name,
				ProjectID:   limits.ProjectID,
				Percent:     pct,
				BudgetUsed:  limits.BudgetUsed,
				BudgetTotal: *limits.DailyBudget,
				URL:         r.URL,
			})
		}
	}
	return out
}
