// Package analytics derives budget figures from execution history: adaptive
// daily budgets, burn-rate forecasts, plan cost simulation, usage rollups and
// threshold alerts. Nothing here gates live executions.
package analytics

import (
	"context"
	"time"

	"actionline/internal/domain"
	"actionline/internal/repo"
)

// Store is the slice of the repository analytics reads from.
type Store interface {
	GetProjectLimits(ctx context.Context, projectID string) (domain.ProjectLimits, error)
	ActionBudgetExceeded(ctx context.Context, projectID, actionID string, cost float64, now time.Time) (bool, error)
	DailyUsage(ctx context.Context, projectID string, from, to time.Time) ([]repo.DayUsage, error)
	UsageSince(ctx context.Context, projectID string, since time.Time) (repo.Usage, error)
	SetDailyBudget(ctx context.Context, projectID string, daily *float64) error
	ListProjects(ctx context.Context) ([]domain.Project, error)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
