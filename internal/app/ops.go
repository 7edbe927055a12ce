package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"actionline/internal/analytics"
	"actionline/internal/domain"
	"actionline/internal/engine/auth"
	"actionline/internal/events"
	"actionline/internal/repo"
)

// ActionCatalog resolves action ids; *registry.Registry satisfies it.
type ActionCatalog interface {
	Action(actionID string) (domain.ActionDeclaration, error)
}

// ChangeRole grants or revokes a role for target and records who did it.
func ChangeRole(ctx context.Context, r repo.Repo, projectID, by, target, role string, grant bool) error {
	target = strings.TrimSpace(target)
	role = strings.ToLower(strings.TrimSpace(role))
	if target == "" {
		return fmt.Errorf("actor id is required")
	}
	if !auth.IsRole(role) {
		return fmt.Errorf("invalid role %q", role)
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := r.EnsureActor(ctx, tx, domain.Actor{ID: target}); err != nil {
		return err
	}
	evtType := events.RoleGranted
	if grant {
		err = r.AssignRole(ctx, tx, projectID, target, role)
	} else {
		evtType = events.RoleRevoked
		err = r.RevokeRole(ctx, tx, projectID, target, role)
	}
	if err != nil {
		return err
	}
	ew := events.Writer{DB: r.DB}
	if err := ew.Append(ctx, tx, evtType, projectID, "actor", target, by, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}

// LimitsChange is a partial update of a project's limits. Nil fields are
// left as they are.
type LimitsChange struct {
	DailyBudget   *float64
	Unlimited     bool
	RatePerMinute *int
	RatePerHour   *int
	// Windows replaces the execution windows when non-nil; an empty slice
	// removes them.
	Windows       *[]domain.ExecutionWindow
	ActionBudgets map[string]float64
}

// UpdateLimits applies change in one transaction and returns the new limits.
func UpdateLimits(ctx context.Context, r repo.Repo, cat ActionCatalog, projectID, actorID string, change LimitsChange, now time.Time) (domain.ProjectLimits, error) {
	l, err := r.GetProjectLimits(ctx, projectID)
	if err != nil {
		return l, err
	}
	switch {
	case change.Unlimited:
		l.DailyBudget = nil
	case change.DailyBudget != nil:
		if *change.DailyBudget < 0 {
			return l, fmt.Errorf("invalid daily budget: must be >= 0")
		}
		l.DailyBudget = change.DailyBudget
	}
	if change.RatePerMinute != nil {
		if *change.RatePerMinute < 0 {
			return l, fmt.Errorf("invalid rate per minute: must be >= 0")
		}
		l.RatePerMinute = *change.RatePerMinute
	}
	if change.RatePerHour != nil {
		if *change.RatePerHour < 0 {
			return l, fmt.Errorf("invalid rate per hour: must be >= 0")
		}
		l.RatePerHour = *change.RatePerHour
	}
	if change.Windows != nil {
		for i, w := range *change.Windows {
			if err := w.Validate(); err != nil {
				return l, fmt.Errorf("invalid execution window %d: %w", i, err)
			}
		}
		l.Windows = *change.Windows
	}
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return l, err
	}
	defer tx.Rollback()
	if err := r.UpsertProjectLimits(ctx, tx, l); err != nil {
		return l, err
	}
	for actionID, daily := range change.ActionBudgets {
		if _, err := cat.Action(actionID); err != nil {
			return l, err
		}
		if daily < 0 {
			return l, fmt.Errorf("invalid budget for %s: must be >= 0", actionID)
		}
		if err := r.SetActionBudget(ctx, tx, projectID, actionID, daily, now); err != nil {
			return l, err
		}
	}
	ew := events.Writer{DB: r.DB, Now: func() time.Time { return now }}
	if err := ew.Append(ctx, tx, events.LimitsUpdated, projectID, "project", projectID, actorID, events.EventPayload{
		"daily_budget":    l.DailyBudget,
		"rate_per_minute": l.RatePerMinute,
		"rate_per_hour":   l.RatePerHour,
		"windows":         l.Windows,
		"action_budgets":  change.ActionBudgets,
	}); err != nil {
		return l, err
	}
	if err := tx.Commit(); err != nil {
		return l, err
	}
	return r.GetProjectLimits(ctx, projectID)
}

// Rollover zeroes a project's accumulated usage and records the reset.
func Rollover(ctx context.Context, r repo.Repo, projectID, actorID string, now time.Time) error {
	before, err := r.GetProjectLimits(ctx, projectID)
	if err != nil {
		return err
	}
	if err := r.ResetBudgetUsage(ctx, projectID, now); err != nil {
		return err
	}
	ew := events.Writer{DB: r.DB, Now: func() time.Time { return now }}
	return ew.AppendNow(ctx, events.BudgetReset, projectID, "project", projectID, actorID, events.EventPayload{
		"previous_used": before.BudgetUsed,
		"day":           repo.Day(now),
	})
}

// RolloverAll starts a new budget day for every project.
func RolloverAll(ctx context.Context, r repo.Repo, actorID string, now time.Time) error {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if err := Rollover(ctx, r, p.ID, actorID, now); err != nil {
			return fmt.Errorf("rollover %s: %w", p.ID, err)
		}
	}
	return nil
}

// AdaptBudget recomputes the daily budget within [min, max], falling back to
// the project's adaptive config for bounds left at zero.
func AdaptBudget(ctx context.Context, r repo.Repo, projectID, actorID string, min, max float64, now time.Time) (analytics.AdaptResult, error) {
	if pc, err := r.GetProjectConfig(ctx, projectID); err == nil {
		if min == 0 {
			min = pc.Budget.Adaptive.Min
		}
		if max == 0 {
			max = pc.Budget.Adaptive.Max
		}
	}
	if max <= 0 {
		return analytics.AdaptResult{}, fmt.Errorf("adaptive budget max is required")
	}
	res, err := analytics.AdaptBudget(ctx, r, projectID, min, max, now)
	if err != nil || !res.Changed {
		return res, err
	}
	ew := events.Writer{DB: r.DB, Now: func() time.Time { return now }}
	err = ew.AppendNow(ctx, events.BudgetAdapted, projectID, "project", projectID, actorID, events.EventPayload{
		"previous": res.Previous,
		"budget":   res.Budget,
		"mean":     res.Mean,
		"days":     res.Days,
	})
	return res, err
}

// AdaptAll runs AdaptBudget for every project whose config enables it.
func AdaptAll(ctx context.Context, r repo.Repo, actorID string, now time.Time) ([]analytics.AdaptResult, error) {
	projects, err := r.ListProjects(ctx)
	if err != nil {
		return nil, err
	}
	var out []analytics.AdaptResult
	for _, p := range projects {
		pc, err := r.GetProjectConfig(ctx, p.ID)
		if err != nil || !pc.Budget.Adaptive.Enabled {
			continue
		}
		res, err := AdaptBudget(ctx, r, p.ID, actorID, pc.Budget.Adaptive.Min, pc.Budget.Adaptive.Max, now)
		if err != nil {
			return out, fmt.Errorf("adapt %s: %w", p.ID, err)
		}
		out = append(out, res)
	}
	return out, nil
}
