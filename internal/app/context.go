package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"actionline/internal/config"
	"actionline/internal/domain"
	"actionline/internal/events"
	"actionline/internal/repo"
)

// ResolveProjectAndConfig picks the active project and ensures a project + config exist in DB,
// seeding defaults if missing. It prefers overrides, then single-project DB.
// If the project does not exist, it is created on the fly.
func ResolveProjectAndConfig(ctx context.Context, workspace, projectOverride, actorID string, r repo.Repo) (string, *config.Config, error) {
	projectID := projectOverride
	if projectID == "" {
		if p, err := r.SingleProject(ctx); err == nil {
			projectID = p.ID
		} else {
			return "", nil, fmt.Errorf("project not specified; use --project")
		}
	}
	seedCfg, err := config.LoadOptional(workspace)
	if err != nil {
		return "", nil, err
	}
	if seedCfg == nil || seedCfg.Project.ID != projectID {
		seedCfg = config.Default(projectID)
	}

	if _, err := r.GetProject(ctx, projectID); err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := CreateProject(ctx, r, projectID, "", seedCfg, actorID); err != nil {
			return "", nil, err
		}
	}
	cfg, err := r.GetProjectConfig(ctx, projectID)
	if err != nil {
		if !errors.Is(err, repo.ErrNotFound) {
			return "", nil, err
		}
		if err := ApplyConfig(ctx, r, projectID, seedCfg, actorID); err != nil {
			return "", nil, fmt.Errorf("seed project config: %w", err)
		}
		cfg = seedCfg
	}
	cfg.Project.ID = projectID
	return projectID, cfg, nil
}

// CreateProject inserts the project, applies the seed config and makes the
// creating actor its admin.
func CreateProject(ctx context.Context, r repo.Repo, projectID, description string, seedCfg *config.Config, actorID string) error {
	if seedCfg == nil {
		seedCfg = config.Default(projectID)
	}
	if actorID == "" {
		actorID = "local-user"
	}
	now := time.Now().UTC()
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if description == "" {
		description = seedCfg.Project.Description
	}
	if err := r.InsertProject(ctx, tx, domain.Project{ID: projectID, Description: description, Status: "active", CreatedAt: now}); err != nil {
		return fmt.Errorf("insert project: %w", err)
	}
	if err := applyConfigTx(ctx, tx, r, projectID, seedCfg, now); err != nil {
		return err
	}
	if err := r.EnsureActor(ctx, tx, domain.Actor{ID: actorID}); err != nil {
		return fmt.Errorf("ensure actor: %w", err)
	}
	if err := r.AssignRole(ctx, tx, projectID, actorID, "admin"); err != nil {
		return fmt.Errorf("assign role: %w", err)
	}
	ew := events.Writer{DB: r.DB}
	if err := ew.Append(ctx, tx, events.RoleGranted, projectID, "actor", actorID, actorID, events.EventPayload{"role": "admin"}); err != nil {
		return err
	}
	return tx.Commit()
}

// ApplyConfig stores cfg for the project and projects it onto limits,
// per-action budgets and schedules in one transaction.
func ApplyConfig(ctx context.Context, r repo.Repo, projectID string, cfg *config.Config, actorID string) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := applyConfigTx(ctx, tx, r, projectID, cfg, time.Now().UTC()); err != nil {
		return err
	}
	ew := events.Writer{DB: r.DB}
	if err := ew.Append(ctx, tx, events.ConfigImported, projectID, "project", projectID, actorID, events.EventPayload{
		"daily_budget":    cfg.Budget.Daily,
		"rate_per_minute": cfg.Budget.RatePerMinute,
		"schedules":       len(cfg.Schedule),
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// ScheduleID namespaces a config schedule id under its project.
func ScheduleID(projectID, id string) string {
	return projectID + ":" + id
}

func applyConfigTx(ctx context.Context, tx *sql.Tx, r repo.Repo, projectID string, cfg *config.Config, now time.Time) error {
	if err := r.UpsertProjectConfigTx(ctx, tx, projectID, cfg); err != nil {
		return fmt.Errorf("store project config: %w", err)
	}
	if err := r.UpsertProjectLimits(ctx, tx, cfg.Limits(projectID)); err != nil {
		return fmt.Errorf("store limits: %w", err)
	}
	if err := r.ClearActionBudgets(ctx, tx, projectID); err != nil {
		return fmt.Errorf("clear action budgets: %w", err)
	}
	for actionID, daily := range cfg.Budget.Actions {
		if err := r.SetActionBudget(ctx, tx, projectID, actionID, daily, now); err != nil {
			return fmt.Errorf("action budget %s: %w", actionID, err)
		}
	}
	existing, err := r.ListSchedulesTx(ctx, tx, projectID)
	if err != nil {
		return fmt.Errorf("list schedules: %w", err)
	}
	keep := map[string]bool{}
	for _, s := range cfg.Schedule {
		id := ScheduleID(projectID, s.ID)
		keep[id] = true
		if err := r.UpsertSchedule(ctx, tx, domain.Schedule{
			ID:        id,
			ProjectID: projectID,
			Cron:      s.Cron,
			ActionID:  s.Action,
			Inputs:    s.Inputs,
			Enabled:   s.Active(),
			CreatedAt: now,
		}); err != nil {
			return fmt.Errorf("schedule %s: %w", s.ID, err)
		}
	}
	prefix := ScheduleID(projectID, "")
	for _, s := range existing {
		if strings.HasPrefix(s.ID, prefix) && !keep[s.ID] {
			if err := r.DeleteSchedule(ctx, tx, s.ID); err != nil {
				return fmt.Errorf("drop schedule %s: %w", s.ID, err)
			}
		}
	}
	return nil
}
