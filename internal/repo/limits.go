package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"actionline/internal/domain"
)

// GetProjectLimits returns the project's budget row. A project without one
// is unlimited.
func (r Repo) GetProjectLimits(ctx context.Context, projectID string) (domain.ProjectLimits, error) {
	l := domain.ProjectLimits{ProjectID: projectID}
	var daily sql.NullFloat64
	var mappings, windows, updated string
	err := r.DB.QueryRowContext(ctx, `SELECT daily_budget,budget_used,rate_per_minute,rate_per_hour,windows_json,role_mappings_json,updated_at FROM project_limits WHERE project_id=?`, projectID).
		Scan(&daily, &l.BudgetUsed, &l.RatePerMinute, &l.RatePerHour, &windows, &mappings, &updated)
	if err == sql.ErrNoRows {
		return l, nil
	}
	if err != nil {
		return l, err
	}
	if daily.Valid {
		v := daily.Float64
		l.DailyBudget = &v
	}
	l.UpdatedAt = parseTime(updated)
	if mappings != "" {
		if err := json.Unmarshal([]byte(mappings), &l.RoleMappings); err != nil {
			return l, fmt.Errorf("decode role mappings: %w", err)
		}
	}
	if windows != "" && windows != "[]" {
		if err := json.Unmarshal([]byte(windows), &l.Windows); err != nil {
			return l, fmt.Errorf("decode execution windows: %w", err)
		}
	}
	return l, nil
}

// UpsertProjectLimits writes the policy fields of l. Accumulated usage is
// left untouched.
func (r Repo) UpsertProjectLimits(ctx context.Context, tx *sql.Tx, l domain.ProjectLimits) error {
	mappings := l.RoleMappings
	if mappings == nil {
		mappings = []domain.RoleMapping{}
	}
	payload, err := json.Marshal(mappings)
	if err != nil {
		return err
	}
	windows := l.Windows
	if windows == nil {
		windows = []domain.ExecutionWindow{}
	}
	win, err := json.Marshal(windows)
	if err != nil {
		return err
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO project_limits(project_id,daily_budget,rate_per_minute,rate_per_hour,windows_json,role_mappings_json,updated_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(project_id) DO UPDATE SET daily_budget=excluded.daily_budget, rate_per_minute=excluded.rate_per_minute,
rate_per_hour=excluded.rate_per_hour, windows_json=excluded.windows_json,
role_mappings_json=excluded.role_mappings_json, updated_at=excluded.updated_at`,
		l.ProjectID, nullableFloat(l.DailyBudget), l.RatePerMinute, l.RatePerHour, string(win), string(payload), FormatTime(time.Now()))
	return err
}

// SetDailyBudget changes only the daily ceiling.
func (r Repo) SetDailyBudget(ctx context.Context, projectID string, daily *float64) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_limits(project_id,daily_budget,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET daily_budget=excluded.daily_budget, updated_at=excluded.updated_at`,
		projectID, nullableFloat(daily), FormatTime(time.Now()))
	return err
}

// ResetBudgetUsage zeroes the accumulated usage of a project and its
// per-action budgets, starting a new budget day.
func (r Repo) ResetBudgetUsage(ctx context.Context, projectID string, now time.Time) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `UPDATE project_limits SET budget_used=0, updated_at=? WHERE project_id=?`, FormatTime(now), projectID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `UPDATE action_budgets SET used=0, day=? WHERE project_id=?`, Day(now), projectID); err != nil {
		return err
	}
	return tx.Commit()
}

// SetActionBudget sets a per-action daily ceiling, keeping today's usage.
func (r Repo) SetActionBudget(ctx context.Context, tx *sql.Tx, projectID, actionID string, daily float64, now time.Time) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO action_budgets(project_id,action_id,daily_budget,used,day) VALUES (?,?,?,0,?)
ON CONFLICT(project_id,action_id) DO UPDATE SET daily_budget=excluded.daily_budget`,
		projectID, actionID, daily, Day(now))
	return err
}

// ClearActionBudgets removes every per-action ceiling of a project.
func (r Repo) ClearActionBudgets(ctx context.Context, tx *sql.Tx, projectID string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM action_budgets WHERE project_id=?`, projectID)
	return err
}

func (r Repo) ListActionBudgets(ctx context.Context, projectID string, now time.Time) ([]domain.ActionBudget, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,action_id,daily_budget,used,day FROM action_budgets WHERE project_id=? ORDER BY action_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	today := Day(now)
	var out []domain.ActionBudget
	for rows.Next() {
		var b domain.ActionBudget
		if err := rows.Scan(&b.ProjectID, &b.ActionID, &b.DailyBudget, &b.Used, &b.Day); err != nil {
			return nil, err
		}
		if b.Day != today {
			b.Used, b.Day = 0, today
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// ActionBudgetExceeded reports whether spending cost on actionID today would
// pass its per-action ceiling. Actions without a ceiling never exceed.
func (r Repo) ActionBudgetExceeded(ctx context.Context, projectID, actionID string, cost float64, now time.Time) (bool, error) {
	var daily, used float64
	var day string
	err := r.DB.QueryRowContext(ctx, `SELECT daily_budget,used,day FROM action_budgets WHERE project_id=? AND action_id=?`, projectID, actionID).
		Scan(&daily, &used, &day)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if day != Day(now) {
		used = 0
	}
	return used+cost > daily, nil
}
