package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"actionline/internal/domain"
)

func (r Repo) UpsertSchedule(ctx context.Context, tx *sql.Tx, s domain.Schedule) error {
	inputs := s.Inputs
	if inputs == nil {
		inputs = map[string]any{}
	}
	payload, err := json.Marshal(inputs)
	if err != nil {
		return err
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	_, err = r.on(tx).ExecContext(ctx, `INSERT INTO schedules(id,project_id,cron,action_id,inputs_json,enabled,created_at) VALUES (?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET cron=excluded.cron, action_id=excluded.action_id, inputs_json=excluded.inputs_json, enabled=excluded.enabled`,
		s.ID, s.ProjectID, s.Cron, s.ActionID, string(payload), s.Enabled, FormatTime(s.CreatedAt))
	return err
}

const scheduleColumns = `id,project_id,cron,action_id,inputs_json,enabled,created_at`

func scanSchedule(row interface{ Scan(...any) error }) (domain.Schedule, error) {
	var s domain.Schedule
	var inputs, created string
	err := row.Scan(&s.ID, &s.ProjectID, &s.Cron, &s.ActionID, &inputs, &s.Enabled, &created)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.CreatedAt = parseTime(created)
	if err := json.Unmarshal([]byte(inputs), &s.Inputs); err != nil {
		return s, err
	}
	return s, nil
}

func (r Repo) GetSchedule(ctx context.Context, id string) (domain.Schedule, error) {
	return scanSchedule(r.DB.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE id=?`, id))
}

// ListSchedules returns schedules for one project, or all projects when
// projectID is empty.
func (r Repo) ListSchedules(ctx context.Context, projectID string, enabledOnly bool) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, nil, projectID, enabledOnly)
}

// ListSchedulesTx lists a project's schedules inside tx.
func (r Repo) ListSchedulesTx(ctx context.Context, tx *sql.Tx, projectID string) ([]domain.Schedule, error) {
	return r.listSchedules(ctx, tx, projectID, false)
}

func (r Repo) listSchedules(ctx context.Context, tx *sql.Tx, projectID string, enabledOnly bool) ([]domain.Schedule, error) {
	query := `SELECT ` + scheduleColumns + ` FROM schedules WHERE 1=1`
	var args []any
	if projectID != "" {
		query += ` AND project_id=?`
		args = append(args, projectID)
	}
	if enabledOnly {
		query += ` AND enabled=1`
	}
	rows, err := r.on(tx).QueryContext(ctx, query+` ORDER BY project_id, id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) DeleteSchedule(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM schedules WHERE id=?`, id)
	return err
}
