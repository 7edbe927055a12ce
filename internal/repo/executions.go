package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"actionline/internal/domain"
	"actionline/internal/events"
)

// ExecutionRecord is one row of execution history.
type ExecutionRecord struct {
	Seq int64 `json:"id"`
	domain.ExecutionResult
}

// Commit is everything a successful execution writes at once.
type Commit struct {
	Snapshot  domain.Snapshot
	Result    domain.ExecutionResult
	Intent    domain.Intent
	EventType string
	Payload   events.EventPayload
}

// SaveExecutionAndSnapshot inserts the new snapshot and the execution record,
// debits the project and action budgets and appends the audit event in one
// transaction. Either all of it becomes visible or none of it does.
func (r Repo) SaveExecutionAndSnapshot(ctx context.Context, c Commit) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := r.insertSnapshot(ctx, tx, c.Snapshot); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	if err := insertExecution(ctx, tx, c.Result, c.Intent); err != nil {
		return fmt.Errorf("insert execution: %w", err)
	}
	if c.Result.Cost > 0 {
		if err := debit(ctx, tx, c.Result.ProjectID, c.Result.ActionID, c.Result.Cost, c.Result.Timestamp); err != nil {
			return fmt.Errorf("debit budget: %w", err)
		}
	}
	if c.EventType != "" {
		w := events.Writer{DB: r.DB, Now: func() time.Time { return c.Result.Timestamp }}
		if err := w.Append(ctx, tx, c.EventType, c.Result.ProjectID, "execution", c.Result.RequestID, c.Result.UserID, c.Payload); err != nil {
			return fmt.Errorf("append event: %w", err)
		}
	}
	return tx.Commit()
}

// SaveExecution records a result that produced no snapshot and no debit.
func (r Repo) SaveExecution(ctx context.Context, res domain.ExecutionResult, intent domain.Intent) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := insertExecution(ctx, tx, res, intent); err != nil {
		return err
	}
	return tx.Commit()
}

func insertExecution(ctx context.Context, tx *sql.Tx, res domain.ExecutionResult, intent domain.Intent) error {
	var diffJSON, intentJSON any
	if len(res.Diff) > 0 {
		b, err := json.Marshal(res.Diff)
		if err != nil {
			return err
		}
		diffJSON = string(b)
	}
	if b, err := json.Marshal(intent); err == nil {
		intentJSON = string(b)
	}
	var code, msg string
	if res.Error != nil {
		code, msg = res.Error.Code, res.Error.Message
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO executions(request_id,project_id,action_id,user_id,status,message,snapshot_id,diff_json,error_code,error_message,cost,duration_ms,ts,intent_json)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		res.RequestID, res.ProjectID, res.ActionID, nullable(res.UserID), string(res.Status), res.Message,
		nullable(res.SnapshotID), diffJSON, nullable(code), nullable(msg), res.Cost, res.DurationMS,
		FormatTime(res.Timestamp), intentJSON)
	return err
}

func debit(ctx context.Context, tx *sql.Tx, projectID, actionID string, amount float64, at time.Time) error {
	now := FormatTime(at)
	if _, err := tx.ExecContext(ctx, `INSERT INTO project_limits(project_id,budget_used,updated_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET budget_used=project_limits.budget_used+excluded.budget_used, updated_at=excluded.updated_at`,
		projectID, amount, now); err != nil {
		return err
	}
	day := Day(at)
	_, err := tx.ExecContext(ctx, `UPDATE action_budgets SET used=CASE WHEN day=? THEN used+? ELSE ? END, day=? WHERE project_id=? AND action_id=?`,
		day, amount, amount, day, projectID, actionID)
	return err
}

// Day is the UTC calendar day used for daily budgets.
func Day(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

type ExecutionFilter struct {
	ProjectID string
	ActionID  string
	Status    string
	Since     time.Time
	Cursor    int64
	Limit     int
}

// ListExecutions returns history newest first. Cursor pages backwards by id.
func (r Repo) ListExecutions(ctx context.Context, f ExecutionFilter) ([]ExecutionRecord, error) {
	clauses := []string{"project_id=?"}
	args := []any{f.ProjectID}
	if f.ActionID != "" {
		clauses = append(clauses, "action_id=?")
		args = append(args, f.ActionID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if !f.Since.IsZero() {
		clauses = append(clauses, "ts>=?")
		args = append(args, FormatTime(f.Since))
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	if f.Limit <= 0 {
		f.Limit = 50
	}
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, `SELECT id,request_id,project_id,action_id,COALESCE(user_id,''),status,message,COALESCE(snapshot_id,''),
COALESCE(diff_json,''),COALESCE(error_code,''),COALESCE(error_message,''),cost,duration_ms,ts
FROM executions WHERE `+strings.Join(clauses, " AND ")+` ORDER BY id DESC LIMIT ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []ExecutionRecord
	for rows.Next() {
		var rec ExecutionRecord
		var status, diffJSON, code, msg, ts string
		res := &rec.ExecutionResult
		if err := rows.Scan(&rec.Seq, &res.RequestID, &res.ProjectID, &res.ActionID, &res.UserID, &status, &res.Message,
			&res.SnapshotID, &diffJSON, &code, &msg, &res.Cost, &res.DurationMS, &ts); err != nil {
			return nil, err
		}
		res.Status = domain.Status(status)
		res.Timestamp = parseTime(ts)
		if diffJSON != "" {
			if err := json.Unmarshal([]byte(diffJSON), &res.Diff); err != nil {
				return nil, fmt.Errorf("decode diff for execution %d: %w", rec.Seq, err)
			}
		}
		if code != "" {
			res.Error = &domain.ExecutionError{Code: code, Message: msg}
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// CountSuccessSince counts successful executions at or after since.
func (r Repo) CountSuccessSince(ctx context.Context, projectID string, since time.Time) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM executions WHERE project_id=? AND status='success' AND ts>=?`,
		projectID, FormatTime(since)).Scan(&n)
	return n, err
}

// Usage aggregates executions in a window.
type Usage struct {
	Executions int
	Successes  int
	Cost       float64
}

func (r Repo) UsageSince(ctx context.Context, projectID string, since time.Time) (Usage, error) {
	var u Usage
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*), COALESCE(SUM(CASE WHEN status='success' THEN 1 ELSE 0 END),0),
COALESCE(SUM(CASE WHEN status='success' THEN cost ELSE 0 END),0)
FROM executions WHERE project_id=? AND ts>=?`, projectID, FormatTime(since)).Scan(&u.Executions, &u.Successes, &u.Cost)
	return u, err
}

type DayUsage struct {
	Day  string  `json:"day"`
	Cost float64 `json:"cost"`
}

// DailyUsage sums successful cost per UTC day in [from, to).
func (r Repo) DailyUsage(ctx context.Context, projectID string, from, to time.Time) ([]DayUsage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT substr(ts,1,10) AS day, SUM(cost) FROM executions
WHERE project_id=? AND status='success' AND ts>=? AND ts<? GROUP BY day ORDER BY day`,
		projectID, FormatTime(from), FormatTime(to))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DayUsage
	for rows.Next() {
		var d DayUsage
		if err := rows.Scan(&d.Day, &d.Cost); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
