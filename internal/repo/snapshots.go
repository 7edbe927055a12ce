package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"actionline/internal/domain"
)

func scanSnapshot(row interface{ Scan(...any) error }) (domain.Snapshot, error) {
	var s domain.Snapshot
	var parent sql.NullString
	var ts, payload string
	err := row.Scan(&s.ID, &s.ProjectID, &s.Seq, &parent, &ts, &payload)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.ParentID = parent.String
	s.Timestamp = parseTime(ts)
	if err := json.Unmarshal([]byte(payload), &s.Components); err != nil {
		return s, fmt.Errorf("decode snapshot %s: %w", s.ID, err)
	}
	if s.Components == nil {
		s.Components = map[string]any{}
	}
	return s, nil
}

const snapshotColumns = `id,project_id,seq,parent_id,ts,components_json`

// GetLatestSnapshot returns the highest-sequence snapshot of a project, or
// an empty seq-0 snapshot when none has been stored yet.
func (r Repo) GetLatestSnapshot(ctx context.Context, projectID string) (domain.Snapshot, error) {
	s, err := scanSnapshot(r.DB.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE project_id=? ORDER BY seq DESC LIMIT 1`, projectID))
	if err == ErrNotFound {
		return domain.Snapshot{ProjectID: projectID, Components: map[string]any{}}, nil
	}
	return s, err
}

func (r Repo) GetSnapshot(ctx context.Context, projectID, snapshotID string) (domain.Snapshot, error) {
	return scanSnapshot(r.DB.QueryRowContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE project_id=? AND id=?`, projectID, snapshotID))
}

func (r Repo) ListSnapshots(ctx context.Context, projectID string, limit int) ([]domain.Snapshot, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE project_id=? ORDER BY seq DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Snapshot
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func (r Repo) insertSnapshot(ctx context.Context, tx *sql.Tx, s domain.Snapshot) error {
	payload, err := json.Marshal(s.Components)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO snapshots(`+snapshotColumns+`) VALUES (?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Seq, nullable(s.ParentID), FormatTime(s.Timestamp), string(payload))
	return err
}
