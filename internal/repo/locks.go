package repo

import (
	"context"
	"time"
)

// LockProject takes or renews the lease on a project. It succeeds when the
// lease is free, expired or already held by holder, and reports false when
// another holder owns a live lease.
func (r Repo) LockProject(ctx context.Context, projectID, holder string, ttl time.Duration, now time.Time) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `INSERT INTO project_locks(project_id,holder,expires_at) VALUES (?,?,?)
ON CONFLICT(project_id) DO UPDATE SET holder=excluded.holder, expires_at=excluded.expires_at
WHERE project_locks.holder=excluded.holder OR project_locks.expires_at<?`,
		projectID, holder, FormatTime(now.Add(ttl)), FormatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// UnlockProject releases the lease if holder owns it; otherwise it is a no-op.
func (r Repo) UnlockProject(ctx context.Context, projectID, holder string) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM project_locks WHERE project_id=? AND holder=?`, projectID, holder)
	return err
}
