package repo

import (
	"context"
	"database/sql"
	"time"

	"actionline/internal/domain"
)

// EnsureActor creates the actor if missing and fills in attributes that are
// provided.
func (r Repo) EnsureActor(ctx context.Context, tx *sql.Tx, a domain.Actor) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT INTO actors(id,email,org_id,created_at) VALUES (?,?,?,?)
ON CONFLICT(id) DO UPDATE SET email=COALESCE(excluded.email, actors.email), org_id=COALESCE(excluded.org_id, actors.org_id)`,
		a.ID, nullable(a.Email), nullable(a.OrgID), FormatTime(time.Now()))
	return err
}

func (r Repo) GetActor(ctx context.Context, id string) (domain.Actor, error) {
	var a domain.Actor
	var email, org sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT id,email,org_id FROM actors WHERE id=?`, id).Scan(&a.ID, &email, &org)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	a.Email, a.OrgID = email.String, org.String
	return a, err
}

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := r.on(tx).ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(project_id, actor_id, role_id) VALUES (?,?,?)`, projectID, actorID, roleID)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, projectID, actorID, roleID string) error {
	_, err := r.on(tx).ExecContext(ctx, `DELETE FROM actor_roles WHERE project_id=? AND actor_id=? AND role_id=?`, projectID, actorID, roleID)
	return err
}

// ActorRoles lists explicit role assignments for an actor in a project.
func (r Repo) ActorRoles(ctx context.Context, projectID, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE project_id=? AND actor_id=? ORDER BY role_id`, projectID, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}

// ProjectMembers maps actor id to roles for a project.
func (r Repo) ProjectMembers(ctx context.Context, projectID string) (map[string][]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT actor_id, role_id FROM actor_roles WHERE project_id=? ORDER BY actor_id, role_id`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[string][]string{}
	for rows.Next() {
		var actor, role string
		if err := rows.Scan(&actor, &role); err != nil {
			return nil, err
		}
		out[actor] = append(out[actor], role)
	}
	return out, rows.Err()
}
