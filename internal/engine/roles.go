package engine

import (
	"context"

	"actionline/internal/domain"
	"actionline/internal/engine/auth"
	"actionline/internal/precondition"
)

// ResolveRoles decides an actor's roles in a project. Explicit assignments
// win; otherwise the first role mapping whose condition holds for the actor
// applies; otherwise the actor is a viewer. A mapping whose condition cannot
// be evaluated is skipped.
func (e Engine) ResolveRoles(ctx context.Context, projectID string, actor domain.Actor) ([]string, error) {
	viewer := []string{auth.RoleViewer}
	explicit, err := e.Store.ActorRoles(ctx, projectID, actor.ID)
	if err != nil {
		return viewer, err
	}
	if len(explicit) > 0 {
		return auth.Normalize(explicit, e.RoleAlias), nil
	}
	limits, err := e.Store.GetProjectLimits(ctx, projectID)
	if err != nil {
		return viewer, err
	}
	env := precondition.Env{"user": map[string]any{
		"id":     actor.ID,
		"email":  actor.Email,
		"org_id": actor.OrgID,
	}}
	for _, m := range limits.RoleMappings {
		ok, err := precondition.Evaluate(m.Condition, env)
		if err != nil {
			e.logf("engine: role mapping %s for project %s: %v", m.Role, projectID, err)
			continue
		}
		if ok {
			return auth.Normalize([]string{m.Role}, e.RoleAlias), nil
		}
	}
	return viewer, nil
}
