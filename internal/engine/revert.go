package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"actionline/internal/diff"
	"actionline/internal/domain"
	"actionline/internal/engine/auth"
	"actionline/internal/events"
	"actionline/internal/repo"
)

const RevertActionID = "system.revert"

// RevertToSnapshot stores a new snapshot whose components equal an earlier
// one. History is never rewritten. Only admins may revert and it costs nothing.
func (e Engine) RevertToSnapshot(ctx context.Context, ectx domain.ExecutionContext, snapshotID string) domain.ExecutionResult {
	start := time.Now()
	intent := domain.Intent{
		RequestID: "revert-" + uuid.NewString()[:8],
		ActionID:  RevertActionID,
		Inputs:    map[string]any{"snapshot_id": snapshotID},
		Confirmed: true,
		Timestamp: e.now(),
	}
	res := e.revert(ctx, ectx, intent, snapshotID)
	res.DurationMS = float64(time.Since(start).Microseconds()) / 1000
	if !res.Succeeded() {
		if err := e.Store.SaveExecution(ctx, res, intent); err != nil {
			e.logf("engine: record revert result: %v", err)
		}
	}
	e.observe(res)
	return res
}

func (e Engine) revert(ctx context.Context, ectx domain.ExecutionContext, intent domain.Intent, snapshotID string) domain.ExecutionResult {
	res := e.result(ectx, intent)
	roles := auth.Normalize(ectx.Roles, e.RoleAlias)
	if auth.OnlyViewer(roles) {
		return reject(res, domain.CodePermissionViewer, "viewer role cannot revert state")
	}
	if auth.Highest(roles) != auth.RoleAdmin {
		return reject(res, domain.CodePermissionDenied, "role admin required to revert state")
	}

	release, err := e.lock(ctx, ectx.ProjectID)
	if err != nil {
		return fail(res, domain.CodeLockTimeout, err.Error())
	}
	defer release()

	target, err := e.Store.GetSnapshot(ctx, ectx.ProjectID, snapshotID)
	if errors.Is(err, repo.ErrNotFound) {
		return reject(res, domain.CodeSnapshotUnknown, fmt.Sprintf("snapshot %s not found", snapshotID))
	}
	if err != nil {
		return fail(res, domain.CodePersistenceError, fmt.Sprintf("load snapshot: %v", err))
	}
	latest, err := e.Store.GetLatestSnapshot(ctx, ectx.ProjectID)
	if err != nil {
		return fail(res, domain.CodePersistenceError, fmt.Sprintf("load snapshot: %v", err))
	}
	next := domain.Snapshot{
		ID:         uuid.Must(uuid.NewV7()).String(),
		ProjectID:  ectx.ProjectID,
		ParentID:   latest.ID,
		Seq:        latest.Seq + 1,
		Timestamp:  res.Timestamp,
		Components: domain.CloneMap(target.Components),
	}
	res.Status = domain.StatusSuccess
	res.Message = fmt.Sprintf("Reverted to snapshot %s", snapshotID)
	res.SnapshotID = next.ID
	res.Diff = diff.Compute(latest.Components, target.Components)
	if err := e.Store.SaveExecutionAndSnapshot(ctx, repo.Commit{
		Snapshot:  next,
		Result:    res,
		Intent:    intent,
		EventType: events.SnapshotReverted,
		Payload: events.EventPayload{
			"target_snapshot_id": snapshotID,
			"snapshot_id":        next.ID,
			"seq":                next.Seq,
		},
	}); err != nil {
		res.SnapshotID = ""
		res.Diff = nil
		return fail(res, domain.CodePersistenceError, fmt.Sprintf("persist revert: %v", err))
	}
	return res
}
