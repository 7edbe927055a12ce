package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Audit event types.
const (
	ExecutionSucceeded = "execution.succeeded"
	SnapshotReverted   = "snapshot.reverted"
	LimitsUpdated      = "limits.updated"
	BudgetAdapted      = "budget.adapted"
	BudgetReset        = "budget.reset"
	ConfigImported     = "config.imported"
	RoleGranted        = "role.granted"
	RoleRevoked        = "role.revoked"
	ScheduleExhausted  = "schedule.exhausted"
	BudgetAlert        = "budget.alert"
)

// Writer appends audit events inside the caller's transaction so an event is
// visible exactly when the change it describes is.
type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	if actorID == "" {
		actorID = "system"
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,project_id,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?,?)`,
		w.Now().UTC().Format(time.RFC3339Nano), evtType, nullable(projectID), entityKind, nullable(entityID), actorID, string(data))
	return err
}

// AppendNow opens its own transaction for events that are not tied to a
// larger write.
func (w Writer) AppendNow(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload EventPayload) error {
	tx, err := w.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := w.Append(ctx, tx, evtType, projectID, entityKind, entityID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
