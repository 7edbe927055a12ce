package scheduler

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"

	"actionline/internal/domain"
	"actionline/internal/events"
)

const SystemUser = "system_scheduler"

// Executor is the engine's single entry point.
type Executor interface {
	Execute(ctx context.Context, ectx domain.ExecutionContext, intent domain.Intent) domain.ExecutionResult
}

// Auditor appends audit events; events.Writer satisfies it.
type Auditor interface {
	AppendNow(ctx context.Context, evtType, projectID, entityKind, entityID, actorID string, payload events.EventPayload) error
}

// Item is one scheduled or background intent.
type Item struct {
	ScheduleID string
	ProjectID  string
	ActionID   string
	Inputs     map[string]any
	Trigger    string
}

type Worker struct {
	Executor    Executor
	Retrier     Retrier
	DeadLetters DeadLetterSink
	Audit       Auditor
	Logger      *log.Logger
	Now         func() time.Time
	NewID       func() string
}

func (w Worker) logf(format string, args ...any) {
	if w.Logger == nil {
		log.Printf(format, args...)
		return
	}
	w.Logger.Printf(format, args...)
}

func (w Worker) now() time.Time {
	if w.Now == nil {
		return time.Now().UTC()
	}
	return w.Now().UTC()
}

func shortID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Run drives item through the engine until it succeeds or the retry policy
// is exhausted. Exhausted items are dead-lettered and audited; Run itself
// never fails.
func (w Worker) Run(ctx context.Context, item Item) Outcome {
	newID := w.NewID
	if newID == nil {
		newID = shortID
	}
	trigger := item.Trigger
	if trigger == "" {
		trigger = "schedule"
	}
	ectx := domain.ExecutionContext{
		UserID:    SystemUser,
		Roles:     []string{"admin"},
		ProjectID: item.ProjectID,
		Policy:    domain.PolicyFor(domain.ModeAutonomous),
	}
	var requests []string
	out := w.Retrier.Run(ctx, func(ctx context.Context, n int) (domain.ExecutionResult, error) {
		intent := domain.Intent{
			RequestID: "sched-" + newID(),
			ActionID:  item.ActionID,
			Inputs:    domain.CloneMap(item.Inputs),
			Mode:      domain.ModeAutonomous,
			Confirmed: true,
			Trace: map[string]string{
				"trigger":     trigger,
				"schedule_id": item.ScheduleID,
				"attempt":     fmt.Sprint(n),
			},
		}
		requests = append(requests, intent.RequestID)
		res := w.Executor.Execute(ctx, ectx, intent)
		if !res.Succeeded() {
			w.logf("scheduler: %s attempt %d for %s/%s: %s", intent.RequestID, n, item.ProjectID, item.ActionID, describe(res))
		}
		return res, nil
	})
	if out.State == StateSuccess {
		w.logf("scheduler: %s/%s succeeded after %d attempt(s)", item.ProjectID, item.ActionID, out.Attempts)
		return out
	}
	w.exhausted(ctx, item, requests, out)
	return out
}

func describe(res domain.ExecutionResult) string {
	if res.Error != nil {
		return res.Error.Code + ": " + res.Error.Message
	}
	return string(res.Status)
}

func (w Worker) exhausted(ctx context.Context, item Item, requests []string, out Outcome) {
	dl := DeadLetter{
		ID:         uuid.NewString(),
		ScheduleID: item.ScheduleID,
		ProjectID:  item.ProjectID,
		ActionID:   item.ActionID,
		Inputs:     item.Inputs,
		RequestIDs: requests,
		Attempts:   out.Attempts,
		LastError:  out.LastError(),
		FailedAt:   w.now(),
	}
	w.logf("scheduler: %s/%s exhausted after %d attempt(s): %s", item.ProjectID, item.ActionID, out.Attempts, dl.LastError)
	if w.DeadLetters != nil {
		if err := w.DeadLetters.Put(dl); err != nil {
			w.logf("scheduler: dead-letter write failed: %v", err)
		}
	}
	if w.Audit != nil {
		err := w.Audit.AppendNow(context.WithoutCancel(ctx), events.ScheduleExhausted, item.ProjectID, "schedule", item.ScheduleID, SystemUser, events.EventPayload{
			"action_id":   item.ActionID,
			"attempts":    out.Attempts,
			"last_error":  dl.LastError,
			"request_ids": requests,
		})
		if err != nil {
			w.logf("scheduler: audit append failed: %v", err)
		}
	}
}
